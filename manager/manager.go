// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/SnellerInc/blobmanager/bmstore"
	"github.com/SnellerInc/blobmanager/bwrpc"
	"github.com/SnellerInc/blobmanager/id"
	"github.com/SnellerInc/blobmanager/objstore"
	"github.com/SnellerInc/blobmanager/rangemap"
)

// Assignment is the in-memory record of one range's current owner and
// the (epoch, seqno) at which it was placed there.
type Assignment struct {
	Worker  id.WorkerID
	Version bmstore.Version
}

func assignmentEqual(a, b Assignment) bool {
	return a.Worker == b.Worker && a.Version == b.Version
}

// workerHandle is the manager's in-memory record of one recruited
// blob worker.
type workerHandle struct {
	id      id.WorkerID
	address string
	client  bwrpc.BlobWorkerClient

	mu               sync.Mutex
	numGranules      int
	lastSeenSeqno    map[string]uint64 // range.Begin (as string) -> last seqno seen on status stream
	cancel           context.CancelFunc
	deathOnce        sync.Once
}

func (w *workerHandle) incr() {
	w.mu.Lock()
	w.numGranules++
	w.mu.Unlock()
}

func (w *workerHandle) decr() {
	w.mu.Lock()
	if w.numGranules > 0 {
		w.numGranules--
	}
	w.mu.Unlock()
}

func (w *workerHandle) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numGranules
}

// Manager is one running instance of the blob manager, holding
// exclusive claim to Epoch until it observes ErrManagerReplaced.
type Manager struct {
	cfg        Config
	store      bmstore.Store
	objects    objstore.Store
	controller bwrpc.ClusterController
	dial       func(address string) bwrpc.BlobWorkerClient

	epoch uint64
	stats Stats

	debugMoveSeq atomic.Uint64

	mu          sync.Mutex
	assignments *rangemap.RangeMap[Assignment]
	known       *rangemap.RangeMap[bool]
	workers     map[id.UID]*workerHandle
	byAddress   map[string]id.UID
	seqno       uint64
	splitter    RangeSplitter

	queue        *Queue
	recruitCh    chan struct{}
	watchdogCh   chan struct{}
	replaced     chan struct{}
	replacedOnce sync.Once
	replacedErr  error

	wg sync.WaitGroup
}

// New constructs a Manager that will run at ownEpoch, which must be
// nonzero: epoch 0 is reserved (spec.md's additional invariant
// carried from original_source, matching bmstore.TakeEpoch).
func New(ownEpoch uint64, store bmstore.Store, objects objstore.Store, controller bwrpc.ClusterController, dial func(address string) bwrpc.BlobWorkerClient, cfg Config) (*Manager, error) {
	if ownEpoch == 0 {
		return nil, fmt.Errorf("manager: epoch 0 is reserved and may not be used")
	}
	cfg.setDefaults()
	if cfg.Normal.Empty() {
		return nil, fmt.Errorf("manager: normal key range must be non-empty")
	}
	m := &Manager{
		cfg:         cfg,
		store:       store,
		objects:     objects,
		controller:  controller,
		dial:        dial,
		epoch:       ownEpoch,
		assignments: rangemap.New[Assignment](assignmentEqual),
		known:       rangemap.New[bool](func(a, b bool) bool { return a == b }),
		workers:     make(map[id.UID]*workerHandle),
		byAddress:   make(map[string]id.UID),
		queue:       NewQueue(),
		recruitCh:   make(chan struct{}, 1),
		watchdogCh:  make(chan struct{}, 1),
		replaced:    make(chan struct{}),
	}
	return m, nil
}

// Epoch returns the manager's own epoch.
func (m *Manager) Epoch() uint64 { return m.epoch }

// nextSeqno returns the next strictly-increasing seqno for an
// assignment event, per spec.md §4.D.
func (m *Manager) nextSeqno() uint64 {
	m.mu.Lock()
	m.seqno++
	v := m.seqno
	m.mu.Unlock()
	return v
}

// Run starts every long-running component and blocks until ctx is
// canceled or the manager observes it has been replaced. recovery
// (component H) runs to completion before any other component begins
// consuming the queue, per spec.md §2.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-m.replaced:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := m.recover(ctx); err != nil {
		return err
	}

	m.wg.Add(5)
	go func() { defer m.wg.Done(); m.runAssignmentEngine(ctx) }()
	go func() { defer m.wg.Done(); m.runClientRangeMonitor(ctx) }()
	go func() { defer m.wg.Done(); m.runRecruiter(ctx) }()
	go func() { defer m.wg.Done(); m.runWatchdog(ctx) }()
	go func() { defer m.wg.Done(); m.runRetentionGC(ctx) }()

	<-ctx.Done()
	m.wg.Wait()

	if m.replacedErr != nil {
		return m.replacedErr
	}
	return ctx.Err()
}

// Halt cancels every task belonging to this manager, as if it had
// observed ErrManagerReplaced, without actually touching the
// persisted epoch. It corresponds to the exposed HaltBlobManager RPC
// (spec.md §6).
func (m *Manager) Halt() {
	m.failover(ErrHalted)
}

// HaltAll halts every currently-tracked blob worker (best-effort) and
// then halts the manager itself, corresponding to the exposed
// HaltBlobGranules RPC.
func (m *Manager) HaltAll(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*workerHandle, 0, len(m.workers))
	for _, w := range m.workers {
		handles = append(handles, w)
	}
	m.mu.Unlock()
	for _, w := range handles {
		w.client.HaltBlobWorker(ctx, bwrpc.HaltBlobWorkerRequest{Reason: "HaltBlobGranules"})
	}
	m.Halt()
}

// failover marks the manager as replaced/halted with err and cancels
// its run loop exactly once.
func (m *Manager) failover(err error) {
	m.replacedOnce.Do(func() {
		m.replacedErr = err
		close(m.replaced)
	})
}

// armWatchdog requests SelfLockWatchdog re-check the manager lock
// (spec.md §4.J), debounced.
func (m *Manager) armWatchdog() {
	select {
	case m.watchdogCh <- struct{}{}:
	default:
	}
}

// triggerRecruitment wakes the Recruiter loop.
func (m *Manager) triggerRecruitment() {
	select {
	case m.recruitCh <- struct{}{}:
	default:
	}
}

// snapshotAssignments returns a coarse, point-in-time copy of the
// worker_assignments map for callers outside the AssignmentEngine
// that only need to read it (spec.md §3 "Ownership").
func (m *Manager) snapshotAssignments() []struct {
	Range rangemap.KeyRange
	Value Assignment
} {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []struct {
		Range rangemap.KeyRange
		Value Assignment
	}
	m.assignments.AllRanges(func(r rangemap.KeyRange, v Assignment) bool {
		out = append(out, struct {
			Range rangemap.KeyRange
			Value Assignment
		}{r, v})
		return true
	})
	return out
}
