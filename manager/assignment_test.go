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
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/SnellerInc/blobmanager/bmstore"
	"github.com/SnellerInc/blobmanager/bmstore/memkv"
	"github.com/SnellerInc/blobmanager/bwrpc"
	"github.com/SnellerInc/blobmanager/id"
)

// fakeClient is a bwrpc.BlobWorkerClient double recording every call
// it receives, for assertions in AssignmentEngine and WorkerSupervisor
// tests.
type fakeClient struct {
	mu       sync.Mutex
	assigns  []bwrpc.AssignRangeRequest
	revokes  []bwrpc.RevokeRangeRequest
	assignErr error
}

func (f *fakeClient) AssignRange(ctx context.Context, req bwrpc.AssignRangeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigns = append(f.assigns, req)
	return f.assignErr
}

func (f *fakeClient) RevokeRange(ctx context.Context, req bwrpc.RevokeRangeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokes = append(f.revokes, req)
	return nil
}

func (f *fakeClient) GetGranuleAssignments(ctx context.Context, req bwrpc.GetGranuleAssignmentsRequest) (bwrpc.GetGranuleAssignmentsReply, error) {
	return bwrpc.GetGranuleAssignmentsReply{}, nil
}

func (f *fakeClient) HaltBlobWorker(ctx context.Context, req bwrpc.HaltBlobWorkerRequest) error {
	return nil
}

func (f *fakeClient) GranuleStatusStream(ctx context.Context) (<-chan bwrpc.GranuleStatusReport, <-chan error) {
	reports := make(chan bwrpc.GranuleStatusReport)
	errs := make(chan error, 1)
	go func() {
		<-ctx.Done()
		close(reports)
		close(errs)
	}()
	return reports, errs
}

var _ bwrpc.BlobWorkerClient = (*fakeClient)(nil)

func testManager(t *testing.T) (*Manager, *bmstore.Store) {
	t.Helper()
	store := memkv.New()
	var st bmstore.Store = store
	if err := bmstore.TakeEpoch(context.Background(), st, 1); err != nil {
		t.Fatalf("TakeEpoch: %v", err)
	}
	cfg := Config{
		Normal: kr("", "\xff"),
		Rand:   rand.New(rand.NewSource(1)),
	}
	m, err := New(1, st, nil, nil, nil, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, &st
}

func addWorker(m *Manager, addr string) (*workerHandle, *fakeClient) {
	fc := &fakeClient{}
	w := &workerHandle{id: id.New(), address: addr, client: fc}
	m.mu.Lock()
	m.workers[w.id] = w
	m.byAddress[addr] = w.id
	m.mu.Unlock()
	return w, fc
}

// TestProcessAssign_PicksWorkerAndDispatches exercises component D's
// pick_worker_for_assign and its subsequent AssignRange dispatch.
func TestProcessAssign_PicksWorkerAndDispatches(t *testing.T) {
	m, _ := testManager(t)
	m.cfg.setDefaults()
	w, fc := addWorker(m, "10.0.0.1:9180")

	ctx := context.Background()
	m.processAssign(ctx, RangeAssignment{Kind: EventAssign, Range: kr("A", "B"), Type: bwrpc.Normal})

	fc.mu.Lock()
	n := len(fc.assigns)
	fc.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one AssignRange dispatch, got %d", n)
	}
	if w.count() != 1 {
		t.Fatalf("expected worker's granule count to be 1, got %d", w.count())
	}

	rng, val, ok := m.assignments.RangeContaining(key("A"))
	if !ok || !rng.Equal(kr("A", "B")) || val.Worker != w.id {
		t.Fatalf("expected [A,B) assigned to %s, got %v %v %v", w.id, rng, val, ok)
	}
}

// TestProcessRevoke_TargetedOwner exercises the targeted revoke path:
// only the named worker is asked to give up the range.
func TestProcessRevoke_TargetedOwner(t *testing.T) {
	m, _ := testManager(t)
	m.cfg.setDefaults()
	w, fc := addWorker(m, "10.0.0.1:9180")
	m.assignments.Insert(kr("A", "B"), Assignment{Worker: w.id, Version: bmstore.Version{Epoch: 1, Seqno: 1}})
	w.incr()

	m.processRevoke(context.Background(), RangeAssignment{Kind: EventRevoke, Range: kr("A", "B"), Worker: w.id})

	fc.mu.Lock()
	n := len(fc.revokes)
	fc.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one RevokeRange dispatch, got %d", n)
	}
	if w.count() != 0 {
		t.Fatalf("expected worker's granule count to drop to 0, got %d", w.count())
	}
}

// TestProcessRevoke_DisposeClearsAssignment exercises spec.md §4.E
// step 3: a client-driven removal clears the in-memory assignment
// entirely rather than leaving it Unmapped for re-assignment.
func TestProcessRevoke_DisposeClearsAssignment(t *testing.T) {
	m, _ := testManager(t)
	m.cfg.setDefaults()
	w, _ := addWorker(m, "10.0.0.1:9180")
	m.assignments.Insert(kr("A", "B"), Assignment{Worker: w.id, Version: bmstore.Version{Epoch: 1, Seqno: 1}})
	w.incr()

	m.processRevoke(context.Background(), RangeAssignment{Kind: EventRevoke, Range: kr("A", "B"), Dispose: true})

	if _, _, ok := m.assignments.RangeContaining(key("A")); ok {
		t.Fatalf("expected the disposed range to be cleared entirely")
	}
}

// TestQueue_DrainWaitsForProcessing checks the Drain contract used by
// activateRange and kill_blob_worker: Drain must not return until
// every event pushed before the call has had Done called on it.
func TestQueue_DrainWaitsForProcessing(t *testing.T) {
	q := NewQueue()
	q.Push(RangeAssignment{Range: kr("A", "B")})
	q.Push(RangeAssignment{Range: kr("B", "C")})

	done := make(chan struct{})
	go func() {
		q.Drain()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Drain returned before any event was processed")
	case <-time.After(20 * time.Millisecond):
	}

	ev, ok := q.Pop(nil)
	if !ok {
		t.Fatal("expected an event")
	}
	_ = ev
	q.Done()
	ev, ok = q.Pop(nil)
	if !ok {
		t.Fatal("expected a second event")
	}
	_ = ev
	q.Done()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after both events were marked Done")
	}
}
