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
	"errors"
	"time"

	"github.com/SnellerInc/blobmanager/bmstore"
	"github.com/SnellerInc/blobmanager/bwrpc"
	"github.com/SnellerInc/blobmanager/id"
	"github.com/SnellerInc/blobmanager/rangemap"
)

// runAssignmentEngine is component D: the sole consumer of the
// assignment queue and the only mutator of worker_assignments.
func (m *Manager) runAssignmentEngine(ctx context.Context) {
	for {
		ev, ok := m.queue.Pop(ctx.Done())
		if !ok {
			return
		}
		switch ev.Kind {
		case EventAssign:
			m.processAssign(ctx, ev)
		case EventRevoke:
			m.processRevoke(ctx, ev)
		}
		m.queue.Done()
		if ctx.Err() != nil {
			return
		}
	}
}

// pickWorkerForAssign chooses uniformly among workers tied for
// minimum num_granules_assigned, blocking until at least one worker
// is registered (spec.md §4.D).
func (m *Manager) pickWorkerForAssign(ctx context.Context) (*workerHandle, bool) {
	for {
		m.mu.Lock()
		var best []*workerHandle
		min := -1
		for _, w := range m.workers {
			n := w.count()
			switch {
			case min < 0 || n < min:
				min = n
				best = []*workerHandle{w}
			case n == min:
				best = append(best, w)
			}
		}
		m.mu.Unlock()
		if len(best) > 0 {
			return best[m.cfg.Rand.Intn(len(best))], true
		}
		m.triggerRecruitment()
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (m *Manager) workerByID(w id.WorkerID) *workerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[w]
}

// persistMapping durably records owner as the assignee of the range
// beginning at begin, checking the manager lock first.
func (m *Manager) persistMapping(ctx context.Context, begin rangemap.Key, owner id.WorkerID) error {
	return m.store.Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
		if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
			return err
		}
		bmstore.SetGranuleMappingBoundary(tr, begin, owner)
		return nil
	})
}

// processAssign implements spec.md §4.D event kind 1.
func (m *Manager) processAssign(ctx context.Context, ev RangeAssignment) {
	m.mu.Lock()
	var overlapping []rangemap.KeyRange
	var overlappingVal []Assignment
	m.assignments.IntersectingRanges(ev.Range, func(r rangemap.KeyRange, v Assignment) bool {
		overlapping = append(overlapping, r)
		overlappingVal = append(overlappingVal, v)
		return true
	})
	m.mu.Unlock()

	if ev.Type == bwrpc.Continue {
		if len(overlapping) != 1 || !overlapping[0].Equal(ev.Range) || overlappingVal[0].Worker != ev.Worker {
			// the granule was re-split between the BW's report and
			// this event being processed; drop it.
			return
		}
	} else if len(overlapping) != 1 {
		m.cfg.logf("assignment_engine: %s intersects %d existing entries, expected exactly 1", ev.Range, len(overlapping))
	}

	var worker *workerHandle
	if !ev.Worker.IsZero() {
		worker = m.workerByID(ev.Worker)
	}
	if worker == nil {
		var ok bool
		worker, ok = m.pickWorkerForAssign(ctx)
		if !ok {
			return
		}
	}

	seqno := m.nextSeqno()
	ver := bmstore.Version{Epoch: m.epoch, Seqno: seqno}

	m.mu.Lock()
	m.assignments.Insert(ev.Range, Assignment{Worker: worker.id, Version: ver})
	m.mu.Unlock()
	if ev.Type == bwrpc.Normal {
		worker.incr()
	}

	if err := m.persistMapping(ctx, ev.Range.Begin, worker.id); err != nil {
		if errors.Is(err, bmstore.ErrManagerReplaced) {
			m.failover(err)
			return
		}
		m.cfg.logf("assignment_engine: persisting mapping for %s: %s", ev.Range, err)
	}

	err := worker.client.AssignRange(ctx, bwrpc.AssignRangeRequest{
		Range: ev.Range,
		Epoch: m.epoch,
		Seqno: seqno,
		Type:  ev.Type,
	})
	if err == nil {
		m.stats.granulesAssigned.Add(1)
		return
	}

	switch {
	case errors.Is(err, bwrpc.ErrGranuleAssignmentConflict):
		m.cfg.logf("assignment_engine: %s: assignment conflict, arming watchdog", ev.Range)
		m.armWatchdog()
	case errors.Is(err, bwrpc.ErrBlobManagerReplaced):
		m.failover(bmstore.ErrManagerReplaced)
	default:
		// NoMoreServers or transport failure: re-enqueue a revoke of
		// the old worker followed by a fresh assign with the worker
		// cleared, so pick_worker_for_assign runs again.
		m.cfg.logf("assignment_engine: dispatching assign for %s to %s: %s", ev.Range, worker.id, err)
		m.queue.Push(RangeAssignment{Kind: EventRevoke, Range: ev.Range, Worker: worker.id})
		m.queue.Push(RangeAssignment{Kind: EventAssign, Range: ev.Range, Type: bwrpc.Normal})
	}
}

// processRevoke implements spec.md §4.D event kind 2.
func (m *Manager) processRevoke(ctx context.Context, ev RangeAssignment) {
	if !ev.Worker.IsZero() {
		if w := m.workerByID(ev.Worker); w != nil {
			seqno := m.nextSeqno()
			w.client.RevokeRange(ctx, bwrpc.RevokeRangeRequest{Range: ev.Range, Epoch: m.epoch, Seqno: seqno})
			w.decr()
			m.stats.granulesRevoked.Add(1)
		}
		return
	}

	type sub struct {
		r rangemap.KeyRange
		v Assignment
	}
	var subs []sub
	m.mu.Lock()
	m.assignments.IntersectingRanges(ev.Range, func(r rangemap.KeyRange, v Assignment) bool {
		subs = append(subs, sub{r, v})
		return true
	})
	if ev.Dispose {
		m.assignments.Clear(ev.Range)
	}
	m.mu.Unlock()

	for _, s := range subs {
		if s.v.Worker.IsZero() {
			continue
		}
		w := m.workerByID(s.v.Worker)
		if w == nil {
			continue
		}
		seqno := m.nextSeqno()
		w.client.RevokeRange(ctx, bwrpc.RevokeRangeRequest{Range: s.r, Epoch: m.epoch, Seqno: seqno})
		w.decr()
		m.stats.granulesRevoked.Add(1)
		if !ev.Dispose {
			m.mu.Lock()
			m.assignments.Insert(s.r, Assignment{Worker: id.Zero, Version: bmstore.Version{Epoch: m.epoch, Seqno: seqno}})
			m.mu.Unlock()
		}
	}
}
