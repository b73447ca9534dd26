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
	"sync"

	"github.com/SnellerInc/blobmanager/bwrpc"
	"github.com/SnellerInc/blobmanager/id"
	"github.com/SnellerInc/blobmanager/rangemap"
)

// EventKind distinguishes the two RangeAssignment event shapes
// AssignmentEngine consumes.
type EventKind int

const (
	// EventAssign requests a range be placed on a worker.
	EventAssign EventKind = iota
	// EventRevoke requests a range (or a single targeted owner) give
	// up ownership.
	EventRevoke
)

// RangeAssignment is one entry on the assignment queue, produced by
// ClientRangeMonitor and WorkerSupervisor and consumed exclusively by
// AssignmentEngine.
type RangeAssignment struct {
	Kind  EventKind
	Range rangemap.KeyRange

	// Worker is set for a targeted Assign (placement is fixed) or a
	// targeted Revoke (only this owner is asked to give up the
	// range, e.g. after its own death). The zero id.WorkerID means
	// "unspecified": for Assign, pick_worker_for_assign chooses one;
	// for Revoke, every sub-range's current owner is revoked.
	Worker id.WorkerID

	// Type distinguishes a fresh placement from a re-snapshot
	// request to the current owner. Only meaningful for EventAssign.
	Type bwrpc.AssignType

	// Dispose marks a client-driven removal (spec.md §4.E step 3),
	// as opposed to a revoke issued for reassignment purposes.
	Dispose bool
}

// Queue is the unbounded, multi-producer single-consumer channel of
// RangeAssignment events described in spec.md §2 and §5. A WaitGroup
// tracks outstanding (enqueued-but-not-yet-processed) events so
// producers can implement "wait for the queue to drain" (spec.md
// §4.E step 4, §4.F kill_blob_worker step d).
type Queue struct {
	mu      sync.Mutex
	items   []RangeAssignment
	notEmpty chan struct{}
	wg      sync.WaitGroup
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{notEmpty: make(chan struct{}, 1)}
}

// Push enqueues ev. It never blocks: the queue is logically unbounded,
// matching the "unbounded typed channel" scheduling model of spec.md
// §5 (a bounded channel would let a stalled AssignmentEngine deadlock
// its own producers).
func (q *Queue) Push(ev RangeAssignment) {
	q.wg.Add(1)
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// Pop blocks until an event is available or done is closed, returning
// ok=false in the latter case.
func (q *Queue) Pop(done <-chan struct{}) (RangeAssignment, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()
		select {
		case <-q.notEmpty:
			continue
		case <-done:
			return RangeAssignment{}, false
		}
	}
}

// Done marks one previously-Push'd event as fully processed.
func (q *Queue) Done() { q.wg.Done() }

// Drain blocks until every event pushed before the call to Drain has
// been marked Done. Events pushed concurrently with Drain may or may
// not be waited on.
func (q *Queue) Drain() { q.wg.Wait() }
