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
	"github.com/SnellerInc/blobmanager/bwrpc"
	"github.com/SnellerInc/blobmanager/id"
	"github.com/SnellerInc/blobmanager/rangemap"
)

// Debug exposes the chaos-testing and manual-operator hooks the
// original blob-granule debug tooling provides (bgVerify's manual move,
// and a chaos workload's random-range force-move). Both operations
// only ever enqueue events on the same Queue every other component
// uses, so they can never bypass AssignmentEngine's exclusive
// ownership of worker_assignments.
type Debug struct {
	m *Manager
}

// Debug returns the debug handle for m.
func (m *Manager) Debug() Debug { return Debug{m: m} }

// ForceMove picks one currently-assigned range and re-homes it onto a
// fresh worker choice, for chaos testing. The pick is seeded from the
// manager's epoch and a call counter, so a run's picks are
// reproducible from the (epoch, call count) pair without consuming
// entropy from a shared *rand.Rand. It reports which range it picked,
// or ok=false if nothing is assigned yet.
func (d Debug) ForceMove() (r rangemap.KeyRange, ok bool) {
	seed := d.m.epoch*31 + d.m.debugMoveSeq.Add(1)
	d.m.mu.Lock()
	r, v, ok := d.m.assignments.SeededRandomRange(seed)
	d.m.mu.Unlock()
	if !ok {
		return rangemap.KeyRange{}, false
	}
	d.m.queue.Push(RangeAssignment{Kind: EventRevoke, Range: r, Worker: v.Worker})
	d.m.queue.Push(RangeAssignment{Kind: EventAssign, Range: r, Type: bwrpc.Normal})
	return r, true
}

// Reassign forces range r onto worker, going through the ordinary
// Revoke-then-Assign path so the move is subject to the same
// (epoch, seqno) protocol as any other reassignment.
func (d Debug) Reassign(r rangemap.KeyRange, worker id.WorkerID) {
	d.m.mu.Lock()
	_, v, ok := d.m.assignments.RangeContaining(r.Begin)
	d.m.mu.Unlock()
	if ok {
		d.m.queue.Push(RangeAssignment{Kind: EventRevoke, Range: r, Worker: v.Worker})
	}
	d.m.queue.Push(RangeAssignment{Kind: EventAssign, Range: r, Worker: worker, Type: bwrpc.Normal})
}
