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
	"sync"

	"github.com/SnellerInc/blobmanager/bmstore"
	"github.com/SnellerInc/blobmanager/bwrpc"
	"github.com/SnellerInc/blobmanager/id"
	"github.com/SnellerInc/blobmanager/rangemap"
)

// liveReport is one worker's answer to GetGranuleAssignments, or the
// absence of an answer if the RPC failed within BlobWorkerTimeout.
type liveReport struct {
	worker id.WorkerID
	handle *workerHandle
	reply  bwrpc.GetGranuleAssignmentsReply
	alive  bool
}

// recover is component H, run once at startup before any other
// component begins consuming the assignment queue: it rebuilds
// worker_assignments from whatever the durable store and the current
// blob worker fleet actually agree on, then enqueues corrective
// Assign/Revoke events for everything that disagrees.
func (m *Manager) recover(ctx context.Context) error {
	var registrations []bmstore.WorkerRegistration
	var mapping []bmstore.MappingBoundary
	var splits []bmstore.InProgressSplit
	err := m.store.Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
		if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
			return err
		}
		var err error
		registrations, err = bmstore.LoadWorkerList(ctx, tr)
		if err != nil {
			return err
		}
		mapping, err = bmstore.LoadGranuleMapping(ctx, tr)
		if err != nil {
			return err
		}
		splits, err = bmstore.LoadInProgressSplits(ctx, tr)
		return err
	})
	if err != nil {
		return err
	}

	// step 1: skip registrations from other datacenters (if cfg.DC is
	// set), then dedupe by address, keep the first seen.
	byAddr := make(map[string]bmstore.WorkerRegistration, len(registrations))
	var order []string
	for _, r := range registrations {
		if m.cfg.DC != "" && r.DC != m.cfg.DC {
			m.cfg.logf("recovery: worker %s at %s is outside datacenter %q, ignoring", r.ID, r.Address, m.cfg.DC)
			continue
		}
		if _, ok := byAddr[r.Address]; ok {
			m.cfg.logf("recovery: duplicate worker registration for address %s, ignoring %s", r.Address, r.ID)
			continue
		}
		byAddr[r.Address] = r
		order = append(order, r.Address)
	}

	handles := make(map[id.WorkerID]*workerHandle, len(order))
	for _, addr := range order {
		r := byAddr[addr]
		handles[r.ID] = &workerHandle{id: r.ID, address: addr, client: m.dial(addr)}
	}

	// step 2: collect live assignment reports concurrently, each
	// bounded by BlobWorkerTimeout.
	reports := make([]liveReport, 0, len(handles))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, w := range handles {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, m.cfg.BlobWorkerTimeout)
			defer cancel()
			reply, err := w.client.GetGranuleAssignments(rctx, bwrpc.GetGranuleAssignmentsRequest{Epoch: m.epoch})
			mu.Lock()
			reports = append(reports, liveReport{worker: w.id, handle: w, reply: reply, alive: err == nil})
			mu.Unlock()
		}()
	}
	wg.Wait()

	liveByWorker := make(map[id.WorkerID]liveReport, len(reports))
	for _, r := range reports {
		liveByWorker[r.worker] = r
	}

	// step 3: backfill worker_assignments from the persisted mapping,
	// using bmstore.KnownUnowned for entries whose owner we cannot
	// yet corroborate against a live report.
	for i, b := range mapping {
		end := m.cfg.Normal.End
		if i+1 < len(mapping) {
			end = mapping[i+1].Boundary
		}
		r := rangemap.KeyRange{Begin: b.Boundary, End: end}
		if r.Empty() {
			continue
		}
		if b.Owner.IsZero() {
			m.assignments.Insert(r, Assignment{Worker: id.Zero, Version: bmstore.Unmapped})
			continue
		}
		m.assignments.Insert(r, Assignment{Worker: b.Owner, Version: bmstore.KnownUnowned})
	}

	// step 4: overlay live reports, correcting the version for
	// anything the persisted map and the worker agree on, and
	// enqueueing a targeted revoke for anything the worker holds that
	// the persisted map does not attribute to it (out-of-date).
	for _, rep := range reports {
		if !rep.alive {
			continue
		}
		for _, ga := range rep.reply.Assignments {
			cur, val, ok := m.assignments.RangeContaining(ga.Range.Begin)
			if ok && cur.Equal(ga.Range) && val.Worker == rep.worker {
				m.assignments.Insert(ga.Range, Assignment{
					Worker:  rep.worker,
					Version: bmstore.Version{Epoch: ga.EpochAssign, Seqno: ga.SeqnoAssign},
				})
				if rep.handle.numGranules < 0 {
					rep.handle.numGranules = 0
				}
				rep.handle.numGranules++
				continue
			}
			// this worker believes it owns a range recovery does not
			// (or attributes to someone else): tell it to give it up.
			m.queue.Push(RangeAssignment{Kind: EventRevoke, Range: ga.Range, Worker: rep.worker})
			m.stats.recoveryReassigns.Add(1)
		}
	}

	// step 5: overlay in-progress splits discovered from the store:
	// a parent still recorded as a single mapping entry but with a
	// committed split marker must be re-fanned-out into its recorded
	// children, each starting unassigned.
	for _, sp := range splits {
		if len(sp.Boundary) < 2 {
			continue
		}
		parentBegin := sp.Boundary[0]
		cur, val, ok := m.assignments.RangeContaining(parentBegin)
		if !ok || cur.Begin.Compare(parentBegin) != 0 {
			continue // already fanned out (or never existed)
		}
		if val.Worker != id.Zero {
			m.queue.Push(RangeAssignment{Kind: EventRevoke, Range: cur, Worker: val.Worker})
		}
		for i := 0; i+1 < len(sp.Boundary); i++ {
			sub := rangemap.KeyRange{Begin: sp.Boundary[i], End: sp.Boundary[i+1]}
			m.assignments.Insert(sub, Assignment{Worker: id.Zero, Version: bmstore.Unmapped})
		}
		m.stats.recoveryReassigns.Add(1)
	}

	// step 6: whatever remains unmapped or attributed to a worker
	// recovery never heard from goes back through AssignmentEngine.
	var toAssign []rangemap.KeyRange
	m.assignments.AllRanges(func(r rangemap.KeyRange, v Assignment) bool {
		if v.Worker.IsZero() {
			toAssign = append(toAssign, r)
			return true
		}
		if lr, ok := liveByWorker[v.Worker]; !ok || !lr.alive {
			toAssign = append(toAssign, r)
		}
		return true
	})
	for _, r := range toAssign {
		m.queue.Push(RangeAssignment{Kind: EventAssign, Range: r, Type: bwrpc.Normal})
		m.stats.recoveryReassigns.Add(1)
	}

	// step 7: adopt every registered worker and start supervising it.
	m.mu.Lock()
	for addr, r := range byAddr {
		w := handles[r.ID]
		m.workers[r.ID] = w
		m.byAddress[addr] = r.ID
	}
	m.mu.Unlock()
	for _, w := range handles {
		// supervise every adopted worker unconditionally, including
		// ones that never answered recovery's probe: startSupervisor's
		// own liveness probe will declare those dead and free their
		// ranges rather than leaving them supervised by nothing.
		m.startSupervisor(ctx, w)
	}

	return nil
}
