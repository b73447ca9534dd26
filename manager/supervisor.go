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

	"github.com/SnellerInc/blobmanager/bmstore"
	"github.com/SnellerInc/blobmanager/bwrpc"
	"github.com/SnellerInc/blobmanager/id"
	"github.com/SnellerInc/blobmanager/rangemap"
)

// startSupervisor launches component F for a newly-recruited worker:
// two concurrent subtasks (liveness probe and status stream), and
// kill_blob_worker when either one ends.
func (m *Manager) startSupervisor(ctx context.Context, w *workerHandle) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	done := make(chan struct{}, 2)
	go func() {
		m.waitFailure(ctx, w)
		done <- struct{}{}
	}()
	go func() {
		m.statusStream(ctx, w)
		done <- struct{}{}
	}()

	go func() {
		<-done
		cancel()
		m.killBlobWorker(context.WithoutCancel(ctx), w)
	}()
}

// waitFailure is the time-bounded health probe. It uses
// GetGranuleAssignments as a lightweight liveness call: any
// successful reply (even an empty one) counts as alive.
func (m *Manager) waitFailure(ctx context.Context, w *workerHandle) {
	for {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.BlobWorkerTimeout)
		_, err := w.client.GetGranuleAssignments(probeCtx, bwrpc.GetGranuleAssignmentsRequest{Epoch: m.epoch})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.cfg.logf("worker_supervisor: %s: liveness probe failed: %s", w.id, err)
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// statusStream consumes GranuleStatusReply messages from w until the
// stream ends or ctx is canceled.
func (m *Manager) statusStream(ctx context.Context, w *workerHandle) {
	reports, errs := w.client.GranuleStatusStream(ctx)
	for {
		select {
		case rep, ok := <-reports:
			if !ok {
				return
			}
			m.handleStatusReport(ctx, w, rep)
		case err := <-errs:
			if err != nil && ctx.Err() == nil {
				m.cfg.logf("worker_supervisor: %s: status stream: %s", w.id, err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handleStatusReport(ctx context.Context, w *workerHandle, rep bwrpc.GranuleStatusReport) {
	if rep.Epoch > m.epoch {
		m.failover(bmstore.ErrManagerReplaced)
		return
	}

	m.mu.Lock()
	cur, val, ok := m.assignments.RangeContaining(rep.Range.Begin)
	m.mu.Unlock()
	if !ok || !cur.Equal(rep.Range) || val.Worker != w.id {
		return // stale report
	}

	w.mu.Lock()
	if w.lastSeenSeqno == nil {
		w.lastSeenSeqno = make(map[string]uint64)
	}
	key := string(rep.Range.Begin)
	last, seen := w.lastSeenSeqno[key]
	dup := seen && last == rep.Seqno
	w.lastSeenSeqno[key] = rep.Seqno
	w.mu.Unlock()
	if dup {
		return
	}

	if rep.DoSplit {
		m.maybeSplitRange(ctx, w, rep)
	}
}

// maybeSplitRange implements spec.md §4.F.
func (m *Manager) maybeSplitRange(ctx context.Context, w *workerHandle, rep bwrpc.GranuleStatusReport) {
	boundaries, err := m.splitterOrDefault().SplitRange(ctx, rep.Range, m.cfg.SnapshotTargetBytes)
	if err != nil || len(boundaries) < 2 {
		return
	}
	boundaries = downsampleBoundaries(boundaries, MaxSplitFanout+1)

	if len(boundaries) == 2 {
		m.queue.Push(RangeAssignment{Kind: EventAssign, Range: rep.Range, Worker: w.id, Type: bwrpc.Continue})
		return
	}

	parent := rep.GranuleID
	var splitSeqno uint64
	err = m.store.Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
		if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
			return err
		}
		lock, ok, err := bmstore.GetGranuleLock(ctx, tr, rep.Range.Begin)
		if err != nil {
			return err
		}
		if ok && lock.Owner.Epoch > m.epoch {
			return bmstore.ErrManagerReplaced
		}

		// A retried Transact (memkv retries on ErrConflict and on
		// ErrCommitUnknownResult) must not draw a fresh splitSeqno: if
		// the marker is already there, an earlier attempt already
		// committed this exact split, so this attempt reuses its
		// seqno instead of minting a new one and a new set of
		// children (spec.md §8 property 3).
		splitAt, already, err := bmstore.GetSplitMarker(ctx, tr, parent)
		if err != nil {
			return err
		}
		if !already {
			newSeqno := m.nextSeqno()
			if ok && newSeqno <= lock.Owner.Seqno {
				newSeqno = lock.Owner.Seqno + 1
			}
			bmstore.SetGranuleLock(tr, rep.Range.Begin, bmstore.GranuleLock{
				Owner:     bmstore.Version{Epoch: m.epoch, Seqno: newSeqno},
				GranuleID: parent,
			})

			splitAt = bmstore.Version{Epoch: m.epoch, Seqno: m.nextSeqno()}
			bmstore.WriteSplitMarker(tr, parent, splitAt)
			for _, b := range boundaries {
				bmstore.WriteSplitBoundary(tr, parent, b)
			}
		}
		splitSeqno = splitAt.Seqno

		for i := 0; i+1 < len(boundaries); i++ {
			child := id.DeriveSplitChild(parent, splitSeqno, i)
			childRange := rangemap.KeyRange{Begin: boundaries[i], End: boundaries[i+1]}
			bmstore.WriteSplitState(tr, parent, child, splitAt)
			bmstore.WriteHistory(tr, childRange.Begin, splitSeqno, bmstore.HistoryEntry{
				GranuleID: child,
				Parents: []bmstore.HistoryParent{{
					Range:        rep.Range,
					StartVersion: rep.StartVersion,
				}},
			})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, bmstore.ErrManagerReplaced) {
			m.failover(err)
			return
		}
		m.cfg.logf("worker_supervisor: maybe_split_range %s: %s", rep.Range, err)
		return
	}
	m.stats.splitsInitiated.Add(1)

	m.queue.Push(RangeAssignment{Kind: EventRevoke, Range: rep.Range, Worker: w.id})
	for i := 0; i+1 < len(boundaries); i++ {
		sub := rangemap.KeyRange{Begin: boundaries[i], End: boundaries[i+1]}
		m.queue.Push(RangeAssignment{Kind: EventAssign, Range: sub, Type: bwrpc.Normal})
	}
}

// killBlobWorker implements spec.md §4.F's kill_blob_worker.
func (m *Manager) killBlobWorker(ctx context.Context, w *workerHandle) {
	w.deathOnce.Do(func() {
		m.mu.Lock()
		delete(m.workers, w.id)
		delete(m.byAddress, w.address)
		m.mu.Unlock()

		err := m.store.Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
			if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
				return err
			}
			bmstore.DeregisterWorker(tr, w.id)
			return nil
		})
		if err != nil {
			if errors.Is(err, bmstore.ErrManagerReplaced) {
				m.failover(err)
				return
			}
			m.cfg.logf("kill_blob_worker: deregistering %s: %s", w.id, err)
		}

		m.mu.Lock()
		var owned []rangemap.KeyRange
		m.assignments.AllRanges(func(r rangemap.KeyRange, v Assignment) bool {
			if v.Worker == w.id {
				owned = append(owned, r)
			}
			return true
		})
		m.mu.Unlock()

		for _, r := range owned {
			m.queue.Push(RangeAssignment{Kind: EventRevoke, Range: r, Worker: w.id})
			m.queue.Push(RangeAssignment{Kind: EventAssign, Range: r, Type: bwrpc.Normal})
		}
		m.queue.Drain()

		m.stats.workersLost.Add(1)
		m.triggerRecruitment()
	})
}
