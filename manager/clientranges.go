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
	"sort"

	"github.com/SnellerInc/blobmanager/bmstore"
	"github.com/SnellerInc/blobmanager/bwrpc"
	"github.com/SnellerInc/blobmanager/id"
	"github.com/SnellerInc/blobmanager/rangemap"
)

// RangeSplitter estimates how to break r into chunks no larger than
// targetBytes, returning the full boundary list (including r.Begin
// and r.End). It stands in for the KV store's own size estimator,
// which is out of scope for this repository (spec.md §1).
type RangeSplitter interface {
	SplitRange(ctx context.Context, r rangemap.KeyRange, targetBytes int64) ([]rangemap.Key, error)
}

// noSplitter is the default RangeSplitter, used when the caller
// supplies none: it never splits, returning just the two endpoints.
type noSplitter struct{}

func (noSplitter) SplitRange(_ context.Context, r rangemap.KeyRange, _ int64) ([]rangemap.Key, error) {
	return []rangemap.Key{r.Begin, r.End}, nil
}

// downsampleBoundaries caps boundaries at maxTotal entries by
// recursive median selection over the interior points, always
// keeping the first and last (the hard range bounds) fixed. This
// keeps the surviving boundaries evenly spaced rather than biased
// toward one end (spec.md §4.E step 4).
func downsampleBoundaries(boundaries []rangemap.Key, maxTotal int) []rangemap.Key {
	if len(boundaries) <= maxTotal || maxTotal < 2 {
		return boundaries
	}
	interior := boundaries[1 : len(boundaries)-1]
	want := maxTotal - 2
	kept := medianSelect(interior, want)
	out := make([]rangemap.Key, 0, len(kept)+2)
	out = append(out, boundaries[0])
	out = append(out, kept...)
	out = append(out, boundaries[len(boundaries)-1])
	return out
}

// medianSelect picks want entries out of pts, keeping them evenly
// spaced: it selects the median first, then recurses on each half
// with a proportional share of the remaining budget.
func medianSelect(pts []rangemap.Key, want int) []rangemap.Key {
	if want <= 0 || len(pts) == 0 {
		return nil
	}
	if want >= len(pts) {
		return pts
	}
	mid := len(pts) / 2
	leftWant := want / 2
	rightWant := want - 1 - leftWant
	left := medianSelect(pts[:mid], leftWant)
	right := medianSelect(pts[mid+1:], rightWant)
	out := make([]rangemap.Key, 0, want)
	out = append(out, left...)
	out = append(out, pts[mid])
	out = append(out, right...)
	return out
}

// buildTargetMap turns a fully-specified BlobRangeMap boundary list
// into a RangeMap covering all of bounds, filling any gap before the
// first boundary (or the whole space, if empty) with false.
func buildTargetMap(boundaries []bmstore.BlobRangeBoundary, bounds rangemap.KeyRange) *rangemap.RangeMap[bool] {
	m := rangemap.New[bool](func(a, b bool) bool { return a == b })
	m.Insert(bounds, false)
	for i, b := range boundaries {
		end := bounds.End
		if i+1 < len(boundaries) {
			end = boundaries[i+1].Boundary
		}
		r := rangemap.KeyRange{Begin: b.Boundary, End: end}
		if r.Begin.Compare(bounds.Begin) < 0 {
			r.Begin = bounds.Begin
		}
		if r.End.Compare(bounds.End) > 0 {
			r.End = bounds.End
		}
		if r.Empty() {
			continue
		}
		m.Insert(r, b.Active)
	}
	m.Coalesce(bounds)
	return m
}

// diffKnownRanges computes the added/removed ranges between the
// manager's belief (known) and a freshly-read target map, both fully
// covering bounds, per spec.md §4.E step 2 and the round-trip
// invariant of spec.md §8.6.
func diffKnownRanges(known, target *rangemap.RangeMap[bool], bounds rangemap.KeyRange) (added, removed []rangemap.KeyRange) {
	pts := map[string]rangemap.Key{string(bounds.Begin): bounds.Begin}
	known.AllRanges(func(r rangemap.KeyRange, _ bool) bool {
		if bounds.Contains(r.Begin) {
			pts[string(r.Begin)] = r.Begin
		}
		return true
	})
	target.AllRanges(func(r rangemap.KeyRange, _ bool) bool {
		if bounds.Contains(r.Begin) {
			pts[string(r.Begin)] = r.Begin
		}
		return true
	})
	keys := make([]rangemap.Key, 0, len(pts))
	for _, k := range pts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	var curAdd, curRem *rangemap.KeyRange
	flush := func() {
		if curAdd != nil {
			added = append(added, *curAdd)
			curAdd = nil
		}
		if curRem != nil {
			removed = append(removed, *curRem)
			curRem = nil
		}
	}
	for i, k := range keys {
		end := bounds.End
		if i+1 < len(keys) {
			end = keys[i+1]
		}
		if k.Compare(end) >= 0 {
			continue
		}
		_, oldV, _ := known.RangeContaining(k)
		_, newV, _ := target.RangeContaining(k)
		switch {
		case oldV == newV:
			flush()
		case newV: // became active
			if curRem != nil {
				flush()
			}
			if curAdd != nil && curAdd.End.Compare(k) == 0 {
				curAdd.End = end
			} else {
				flush()
				r := rangemap.KeyRange{Begin: k, End: end}
				curAdd = &r
			}
		default: // became inactive
			if curAdd != nil {
				flush()
			}
			if curRem != nil && curRem.End.Compare(k) == 0 {
				curRem.End = end
			} else {
				flush()
				r := rangemap.KeyRange{Begin: k, End: end}
				curRem = &r
			}
		}
	}
	flush()
	return added, removed
}

// runClientRangeMonitor is component E.
func (m *Manager) runClientRangeMonitor(ctx context.Context) {
	firstIteration := m.epoch >= 2
	for {
		var boundaries []bmstore.BlobRangeBoundary
		var fut bmstore.Future
		err := m.store.Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
			if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
				return err
			}
			var err error
			boundaries, err = bmstore.LoadBlobRangeMap(ctx, tr)
			if err != nil {
				return err
			}
			fut, err = tr.Watch(bmstore.BlobRangeChangeKey())
			return err
		})
		if err != nil {
			if errors.Is(err, bmstore.ErrManagerReplaced) {
				m.failover(err)
				return
			}
			m.cfg.logf("client_range_monitor: %s", err)
		} else {
			target := buildTargetMap(boundaries, m.cfg.Normal)

			m.mu.Lock()
			known := m.known
			m.mu.Unlock()

			if firstIteration {
				// Coalesce pass: recovery populated known from
				// granules, not from client ranges; adopt the
				// persisted target verbatim without diffing.
				m.mu.Lock()
				m.known = target
				m.mu.Unlock()
				firstIteration = false
			} else {
				added, removed := diffKnownRanges(known, target, m.cfg.Normal)
				for _, r := range removed {
					m.queue.Push(RangeAssignment{Kind: EventRevoke, Range: r, Dispose: true})
				}
				m.queue.Drain()
				for _, r := range added {
					m.activateRange(ctx, r)
				}
				m.queue.Drain()

				m.mu.Lock()
				m.known = target
				m.mu.Unlock()
			}
		}

		if fut == nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		if err := fut.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.cfg.logf("client_range_monitor: watch: %s", err)
		}
	}
}

// activateRange implements spec.md §4.E step 4: split the range,
// persist the boundary map with unassigned owners, and enqueue one
// Assign per sub-range.
func (m *Manager) activateRange(ctx context.Context, r rangemap.KeyRange) {
	boundaries, err := m.splitterOrDefault().SplitRange(ctx, r, m.cfg.SnapshotTargetBytes)
	if err != nil || len(boundaries) < 2 {
		boundaries = []rangemap.Key{r.Begin, r.End}
	}
	boundaries = downsampleBoundaries(boundaries, MaxSplitFanout+1)

	for i := 0; i < len(boundaries); i += boundaryChunkSize {
		end := i + boundaryChunkSize
		if end > len(boundaries) {
			end = len(boundaries)
		}
		chunk := boundaries[i:end]
		err := m.store.Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
			if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
				return err
			}
			for _, b := range chunk {
				if b.Compare(boundaries[len(boundaries)-1]) == 0 {
					continue // the trailing endpoint has no boundary key of its own
				}
				bmstore.SetGranuleMappingBoundary(tr, b, id.Zero)
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, bmstore.ErrManagerReplaced) {
				m.failover(err)
				return
			}
			m.cfg.logf("client_range_monitor: persisting boundaries for %s: %s", r, err)
			return
		}
	}

	for i := 0; i+1 < len(boundaries); i++ {
		sub := rangemap.KeyRange{Begin: boundaries[i], End: boundaries[i+1]}
		m.queue.Push(RangeAssignment{Kind: EventAssign, Range: sub, Type: bwrpc.Normal})
	}
}

func (m *Manager) splitterOrDefault() RangeSplitter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.splitter == nil {
		return noSplitter{}
	}
	return m.splitter
}

// SetSplitter installs the RangeSplitter used to break newly-activated
// ranges into granules. It must be called before Run.
func (m *Manager) SetSplitter(s RangeSplitter) {
	m.mu.Lock()
	m.splitter = s
	m.mu.Unlock()
}
