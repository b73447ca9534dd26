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
	"fmt"
	"sync"
	"time"

	"github.com/SnellerInc/blobmanager/bmstore"
	"github.com/SnellerInc/blobmanager/date"
	"github.com/SnellerInc/blobmanager/rangemap"
)

// granulePath names the data object a granule wrote at version, under
// this repository's own convention: <granule-id>/<version, zero-padded>.
// The teacher's own db package leaves object naming to its caller
// (db.OutputFS just takes a path); this is that same freedom exercised
// for granule data instead of table data.
func granulePath(g bmstore.HistoryEntry, version uint64) string {
	return fmt.Sprintf("%s/%020d", g.GranuleID, version)
}

// historyNode is one entry discovered while walking a range's lineage
// backwards from its current version.
type historyNode struct {
	begin   rangemap.Key
	version uint64
	entry   bmstore.HistoryEntry
}

// walkHistory performs a breadth-first walk of range begin's lineage,
// starting from its latest recorded version and following
// HistoryParent edges, stopping at any version <= floor (that data is
// retained regardless of the prune intent). It returns nodes in BFS
// discovery order (children before the parents they came from).
func walkHistory(ctx context.Context, tr bmstore.Txn, begin rangemap.Key, floor uint64) ([]historyNode, error) {
	version, entry, ok, err := bmstore.LatestHistory(ctx, tr, begin)
	if err != nil || !ok {
		return nil, err
	}
	var out []historyNode
	queue := []historyNode{{begin: begin, version: version, entry: entry}}
	seen := map[string]bool{string(begin) + fmt.Sprint(version): true}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		if n.version <= floor {
			continue
		}
		for _, p := range n.entry.Parents {
			if p.StartVersion <= floor {
				continue
			}
			key := string(p.Range.Begin) + fmt.Sprint(p.StartVersion)
			if seen[key] {
				continue
			}
			seen[key] = true
			pe, ok, err := bmstore.GetHistory(ctx, tr, p.Range.Begin, p.StartVersion)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			queue = append(queue, historyNode{begin: p.Range.Begin, version: p.StartVersion, entry: pe})
		}
	}
	return out, nil
}

// runRetentionGC is component I: it processes durable prune intents,
// deleting the granule data files nothing can reach any longer.
func (m *Manager) runRetentionGC(ctx context.Context) {
	for {
		var intents []bmstore.PruneIntent
		var fut bmstore.Future
		err := m.store.Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
			if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
				return err
			}
			var err error
			intents, err = bmstore.LoadPruneIntents(ctx, tr)
			if err != nil {
				return err
			}
			fut, err = tr.Watch(bmstore.PruneChangeKey())
			return err
		})
		if err != nil {
			if errors.Is(err, bmstore.ErrManagerReplaced) {
				m.failover(err)
				return
			}
			m.cfg.logf("retention_gc: %s", err)
		} else {
			for _, in := range intents {
				m.processPruneIntent(ctx, in)
				if ctx.Err() != nil {
					return
				}
			}
		}

		if fut == nil {
			select {
			case <-time.After(m.cfg.BGPruneTimeout):
			case <-ctx.Done():
				return
			}
			continue
		}
		waitCtx, cancel := context.WithTimeout(ctx, m.cfg.BGPruneTimeout)
		err = fut.Wait(waitCtx)
		cancel()
		if err != nil && ctx.Err() != nil {
			return
		}
	}
}

// activeGranuleBegins returns the begin key of every currently
// assigned granule intersecting r, per spec.md §4.I step 1: a prune
// intent's range spans every granule a split has carved out of it
// since the intent was raised, and each one's own lineage must be
// walked, not just the one beginning at r.Begin.
func (m *Manager) activeGranuleBegins(r rangemap.KeyRange) []rangemap.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	var begins []rangemap.Key
	m.assignments.IntersectingRanges(r, func(sub rangemap.KeyRange, _ Assignment) bool {
		begins = append(begins, sub.Begin)
		return true
	})
	return begins
}

// processPruneIntent implements spec.md §4.I: it walks the history DAG
// of every active granule intersecting the intent's range down to
// intent.Version (or the whole DAG, if Force), fully deletes nodes
// at or below that floor (every node, if Force), and clears the intent only if it is
// unchanged from when the walk began.
func (m *Manager) processPruneIntent(ctx context.Context, in bmstore.PruneIntent) {
	floor := in.Version
	if in.Force {
		floor = 0
	}

	begins := m.activeGranuleBegins(in.Range)
	if len(begins) == 0 {
		// nothing is currently assigned over this range (e.g. GC ran
		// ahead of recovery); fall back to the intent's own begin so a
		// stale intent still gets a chance to clear.
		begins = []rangemap.Key{in.Range.Begin}
	}

	var nodes []historyNode
	err := m.store.Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
		if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
			return err
		}
		for _, begin := range begins {
			ns, err := walkHistory(ctx, tr, begin, floor)
			if err != nil {
				return err
			}
			nodes = append(nodes, ns...)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, bmstore.ErrManagerReplaced) {
			m.failover(err)
			return
		}
		m.cfg.logf("retention_gc: walking history for %s: %s", in.Range, err)
		return
	}

	var full, partial []historyNode
	for _, n := range nodes {
		if in.Force || n.version <= floor {
			full = append(full, n)
		} else {
			partial = append(partial, n)
		}
	}

	// partial-delete: these nodes are still reachable at a version
	// above the floor, but the object itself may already be
	// superseded by a later snapshot at the same range; safe to
	// process concurrently since none of them touch the same key.
	var wg sync.WaitGroup
	for _, n := range partial {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.objects.Delete(ctx, granulePath(n.entry, n.version)); err != nil {
				m.cfg.logf("retention_gc: deleting %s: %s", granulePath(n.entry, n.version), err)
			}
		}()
	}
	wg.Wait()

	// full-delete: process oldest-first (reverse BFS discovery order),
	// clearing each history record only after its object is gone.
	for i := len(full) - 1; i >= 0; i-- {
		n := full[i]
		if err := m.objects.Delete(ctx, granulePath(n.entry, n.version)); err != nil {
			m.cfg.logf("retention_gc: deleting %s: %s", granulePath(n.entry, n.version), err)
			continue
		}
		err := m.store.Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
			if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
				return err
			}
			bmstore.ClearHistory(tr, n.begin, n.version)
			return nil
		})
		if err != nil {
			if errors.Is(err, bmstore.ErrManagerReplaced) {
				m.failover(err)
				return
			}
			m.cfg.logf("retention_gc: clearing history for %s@%d: %s", n.begin, n.version, err)
		}
	}

	err = m.store.Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
		if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
			return err
		}
		cur, ok, err := bmstore.GetPruneIntent(ctx, tr, in.Range.Begin)
		if err != nil {
			return err
		}
		if !ok || !cur.Range.Equal(in.Range) || cur.Version != in.Version || cur.Force != in.Force {
			return nil // superseded while we were working; leave it be
		}
		bmstore.ClearPruneIntent(tr, in.Range.Begin)
		return nil
	})
	if err != nil {
		if errors.Is(err, bmstore.ErrManagerReplaced) {
			m.failover(err)
			return
		}
		m.cfg.logf("retention_gc: clearing prune intent for %s: %s", in.Range, err)
		return
	}
	m.stats.pruneIntentsDone.Add(1)
	m.cfg.logf("retention_gc: cleared prune intent for %s at %s", in.Range, date.Now())
}
