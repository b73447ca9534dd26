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
	"testing"

	"github.com/SnellerInc/blobmanager/bmstore"
	"github.com/SnellerInc/blobmanager/id"
)

type fakeObjects struct {
	mu      sync.Mutex
	deleted map[string]bool
}

func newFakeObjects() *fakeObjects { return &fakeObjects{deleted: make(map[string]bool)} }

func (f *fakeObjects) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[path] = true
	return nil
}

// TestProcessPruneIntent_ForceDeletesAndClearsHistory covers a
// single-node history DAG (no split ancestors) fully below the prune
// floor: the object must be deleted, the history entry cleared, and
// the intent cleared once processing finishes.
func TestProcessPruneIntent_ForceDeletesAndClearsHistory(t *testing.T) {
	m, store := testManager(t)
	m.cfg.setDefaults()
	m.objects = newFakeObjects()

	granule := id.New()
	ctx := context.Background()
	err := (*store).Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
		if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
			return err
		}
		bmstore.WriteHistory(tr, key("A"), 5, bmstore.HistoryEntry{GranuleID: granule})
		bmstore.WritePruneIntent(tr, bmstore.PruneIntent{Range: kr("A", "B"), Force: true}, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("seeding history/intent: %v", err)
	}

	m.processPruneIntent(ctx, bmstore.PruneIntent{Range: kr("A", "B"), Force: true})

	fo := m.objects.(*fakeObjects)
	fo.mu.Lock()
	n := len(fo.deleted)
	fo.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one object deleted, got %d", n)
	}

	err = (*store).Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
		if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
			return err
		}
		if _, ok, err := bmstore.GetHistory(ctx, tr, key("A"), 5); err != nil {
			return err
		} else if ok {
			t.Fatal("expected history entry to be cleared")
		}
		if _, ok, err := bmstore.GetPruneIntent(ctx, tr, key("A")); err != nil {
			return err
		} else if ok {
			t.Fatal("expected prune intent to be cleared")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verifying cleanup: %v", err)
	}
	if m.stats.pruneIntentsDone.Load() != 1 {
		t.Fatalf("expected pruneIntentsDone=1, got %d", m.stats.pruneIntentsDone.Load())
	}
}

// TestProcessPruneIntent_SpansMultipleActiveGranules covers a prune
// intent whose range was raised before a split and now spans two
// post-split active granules ("B" and "M", not the intent's own begin
// "A"): both lineages must be walked and both objects deleted, per
// spec.md §4.I step 1's "currently active granules intersecting
// range" seed set.
func TestProcessPruneIntent_SpansMultipleActiveGranules(t *testing.T) {
	m, store := testManager(t)
	m.cfg.setDefaults()
	m.objects = newFakeObjects()
	w, _ := addWorker(m, "10.0.0.1:9180")

	left := id.New()
	right := id.New()
	m.assignments.Insert(kr("B", "M"), Assignment{Worker: w.id, Version: bmstore.Version{Epoch: 1, Seqno: 1}})
	m.assignments.Insert(kr("M", "Z"), Assignment{Worker: w.id, Version: bmstore.Version{Epoch: 1, Seqno: 1}})

	ctx := context.Background()
	err := (*store).Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
		if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
			return err
		}
		bmstore.WriteHistory(tr, key("B"), 5, bmstore.HistoryEntry{GranuleID: left})
		bmstore.WriteHistory(tr, key("M"), 5, bmstore.HistoryEntry{GranuleID: right})
		bmstore.WritePruneIntent(tr, bmstore.PruneIntent{Range: kr("A", "Z"), Force: true}, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("seeding history/intent: %v", err)
	}

	m.processPruneIntent(ctx, bmstore.PruneIntent{Range: kr("A", "Z"), Force: true})

	fo := m.objects.(*fakeObjects)
	fo.mu.Lock()
	n := len(fo.deleted)
	fo.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected both sibling granules' objects deleted, got %d: %v", n, fo.deleted)
	}
	if m.stats.pruneIntentsDone.Load() != 1 {
		t.Fatalf("expected pruneIntentsDone=1, got %d", m.stats.pruneIntentsDone.Load())
	}
}
