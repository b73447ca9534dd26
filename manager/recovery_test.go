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
	"testing"

	"github.com/SnellerInc/blobmanager/bmstore"
	"github.com/SnellerInc/blobmanager/id"
)

// TestRecover_BackfillsUnmappedRange covers the simplest recovery
// scenario: nothing has ever been assigned, and no workers are
// registered, so recover must enqueue a single Assign for the whole
// normal key range.
func TestRecover_BackfillsUnmappedRange(t *testing.T) {
	m, store := testManager(t)
	m.cfg.setDefaults()

	ctx := context.Background()
	err := (*store).Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
		if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
			return err
		}
		bmstore.SetGranuleMappingBoundary(tr, key(""), id.Zero)
		return nil
	})
	if err != nil {
		t.Fatalf("seeding mapping: %v", err)
	}

	if err := m.recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	ev, ok := m.queue.Pop(nil)
	if !ok {
		t.Fatal("expected one queued assign event")
	}
	if ev.Kind != EventAssign || !ev.Range.Equal(kr("", "\xff")) {
		t.Fatalf("expected an Assign covering the whole space, got %+v", ev)
	}
	if m.stats.recoveryReassigns.Load() != 1 {
		t.Fatalf("expected recoveryReassigns=1, got %d", m.stats.recoveryReassigns.Load())
	}
}

// TestRecover_DeadOwnerReassigned covers a range persisted as owned
// by a worker that never registered: recovery must treat it as dead
// and route the range back through AssignmentEngine.
func TestRecover_DeadOwnerReassigned(t *testing.T) {
	m, store := testManager(t)
	m.cfg.setDefaults()

	ghost := id.New()
	ctx := context.Background()
	err := (*store).Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
		if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
			return err
		}
		bmstore.SetGranuleMappingBoundary(tr, key(""), ghost)
		return nil
	})
	if err != nil {
		t.Fatalf("seeding mapping: %v", err)
	}

	if err := m.recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	ev, ok := m.queue.Pop(nil)
	if !ok {
		t.Fatal("expected one queued assign event")
	}
	if ev.Kind != EventAssign || !ev.Range.Equal(kr("", "\xff")) {
		t.Fatalf("expected the ghost owner's range reassigned, got %+v", ev)
	}
}
