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

package id

import "testing"

// TestDeriveSplitChild_Idempotent checks that repeating the same split
// (same parent, same split seqno, same child index) yields the exact
// same GranuleID, so retrying a split transaction after a
// commit-unknown-result error cannot mint an orphaned duplicate child.
func TestDeriveSplitChild_Idempotent(t *testing.T) {
	parent := New()
	a := DeriveSplitChild(parent, 42, 0)
	b := DeriveSplitChild(parent, 42, 0)
	if a != b {
		t.Fatalf("expected repeated derivation to match: %s != %s", a, b)
	}
}

// TestDeriveSplitChild_DistinctByIndex checks that the children of a
// single split get distinct GranuleIDs.
func TestDeriveSplitChild_DistinctByIndex(t *testing.T) {
	parent := New()
	a := DeriveSplitChild(parent, 42, 0)
	b := DeriveSplitChild(parent, 42, 1)
	if a == b {
		t.Fatalf("expected distinct children to get distinct GranuleIDs, both got %s", a)
	}
}

// TestDeriveSplitChild_DistinctBySplit checks that two different
// splits of the same parent (different split seqnos) never collide.
func TestDeriveSplitChild_DistinctBySplit(t *testing.T) {
	parent := New()
	a := DeriveSplitChild(parent, 42, 0)
	b := DeriveSplitChild(parent, 43, 0)
	if a == b {
		t.Fatalf("expected different split seqnos to yield different GranuleIDs, both got %s", a)
	}
}

// TestDeriveSplitChild_DistinctByParent checks that unrelated parents
// never collide even with the same seqno and index.
func TestDeriveSplitChild_DistinctByParent(t *testing.T) {
	a := DeriveSplitChild(New(), 42, 0)
	b := DeriveSplitChild(New(), 42, 0)
	if a == b {
		t.Fatalf("expected different parents to yield different GranuleIDs, both got %s", a)
	}
}
