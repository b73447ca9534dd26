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
	"testing"

	"github.com/SnellerInc/blobmanager/bmstore"
	"github.com/SnellerInc/blobmanager/rangemap"
)

func key(s string) rangemap.Key { return rangemap.Key(s) }

func kr(a, b string) rangemap.KeyRange { return rangemap.KeyRange{Begin: key(a), End: key(b)} }

func newBoolMap() *rangemap.RangeMap[bool] {
	return rangemap.New[bool](func(a, b bool) bool { return a == b })
}

// S1: adding a single range to an empty declared set must diff as one
// addition covering exactly that range.
func TestDiffKnownRanges_S1(t *testing.T) {
	bounds := kr("", "\xff")
	known := newBoolMap()
	known.Insert(bounds, false)

	target := buildTargetMap([]bmstore.BlobRangeBoundary{
		{Boundary: key("A"), Active: true},
		{Boundary: key("B"), Active: false},
	}, bounds)

	added, removed := diffKnownRanges(known, target, bounds)
	if len(removed) != 0 {
		t.Fatalf("expected no removals, got %v", removed)
	}
	if len(added) != 1 || !added[0].Equal(kr("A", "B")) {
		t.Fatalf("expected added=[A,B), got %v", added)
	}
}

// S2: two adjacent declared ranges merge into a single active interval
// when diffed against an empty starting state.
func TestDiffKnownRanges_S2(t *testing.T) {
	bounds := kr("", "\xff")
	known := newBoolMap()
	known.Insert(bounds, false)

	target := buildTargetMap([]bmstore.BlobRangeBoundary{
		{Boundary: key("A"), Active: true},
		{Boundary: key("C"), Active: false},
		{Boundary: key("C"), Active: true},
		{Boundary: key("D"), Active: false},
	}, bounds)

	added, _ := diffKnownRanges(known, target, bounds)
	if len(added) != 1 || !added[0].Equal(kr("A", "D")) {
		t.Fatalf("expected merged addition [A,D), got %v", added)
	}
}

// S3: shrinking a declared range from [A,D) to [B,C) removes the two
// edges and keeps the interior untouched.
func TestDiffKnownRanges_S3(t *testing.T) {
	bounds := kr("", "\xff")
	known := buildTargetMap([]bmstore.BlobRangeBoundary{
		{Boundary: key("A"), Active: true},
		{Boundary: key("D"), Active: false},
	}, bounds)

	target := buildTargetMap([]bmstore.BlobRangeBoundary{
		{Boundary: key("B"), Active: true},
		{Boundary: key("C"), Active: false},
	}, bounds)

	added, removed := diffKnownRanges(known, target, bounds)
	if len(added) != 0 {
		t.Fatalf("expected no additions, got %v", added)
	}
	if len(removed) != 2 {
		t.Fatalf("expected two removed edges, got %v", removed)
	}
	if !removed[0].Equal(kr("A", "B")) || !removed[1].Equal(kr("C", "D")) {
		t.Fatalf("unexpected removed ranges: %v", removed)
	}
}

// The round-trip invariant of spec.md §8.6: diffing known against
// itself always yields no changes.
func TestDiffKnownRanges_RoundTrip(t *testing.T) {
	bounds := kr("", "\xff")
	m := buildTargetMap([]bmstore.BlobRangeBoundary{
		{Boundary: key("A"), Active: true},
		{Boundary: key("B"), Active: false},
		{Boundary: key("C"), Active: true},
		{Boundary: key("E"), Active: false},
	}, bounds)

	added, removed := diffKnownRanges(m, m, bounds)
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("expected no diff against self, got added=%v removed=%v", added, removed)
	}
}

// S4: a splitter that returns 13 boundaries must be downsampled to
// exactly MaxSplitFanout+1 (11) boundaries, i.e. 10 children.
func TestDownsampleBoundaries_S4(t *testing.T) {
	boundaries := make([]rangemap.Key, 13)
	for i := range boundaries {
		boundaries[i] = key(string(rune('A' + i)))
	}
	out := downsampleBoundaries(boundaries, MaxSplitFanout+1)
	if len(out) != MaxSplitFanout+1 {
		t.Fatalf("expected %d boundaries, got %d: %v", MaxSplitFanout+1, len(out), out)
	}
	if out[0].Compare(boundaries[0]) != 0 || out[len(out)-1].Compare(boundaries[len(boundaries)-1]) != 0 {
		t.Fatalf("endpoints must never be dropped: got %v", out)
	}
	for i := 1; i < len(out); i++ {
		if out[i-1].Compare(out[i]) >= 0 {
			t.Fatalf("downsampled boundaries must stay strictly increasing: %v", out)
		}
	}
}

// A boundary count already within budget is returned unchanged.
func TestDownsampleBoundaries_NoOp(t *testing.T) {
	boundaries := []rangemap.Key{key("A"), key("B"), key("C")}
	out := downsampleBoundaries(boundaries, MaxSplitFanout+1)
	if len(out) != 3 {
		t.Fatalf("expected no downsampling, got %v", out)
	}
}

func TestBuildTargetMap_FillsGaps(t *testing.T) {
	bounds := kr("", "\xff")
	m := buildTargetMap(nil, bounds)
	_, v, ok := m.RangeContaining(key("anything"))
	if !ok || v {
		t.Fatalf("expected the whole space to default to inactive, got ok=%v v=%v", ok, v)
	}
}
