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

package rangemap

import (
	"math/rand"
	"testing"
)

func k(s string) Key { return Key(s) }

func kr(a, b string) KeyRange { return KeyRange{Begin: k(a), End: k(b)} }

func TestInsertFragments(t *testing.T) {
	m := New[string](func(a, b string) bool { return a == b })
	m.Insert(kr("a", "z"), "w1")
	m.Insert(kr("m", "q"), "w2")

	want := []struct {
		r KeyRange
		v string
	}{
		{kr("a", "m"), "w1"},
		{kr("m", "q"), "w2"},
		{kr("q", "z"), "w1"},
	}
	i := 0
	m.AllRanges(func(r KeyRange, v string) bool {
		if i >= len(want) {
			t.Fatalf("unexpected extra range %v=%v", r, v)
		}
		if !r.Equal(want[i].r) || v != want[i].v {
			t.Fatalf("entry %d: got %v=%q want %v=%q", i, r, v, want[i].r, want[i].v)
		}
		i++
		return true
	})
	if i != len(want) {
		t.Fatalf("got %d entries, want %d", i, len(want))
	}
}

func TestRangeContaining(t *testing.T) {
	m := New[int](nil)
	m.Insert(kr("a", "m"), 1)
	m.Insert(kr("m", "z"), 2)

	r, v, ok := m.RangeContaining(k("c"))
	if !ok || v != 1 || !r.Equal(kr("a", "m")) {
		t.Fatalf("got %v %v %v", r, v, ok)
	}
	r, v, ok = m.RangeContaining(k("m"))
	if !ok || v != 2 || !r.Equal(kr("m", "z")) {
		t.Fatalf("got %v %v %v", r, v, ok)
	}
	_, _, ok = m.RangeContaining(k("zz"))
	if ok {
		t.Fatalf("expected no coverage past z")
	}
}

func TestIntersectingRanges(t *testing.T) {
	m := New[int](nil)
	m.Insert(kr("a", "b"), 1)
	m.Insert(kr("b", "c"), 2)
	m.Insert(kr("d", "e"), 3)

	var got []KeyRange
	m.IntersectingRanges(kr("aa", "dd"), func(r KeyRange, v int) bool {
		got = append(got, r)
		return true
	})
	if len(got) != 3 {
		t.Fatalf("got %d overlapping ranges, want 3: %v", len(got), got)
	}
}

func TestCoalesce(t *testing.T) {
	m := New[bool](func(a, b bool) bool { return a == b })
	m.Insert(kr("", "a"), false)
	m.Insert(kr("a", "b"), true)
	m.Insert(kr("b", "d"), true)
	m.Insert(kr("d", "\xff"), false)
	m.Coalesce(kr("", "\xff"))

	var got []KeyRange
	m.AllRanges(func(r KeyRange, v bool) bool {
		got = append(got, r)
		return true
	})
	want := []KeyRange{kr("", "a"), kr("a", "d"), kr("d", "\xff")}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("entry %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestRandomRangeUniform(t *testing.T) {
	m := New[int](nil)
	for i := 0; i < 10; i++ {
		m.Insert(kr(string(rune('a'+i)), string(rune('a'+i+1))), i)
	}
	rnd := rand.New(rand.NewSource(1))
	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		_, v, ok := m.RandomRange(rnd)
		if !ok {
			t.Fatal("expected a range")
		}
		seen[v] = true
	}
	if len(seen) != 10 {
		t.Fatalf("expected to see all 10 ranges eventually, saw %d", len(seen))
	}
}

func TestSeededRandomRangeDeterministic(t *testing.T) {
	m := New[int](nil)
	for i := 0; i < 10; i++ {
		m.Insert(kr(string(rune('a'+i)), string(rune('a'+i+1))), i)
	}
	r1, v1, ok1 := m.SeededRandomRange(7)
	r2, v2, ok2 := m.SeededRandomRange(7)
	if !ok1 || !ok2 {
		t.Fatal("expected a range")
	}
	if v1 != v2 || !r1.Equal(r2) {
		t.Fatalf("same seed picked different ranges: (%v,%d) != (%v,%d)", r1, v1, r2, v2)
	}
	seen := make(map[int]bool)
	for seed := uint64(0); seed < 50; seed++ {
		_, v, ok := m.SeededRandomRange(seed)
		if !ok {
			t.Fatal("expected a range")
		}
		seen[v] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected varying seeds to spread picks across ranges, saw %d distinct", len(seen))
	}
}

func TestClear(t *testing.T) {
	m := New[int](nil)
	m.Insert(kr("a", "z"), 1)
	m.Clear(kr("m", "q"))
	var got []KeyRange
	m.AllRanges(func(r KeyRange, v int) bool {
		got = append(got, r)
		return true
	})
	want := []KeyRange{kr("a", "m"), kr("q", "z")}
	if len(got) != 2 || !got[0].Equal(want[0]) || !got[1].Equal(want[1]) {
		t.Fatalf("got %v want %v", got, want)
	}
}
