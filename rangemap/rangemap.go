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

// Package rangemap implements a sorted, non-overlapping interval map
// over lexicographically-ordered byte-string keys.
//
// A RangeMap always covers a subset of some universe [lo, hi) chosen by
// the caller; gaps are permitted, but stored intervals never overlap.
package rangemap

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"

	"github.com/dchest/siphash"
)

// Key is an opaque, lexicographically ordered byte string.
type Key []byte

// Compare returns -1, 0, or 1 as k is less than, equal
// to, or greater than other, using byte-lexicographic order.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k, other)
}

// Clone returns a copy of k that does not alias its backing array.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	out := make(Key, len(k))
	copy(out, k)
	return out
}

func (k Key) String() string {
	return fmt.Sprintf("%q", []byte(k))
}

// KeyRange is a half-open interval [Begin, End).
type KeyRange struct {
	Begin Key
	End   Key
}

// Empty returns whether r describes an empty (or inverted) interval.
func (r KeyRange) Empty() bool {
	return r.Begin.Compare(r.End) >= 0
}

// Contains returns whether k falls within [r.Begin, r.End).
func (r KeyRange) Contains(k Key) bool {
	return r.Begin.Compare(k) <= 0 && k.Compare(r.End) < 0
}

// Overlaps returns whether r and o share any keys.
func (r KeyRange) Overlaps(o KeyRange) bool {
	return r.Begin.Compare(o.End) < 0 && o.Begin.Compare(r.End) < 0
}

// Equal returns whether r and o describe the same bounds.
func (r KeyRange) Equal(o KeyRange) bool {
	return r.Begin.Compare(o.Begin) == 0 && r.End.Compare(o.End) == 0
}

func (r KeyRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Begin, r.End)
}

type entry[V any] struct {
	begin, end Key
	value      V
}

func (e entry[V]) rng() KeyRange { return KeyRange{Begin: e.begin, End: e.end} }

// RangeMap is a sorted interval map over Key ranges holding values of
// type V. The zero value is not usable; construct one with New.
type RangeMap[V any] struct {
	// equal determines whether two values should be considered
	// the same for the purposes of Coalesce. If nil, values are
	// never coalesced.
	equal   func(a, b V) bool
	entries []entry[V]
}

// New returns an empty RangeMap. equal is used by Coalesce to decide
// whether adjacent intervals carry the same value; it may be nil if
// the caller never calls Coalesce.
func New[V any](equal func(a, b V) bool) *RangeMap[V] {
	return &RangeMap[V]{equal: equal}
}

// Len returns the number of stored intervals.
func (m *RangeMap[V]) Len() int { return len(m.entries) }

// lowerBound returns the index of the first entry whose end is
// strictly greater than k (i.e. the first entry that could possibly
// overlap an interval beginning at k).
func (m *RangeMap[V]) lowerBound(k Key) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].end.Compare(k) > 0
	})
}

// upperBound returns the index of the first entry whose begin is
// greater than or equal to k (i.e. one past the last entry that could
// possibly overlap an interval ending at k).
func (m *RangeMap[V]) upperBound(k Key) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].begin.Compare(k) >= 0
	})
}

// Insert replaces the value over r, fragmenting any overlapping
// intervals so that the invariant of total ordering and non-overlap
// is preserved. Inserting an empty range is a no-op.
func (m *RangeMap[V]) Insert(r KeyRange, v V) {
	if r.Empty() {
		return
	}
	lo := m.lowerBound(r.Begin)
	hi := m.upperBound(r.End)

	var haveLeft, haveRight bool
	var left, right entry[V]
	if lo < hi {
		if m.entries[lo].begin.Compare(r.Begin) < 0 {
			left = m.entries[lo]
			left.end = r.Begin.Clone()
			haveLeft = true
		}
		last := m.entries[hi-1]
		if last.end.Compare(r.End) > 0 {
			right = last
			right.begin = r.End.Clone()
			haveRight = true
		}
	}

	out := make([]entry[V], 0, len(m.entries)-(hi-lo)+3)
	out = append(out, m.entries[:lo]...)
	if haveLeft {
		out = append(out, left)
	}
	out = append(out, entry[V]{begin: r.Begin.Clone(), end: r.End.Clone(), value: v})
	if haveRight {
		out = append(out, right)
	}
	out = append(out, m.entries[hi:]...)
	m.entries = out
}

// Clear removes any stored intervals overlapping r without inserting
// a replacement.
func (m *RangeMap[V]) Clear(r KeyRange) {
	if r.Empty() {
		return
	}
	lo := m.lowerBound(r.Begin)
	hi := m.upperBound(r.End)
	var haveLeft, haveRight bool
	var left, right entry[V]
	if lo < hi {
		if m.entries[lo].begin.Compare(r.Begin) < 0 {
			left = m.entries[lo]
			left.end = r.Begin.Clone()
			haveLeft = true
		}
		last := m.entries[hi-1]
		if last.end.Compare(r.End) > 0 {
			right = last
			right.begin = r.End.Clone()
			haveRight = true
		}
	}
	out := make([]entry[V], 0, len(m.entries)-(hi-lo)+2)
	out = append(out, m.entries[:lo]...)
	if haveLeft {
		out = append(out, left)
	}
	if haveRight {
		out = append(out, right)
	}
	out = append(out, m.entries[hi:]...)
	m.entries = out
}

// IntersectingRanges calls fn once for every stored interval
// overlapping r, in key order. It stops early if fn returns false.
func (m *RangeMap[V]) IntersectingRanges(r KeyRange, fn func(KeyRange, V) bool) {
	lo := m.lowerBound(r.Begin)
	hi := m.upperBound(r.End)
	for i := lo; i < hi; i++ {
		if !fn(m.entries[i].rng(), m.entries[i].value) {
			return
		}
	}
}

// AllRanges calls fn once for every stored interval in key order.
func (m *RangeMap[V]) AllRanges(fn func(KeyRange, V) bool) {
	for i := range m.entries {
		if !fn(m.entries[i].rng(), m.entries[i].value) {
			return
		}
	}
}

// RangeContaining returns the unique interval that covers key, if
// any is stored.
func (m *RangeMap[V]) RangeContaining(key Key) (KeyRange, V, bool) {
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].begin.Compare(key) > 0
	}) - 1
	var zero V
	if i < 0 || i >= len(m.entries) {
		return KeyRange{}, zero, false
	}
	e := m.entries[i]
	if !e.rng().Contains(key) {
		return KeyRange{}, zero, false
	}
	return e.rng(), e.value, true
}

// Coalesce merges neighboring intervals within bounds that carry
// equal values, as determined by the equal function passed to New.
// It is a no-op if no equal function was provided.
func (m *RangeMap[V]) Coalesce(bounds KeyRange) {
	if m.equal == nil {
		return
	}
	lo := m.lowerBound(bounds.Begin)
	hi := m.upperBound(bounds.End)
	if hi-lo < 2 {
		return
	}
	out := make([]entry[V], 0, len(m.entries))
	out = append(out, m.entries[:lo]...)
	cur := m.entries[lo]
	for i := lo + 1; i < hi; i++ {
		next := m.entries[i]
		if cur.end.Compare(next.begin) == 0 && m.equal(cur.value, next.value) {
			cur.end = next.end
			continue
		}
		out = append(out, cur)
		cur = next
	}
	out = append(out, cur)
	out = append(out, m.entries[hi:]...)
	m.entries = out
}

// RandomRange uniformly picks one stored interval using rnd. It
// returns false if the map is empty.
func (m *RangeMap[V]) RandomRange(rnd *rand.Rand) (KeyRange, V, bool) {
	var zero V
	if len(m.entries) == 0 {
		return KeyRange{}, zero, false
	}
	i := rnd.Intn(len(m.entries))
	e := m.entries[i]
	return e.rng(), e.value, true
}

// seededPick deterministically selects an interval index using
// siphash over seed, so that repeated chaos-mover picks during a
// single debug session are reproducible from the same seed (e.g. the
// manager's epoch). It is used by callers that want RandomRange-like
// behavior without consuming entropy from a shared *rand.Rand.
func seededPick(n int, seed uint64) int {
	h := siphash.Hash(seed, 0, []byte("rangemap.random_range"))
	return int(h % uint64(n))
}

// SeededRandomRange is like RandomRange but derives its pick
// deterministically from seed instead of a *rand.Rand.
func (m *RangeMap[V]) SeededRandomRange(seed uint64) (KeyRange, V, bool) {
	var zero V
	if len(m.entries) == 0 {
		return KeyRange{}, zero, false
	}
	i := seededPick(len(m.entries), seed)
	e := m.entries[i]
	return e.rng(), e.value, true
}
