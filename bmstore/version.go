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

package bmstore

import "fmt"

// Version is the (epoch, seqno) pair that totally orders every
// ownership mutation issued by any manager instance. Epoch 0 is
// reserved and never legitimately written by a manager: it is used
// only as part of the sentinel values Unmapped and KnownUnowned below.
type Version struct {
	Epoch uint64
	Seqno uint64
}

// Unmapped is the sentinel for "this key has never been assigned".
var Unmapped = Version{Epoch: 0, Seqno: 0}

// KnownUnowned is the sentinel for "this range is known to be
// mapped, but its owner is not yet known" (used by recovery when
// backfilling from the persisted range map).
var KnownUnowned = Version{Epoch: 0, Seqno: 1}

// Less reports whether v sorts strictly before other.
func (v Version) Less(other Version) bool {
	if v.Epoch != other.Epoch {
		return v.Epoch < other.Epoch
	}
	return v.Seqno < other.Seqno
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or
// greater than other.
func (v Version) Compare(other Version) int {
	switch {
	case v == other:
		return 0
	case v.Less(other):
		return -1
	default:
		return 1
	}
}

func (v Version) String() string {
	return fmt.Sprintf("(%d,%d)", v.Epoch, v.Seqno)
}

// Zero reports whether v is the Unmapped sentinel.
func (v Version) Zero() bool { return v == Unmapped }
