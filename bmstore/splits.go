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

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/SnellerInc/blobmanager/id"
	"github.com/SnellerInc/blobmanager/rangemap"
)

// SplitMarker records the (epoch, seqno) that generated an
// in-progress split, and the ID of the parent granule being split.
type SplitMarker struct {
	Parent id.GranuleID
	At     Version
}

func encodeVersion(v Version) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], v.Epoch)
	binary.BigEndian.PutUint64(buf[8:16], v.Seqno)
	return buf[:]
}

func decodeVersion(b []byte) (Version, error) {
	if len(b) != 16 {
		return Version{}, fmt.Errorf("bmstore: malformed version (%d bytes)", len(b))
	}
	return Version{
		Epoch: binary.BigEndian.Uint64(b[0:8]),
		Seqno: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// WriteSplitMarker writes the marker entry that fences an
// in-progress split of parent at the given version. It must be
// committed in the same transaction as the boundary keys and the
// new granule lock, per spec.md §4.F.
func WriteSplitMarker(tr Txn, parent id.GranuleID, at Version) {
	tr.Set(SplitBoundaryMarkerKey(parent), encodeVersion(at))
}

// GetSplitMarker reads the SplitMarker version for parent, if any
// split of it is currently recorded as in progress.
func GetSplitMarker(ctx context.Context, tr Txn, parent id.GranuleID) (Version, bool, error) {
	v, err := tr.Get(ctx, SplitBoundaryMarkerKey(parent))
	if err != nil {
		return Version{}, false, err
	}
	if v == nil {
		return Version{}, false, nil
	}
	ver, err := decodeVersion(v)
	return ver, err == nil, err
}

// WriteSplitBoundary records a single child boundary key of an
// in-progress split of parent. The value is empty; only the key's
// presence matters.
func WriteSplitBoundary(tr Txn, parent id.GranuleID, boundary rangemap.Key) {
	tr.Set(SplitBoundaryKey(parent, boundary), []byte{})
}

// ClearSplit removes every boundary key and the marker for parent,
// once every child has been durably assigned.
func ClearSplit(tr Txn, parent id.GranuleID) {
	tr.ClearRange(SplitBoundaryPrefix(parent), SplitBoundaryEnd(parent))
	tr.Clear(SplitBoundaryMarkerKey(parent))
}

// WriteSplitState records the initial progression state of one child
// of an in-progress split: the version at which the split was
// initiated. Real time-travel readers would advance this record as
// the child makes progress on its own snapshot lineage; this
// repository's scope ends at recording the split, so only the
// initial state is written.
func WriteSplitState(tr Txn, parent, child id.GranuleID, at Version) {
	tr.Set(SplitKey(parent, child), encodeVersion(at))
}

// GetSplitState reads the progression record for child of parent.
func GetSplitState(ctx context.Context, tr Txn, parent, child id.GranuleID) (Version, bool, error) {
	v, err := tr.Get(ctx, SplitKey(parent, child))
	if err != nil {
		return Version{}, false, err
	}
	if v == nil {
		return Version{}, false, nil
	}
	ver, err := decodeVersion(v)
	return ver, err == nil, err
}

// InProgressSplit is one parent's reconstructed split state, as
// consumed by recovery (spec.md §4.H step 2).
type InProgressSplit struct {
	Parent    id.GranuleID
	At        Version
	Boundary  []rangemap.Key // sorted child boundary keys
}

// LoadInProgressSplits streams the entire SplitBoundaryMap and
// SplitMarker keyspaces and assembles one InProgressSplit per parent
// with a marker. Parents with boundary keys but no marker (impossible
// under the write-marker-first-in-the-same-transaction protocol,
// short of the transaction never committing at all, in which case
// there is nothing to see) are skipped.
func LoadInProgressSplits(ctx context.Context, tr Txn) ([]InProgressSplit, error) {
	markers, err := tr.GetRange(ctx, AllSplitMarkersPrefix(), AllSplitMarkersEnd(), 0)
	if err != nil {
		return nil, err
	}
	byParent := make(map[id.UID]*InProgressSplit, len(markers))
	order := make([]id.UID, 0, len(markers))
	mprefix := AllSplitMarkersPrefix()
	for _, kv := range markers {
		rest := stripPrefix(kv.Key, mprefix)
		if len(rest) != 16 {
			continue
		}
		var parent id.UID
		copy(parent[:], rest)
		at, err := decodeVersion(kv.Value)
		if err != nil {
			return nil, err
		}
		byParent[parent] = &InProgressSplit{Parent: parent, At: at}
		order = append(order, parent)
	}

	boundaries, err := tr.GetRange(ctx, AllSplitBoundariesPrefix(), AllSplitBoundariesEnd(), 0)
	if err != nil {
		return nil, err
	}
	bprefix := AllSplitBoundariesPrefix()
	for _, kv := range boundaries {
		rest := stripPrefix(kv.Key, bprefix)
		if len(rest) < 16 {
			continue
		}
		var parent id.UID
		copy(parent[:], rest[:16])
		sp, ok := byParent[parent]
		if !ok {
			// boundary written but marker not yet visible in this
			// snapshot; treat as not-yet-in-progress.
			continue
		}
		boundary := decodeBytes(rest[16:])
		sp.Boundary = append(sp.Boundary, rangemap.Key(boundary))
	}

	out := make([]InProgressSplit, 0, len(order))
	for _, p := range order {
		sp := byParent[p]
		sort.Slice(sp.Boundary, func(i, j int) bool { return lessKey(sp.Boundary[i], sp.Boundary[j]) })
		out = append(out, *sp)
	}
	return out, nil
}
