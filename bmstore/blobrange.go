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
	"sort"

	"github.com/SnellerInc/blobmanager/rangemap"
)

// BlobRangeBoundary is one boundary of the user-declared blob range
// set: the value applies to every key from Boundary (inclusive) up to
// the next stored boundary (exclusive).
type BlobRangeBoundary struct {
	Boundary rangemap.Key
	Active   bool
}

// LoadBlobRangeMap reads every boundary of BlobRangeMap in key order.
func LoadBlobRangeMap(ctx context.Context, tr Txn) ([]BlobRangeBoundary, error) {
	kvs, err := tr.GetRange(ctx, BlobRangeMapPrefix(), BlobRangeMapEnd(), 0)
	if err != nil {
		return nil, err
	}
	out := make([]BlobRangeBoundary, 0, len(kvs))
	prefix := BlobRangeMapPrefix()
	for _, kv := range kvs {
		boundary := decodeBytes(stripPrefix(kv.Key, prefix))
		out = append(out, BlobRangeBoundary{
			Boundary: rangemap.Key(boundary),
			Active:   len(kv.Value) > 0,
		})
	}
	// stored keys are length-prefixed, so GetRange order is not key order
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].Boundary, out[j].Boundary) })
	return out, nil
}

// SetBlobRangeBoundary writes (or clears) a single boundary of the
// user-declared blob range set.
func SetBlobRangeBoundary(tr Txn, b BlobRangeBoundary) {
	v := []byte(nil)
	if b.Active {
		v = []byte("1")
	} else {
		v = []byte{}
	}
	tr.Set(BlobRangeMapKey(b.Boundary), v)
}

// ClearBlobRange removes every boundary of the user-declared blob
// range set within [begin, end).
func ClearBlobRange(tr Txn, begin, end rangemap.Key) {
	tr.ClearRange(BlobRangeMapKey(begin), BlobRangeMapKey(end))
}

// BumpBlobRangeChange writes a fresh opaque value to
// BlobRangeChangeKey so that any outstanding Watch resolves.
func BumpBlobRangeChange(tr Txn, counter uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	tr.Set(BlobRangeChangeKey(), buf[:])
}
