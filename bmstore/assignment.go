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
	"sort"

	"github.com/SnellerInc/blobmanager/id"
	"github.com/SnellerInc/blobmanager/rangemap"
)

// MappingBoundary is one boundary of the durable GranuleMappingMap:
// the owner applies to every key from Boundary (inclusive) up to the
// next stored boundary (exclusive). Owner is the zero UID for "needs
// placement".
type MappingBoundary struct {
	Boundary rangemap.Key
	Owner    id.WorkerID
}

// LoadGranuleMapping reads every boundary of GranuleMappingMap in key
// order.
func LoadGranuleMapping(ctx context.Context, tr Txn) ([]MappingBoundary, error) {
	kvs, err := tr.GetRange(ctx, GranuleMappingPrefix(), GranuleMappingEnd(), 0)
	if err != nil {
		return nil, err
	}
	prefix := GranuleMappingPrefix()
	out := make([]MappingBoundary, 0, len(kvs))
	for _, kv := range kvs {
		boundary := decodeBytes(stripPrefix(kv.Key, prefix))
		var owner id.WorkerID
		if len(kv.Value) == 16 {
			copy(owner[:], kv.Value)
		}
		out = append(out, MappingBoundary{Boundary: rangemap.Key(boundary), Owner: owner})
	}
	// stored keys are length-prefixed, so GetRange order is not key order
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].Boundary, out[j].Boundary) })
	return out, nil
}

// SetGranuleMappingBoundary writes the owner of the granule range
// beginning at boundary. An owner of id.Zero marks the range as
// unassigned.
func SetGranuleMappingBoundary(tr Txn, boundary rangemap.Key, owner id.WorkerID) {
	var v []byte
	if !owner.IsZero() {
		v = append([]byte{}, owner[:]...)
	} else {
		v = []byte{}
	}
	tr.Set(GranuleMappingKey(boundary), v)
}

// ClearGranuleMappingRange removes every boundary of the durable
// assignment map within [begin, end).
func ClearGranuleMappingRange(tr Txn, begin, end rangemap.Key) {
	tr.ClearRange(GranuleMappingKey(begin), GranuleMappingKey(end))
}
