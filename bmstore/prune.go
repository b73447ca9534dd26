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

	"github.com/SnellerInc/blobmanager/rangemap"
)

// PruneIntent is a durable directive to delete file data for a range
// at data versions <= Version (or unconditionally, if Force).
type PruneIntent struct {
	Range   rangemap.KeyRange
	Version uint64
	Force   bool
}

func encodePruneIntent(begin rangemap.Key, p PruneIntent) []byte {
	buf := appendBytes(nil, p.Range.End)
	var vbuf [8]byte
	binary.BigEndian.PutUint64(vbuf[:], p.Version)
	buf = append(buf, vbuf[:]...)
	if p.Force {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodePruneIntent(begin rangemap.Key, b []byte) (PruneIntent, error) {
	end := decodeBytes(b)
	b = b[4+len(end):]
	if len(b) != 9 {
		return PruneIntent{}, fmt.Errorf("bmstore: malformed prune intent")
	}
	version := binary.BigEndian.Uint64(b[:8])
	force := b[8] != 0
	return PruneIntent{
		Range:   rangemap.KeyRange{Begin: begin, End: rangemap.Key(end)},
		Version: version,
		Force:   force,
	}, nil
}

// WritePruneIntent writes a durable prune intent and bumps
// PruneChangeKey so any watcher wakes.
func WritePruneIntent(tr Txn, p PruneIntent, changeCounter uint64) {
	tr.Set(PruneIntentKey(p.Range.Begin), encodePruneIntent(p.Range.Begin, p))
	var cbuf [8]byte
	binary.BigEndian.PutUint64(cbuf[:], changeCounter)
	tr.Set(PruneChangeKey(), cbuf[:])
}

// LoadPruneIntents reads every currently outstanding prune intent.
func LoadPruneIntents(ctx context.Context, tr Txn) ([]PruneIntent, error) {
	kvs, err := tr.GetRange(ctx, PruneIntentPrefix(), PruneIntentEnd(), 0)
	if err != nil {
		return nil, err
	}
	prefix := PruneIntentPrefix()
	out := make([]PruneIntent, 0, len(kvs))
	for _, kv := range kvs {
		begin := decodeBytes(stripPrefix(kv.Key, prefix))
		p, err := decodePruneIntent(rangemap.Key(begin), kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// GetPruneIntent re-reads a single prune intent, for the
// clear-only-if-unchanged check in spec.md §4.I step 5.
func GetPruneIntent(ctx context.Context, tr Txn, begin rangemap.Key) (PruneIntent, bool, error) {
	v, err := tr.Get(ctx, PruneIntentKey(begin))
	if err != nil {
		return PruneIntent{}, false, err
	}
	if v == nil {
		return PruneIntent{}, false, nil
	}
	p, err := decodePruneIntent(begin, v)
	return p, err == nil, err
}

// ClearPruneIntent removes a fully-processed prune intent.
func ClearPruneIntent(tr Txn, begin rangemap.Key) {
	tr.Clear(PruneIntentKey(begin))
}
