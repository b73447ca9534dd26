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

	"github.com/SnellerInc/blobmanager/id"
	"github.com/SnellerInc/blobmanager/rangemap"
)

// HistoryParent is one ancestor edge recorded in a HistoryEntry.
type HistoryParent struct {
	Range        rangemap.KeyRange
	StartVersion uint64
}

// HistoryEntry is the lineage record for one child range as of one
// data version: the granule that currently owns the range, and the
// parent ranges (and the data version at which they became its
// ancestors) that it split from.
type HistoryEntry struct {
	GranuleID id.GranuleID
	Parents   []HistoryParent
}

func encodeHistory(h HistoryEntry) []byte {
	buf := append([]byte{}, h.GranuleID[:]...)
	var cbuf [4]byte
	binary.BigEndian.PutUint32(cbuf[:], uint32(len(h.Parents)))
	buf = append(buf, cbuf[:]...)
	for _, p := range h.Parents {
		buf = appendBytes(buf, p.Range.Begin)
		buf = appendBytes(buf, p.Range.End)
		var vbuf [8]byte
		binary.BigEndian.PutUint64(vbuf[:], p.StartVersion)
		buf = append(buf, vbuf[:]...)
	}
	return buf
}

func decodeHistory(b []byte) (HistoryEntry, error) {
	if len(b) < 20 {
		return HistoryEntry{}, fmt.Errorf("bmstore: malformed history entry")
	}
	var h HistoryEntry
	copy(h.GranuleID[:], b[:16])
	n := binary.BigEndian.Uint32(b[16:20])
	b = b[20:]
	for i := uint32(0); i < n; i++ {
		begin := decodeBytes(b)
		b = b[4+len(begin):]
		end := decodeBytes(b)
		b = b[4+len(end):]
		if len(b) < 8 {
			return HistoryEntry{}, fmt.Errorf("bmstore: truncated history entry")
		}
		v := binary.BigEndian.Uint64(b[:8])
		b = b[8:]
		h.Parents = append(h.Parents, HistoryParent{
			Range:        rangemap.KeyRange{Begin: rangemap.Key(begin), End: rangemap.Key(end)},
			StartVersion: v,
		})
	}
	return h, nil
}

// WriteHistory records the lineage of the range beginning at begin as
// of version.
func WriteHistory(tr Txn, begin rangemap.Key, version uint64, h HistoryEntry) {
	tr.Set(HistoryKey(begin, version), encodeHistory(h))
}

// GetHistory reads the lineage record for range begin as of exactly
// version.
func GetHistory(ctx context.Context, tr Txn, begin rangemap.Key, version uint64) (HistoryEntry, bool, error) {
	v, err := tr.Get(ctx, HistoryKey(begin, version))
	if err != nil {
		return HistoryEntry{}, false, err
	}
	if v == nil {
		return HistoryEntry{}, false, nil
	}
	h, err := decodeHistory(v)
	return h, err == nil, err
}

// LatestHistory returns the highest-versioned history record stored
// for the range beginning at begin.
//
// This walks the whole per-range history prefix and keeps the last
// entry seen; a production store would instead issue a
// reverse-ordered, limit-1 range read, but Txn.GetRange does not
// expose that option here since nothing in this subsystem is on a
// hot path sensitive to it (history prefixes are short-lived: they
// are pruned by RetentionGC).
func LatestHistory(ctx context.Context, tr Txn, begin rangemap.Key) (uint64, HistoryEntry, bool, error) {
	kvs, err := tr.GetRange(ctx, HistoryPrefix(begin), append(HistoryPrefix(begin), 0xff), 0)
	if err != nil {
		return 0, HistoryEntry{}, false, err
	}
	if len(kvs) == 0 {
		return 0, HistoryEntry{}, false, nil
	}
	last := kvs[len(kvs)-1]
	prefix := HistoryPrefix(begin)
	rest := stripPrefix(last.Key, prefix)
	if len(rest) != 8 {
		return 0, HistoryEntry{}, false, fmt.Errorf("bmstore: malformed history key")
	}
	version := binary.BigEndian.Uint64(rest)
	h, err := decodeHistory(last.Value)
	if err != nil {
		return 0, HistoryEntry{}, false, err
	}
	return version, h, true, nil
}

// ClearHistory removes the history record for begin at version.
func ClearHistory(tr Txn, begin rangemap.Key, version uint64) {
	tr.Clear(HistoryKey(begin, version))
}
