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
	"encoding/binary"

	"github.com/SnellerInc/blobmanager/id"
	"github.com/SnellerInc/blobmanager/rangemap"
)

// All keys used by this package live under a single system prefix,
// mirroring spec.md §6's "all under a system-key prefix" note. Raw
// user keys and UIDs are embedded length-prefixed so that arbitrary
// byte content never collides with the tag bytes that follow it.
var systemPrefix = []byte("\xff/bm/")

const (
	tagManagerEpoch byte = iota
	tagBlobRange
	tagBlobRangeChange
	tagGranuleMapping
	tagLock
	tagSplitBoundary
	tagSplitMarker
	tagSplit
	tagHistory
	tagPruneIntent
	tagPruneChange
	tagWorkerList
)

func appendBytes(dst, b []byte) []byte {
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(b)))
	dst = append(dst, lenbuf[:]...)
	return append(dst, b...)
}

func appendUID(dst []byte, u id.UID) []byte {
	return append(dst, u[:]...)
}

func tagKey(tag byte) []byte {
	return append(append([]byte{}, systemPrefix...), tag)
}

// ManagerEpochKey is the well-known key holding the current epoch.
func ManagerEpochKey() []byte {
	return tagKey(tagManagerEpoch)
}

// BlobRangeMapPrefix is the prefix under which the user-declared
// blob range set is stored, one key per boundary.
func BlobRangeMapPrefix() []byte {
	return tagKey(tagBlobRange)
}

// BlobRangeMapKey returns the key for a single boundary of the
// user-declared blob range set.
func BlobRangeMapKey(k rangemap.Key) []byte {
	return appendBytes(tagKey(tagBlobRange), k)
}

// BlobRangeMapEnd is the exclusive end of BlobRangeMapPrefix's
// keyspace, suitable as the end argument to GetRange.
func BlobRangeMapEnd() []byte {
	return rangeEnd(tagBlobRange)
}

// BlobRangeChangeKey is the watch target bumped whenever the
// user-declared blob range set changes.
func BlobRangeChangeKey() []byte {
	return tagKey(tagBlobRangeChange)
}

// GranuleMappingPrefix is the prefix under which the durable
// range-to-worker assignment is stored.
func GranuleMappingPrefix() []byte {
	return tagKey(tagGranuleMapping)
}

// GranuleMappingKey returns the key for a single boundary of the
// durable assignment map.
func GranuleMappingKey(k rangemap.Key) []byte {
	return appendBytes(tagKey(tagGranuleMapping), k)
}

// GranuleMappingEnd is the exclusive end of GranuleMappingPrefix's
// keyspace.
func GranuleMappingEnd() []byte {
	return rangeEnd(tagGranuleMapping)
}

// LockKey is the per-granule lock key for the granule whose range
// begins at begin.
func LockKey(begin rangemap.Key) []byte {
	return appendBytes(tagKey(tagLock), begin)
}

// SplitBoundaryPrefix is the prefix under which in-progress split
// boundaries for parent are stored.
func SplitBoundaryPrefix(parent id.GranuleID) []byte {
	return appendUID(tagKey(tagSplitBoundary), parent)
}

// SplitBoundaryKey returns the key for a single child boundary of an
// in-progress split of parent.
func SplitBoundaryKey(parent id.GranuleID, boundary rangemap.Key) []byte {
	return appendBytes(SplitBoundaryPrefix(parent), boundary)
}

// SplitBoundaryMarkerKey returns the key for the special marker
// entry that records the (epoch, seqno) that generated the split of
// parent.
func SplitBoundaryMarkerKey(parent id.GranuleID) []byte {
	return appendUID(tagKey(tagSplitMarker), parent)
}

// SplitBoundaryEnd is the exclusive end of parent's boundary keyspace.
func SplitBoundaryEnd(parent id.GranuleID) []byte {
	p := SplitBoundaryPrefix(parent)
	return append(p, 0xff)
}

// AllSplitBoundariesPrefix and AllSplitBoundariesEnd bound the entire
// SplitBoundaryMap keyspace, across every in-progress parent, for use
// by recovery when it streams the whole map in key order.
func AllSplitBoundariesPrefix() []byte { return tagKey(tagSplitBoundary) }
func AllSplitBoundariesEnd() []byte    { return rangeEnd(tagSplitBoundary) }

// AllSplitMarkersPrefix and AllSplitMarkersEnd bound the entire set
// of split markers (one per in-progress parent).
func AllSplitMarkersPrefix() []byte { return tagKey(tagSplitMarker) }
func AllSplitMarkersEnd() []byte    { return rangeEnd(tagSplitMarker) }

// SplitKey identifies the progression record for one child of one
// parent split.
func SplitKey(parent, child id.GranuleID) []byte {
	k := tagKey(tagSplit)
	k = appendUID(k, parent)
	return appendUID(k, child)
}

// HistoryKey identifies the lineage record for range as of version.
func HistoryKey(begin rangemap.Key, version uint64) []byte {
	k := appendBytes(tagKey(tagHistory), begin)
	var vbuf [8]byte
	binary.BigEndian.PutUint64(vbuf[:], version)
	return append(k, vbuf[:]...)
}

// HistoryPrefix is the prefix under which every version of range's
// lineage is stored, for use with GetRange when walking backwards.
func HistoryPrefix(begin rangemap.Key) []byte {
	return appendBytes(tagKey(tagHistory), begin)
}

// PruneIntentPrefix is the prefix under which durable prune intents
// are stored.
func PruneIntentPrefix() []byte {
	return tagKey(tagPruneIntent)
}

// PruneIntentKey returns the key for the prune intent covering the
// range beginning at begin.
func PruneIntentKey(begin rangemap.Key) []byte {
	return appendBytes(tagKey(tagPruneIntent), begin)
}

// PruneIntentEnd is the exclusive end of PruneIntentPrefix's keyspace.
func PruneIntentEnd() []byte {
	return rangeEnd(tagPruneIntent)
}

// PruneChangeKey is the watch target bumped whenever a new prune
// intent is written.
func PruneChangeKey() []byte {
	return tagKey(tagPruneChange)
}

// WorkerListPrefix is the prefix under which registered workers are
// stored.
func WorkerListPrefix() []byte {
	return tagKey(tagWorkerList)
}

// WorkerListKey returns the registration key for worker.
func WorkerListKey(worker id.WorkerID) []byte {
	return appendUID(tagKey(tagWorkerList), worker)
}

// WorkerListEnd is the exclusive end of WorkerListPrefix's keyspace.
func WorkerListEnd() []byte {
	return rangeEnd(tagWorkerList)
}

func rangeEnd(tag byte) []byte {
	return append(tagKey(tag), 0xff)
}

// decodeBytes reverses appendBytes: given the tail of a key after its
// fixed prefix, it returns the embedded raw bytes.
func decodeBytes(b []byte) []byte {
	if len(b) < 4 {
		return nil
	}
	n := binary.BigEndian.Uint32(b)
	if uint32(len(b)-4) < n {
		return nil
	}
	return b[4 : 4+n]
}

func stripPrefix(full, prefix []byte) []byte {
	if len(full) < len(prefix) {
		return nil
	}
	return full[len(prefix):]
}
