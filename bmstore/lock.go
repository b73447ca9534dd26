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

// GranuleLock is the persisted value at LockKey(range): the
// (epoch, seqno) of the manager that most recently reassigned the
// granule, plus the granule's current ID.
type GranuleLock struct {
	Owner     Version
	GranuleID id.GranuleID
}

func encodeLock(l GranuleLock) []byte {
	buf := make([]byte, 16+16)
	binary.BigEndian.PutUint64(buf[0:8], l.Owner.Epoch)
	binary.BigEndian.PutUint64(buf[8:16], l.Owner.Seqno)
	copy(buf[16:32], l.GranuleID[:])
	return buf
}

func decodeLock(b []byte) (GranuleLock, error) {
	if len(b) != 32 {
		return GranuleLock{}, fmt.Errorf("bmstore: malformed granule lock (%d bytes)", len(b))
	}
	var l GranuleLock
	l.Owner.Epoch = binary.BigEndian.Uint64(b[0:8])
	l.Owner.Seqno = binary.BigEndian.Uint64(b[8:16])
	copy(l.GranuleID[:], b[16:32])
	return l, nil
}

// GetGranuleLock reads the lock for the granule whose range begins
// at begin. It returns the zero GranuleLock and ok=false if no lock
// has ever been written.
func GetGranuleLock(ctx context.Context, tr Txn, begin rangemap.Key) (GranuleLock, bool, error) {
	v, err := tr.Get(ctx, LockKey(begin))
	if err != nil {
		return GranuleLock{}, false, err
	}
	if v == nil {
		return GranuleLock{}, false, nil
	}
	l, err := decodeLock(v)
	if err != nil {
		return GranuleLock{}, false, err
	}
	return l, true, nil
}

// SetGranuleLock writes a new lock for the granule whose range
// begins at begin. Callers must never write a lock with an Epoch
// less than the manager's own current epoch (spec.md §3).
func SetGranuleLock(tr Txn, begin rangemap.Key, l GranuleLock) {
	tr.Set(LockKey(begin), encodeLock(l))
}
