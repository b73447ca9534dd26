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
)

// GetEpoch reads the current persisted manager epoch, or 0 if it has
// never been set.
func GetEpoch(ctx context.Context, tr Txn) (uint64, error) {
	v, err := tr.Get(ctx, ManagerEpochKey())
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

// SetEpoch unconditionally overwrites the persisted manager epoch.
// It is only ever called by the election path, never by a running
// manager (which instead relies on CheckManagerLock for every write).
func SetEpoch(tr Txn, epoch uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	tr.Set(ManagerEpochKey(), buf[:])
}

// TakeEpoch raises the persisted epoch to ownEpoch, provided the
// persisted epoch is strictly less than ownEpoch, and returns an
// error otherwise. This is how a newly-elected manager takes over.
func TakeEpoch(ctx context.Context, store Store, ownEpoch uint64) error {
	if ownEpoch == 0 {
		return fmt.Errorf("bmstore: epoch 0 is reserved and may not be taken")
	}
	return store.Transact(ctx, func(ctx context.Context, tr Txn) error {
		cur, err := GetEpoch(ctx, tr)
		if err != nil {
			return err
		}
		if cur >= ownEpoch {
			return &ReplacedError{CurrentEpoch: cur, OwnEpoch: ownEpoch}
		}
		SetEpoch(tr, ownEpoch)
		return nil
	})
}

// CheckManagerLock reads ManagerEpochKey, asserts it equals ownEpoch,
// and arms a read-conflict range over the key so that any concurrent
// commit that raises the epoch (i.e. a successor manager taking over)
// necessarily conflicts with this transaction.
//
// Every mutating transaction issued by the manager must call this
// first, per spec.md §4.B.
func CheckManagerLock(ctx context.Context, tr Txn, ownEpoch uint64) error {
	key := ManagerEpochKey()
	cur, err := GetEpoch(ctx, tr)
	if err != nil {
		return err
	}
	tr.AddReadConflictRange(key, append(append([]byte{}, key...), 0x00))
	if cur > ownEpoch {
		return &ReplacedError{CurrentEpoch: cur, OwnEpoch: ownEpoch}
	}
	if cur < ownEpoch {
		// The epoch key predates our election (e.g. a fresh
		// cluster, or a transaction issued before TakeEpoch
		// committed); this is a bug in the caller, not a
		// transient condition.
		return fmt.Errorf("bmstore: manager epoch %d not yet persisted (found %d)", ownEpoch, cur)
	}
	return nil
}
