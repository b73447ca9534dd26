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

// Package id provides the 128-bit unique identifiers used throughout
// the blob manager (granule IDs and worker IDs).
package id

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// UID is a 128-bit unique identifier.
type UID uuid.UUID

// Zero is the reserved all-zero UID, used as the "no worker" (⊥)
// sentinel in assignments.
var Zero UID

// New generates a fresh, randomly-chosen UID.
func New() UID {
	return UID(uuid.New())
}

// IsZero reports whether id is the ⊥ sentinel.
func (id UID) IsZero() bool {
	return id == Zero
}

func (id UID) String() string {
	return uuid.UUID(id).String()
}

// GranuleID identifies a granule across assignment changes (but not
// across a split: each split child receives a fresh GranuleID).
type GranuleID = UID

// WorkerID identifies a blob worker process for the lifetime of its
// registration.
type WorkerID = UID

// Parse parses the canonical string form of a UID.
func Parse(s string) (UID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UID{}, err
	}
	return UID(u), nil
}

// splitChildNamespace names the UUID namespace DeriveSplitChild hashes
// into. It has no meaning beyond keeping split-child GranuleIDs out of
// the same name space as any other SHA1-derived UUID a caller might
// mint.
var splitChildNamespace = uuid.MustParse("8f14e45f-ceea-467e-9dad-06e2a1962a68")

// DeriveSplitChild returns the GranuleID a split of parent at
// splitSeqno assigns to its i'th child (0-indexed left to right). It
// is a pure function of its arguments: retrying the transaction that
// performs a split reassigns exactly the same child GranuleIDs, so a
// commit-unknown-result retry cannot orphan a granule under a
// GranuleID nothing else ever learns about.
func DeriveSplitChild(parent GranuleID, splitSeqno uint64, i int) GranuleID {
	name := make([]byte, 0, 16+8+8)
	p := uuid.UUID(parent)
	name = append(name, p[:]...)
	name = binary.BigEndian.AppendUint64(name, splitSeqno)
	name = binary.BigEndian.AppendUint64(name, uint64(i))
	return UID(uuid.NewSHA1(splitChildNamespace, name))
}
