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

// Package bmstore is a thin typed façade over a transactional
// key-value store, in the spirit of the FoundationDB client: callers
// hand a closure to Store.Transact and the store retries it against
// fresh transactions until it commits or hits a non-retryable error.
//
// The store itself (the KV cluster) is an external collaborator; this
// package only defines the client-side contract (Store, Txn) and the
// typed views (this file's siblings) that the blob manager needs on
// top of it: the manager epoch, the range map, granule locks, split
// boundaries, history, prune intents, and the worker list.
package bmstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// KV is a single key-value pair as returned by GetRange.
type KV struct {
	Key   []byte
	Value []byte
}

// Txn is a single attempt at a transaction. Implementations need not
// be safe for concurrent use.
type Txn interface {
	// Get returns the value stored at key, or (nil, nil) if key is
	// unset.
	Get(ctx context.Context, key []byte) ([]byte, error)
	// GetRange returns up to limit key-value pairs with begin <= key
	// < end, in key order. limit <= 0 means unlimited.
	GetRange(ctx context.Context, begin, end []byte, limit int) ([]KV, error)
	// Set buffers a write of value at key, visible to later reads
	// within the same Txn.
	Set(key, value []byte)
	// Clear buffers the removal of key.
	Clear(key []byte)
	// ClearRange buffers the removal of every key in [begin, end).
	ClearRange(begin, end []byte)
	// AddReadConflictRange declares that this transaction's success
	// depends on nothing else concurrently modifying a key in
	// [begin, end); a conflicting concurrent commit will cause this
	// transaction to fail with ErrConflict.
	AddReadConflictRange(begin, end []byte)
	// Watch returns a Future that resolves once key's value changes
	// after commit, or when ctx passed to Future.Wait is canceled.
	Watch(key []byte) (Future, error)
}

// Future resolves when a watched key changes.
type Future interface {
	Wait(ctx context.Context) error
}

// Store is a transactional key-value store client.
type Store interface {
	// Transact invokes fn with a fresh Txn, committing on success.
	// If the commit (or fn itself) fails with a transient error,
	// Transact retries fn against a new Txn. Transact returns the
	// first non-retryable error, or nil once a commit succeeds.
	Transact(ctx context.Context, fn func(context.Context, Txn) error) error
}

// Error classification, following spec.md §7's abstract taxonomy.
var (
	// ErrConflict indicates the transaction's read conflict ranges
	// were invalidated by a concurrent commit. Retryable.
	ErrConflict = errors.New("bmstore: transaction conflict")
	// ErrCommitUnknownResult indicates the outcome of a commit could
	// not be determined. Retryable, but callers that are not
	// idempotent must check whether their write already landed.
	ErrCommitUnknownResult = errors.New("bmstore: commit result unknown")
	// ErrConnectionFailure indicates a transport-level failure
	// talking to the store. Retryable.
	ErrConnectionFailure = errors.New("bmstore: connection failure")
)

// Retryable reports whether err represents one of the transient
// conditions above.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrCommitUnknownResult) ||
		errors.Is(err, ErrConnectionFailure)
}

// ErrManagerReplaced is returned (wrapped with the epoch that
// replaced the caller) whenever a transaction observes that
// ManagerEpochKey has advanced past the calling manager's own epoch.
// It is never retried: the manager must unwind.
var ErrManagerReplaced = errors.New("bmstore: manager replaced")

// ReplacedError carries the epoch that superseded the caller.
type ReplacedError struct {
	CurrentEpoch uint64
	OwnEpoch     uint64
}

func (e *ReplacedError) Error() string {
	return fmt.Sprintf("manager epoch %d superseded by %d", e.OwnEpoch, e.CurrentEpoch)
}

func (e *ReplacedError) Unwrap() error { return ErrManagerReplaced }

// lessKey reports whether a < b lexicographically; a small local
// helper so callers of this package never need to import bytes just
// to order keys.
func lessKey(a, b []byte) bool { return bytes.Compare(a, b) < 0 }
