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

// Package memkv is an in-memory bmstore.Store used by tests and by
// single-process debugging. It implements the same optimistic
// concurrency contract as the real cluster (reads add conflict
// ranges; a concurrent conflicting write forces a retry), so tests
// written against it exercise the same retry paths that the real
// store would trigger.
package memkv

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/SnellerInc/blobmanager/bmstore"
)

type crange struct {
	begin, end []byte
	point      bool
}

func (r crange) overlaps(o crange) bool {
	switch {
	case r.point && o.point:
		return bytes.Equal(r.begin, o.begin)
	case r.point:
		return bytes.Compare(o.begin, r.begin) <= 0 && bytes.Compare(r.begin, o.end) < 0
	case o.point:
		return o.overlaps(r)
	default:
		return bytes.Compare(r.begin, o.end) < 0 && bytes.Compare(o.begin, r.end) < 0
	}
}

type writeRecord struct {
	version uint64
	rng     crange
}

// DB is an in-memory, single-process bmstore.Store.
type DB struct {
	mu       sync.Mutex
	data     map[string][]byte
	version  uint64
	history  []writeRecord
	notify   chan struct{}
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		data:   make(map[string][]byte),
		notify: make(chan struct{}),
	}
}

const (
	opSet = iota
	opClear
	opClearRange
)

type pendingOp struct {
	kind       int
	key, end   []byte
	val        []byte
}

type txn struct {
	db          *DB
	readVersion uint64
	reads       []crange
	writes      []pendingOp
}

func (t *txn) localOverlay(key []byte) ([]byte, bool) {
	for i := len(t.writes) - 1; i >= 0; i-- {
		w := t.writes[i]
		switch w.kind {
		case opSet:
			if bytes.Equal(w.key, key) {
				return w.val, true
			}
		case opClear:
			if bytes.Equal(w.key, key) {
				return nil, true
			}
		case opClearRange:
			if bytes.Compare(w.key, key) <= 0 && bytes.Compare(key, w.end) < 0 {
				return nil, true
			}
		}
	}
	return nil, false
}

func (t *txn) Get(ctx context.Context, key []byte) ([]byte, error) {
	t.reads = append(t.reads, crange{begin: key, point: true})
	if v, ok := t.localOverlay(key); ok {
		return v, nil
	}
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.db.data[string(key)], nil
}

func (t *txn) GetRange(ctx context.Context, begin, end []byte, limit int) ([]bmstore.KV, error) {
	t.reads = append(t.reads, crange{begin: begin, end: end})
	t.db.mu.Lock()
	keys := make([]string, 0, len(t.db.data))
	for k := range t.db.data {
		kb := []byte(k)
		if bytes.Compare(begin, kb) <= 0 && bytes.Compare(kb, end) < 0 {
			keys = append(keys, k)
		}
	}
	t.db.mu.Unlock()
	sort.Strings(keys)

	out := make([]bmstore.KV, 0, len(keys))
	for _, k := range keys {
		kb := []byte(k)
		v, overridden := t.localOverlay(kb)
		if overridden {
			if v != nil {
				out = append(out, bmstore.KV{Key: kb, Value: v})
			}
			continue
		}
		t.db.mu.Lock()
		val := t.db.data[k]
		t.db.mu.Unlock()
		out = append(out, bmstore.KV{Key: kb, Value: val})
	}
	// also surface locally-written keys that don't exist yet upstream
	for _, w := range t.writes {
		if w.kind != opSet {
			continue
		}
		if bytes.Compare(begin, w.key) <= 0 && bytes.Compare(w.key, end) < 0 {
			found := false
			for _, o := range out {
				if bytes.Equal(o.Key, w.key) {
					found = true
					break
				}
			}
			if !found {
				out = append(out, bmstore.KV{Key: append([]byte{}, w.key...), Value: w.val})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *txn) Set(key, value []byte) {
	t.writes = append(t.writes, pendingOp{kind: opSet, key: append([]byte{}, key...), val: append([]byte{}, value...)})
}

func (t *txn) Clear(key []byte) {
	t.writes = append(t.writes, pendingOp{kind: opClear, key: append([]byte{}, key...)})
}

func (t *txn) ClearRange(begin, end []byte) {
	t.writes = append(t.writes, pendingOp{kind: opClearRange, key: append([]byte{}, begin...), end: append([]byte{}, end...)})
}

func (t *txn) AddReadConflictRange(begin, end []byte) {
	t.reads = append(t.reads, crange{begin: begin, end: end})
}

type future struct {
	db  *DB
	key []byte
}

func (t *txn) Watch(key []byte) (bmstore.Future, error) {
	return &future{db: t.db, key: key}, nil
}

func (f *future) Wait(ctx context.Context) error {
	f.db.mu.Lock()
	initial := append([]byte{}, f.db.data[string(f.key)]...)
	ch := f.db.notify
	f.db.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		f.db.mu.Lock()
		cur := f.db.data[string(f.key)]
		ch = f.db.notify
		f.db.mu.Unlock()
		if !bytes.Equal(initial, cur) {
			return nil
		}
	}
}

// Transact implements bmstore.Store.
func (db *DB) Transact(ctx context.Context, fn func(context.Context, bmstore.Txn) error) error {
	for {
		db.mu.Lock()
		rv := db.version
		db.mu.Unlock()

		t := &txn{db: db, readVersion: rv}
		err := fn(ctx, t)
		if err != nil {
			if bmstore.Retryable(err) {
				continue
			}
			return err
		}
		if err := db.commit(t); err != nil {
			if bmstore.Retryable(err) {
				continue
			}
			return err
		}
		return nil
	}
}

func (db *DB) commit(t *txn) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, r := range t.reads {
		for _, w := range db.history {
			if w.version > t.readVersion && r.overlaps(w.rng) {
				return bmstore.ErrConflict
			}
		}
	}

	db.version++
	v := db.version
	for _, op := range t.writes {
		switch op.kind {
		case opSet:
			db.data[string(op.key)] = op.val
			db.history = append(db.history, writeRecord{version: v, rng: crange{begin: op.key, point: true}})
		case opClear:
			delete(db.data, string(op.key))
			db.history = append(db.history, writeRecord{version: v, rng: crange{begin: op.key, point: true}})
		case opClearRange:
			for k := range db.data {
				kb := []byte(k)
				if bytes.Compare(op.key, kb) <= 0 && bytes.Compare(kb, op.end) < 0 {
					delete(db.data, k)
				}
			}
			db.history = append(db.history, writeRecord{version: v, rng: crange{begin: op.key, end: op.end}})
		}
	}
	close(db.notify)
	db.notify = make(chan struct{})
	return nil
}
