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

// Package pebblekv is a single-node, disk-backed bmstore.Store built
// on Pebble (the LSM engine that drpcorg/chotki embeds as its storage
// layer). It plays the same role for this module's "local mode" that
// db.DirFS plays relative to db.S3FS in the teacher repository: a
// durable, dependency-light stand-in for the real distributed store,
// used for single-node deployments (the daemon's -db flag). The
// tests in this module run against bmstore/memkv, not this package.
//
// Pebble gives us durable, crash-safe atomic batches (Set/Clear/
// ClearRange land together or not at all) and consistent
// point-in-time snapshots for reads; it has no notion of multi-key
// read-write transactions of its own, so this package layers the same
// conflict-range bookkeeping used by bmstore/memkv on top of it.
package pebblekv

import (
	"bytes"
	"context"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/SnellerInc/blobmanager/bmstore"
)

// DB is a Pebble-backed bmstore.Store.
type DB struct {
	pdb *pebble.DB

	mu      sync.Mutex
	version uint64
	history []writeRecord
	notify  chan struct{}
}

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

// Open opens (creating if necessary) a Pebble store at dir.
func Open(dir string) (*DB, error) {
	pdb, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &DB{pdb: pdb, notify: make(chan struct{})}, nil
}

// Close flushes and closes the underlying Pebble instance.
func (db *DB) Close() error {
	return db.pdb.Close()
}

const (
	opSet = iota
	opClear
	opClearRange
)

type pendingOp struct {
	kind     int
	key, end []byte
	val      []byte
}

type txn struct {
	db   *DB
	snap *pebble.Snapshot
	rv   uint64

	reads  []crange
	writes []pendingOp
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
	v, closer, err := t.snap.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte{}, v...)
	closer.Close()
	return out, nil
}

func (t *txn) GetRange(ctx context.Context, begin, end []byte, limit int) ([]bmstore.KV, error) {
	t.reads = append(t.reads, crange{begin: begin, end: end})
	iter, err := t.snap.NewIter(&pebble.IterOptions{LowerBound: begin, UpperBound: end})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []bmstore.KV
	for iter.First(); iter.Valid(); iter.Next() {
		k := append([]byte{}, iter.Key()...)
		if v, overridden := t.localOverlay(k); overridden {
			if v != nil {
				out = append(out, bmstore.KV{Key: k, Value: v})
			}
			continue
		}
		out = append(out, bmstore.KV{Key: k, Value: append([]byte{}, iter.Value()...)})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
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
	bytesSort(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func bytesSort(kvs []bmstore.KV) {
	for i := 1; i < len(kvs); i++ {
		for j := i; j > 0 && bytes.Compare(kvs[j-1].Key, kvs[j].Key) > 0; j-- {
			kvs[j-1], kvs[j] = kvs[j], kvs[j-1]
		}
	}
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
	initial, closer, err := f.db.pdb.Get(f.key)
	var initCopy []byte
	if err == nil {
		initCopy = append([]byte{}, initial...)
		closer.Close()
	}
	f.db.mu.Lock()
	ch := f.db.notify
	f.db.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		cur, closer, err := f.db.pdb.Get(f.key)
		var curCopy []byte
		if err == nil {
			curCopy = append([]byte{}, cur...)
			closer.Close()
		}
		f.db.mu.Lock()
		ch = f.db.notify
		f.db.mu.Unlock()
		if !bytes.Equal(initCopy, curCopy) {
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

		snap := db.pdb.NewSnapshot()
		t := &txn{db: db, snap: snap, rv: rv}
		err := fn(ctx, t)
		snap.Close()
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
			if w.version > t.rv && r.overlaps(w.rng) {
				return bmstore.ErrConflict
			}
		}
	}

	batch := db.pdb.NewBatch()
	for _, op := range t.writes {
		var err error
		switch op.kind {
		case opSet:
			err = batch.Set(op.key, op.val, nil)
		case opClear:
			err = batch.Delete(op.key, nil)
		case opClearRange:
			err = batch.DeleteRange(op.key, op.end, nil)
		}
		if err != nil {
			batch.Close()
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return bmstore.ErrCommitUnknownResult
	}

	db.version++
	v := db.version
	for _, op := range t.writes {
		switch op.kind {
		case opSet, opClear:
			db.history = append(db.history, writeRecord{version: v, rng: crange{begin: op.key, point: true}})
		case opClearRange:
			db.history = append(db.history, writeRecord{version: v, rng: crange{begin: op.key, end: op.end}})
		}
	}
	close(db.notify)
	db.notify = make(chan struct{})
	return nil
}
