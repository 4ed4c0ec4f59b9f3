// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is a Store backed by a local Pebble database.
//
// Transactions read without locking; the commit step validates the read set and applies the
// batch under a short mutex.
type PebbleStore struct {
	db       *pebble.DB
	commitMu sync.Mutex
}

// OpenPebble opens or creates a Pebble database in dir.
func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
	})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) get(key string) ([]byte, bool, error) {
	value, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte{}, value...), true, nil
}

// Get implements Store.
func (s *PebbleStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, found, err := s.get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

// Scan implements Store.
func (s *PebbleStore) Scan(ctx context.Context, prefix string, limit int, fn func(key string, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && n >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if err := fn(string(iter.Key()), append([]byte{}, value...)); err != nil {
			return err
		}
		n++
	}
	return iter.Error()
}

type pebbleTxn struct {
	store *PebbleStore
	buf   *txnBuffer
	err   error
}

func (t *pebbleTxn) Get(key string) ([]byte, error) {
	if value, found, ok := t.buf.lookup(key); ok {
		if !found {
			return nil, ErrNotFound
		}
		return value, nil
	}
	value, found, err := t.store.get(key)
	if err != nil {
		t.err = err
		return nil, err
	}
	t.buf.recordRead(key, value, found)
	if !found {
		return nil, ErrNotFound
	}
	return append([]byte{}, value...), nil
}

func (t *pebbleTxn) Set(key string, value []byte) { t.buf.set(key, value) }

func (t *pebbleTxn) Delete(key string) { t.buf.delete(key) }

// Update implements Store.
func (s *PebbleStore) Update(ctx context.Context, fn func(Txn) error) error {
	txn := &pebbleTxn{store: s, buf: newTxnBuffer()}
	if err := fn(txn); err != nil {
		return err
	}
	if txn.err != nil {
		return txn.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(txn.buf.writes) == 0 {
		return nil
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	for key, read := range txn.buf.reads {
		value, found, err := s.get(key)
		if err != nil {
			return err
		}
		if found != read.found || !bytes.Equal(value, read.value) {
			return ErrConflict
		}
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, key := range txn.buf.order {
		w := txn.buf.writes[key]
		var err error
		if w.value == nil {
			err = batch.Delete([]byte(key), nil)
		} else {
			err = batch.Set([]byte(key), *w.value, nil)
		}
		if err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// Close implements Store.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
