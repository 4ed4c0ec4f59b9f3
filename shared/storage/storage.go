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

// Package storage provides the transactional key-value stores holding the aggregator state.
//
// Transactions are optimistic: every key read inside Update is validated at commit time, and a
// concurrent change to any of them fails the commit with ErrConflict without applying any write.
// Callers retry conflicted transactions from the start.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("storage: key not found")
	// ErrConflict is returned when a transaction read a key that changed before it committed.
	ErrConflict = errors.New("storage: transaction conflict")
)

// Txn is the view of the store inside a transaction. Writes are only visible to later reads of
// the same transaction until it commits.
type Txn interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte)
	Delete(key string)
}

// Store is a key-value store with atomic read-modify-write transactions.
type Store interface {
	// Get returns the committed value of a key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Scan calls fn for the keys with the given prefix in ascending order, stopping after limit
	// keys when limit is positive. Scan is not part of any transaction.
	Scan(ctx context.Context, prefix string, limit int, fn func(key string, value []byte) error) error
	// Update runs fn in a transaction and commits its writes atomically.
	Update(ctx context.Context, fn func(Txn) error) error
	Close() error
}

type readRecord struct {
	value []byte
	found bool
}

// writeRecord is a pending write; a nil value pointer deletes the key.
type writeRecord struct {
	value *[]byte
}

// txnBuffer tracks the reads and writes of a transaction for the optimistic backends.
type txnBuffer struct {
	reads  map[string]readRecord
	writes map[string]writeRecord
	order  []string
}

func newTxnBuffer() *txnBuffer {
	return &txnBuffer{
		reads:  make(map[string]readRecord),
		writes: make(map[string]writeRecord),
	}
}

// lookup returns a buffered value for key, if the transaction already wrote or read it.
func (t *txnBuffer) lookup(key string) (value []byte, found, ok bool) {
	if w, ok := t.writes[key]; ok {
		if w.value == nil {
			return nil, false, true
		}
		return append([]byte{}, (*w.value)...), true, true
	}
	if r, ok := t.reads[key]; ok {
		return append([]byte{}, r.value...), r.found, true
	}
	return nil, false, false
}

func (t *txnBuffer) recordRead(key string, value []byte, found bool) {
	t.reads[key] = readRecord{value: value, found: found}
}

func (t *txnBuffer) set(key string, value []byte) {
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	v := append([]byte{}, value...)
	t.writes[key] = writeRecord{value: &v}
}

func (t *txnBuffer) delete(key string) {
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = writeRecord{}
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Returns nil if the prefix is all 0xff.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte{}, prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
