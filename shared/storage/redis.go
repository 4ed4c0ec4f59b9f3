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
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store shared by several aggregator replicas through Redis.
//
// Transactions WATCH every key they read and commit with MULTI/EXEC, so a concurrent write to any
// read key aborts the commit. The same MULTI/EXEC keeps a sorted-set index of the keys, which
// serves prefix scans without walking the keyspace.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Namespace is prepended to every key, allowing several deployments to share a database.
	Namespace string
}

// OpenRedis connects to Redis and checks the connection.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &RedisStore{client: client, namespace: opts.Namespace}, nil
}

func (s *RedisStore) fullKey(key string) string {
	return s.namespace + key
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return value, err
}

// indexKey names the sorted set holding every key of the namespace. All members have score zero,
// so ZRANGEBYLEX walks them in key order.
func (s *RedisStore) indexKey() string {
	return s.namespace + "\x00keys"
}

const redisScanPage = 256

// Scan implements Store. Keys are listed from the index, a page at a time, and their values fetched
// with one MGET per page. Keys deleted since they were listed are skipped.
func (s *RedisStore) Scan(ctx context.Context, prefix string, limit int, fn func(key string, value []byte) error) error {
	lo, hi := "-", "+"
	if prefix != "" {
		lo = "[" + prefix
		if upper := prefixUpperBound([]byte(prefix)); upper != nil {
			hi = "(" + string(upper)
		}
	}

	n := 0
	for {
		count := redisScanPage
		if limit > 0 && limit-n < count {
			count = limit - n
		}
		keys, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{Min: lo, Max: hi, Count: int64(count)}).Result()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		full := make([]string, len(keys))
		for i, key := range keys {
			full[i] = s.fullKey(key)
		}
		values, err := s.client.MGet(ctx, full...).Result()
		if err != nil {
			return err
		}
		for i, v := range values {
			value, ok := v.(string)
			if !ok {
				continue
			}
			if err := fn(keys[i], []byte(value)); err != nil {
				return err
			}
			n++
		}
		if limit > 0 && n >= limit {
			return nil
		}
		if len(keys) < count {
			return nil
		}
		lo = "(" + keys[len(keys)-1]
	}
}

type redisTxn struct {
	ctx   context.Context
	store *RedisStore
	tx    *redis.Tx
	buf   *txnBuffer
	err   error
}

func (t *redisTxn) Get(key string) ([]byte, error) {
	if value, found, ok := t.buf.lookup(key); ok {
		if !found {
			return nil, ErrNotFound
		}
		return value, nil
	}
	full := t.store.fullKey(key)
	if err := t.tx.Watch(t.ctx, full).Err(); err != nil {
		t.err = err
		return nil, err
	}
	value, err := t.tx.Get(t.ctx, full).Bytes()
	if errors.Is(err, redis.Nil) {
		t.buf.recordRead(key, nil, false)
		return nil, ErrNotFound
	}
	if err != nil {
		t.err = err
		return nil, err
	}
	t.buf.recordRead(key, value, true)
	return append([]byte{}, value...), nil
}

func (t *redisTxn) Set(key string, value []byte) { t.buf.set(key, value) }

func (t *redisTxn) Delete(key string) { t.buf.delete(key) }

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, fn func(Txn) error) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		txn := &redisTxn{ctx: ctx, store: s, tx: tx, buf: newTxnBuffer()}
		if err := fn(txn); err != nil {
			return err
		}
		if txn.err != nil {
			return txn.err
		}
		if len(txn.buf.writes) == 0 {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range txn.buf.order {
				w := txn.buf.writes[key]
				if w.value == nil {
					pipe.Del(ctx, s.fullKey(key))
					pipe.ZRem(ctx, s.indexKey(), key)
				} else {
					pipe.Set(ctx, s.fullKey(key), *w.value, 0)
					pipe.ZAdd(ctx, s.indexKey(), redis.Z{Member: key})
				}
			}
			return nil
		})
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
