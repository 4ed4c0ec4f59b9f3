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
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestPebble(t *testing.T) Store {
	t.Helper()
	s, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRedis(t *testing.T) Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s, err := OpenRedis(context.Background(), RedisOptions{
		Addr:      addr,
		Namespace: fmt.Sprintf("storage-test-%d/", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func set(t *testing.T, s Store, kv map[string]string) {
	t.Helper()
	if err := s.Update(context.Background(), func(txn Txn) error {
		for k, v := range kv {
			txn.Set(k, []byte(v))
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func scanAll(t *testing.T, s Store, prefix string, limit int) []string {
	t.Helper()
	var got []string
	if err := s.Scan(context.Background(), prefix, limit, func(key string, value []byte) error {
		got = append(got, key+"="+string(value))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return got
}

func testGetAndScan(t *testing.T, s Store) {
	ctx := context.Background()
	set(t, s, map[string]string{
		"task/a/report/2": "r2",
		"task/a/report/1": "r1",
		"task/a/bucket/x": "b",
		"task/b/report/1": "other",
	})

	got, err := s.Get(ctx, "task/a/report/1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "r1" {
		t.Errorf("got %q, want r1", got)
	}
	if _, err := s.Get(ctx, "task/a/report/3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expect ErrNotFound, got %v", err)
	}

	if diff := cmp.Diff([]string{"task/a/report/1=r1", "task/a/report/2=r2"}, scanAll(t, s, "task/a/report/", 0)); diff != "" {
		t.Errorf("scan mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"task/a/report/1=r1"}, scanAll(t, s, "task/a/report/", 1)); diff != "" {
		t.Errorf("limited scan mismatch (-want +got):\n%s", diff)
	}
}

func testUpdateIsAtomic(t *testing.T, s Store) {
	ctx := context.Background()
	set(t, s, map[string]string{"k1": "v1"})

	wantErr := errors.New("abort")
	err := s.Update(ctx, func(txn Txn) error {
		txn.Set("k1", []byte("changed"))
		txn.Set("k2", []byte("new"))
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expect %v, got %v", wantErr, err)
	}
	if diff := cmp.Diff([]string{"k1=v1"}, scanAll(t, s, "k", 0)); diff != "" {
		t.Errorf("aborted transaction applied writes (-want +got):\n%s", diff)
	}
}

func testReadYourWrites(t *testing.T, s Store) {
	ctx := context.Background()
	set(t, s, map[string]string{"k1": "v1"})

	if err := s.Update(ctx, func(txn Txn) error {
		txn.Set("k1", []byte("v2"))
		got, err := txn.Get("k1")
		if err != nil {
			return err
		}
		if string(got) != "v2" {
			t.Errorf("got %q, want v2", got)
		}
		txn.Delete("k1")
		if _, err := txn.Get("k1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expect ErrNotFound after delete, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expect deleted key, got %v", err)
	}
}

func testConflict(t *testing.T, s Store) {
	ctx := context.Background()
	set(t, s, map[string]string{"bucket/1": "0", "bucket/2": "0"})

	err := s.Update(ctx, func(txn Txn) error {
		if _, err := txn.Get("bucket/1"); err != nil {
			return err
		}
		// A concurrent writer commits first.
		set(t, s, map[string]string{"bucket/1": "1"})
		txn.Set("bucket/1", []byte("2"))
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expect ErrConflict, got %v", err)
	}
	if diff := cmp.Diff([]string{"bucket/1=1", "bucket/2=0"}, scanAll(t, s, "bucket/", 0)); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}

	// Writes to keys outside the read set do not conflict.
	if err := s.Update(ctx, func(txn Txn) error {
		if _, err := txn.Get("bucket/2"); err != nil {
			return err
		}
		set(t, s, map[string]string{"bucket/1": "3"})
		txn.Set("bucket/2", []byte("1"))
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// Creating a key that was read as missing conflicts too.
	err = s.Update(ctx, func(txn Txn) error {
		if _, err := txn.Get("report/1"); !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("expect missing report, got %v", err)
		}
		set(t, s, map[string]string{"report/1": "seen"})
		txn.Set("report/1", []byte("seen"))
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expect ErrConflict, got %v", err)
	}
}

func testScanPagesAndDeletes(t *testing.T, s Store) {
	const n = 600
	kv := map[string]string{
		"task/a/pendinf":   "before",
		"task/a/pendingz":  "after",
		"task/a/pendinh/1": "after",
	}
	var want []string
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("task/a/pending/%04d", i)
		kv[key] = "r"
		want = append(want, key+"=r")
	}
	set(t, s, kv)

	if diff := cmp.Diff(want, scanAll(t, s, "task/a/pending/", 0)); diff != "" {
		t.Errorf("scan mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[:300], scanAll(t, s, "task/a/pending/", 300)); diff != "" {
		t.Errorf("limited scan mismatch (-want +got):\n%s", diff)
	}

	if err := s.Update(context.Background(), func(txn Txn) error {
		for i := 0; i < 10; i++ {
			txn.Delete(fmt.Sprintf("task/a/pending/%04d", i))
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want[10:], scanAll(t, s, "task/a/pending/", 0)); diff != "" {
		t.Errorf("scan after delete mismatch (-want +got):\n%s", diff)
	}
}

func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	for _, tc := range []struct {
		name string
		test func(t *testing.T, s Store)
	}{
		{"GetAndScan", testGetAndScan},
		{"UpdateIsAtomic", testUpdateIsAtomic},
		{"ReadYourWrites", testReadYourWrites},
		{"Conflict", testConflict},
		{"ScanPagesAndDeletes", testScanPagesAndDeletes},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.test(t, newStore(t))
		})
	}
}

func TestPebbleStore(t *testing.T) {
	runStoreTests(t, newTestPebble)
}

func TestRedisStore(t *testing.T) {
	runStoreTests(t, newTestRedis)
}

func TestPrefixUpperBound(t *testing.T) {
	for _, tc := range []struct {
		prefix, want []byte
	}{
		{[]byte("task/"), []byte("task0")},
		{[]byte{'a', 0xff}, []byte{'b'}},
		{[]byte{0xff, 0xff}, nil},
	} {
		if diff := cmp.Diff(tc.want, prefixUpperBound(tc.prefix)); diff != "" {
			t.Errorf("prefixUpperBound(%q) mismatch (-want +got):\n%s", tc.prefix, diff)
		}
	}
}
