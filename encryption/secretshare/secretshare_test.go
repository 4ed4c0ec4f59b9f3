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

package secretshare

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"lukechampine.com/uint128"
)

func shardAndAggregate(t *testing.T, c Config, measurements []uint64) [][]byte {
	t.Helper()
	var leader, helper []uint128.Uint128
	for _, m := range measurements {
		_, shares, err := c.Shard(m)
		if err != nil {
			t.Fatal(err)
		}
		l, err := c.Prepare(shares[0])
		if err != nil {
			t.Fatal(err)
		}
		h, err := c.Prepare(shares[1])
		if err != nil {
			t.Fatal(err)
		}
		leader = append(leader, l)
		helper = append(helper, h)
	}
	return [][]byte{EncodeShare(Aggregate(leader...)), EncodeShare(Aggregate(helper...))}
}

func TestShardAndUnshard(t *testing.T) {
	for _, tc := range []struct {
		name         string
		config       Config
		measurements []uint64
		want         uint64
	}{
		{"count", Config{Type: TypeCount}, []uint64{1, 1, 0, 1}, 3},
		{"sum", Config{Type: TypeSum, Bits: 8}, []uint64{255, 3, 0, 100}, 358},
		{"empty", Config{Type: TypeCount}, nil, 0},
	} {
		got, err := tc.config.Unshard(shardAndAggregate(t, tc.config, tc.measurements))
		if err != nil {
			t.Fatal(err)
		}
		if got != uint128.From64(tc.want) {
			t.Errorf("%s: want %d, got %s", tc.name, tc.want, got)
		}
	}
}

func TestSharesLookRandom(t *testing.T) {
	c := Config{Type: TypeCount}
	_, shares1, err := c.Shard(1)
	if err != nil {
		t.Fatal(err)
	}
	_, shares2, err := c.Shard(1)
	if err != nil {
		t.Fatal(err)
	}
	if string(shares1[0]) == string(shares2[0]) {
		t.Error("same leader share for two shardings")
	}
}

func TestInvalidMeasurement(t *testing.T) {
	for _, tc := range []struct {
		config      Config
		measurement uint64
	}{
		{Config{Type: TypeCount}, 2},
		{Config{Type: TypeSum, Bits: 4}, 16},
		{Config{Type: 9}, 0},
	} {
		if _, _, err := tc.config.Shard(tc.measurement); err == nil {
			t.Errorf("expect error sharding %d with %+v", tc.measurement, tc.config)
		}
	}
}

func TestShareEncoding(t *testing.T) {
	want := uint128.New(456, 123)
	b := EncodeShare(want)
	wantBytes := []byte{0, 0, 0, 0, 0, 0, 0, 123, 0, 0, 0, 0, 0, 0, 0x01, 0xc8}
	if diff := cmp.Diff(wantBytes, b); diff != "" {
		t.Errorf("encoded share mismatch (-want +got):\n%s", diff)
	}
	got, err := DecodeShare(b)
	if err != nil {
		t.Fatal(err)
	}
	if !want.Equals(got) {
		t.Errorf("want share %s, got %s", want, got)
	}
	if _, err := DecodeShare(b[:ShareSize-1]); err == nil {
		t.Error("expect error decoding a short share")
	}
}

func TestPrepareChecksLength(t *testing.T) {
	if _, err := (Config{Type: TypeCount}).Prepare([]byte("short")); err == nil {
		t.Error("expect error preparing a short input share")
	}
}

func TestMergeAndNoise(t *testing.T) {
	a := EncodeShare(uint128.From64(5))
	b := EncodeShare(uint128.From64(7))
	merged, err := Merge(nil, a, b)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeShare(merged)
	if err != nil {
		t.Fatal(err)
	}
	if got != uint128.From64(12) {
		t.Errorf("want 12, got %s", got)
	}

	noised, err := AddNoise(merged, -20)
	if err != nil {
		t.Fatal(err)
	}
	v, err := DecodeShare(noised)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := ToSigned(v)
	if err != nil {
		t.Fatal(err)
	}
	if signed != -8 {
		t.Errorf("want -8, got %d", signed)
	}
}
