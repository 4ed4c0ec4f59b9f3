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

// Package secretshare splits measurements into additive shares and combines aggregate shares.
//
// According to the overflow behavior of unsigned integers, a measurement m can be split into a
// random share r and m-r modulo 2^128, and recovered by summing the shares up. Sums of shares
// are shares of the sum, so each aggregator can aggregate its shares independently.
package secretshare

import (
	"crypto/rand"
	"fmt"
	"math"

	"lukechampine.com/uint128"
)

// ShareSize is the encoded size of an input, output or aggregate share.
const ShareSize = 16

// Type is the kind of measurement a task aggregates.
type Type uint8

// Supported measurement types with their wire values.
const (
	TypeCount Type = 0
	TypeSum   Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeCount:
		return "count"
	case TypeSum:
		return "sum"
	}
	return fmt.Sprintf("vdaf(%d)", uint8(t))
}

// Config describes the aggregation function of a task.
type Config struct {
	Type Type `json:"type"`
	// Bits bounds Sum measurements to [0, 2^Bits).
	Bits uint8 `json:"bits,omitempty"`
}

// Validate checks the config is supported.
func (c Config) Validate() error {
	switch c.Type {
	case TypeCount:
		return nil
	case TypeSum:
		if c.Bits == 0 || c.Bits > 64 {
			return fmt.Errorf("sum bits should be in [1, 64], got %d", c.Bits)
		}
		return nil
	}
	return fmt.Errorf("unsupported vdaf type %d", c.Type)
}

func (c Config) checkMeasurement(m uint64) error {
	switch c.Type {
	case TypeCount:
		if m > 1 {
			return fmt.Errorf("count measurement should be 0 or 1, got %d", m)
		}
	case TypeSum:
		if c.Bits < 64 && m>>c.Bits != 0 {
			return fmt.Errorf("sum measurement %d exceeds %d bits", m, c.Bits)
		}
	default:
		return fmt.Errorf("unsupported vdaf type %d", c.Type)
	}
	return nil
}

func randomUint128() (uint128.Uint128, error) {
	b := make([]byte, ShareSize)
	if _, err := rand.Read(b); err != nil {
		return uint128.Zero, err
	}
	return uint128.FromBytesBE(b), nil
}

// Shard splits a measurement into a public share and the input shares of the Leader and Helper.
func (c Config) Shard(measurement uint64) (publicShare []byte, inputShares [2][]byte, err error) {
	if err := c.checkMeasurement(measurement); err != nil {
		return nil, inputShares, err
	}
	r, err := randomUint128()
	if err != nil {
		return nil, inputShares, err
	}
	inputShares[0] = EncodeShare(r)
	inputShares[1] = EncodeShare(uint128.From64(measurement).SubWrap(r))
	return []byte{}, inputShares, nil
}

// Prepare decodes an input share into an output share that can be aggregated.
func (c Config) Prepare(inputShare []byte) (uint128.Uint128, error) {
	if err := c.Validate(); err != nil {
		return uint128.Zero, err
	}
	return DecodeShare(inputShare)
}

// DecodeShare decodes an encoded share.
func DecodeShare(b []byte) (uint128.Uint128, error) {
	if len(b) != ShareSize {
		return uint128.Zero, fmt.Errorf("expect %d-byte share, got %d bytes", ShareSize, len(b))
	}
	return uint128.FromBytesBE(b), nil
}

// EncodeShare encodes a share as a big-endian 128-bit integer.
func EncodeShare(s uint128.Uint128) []byte {
	b := make([]byte, ShareSize)
	s.PutBytesBE(b)
	return b
}

// Aggregate sums up output shares.
func Aggregate(shares ...uint128.Uint128) uint128.Uint128 {
	sum := uint128.Zero
	for _, s := range shares {
		sum = sum.AddWrap(s)
	}
	return sum
}

// Merge combines encoded aggregate shares; an empty share counts as zero.
func Merge(shares ...[]byte) ([]byte, error) {
	sum := uint128.Zero
	for _, b := range shares {
		if len(b) == 0 {
			continue
		}
		s, err := DecodeShare(b)
		if err != nil {
			return nil, err
		}
		sum = sum.AddWrap(s)
	}
	return EncodeShare(sum), nil
}

// AddNoise adds signed noise to an encoded aggregate share.
func AddNoise(share []byte, noise int64) ([]byte, error) {
	s, err := Merge(share)
	if err != nil {
		return nil, err
	}
	v, _ := DecodeShare(s)
	if noise >= 0 {
		v = v.AddWrap(uint128.From64(uint64(noise)))
	} else {
		v = v.SubWrap(uint128.From64(uint64(-noise)))
	}
	return EncodeShare(v), nil
}

// Unshard recovers the aggregate result from the aggregate shares of both aggregators.
//
// A noised result may fall below zero; it is returned modulo 2^128 and callers interpret it with
// ToSigned.
func (c Config) Unshard(aggShares [][]byte) (uint128.Uint128, error) {
	if len(aggShares) != 2 {
		return uint128.Zero, fmt.Errorf("expect 2 aggregate shares, got %d", len(aggShares))
	}
	b, err := Merge(aggShares...)
	if err != nil {
		return uint128.Zero, err
	}
	if err := c.Validate(); err != nil {
		return uint128.Zero, err
	}
	return DecodeShare(b)
}

// ToSigned interprets a result modulo 2^128 as a signed integer, for noised results.
func ToSigned(v uint128.Uint128) (int64, error) {
	if v.Hi == 0 && v.Lo <= math.MaxInt64 {
		return int64(v.Lo), nil
	}
	neg := uint128.Zero.SubWrap(v)
	if neg.Hi == 0 && neg.Lo <= 1<<63 {
		return int64(-neg.Lo), nil
	}
	return 0, fmt.Errorf("result %s does not fit in int64", v)
}
