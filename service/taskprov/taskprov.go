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

// Package taskprov derives task configurations from the taskprov report extension.
//
// The ID of a provisioned task is the SHA-256 digest of the encoded configuration, so any party
// holding the payload derives the same task. Resolution is pure; callers cache the results.
package taskprov

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/cryptobyte"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/secretshare"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

var (
	// ErrInvalidTask is returned for configurations the aggregator cannot serve.
	ErrInvalidTask = errors.New("invalid taskprov config")
	// ErrTaskIDMismatch is returned when the expected task ID differs from the derived one.
	ErrTaskIDMismatch = errors.New("taskprov task ID mismatch")
)

// DpMechanism selects the differential privacy mechanism of a provisioned task.
type DpMechanism uint8

// DP mechanisms with their wire values.
const (
	DpMechanismNone                 DpMechanism = 1
	DpMechanismDistributedGeometric DpMechanism = 2
)

// DpConfig is the differential privacy part of a VdafConfig.
type DpConfig struct {
	Mechanism DpMechanism
	// Epsilon is set for the distributed geometric mechanism.
	Epsilon float64
}

// VdafConfig describes the aggregation function of a provisioned task.
type VdafConfig struct {
	DpConfig DpConfig
	Vdaf     secretshare.Config
}

// QueryConfig describes how reports of a provisioned task are batched.
type QueryConfig struct {
	TimePrecision      uint64
	MaxBatchQueryCount uint16
	MinBatchSize       uint32
	QueryType          reporttypes.QueryType
	// MaxBatchSize is only encoded for fixed-size tasks.
	MaxBatchSize uint32
}

// TaskConfig is the payload of the taskprov report extension.
type TaskConfig struct {
	TaskInfo            []byte
	AggregatorEndpoints []string
	QueryConfig         QueryConfig
	TaskExpiration      uint64
	VdafConfig          VdafConfig
}

// Encode returns the canonical encoding of the config.
func (c *TaskConfig) Encode() ([]byte, error) {
	if len(c.TaskInfo) > math.MaxUint8 {
		return nil, fmt.Errorf("task info too long: %d bytes", len(c.TaskInfo))
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(c.TaskInfo) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, url := range c.AggregatorEndpoints {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(url)) })
		}
	})

	q := &c.QueryConfig
	b.AddUint64(q.TimePrecision)
	b.AddUint16(q.MaxBatchQueryCount)
	b.AddUint32(q.MinBatchSize)
	b.AddUint8(uint8(q.QueryType))
	switch q.QueryType {
	case reporttypes.QueryTypeTimeInterval:
	case reporttypes.QueryTypeFixedSize:
		b.AddUint32(q.MaxBatchSize)
	default:
		return nil, fmt.Errorf("unsupported query type %d", q.QueryType)
	}

	b.AddUint64(c.TaskExpiration)

	dp := &c.VdafConfig.DpConfig
	b.AddUint8(uint8(dp.Mechanism))
	switch dp.Mechanism {
	case DpMechanismNone:
	case DpMechanismDistributedGeometric:
		b.AddUint64(math.Float64bits(dp.Epsilon))
	default:
		return nil, fmt.Errorf("unsupported dp mechanism %d", dp.Mechanism)
	}

	v := &c.VdafConfig.Vdaf
	b.AddUint32(uint32(v.Type))
	switch v.Type {
	case secretshare.TypeCount:
	case secretshare.TypeSum:
		b.AddUint8(v.Bits)
	default:
		return nil, fmt.Errorf("unsupported vdaf type %d", v.Type)
	}
	return b.Bytes()
}

// DecodeTaskConfig decodes a taskprov payload.
func DecodeTaskConfig(payload []byte) (*TaskConfig, error) {
	s := cryptobyte.String(payload)
	c := &TaskConfig{}
	var info, endpoints cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&info) || !s.ReadUint16LengthPrefixed(&endpoints) {
		return nil, errors.New("truncated task info or endpoints")
	}
	c.TaskInfo = append([]byte{}, info...)
	for !endpoints.Empty() {
		var url cryptobyte.String
		if !endpoints.ReadUint16LengthPrefixed(&url) {
			return nil, errors.New("truncated aggregator endpoint")
		}
		c.AggregatorEndpoints = append(c.AggregatorEndpoints, string(url))
	}

	q := &c.QueryConfig
	var queryType uint8
	if !s.ReadUint64(&q.TimePrecision) || !s.ReadUint16(&q.MaxBatchQueryCount) || !s.ReadUint32(&q.MinBatchSize) || !s.ReadUint8(&queryType) {
		return nil, errors.New("truncated query config")
	}
	q.QueryType = reporttypes.QueryType(queryType)
	switch q.QueryType {
	case reporttypes.QueryTypeTimeInterval:
	case reporttypes.QueryTypeFixedSize:
		if !s.ReadUint32(&q.MaxBatchSize) {
			return nil, errors.New("truncated max batch size")
		}
	default:
		return nil, fmt.Errorf("unsupported query type %d", queryType)
	}

	if !s.ReadUint64(&c.TaskExpiration) {
		return nil, errors.New("truncated task expiration")
	}

	dp := &c.VdafConfig.DpConfig
	var mechanism uint8
	if !s.ReadUint8(&mechanism) {
		return nil, errors.New("truncated dp config")
	}
	dp.Mechanism = DpMechanism(mechanism)
	switch dp.Mechanism {
	case DpMechanismNone:
	case DpMechanismDistributedGeometric:
		var bits uint64
		if !s.ReadUint64(&bits) {
			return nil, errors.New("truncated dp epsilon")
		}
		dp.Epsilon = math.Float64frombits(bits)
	default:
		return nil, fmt.Errorf("unsupported dp mechanism %d", mechanism)
	}

	var vdafType uint32
	if !s.ReadUint32(&vdafType) {
		return nil, errors.New("truncated vdaf type")
	}
	v := &c.VdafConfig.Vdaf
	switch secretshare.Type(vdafType) {
	case secretshare.TypeCount:
		v.Type = secretshare.TypeCount
	case secretshare.TypeSum:
		v.Type = secretshare.TypeSum
		if !s.ReadUint8(&v.Bits) {
			return nil, errors.New("truncated sum bits")
		}
	default:
		return nil, fmt.Errorf("unsupported vdaf type %d", vdafType)
	}

	if !s.Empty() {
		return nil, errors.New("trailing bytes after task config")
	}
	return c, nil
}

// DeriveTaskID computes the ID of the task provisioned by a payload.
func DeriveTaskID(payload []byte) reporttypes.TaskID {
	return reporttypes.TaskID(sha256.Sum256(payload))
}

// Derive decodes a payload and checks it declares exactly the Leader and Helper endpoints.
func Derive(payload []byte) (reporttypes.TaskID, *TaskConfig, error) {
	id := DeriveTaskID(payload)
	c, err := DecodeTaskConfig(payload)
	if err != nil {
		return id, nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if n := len(c.AggregatorEndpoints); n != 2 {
		return id, nil, fmt.Errorf("%w: expect 2 aggregator endpoints, got %d", ErrInvalidTask, n)
	}
	return id, c, nil
}

// Params holds the deployment settings completing a provisioned task.
type Params struct {
	Version reporttypes.Version
	Role    reporttypes.Role
	// CollectorHpkeConfig is the collector key shared by all provisioned tasks.
	CollectorHpkeConfig reporttypes.HpkeConfig
	LeaderAuthToken     string
	CollectorAuthToken  string
}

// Resolve derives the task provisioned by a payload. The ID is checked before the payload is
// decoded.
func Resolve(taskID reporttypes.TaskID, payload []byte, params *Params) (*taskconfig.Task, error) {
	if id := DeriveTaskID(payload); id != taskID {
		return nil, fmt.Errorf("%w: derived %s, expect %s", ErrTaskIDMismatch, id, taskID)
	}
	id, c, err := Derive(payload)
	if err != nil {
		return nil, err
	}

	task := &taskconfig.Task{
		ID:                  id,
		Version:             params.Version,
		Role:                params.Role,
		LeaderURL:           c.AggregatorEndpoints[0],
		HelperURL:           c.AggregatorEndpoints[1],
		QueryType:           c.QueryConfig.QueryType,
		TimePrecision:       c.QueryConfig.TimePrecision,
		MinBatchSize:        uint64(c.QueryConfig.MinBatchSize),
		MaxBatchSize:        uint64(c.QueryConfig.MaxBatchSize),
		MaxBatchQueryCount:  uint64(c.QueryConfig.MaxBatchQueryCount),
		Expiration:          c.TaskExpiration,
		Vdaf:                c.VdafConfig.Vdaf,
		CollectorHpkeConfig: params.CollectorHpkeConfig,
		LeaderAuthToken:     params.LeaderAuthToken,
		CollectorAuthToken:  params.CollectorAuthToken,
		Taskprov:            true,
	}
	if c.VdafConfig.DpConfig.Mechanism == DpMechanismDistributedGeometric {
		task.DP = &taskconfig.DPConfig{Epsilon: c.VdafConfig.DpConfig.Epsilon, L1Sensitivity: 1}
	}
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return task, nil
}
