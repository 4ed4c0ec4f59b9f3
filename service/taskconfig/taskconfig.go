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

// Package taskconfig contains the configuration of aggregation tasks.
package taskconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/privacy-sandbox-dap-aggregator/encryption/secretshare"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/utils"
)

// DPConfig configures the distributed noise added to aggregate shares.
type DPConfig struct {
	Epsilon       float64 `json:"epsilon"`
	L1Sensitivity uint64  `json:"l1_sensitivity"`
}

// Task is the configuration of an aggregation task. A Task is never mutated once resolved.
type Task struct {
	ID        reporttypes.TaskID    `json:"task_id"`
	Version   reporttypes.Version   `json:"version"`
	Role      reporttypes.Role      `json:"role"`
	LeaderURL string                `json:"leader_url"`
	HelperURL string                `json:"helper_url"`
	QueryType reporttypes.QueryType `json:"query_type"`
	// TimePrecision is the quantum in seconds of report timestamps and batch intervals.
	TimePrecision uint64 `json:"time_precision"`
	MinBatchSize  uint64 `json:"min_batch_size"`
	// MaxBatchSize is informative for fixed-size tasks; batches are closed at MinBatchSize.
	MaxBatchSize       uint64 `json:"max_batch_size,omitempty"`
	MaxBatchQueryCount uint64 `json:"max_batch_query_count"`
	// MaxBatchDuration bounds the duration of time-interval queries; zero means unbounded.
	MaxBatchDuration uint64 `json:"max_batch_duration,omitempty"`
	// Expiration is the last accepted report timestamp.
	Expiration          uint64                 `json:"expiration"`
	Vdaf                secretshare.Config     `json:"vdaf"`
	DP                  *DPConfig              `json:"dp,omitempty"`
	CollectorHpkeConfig reporttypes.HpkeConfig `json:"collector_hpke_config"`
	// LeaderAuthToken authenticates the Leader to the Helper.
	LeaderAuthToken string `json:"leader_auth_token,omitempty"`
	// CollectorAuthToken authenticates the Collector to the Leader.
	CollectorAuthToken string `json:"collector_auth_token,omitempty"`
	// Taskprov is set for tasks derived from a report extension.
	Taskprov bool `json:"taskprov,omitempty"`
}

// Validate checks the task can be served.
func (t *Task) Validate() error {
	if t.Version != reporttypes.Draft02 && t.Version != reporttypes.Draft04 {
		return fmt.Errorf("task %s: unsupported version %d", t.ID, t.Version)
	}
	if t.Role != reporttypes.RoleLeader && t.Role != reporttypes.RoleHelper {
		return fmt.Errorf("task %s: unsupported role %s", t.ID, t.Role)
	}
	if t.QueryType != reporttypes.QueryTypeTimeInterval && t.QueryType != reporttypes.QueryTypeFixedSize {
		return fmt.Errorf("task %s: unsupported query type %d", t.ID, t.QueryType)
	}
	if t.TimePrecision == 0 {
		return fmt.Errorf("task %s: time precision should be positive", t.ID)
	}
	if t.MinBatchSize == 0 {
		return fmt.Errorf("task %s: min batch size should be positive", t.ID)
	}
	if t.MaxBatchSize != 0 && t.MaxBatchSize < t.MinBatchSize {
		return fmt.Errorf("task %s: max batch size %d below min batch size %d", t.ID, t.MaxBatchSize, t.MinBatchSize)
	}
	if t.MaxBatchQueryCount == 0 {
		return fmt.Errorf("task %s: max batch query count should be positive", t.ID)
	}
	if t.MaxBatchDuration%t.TimePrecision != 0 {
		return fmt.Errorf("task %s: max batch duration %d is not a multiple of the time precision %d", t.ID, t.MaxBatchDuration, t.TimePrecision)
	}
	if err := t.Vdaf.Validate(); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if t.DP != nil && (!(t.DP.Epsilon > 0) || math.IsInf(t.DP.Epsilon, 0) || t.DP.L1Sensitivity == 0) {
		return fmt.Errorf("task %s: invalid dp config %+v", t.ID, *t.DP)
	}
	return nil
}

// Quantize rounds a timestamp down to the time precision.
func (t *Task) Quantize(ts uint64) uint64 {
	return ts - ts%t.TimePrecision
}

// QuantizedUpperBound returns the end of the time slice a timestamp falls into.
func (t *Task) QuantizedUpperBound(ts uint64) uint64 {
	return t.Quantize(ts) + t.TimePrecision
}

// BucketIndex returns the index of the time slice a timestamp falls into.
func (t *Task) BucketIndex(ts uint64) uint64 {
	return ts / t.TimePrecision
}

// IsAligned reports whether an interval starts and ends on the time precision.
func (t *Task) IsAligned(i reporttypes.Interval) bool {
	return i.Start%t.TimePrecision == 0 && i.Duration%t.TimePrecision == 0
}

// IsTooLate reports whether a report timestamp is past the task expiration.
func (t *Task) IsTooLate(ts uint64) bool {
	return ts > t.Expiration
}

// ReadTasks reads a JSON array of tasks from a local, GCS or HTTP location.
func ReadTasks(ctx context.Context, uri string) ([]*Task, error) {
	b, err := utils.ReadBytes(ctx, uri)
	if err != nil {
		return nil, err
	}
	return ParseTasks(b)
}

// ParseTasks parses and validates a JSON array of tasks.
func ParseTasks(b []byte) ([]*Task, error) {
	var tasks []*Task
	if err := json.Unmarshal(b, &tasks); err != nil {
		return nil, fmt.Errorf("parse tasks: %w", err)
	}
	var errs []error
	for _, t := range tasks {
		errs = append(errs, t.Validate())
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return tasks, nil
}
