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

package taskconfig

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/secretshare"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

func testTask() *Task {
	return &Task{
		ID:                 reporttypes.TaskID{1},
		Version:            reporttypes.Draft04,
		Role:               reporttypes.RoleLeader,
		LeaderURL:          "https://leader.example/v04/",
		HelperURL:          "https://helper.example/v04/",
		QueryType:          reporttypes.QueryTypeTimeInterval,
		TimePrecision:      3600,
		MinBatchSize:       10,
		MaxBatchQueryCount: 1,
		MaxBatchDuration:   7200,
		Expiration:         1700000000,
		Vdaf:               secretshare.Config{Type: secretshare.TypeSum, Bits: 8},
		DP:                 &DPConfig{Epsilon: 1, L1Sensitivity: 1},
		CollectorHpkeConfig: reporttypes.HpkeConfig{
			ID: 5, KemID: 0x10, KdfID: 1, AeadID: 1, PublicKey: []byte("collector key"),
		},
		CollectorAuthToken: "collector token",
	}
}

func TestReadTasks(t *testing.T) {
	want := []*Task{testTask()}
	b, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadTasks(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tasks mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	if err := testTask().Validate(); err != nil {
		t.Fatalf("expect valid task, got %v", err)
	}
	for name, modify := range map[string]func(*Task){
		"version":        func(t *Task) { t.Version = reporttypes.VersionUnknown },
		"role":           func(t *Task) { t.Role = reporttypes.RoleClient },
		"query type":     func(t *Task) { t.QueryType = 3 },
		"time precision": func(t *Task) { t.TimePrecision = 0 },
		"min batch size": func(t *Task) { t.MinBatchSize = 0 },
		"max batch size": func(t *Task) { t.MaxBatchSize = 5 },
		"query count":    func(t *Task) { t.MaxBatchQueryCount = 0 },
		"max duration":   func(t *Task) { t.MaxBatchDuration = 100 },
		"vdaf":           func(t *Task) { t.Vdaf.Bits = 0 },
		"dp":             func(t *Task) { t.DP.Epsilon = 0 },
		"dp nan":         func(t *Task) { t.DP.Epsilon = math.NaN() },
		"dp inf":         func(t *Task) { t.DP.Epsilon = math.Inf(1) },
		"dp negative":    func(t *Task) { t.DP.Epsilon = math.Inf(-1) },
		"dp sensitivity": func(t *Task) { t.DP.L1Sensitivity = 0 },
	} {
		task := testTask()
		modify(task)
		if err := task.Validate(); err == nil {
			t.Errorf("%s: expect validation error", name)
		}
	}
}

func TestParseTasksRejectsInvalid(t *testing.T) {
	task := testTask()
	task.MinBatchSize = 0
	b, err := json.Marshal([]*Task{task})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseTasks(b); err == nil {
		t.Error("expect error parsing an invalid task")
	}
	if _, err := ParseTasks([]byte("not json")); err == nil {
		t.Error("expect error parsing junk")
	}
}

func TestQuantize(t *testing.T) {
	task := testTask()
	for _, tc := range []struct {
		ts, lower, upper, index uint64
	}{
		{0, 0, 3600, 0},
		{3599, 0, 3600, 0},
		{3600, 3600, 7200, 1},
		{1637361337, 1637359200, 1637362800, 454822},
	} {
		if got := task.Quantize(tc.ts); got != tc.lower {
			t.Errorf("Quantize(%d) = %d, want %d", tc.ts, got, tc.lower)
		}
		if got := task.QuantizedUpperBound(tc.ts); got != tc.upper {
			t.Errorf("QuantizedUpperBound(%d) = %d, want %d", tc.ts, got, tc.upper)
		}
		if got := task.BucketIndex(tc.ts); got != tc.index {
			t.Errorf("BucketIndex(%d) = %d, want %d", tc.ts, got, tc.index)
		}
	}

	if !task.IsAligned(reporttypes.Interval{Start: 7200, Duration: 3600}) {
		t.Error("expect aligned interval")
	}
	if task.IsAligned(reporttypes.Interval{Start: 7201, Duration: 3600}) {
		t.Error("expect unaligned start")
	}
	if task.IsAligned(reporttypes.Interval{Start: 7200, Duration: 100}) {
		t.Error("expect unaligned duration")
	}
	if task.IsTooLate(task.Expiration) {
		t.Error("a report at the expiration is accepted")
	}
	if !task.IsTooLate(task.Expiration + 1) {
		t.Error("a report after the expiration is too late")
	}
}
