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

package taskprov

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/secretshare"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

func testConfig() *TaskConfig {
	return &TaskConfig{
		TaskInfo:            []byte("Hi"),
		AggregatorEndpoints: []string{"https://test1", "https://test2"},
		QueryConfig: QueryConfig{
			TimePrecision:      1,
			MaxBatchQueryCount: 128,
			MinBatchSize:       1024,
			QueryType:          reporttypes.QueryTypeFixedSize,
			MaxBatchSize:       2048,
		},
		TaskExpiration: 1700000000,
		VdafConfig: VdafConfig{
			DpConfig: DpConfig{Mechanism: DpMechanismNone},
			Vdaf:     secretshare.Config{Type: secretshare.TypeCount},
		},
	}
}

func mustEncode(t *testing.T, c *TaskConfig) []byte {
	t.Helper()
	b, err := c.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestEncodeDecode(t *testing.T) {
	sum := testConfig()
	sum.QueryConfig = QueryConfig{TimePrecision: 3600, MaxBatchQueryCount: 1, MinBatchSize: 10, QueryType: reporttypes.QueryTypeTimeInterval}
	sum.VdafConfig = VdafConfig{
		DpConfig: DpConfig{Mechanism: DpMechanismDistributedGeometric, Epsilon: 0.5},
		Vdaf:     secretshare.Config{Type: secretshare.TypeSum, Bits: 10},
	}
	for _, want := range []*TaskConfig{testConfig(), sum} {
		got, err := DecodeTaskConfig(mustEncode(t, want))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("task config mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestDeriveTaskIDIsContentAddressed(t *testing.T) {
	payload := mustEncode(t, testConfig())
	if DeriveTaskID(payload) != DeriveTaskID(mustEncode(t, testConfig())) {
		t.Error("identical payloads derive different task IDs")
	}
	corrupted := append([]byte{}, payload...)
	corrupted[0]++
	if DeriveTaskID(payload) == DeriveTaskID(corrupted) {
		t.Error("corrupted payload derives the same task ID")
	}
}

func TestDeriveRequiresTwoEndpoints(t *testing.T) {
	for _, endpoints := range [][]string{{"https://test1"}, {"https://a", "https://b", "https://c"}} {
		c := testConfig()
		c.AggregatorEndpoints = endpoints
		if _, _, err := Derive(mustEncode(t, c)); !errors.Is(err, ErrInvalidTask) {
			t.Errorf("%d endpoints: expect ErrInvalidTask, got %v", len(endpoints), err)
		}
	}
	if _, _, err := Derive([]byte("junk")); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("junk payload: expect ErrInvalidTask, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	params := &Params{
		Version:             reporttypes.Draft04,
		Role:                reporttypes.RoleLeader,
		CollectorHpkeConfig: reporttypes.HpkeConfig{ID: 1, KemID: 0x10, KdfID: 1, AeadID: 1, PublicKey: []byte("key")},
		CollectorAuthToken:  "collector",
	}
	payload := mustEncode(t, testConfig())
	id := DeriveTaskID(payload)

	got, err := Resolve(id, payload, params)
	if err != nil {
		t.Fatal(err)
	}
	want := &taskconfig.Task{
		ID:                  id,
		Version:             reporttypes.Draft04,
		Role:                reporttypes.RoleLeader,
		LeaderURL:           "https://test1",
		HelperURL:           "https://test2",
		QueryType:           reporttypes.QueryTypeFixedSize,
		TimePrecision:       1,
		MinBatchSize:        1024,
		MaxBatchSize:        2048,
		MaxBatchQueryCount:  128,
		Expiration:          1700000000,
		Vdaf:                secretshare.Config{Type: secretshare.TypeCount},
		CollectorHpkeConfig: params.CollectorHpkeConfig,
		CollectorAuthToken:  "collector",
		Taskprov:            true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("task mismatch (-want +got):\n%s", diff)
	}

	if _, err := Resolve(reporttypes.TaskID{1}, payload, params); !errors.Is(err, ErrTaskIDMismatch) {
		t.Errorf("expect ErrTaskIDMismatch, got %v", err)
	}

	zeroPrecision := testConfig()
	zeroPrecision.QueryConfig.TimePrecision = 0
	payload = mustEncode(t, zeroPrecision)
	if _, err := Resolve(DeriveTaskID(payload), payload, params); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("expect ErrInvalidTask, got %v", err)
	}
}

func TestResolveRejectsNonFiniteEpsilon(t *testing.T) {
	params := &Params{Version: reporttypes.Draft04, Role: reporttypes.RoleHelper}
	for _, eps := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0} {
		c := testConfig()
		c.VdafConfig.DpConfig = DpConfig{Mechanism: DpMechanismDistributedGeometric, Epsilon: eps}
		payload := mustEncode(t, c)
		if _, err := Resolve(DeriveTaskID(payload), payload, params); !errors.Is(err, ErrInvalidTask) {
			t.Errorf("epsilon %v: expect ErrInvalidTask, got %v", eps, err)
		}
	}
}
