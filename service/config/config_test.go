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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/joho/godotenv"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-dap-aggregator/service/aggregator"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

func TestDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Address:             ":8080",
		HealthAddress:       ":8081",
		Host:                "localhost",
		MetricsPrefix:       "dap",
		DefaultVersion:      reporttypes.Draft04,
		Store:               StorePebble,
		PebbleDir:           "/tmp/dap-aggregator",
		RedisPrefix:         "dap",
		MaxAggJobs:          10,
		MaxReportsPerJob:    100,
		AggregationJobLease: 10 * time.Minute,
		Parallelism:         4,
		PeerRetryMax:        3,
		FirestorePath:       "dap-collection-jobs",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(aggregator.Limits{MaxJobs: 10, MaxReportsPerJob: 100}, cfg.Limits()); diff != "" {
		t.Errorf("limits mismatch (-want +got):\n%s", diff)
	}
	settings, err := cfg.TaskprovSettings()
	if err != nil || settings != nil {
		t.Errorf("TaskprovSettings() = %v, %v; want nil, nil", settings, err)
	}
}

func TestParseFromDotEnv(t *testing.T) {
	pair, err := standardencrypt.GenerateKeyPairWithID(3)
	if err != nil {
		t.Fatal(err)
	}
	hpke, err := pair.Config.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	content := "DAP_STORE=redis\n" +
		"DAP_REDIS_ADDR=localhost:6379\n" +
		"DAP_DEFAULT_VERSION=v02\n" +
		"DAP_DRAIN_INTERVAL=30s\n" +
		"DAP_MAX_AGG_JOBS=2\n" +
		"DAP_TASKPROV_ENABLED=true\n" +
		"DAP_TASKPROV_COLLECTOR_HPKE_CONFIG=" + string(hpke) + "\n" +
		"DAP_TASKPROV_LEADER_AUTH_TOKEN=leader\n"
	file := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	environ, err := godotenv.Read(file)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := Parse(environ)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store != StoreRedis || cfg.RedisAddr != "localhost:6379" {
		t.Errorf("unexpected store settings %q %q", cfg.Store, cfg.RedisAddr)
	}
	if cfg.DefaultVersion != reporttypes.Draft02 {
		t.Errorf("expect default version v02, got %s", cfg.DefaultVersion)
	}
	if cfg.DrainInterval != 30*time.Second {
		t.Errorf("expect drain interval 30s, got %s", cfg.DrainInterval)
	}
	if diff := cmp.Diff(aggregator.Limits{MaxJobs: 2, MaxReportsPerJob: 100}, cfg.Limits()); diff != "" {
		t.Errorf("limits mismatch (-want +got):\n%s", diff)
	}
	settings, err := cfg.TaskprovSettings()
	if err != nil {
		t.Fatal(err)
	}
	want := &aggregator.TaskprovSettings{CollectorHpkeConfig: pair.Config, LeaderAuthToken: "leader"}
	if diff := cmp.Diff(want, settings); diff != "" {
		t.Errorf("taskprov settings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DAP_ADDRESS", ":9090")
	t.Setenv("DAP_PARALLELISM", "16")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Address != ":9090" || cfg.Parallelism != 16 {
		t.Errorf("expect address :9090 and parallelism 16, got %q and %d", cfg.Address, cfg.Parallelism)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expect error loading a missing .env file")
	}
}

func TestInvalidConfig(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		environ map[string]string
	}{
		{"unknown store", map[string]string{"DAP_STORE": "sqlite"}},
		{"redis without address", map[string]string{"DAP_STORE": "redis"}},
		{"unknown version", map[string]string{"DAP_DEFAULT_VERSION": "v07"}},
		{"negative limit", map[string]string{"DAP_MAX_AGG_JOBS": "-1"}},
		{"taskprov without collector", map[string]string{"DAP_TASKPROV_ENABLED": "true"}},
		{"taskprov with bad collector", map[string]string{"DAP_TASKPROV_ENABLED": "true", "DAP_TASKPROV_COLLECTOR_HPKE_CONFIG": "!!"}},
		{"bad duration", map[string]string{"DAP_DRAIN_INTERVAL": "often"}},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			if _, err := Parse(tc.environ); err == nil {
				t.Error("expect error")
			}
		})
	}
}
