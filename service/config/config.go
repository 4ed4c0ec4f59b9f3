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

// Package config reads the settings of the aggregator server from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/google/privacy-sandbox-dap-aggregator/service/aggregator"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

// Storage backends.
const (
	StorePebble = "pebble"
	StoreRedis  = "redis"
)

// Config holds the server configuration. Every field can be overridden by a flag of the server.
type Config struct {
	Address       string `env:"DAP_ADDRESS" envDefault:":8080"`
	HealthAddress string `env:"DAP_HEALTH_ADDRESS" envDefault:":8081"`
	// Host labels the metrics of this server.
	Host           string              `env:"DAP_HOST" envDefault:"localhost"`
	MetricsPrefix  string              `env:"DAP_METRICS_PREFIX" envDefault:"dap"`
	DefaultVersion reporttypes.Version `env:"DAP_DEFAULT_VERSION" envDefault:"v04"`

	Store         string `env:"DAP_STORE" envDefault:"pebble"`
	PebbleDir     string `env:"DAP_PEBBLE_DIR" envDefault:"/tmp/dap-aggregator"`
	RedisAddr     string `env:"DAP_REDIS_ADDR"`
	RedisPassword string `env:"DAP_REDIS_PASSWORD"`
	RedisDB       int    `env:"DAP_REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"DAP_REDIS_PREFIX" envDefault:"dap"`

	// KeyringURI locates the HPKE keyring written by create_hpke_keys.
	KeyringURI string `env:"DAP_KEYRING_URI"`
	// TasksURI locates a JSON list of tasks registered at startup.
	TasksURI   string `env:"DAP_TASKS_URI"`
	AdminToken string `env:"DAP_ADMIN_TOKEN"`

	TaskprovEnabled bool `env:"DAP_TASKPROV_ENABLED" envDefault:"false"`
	// TaskprovCollectorHpkeConfig is the base64url encoded HPKE config of the collector of
	// provisioned tasks.
	TaskprovCollectorHpkeConfig string `env:"DAP_TASKPROV_COLLECTOR_HPKE_CONFIG"`
	TaskprovLeaderAuthToken     string `env:"DAP_TASKPROV_LEADER_AUTH_TOKEN"`
	TaskprovCollectorAuthToken  string `env:"DAP_TASKPROV_COLLECTOR_AUTH_TOKEN"`

	MaxAggJobs          int           `env:"DAP_MAX_AGG_JOBS" envDefault:"10"`
	MaxReportsPerJob    int           `env:"DAP_MAX_REPORTS_PER_JOB" envDefault:"100"`
	AggregationJobLease time.Duration `env:"DAP_AGGREGATION_JOB_LEASE" envDefault:"10m"`
	Parallelism         int           `env:"DAP_PARALLELISM" envDefault:"4"`
	// DrainInterval paces the background process loop; zero disables it.
	DrainInterval time.Duration `env:"DAP_DRAIN_INTERVAL" envDefault:"0s"`
	// PubSubSubscription is the fully qualified subscription carrying process requests.
	PubSubSubscription string `env:"DAP_PUBSUB_SUBSCRIPTION"`

	PeerRetryMax int `env:"DAP_PEER_RETRY_MAX" envDefault:"3"`
	// HelperIDTokenAudience enables Google ID tokens on requests to the Helper.
	HelperIDTokenAudience  string `env:"DAP_HELPER_ID_TOKEN_AUDIENCE"`
	ImpersonatedSvcAccount string `env:"DAP_IMPERSONATED_SVC_ACCOUNT"`

	// ResultDir receives a copy of every completed collection, local or gs://.
	ResultDir        string `env:"DAP_RESULT_DIR"`
	FirestoreProject string `env:"DAP_FIRESTORE_PROJECT"`
	FirestorePath    string `env:"DAP_FIRESTORE_PATH" envDefault:"dap-collection-jobs"`

	// ProfilerService enables the Cloud Profiler under this service name.
	ProfilerService string `env:"DAP_PROFILER_SERVICE"`
	ProfilerProject string `env:"DAP_PROFILER_PROJECT"`
}

// Load reads the configuration from the environment. The given .env files are loaded into the
// environment first; without files, a .env file in the working directory is loaded if present.
// Variables already set are never overridden.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && (len(files) > 0 || !errors.Is(err, os.ErrNotExist)) {
		return nil, err
	}
	return parse(env.Options{})
}

// Parse reads the configuration from the given variables only.
func Parse(environ map[string]string) (*Config, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings are consistent.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePebble:
		if c.PebbleDir == "" {
			return errors.New("pebble store needs a directory")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("redis store needs an address")
		}
	default:
		return fmt.Errorf("unknown store %q, expect %q or %q", c.Store, StorePebble, StoreRedis)
	}
	if c.DefaultVersion != reporttypes.Draft02 && c.DefaultVersion != reporttypes.Draft04 {
		return fmt.Errorf("unsupported default version %d", c.DefaultVersion)
	}
	if c.MaxAggJobs < 0 || c.MaxReportsPerJob < 0 || c.Parallelism < 0 || c.PeerRetryMax < 0 {
		return errors.New("job limits should not be negative")
	}
	if c.TaskprovEnabled {
		if _, err := c.TaskprovSettings(); err != nil {
			return err
		}
	}
	return nil
}

// Limits returns the limits of one process call.
func (c *Config) Limits() aggregator.Limits {
	return aggregator.Limits{MaxJobs: c.MaxAggJobs, MaxReportsPerJob: c.MaxReportsPerJob}
}

// TaskprovSettings returns the settings of provisioned tasks, or nil when taskprov is disabled.
func (c *Config) TaskprovSettings() (*aggregator.TaskprovSettings, error) {
	if !c.TaskprovEnabled {
		return nil, nil
	}
	if c.TaskprovCollectorHpkeConfig == "" {
		return nil, errors.New("taskprov needs the collector HPKE config")
	}
	var hpke reporttypes.HpkeConfig
	if err := hpke.UnmarshalText([]byte(c.TaskprovCollectorHpkeConfig)); err != nil {
		return nil, fmt.Errorf("parse taskprov collector HPKE config: %w", err)
	}
	return &aggregator.TaskprovSettings{
		CollectorHpkeConfig: hpke,
		LeaderAuthToken:     c.TaskprovLeaderAuthToken,
		CollectorAuthToken:  c.TaskprovCollectorAuthToken,
	}, nil
}
