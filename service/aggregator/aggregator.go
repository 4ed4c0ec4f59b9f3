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

// Package aggregator implements the Leader and Helper state machines of a DAP aggregator: the
// task directory, the report ledger, the batch buckets, the aggregation scheduler and the
// collection jobs.
//
// All the state lives in a storage.Store and every mutation is one storage transaction, so any
// number of Aggregator values may share a store.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/googleapis/gax-go/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-dap-aggregator/service/metrics"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/storage"
)

// Defaults used for zero Params fields.
const (
	DefaultTaskCacheSize       = 1024
	DefaultAggregationJobLease = 10 * time.Minute
	DefaultMaxTxnAttempts      = 8
	DefaultParallelism         = 4
)

// TaskprovSettings enables tasks provisioned by report extensions and completes their
// configuration with deployment-wide values.
type TaskprovSettings struct {
	CollectorHpkeConfig reporttypes.HpkeConfig
	LeaderAuthToken     string
	CollectorAuthToken  string
}

// Params contains the dependencies and settings of an Aggregator.
type Params struct {
	Store   storage.Store
	Keyring *standardencrypt.Keyring
	// Peer is the Helper the Leader tasks are aggregated with. Only needed by a Leader.
	Peer Peer
	// Taskprov is nil when provisioning tasks from report extensions is disabled.
	Taskprov  *TaskprovSettings
	Metrics   *metrics.Metrics
	Observers []JobObserver

	TaskCacheSize int
	// AggregationJobLease is how long a claimed aggregation job is owned by its process.
	AggregationJobLease time.Duration
	MaxTxnAttempts      int
	// Parallelism bounds the aggregation jobs running at once in a process call.
	Parallelism int
	Now         func() time.Time
}

// Aggregator serves the tasks stored in a store, in the role each task names.
type Aggregator struct {
	store       storage.Store
	keyring     *standardencrypt.Keyring
	peer        Peer
	taskprov    *TaskprovSettings
	metrics     *metrics.Metrics
	observers   []JobObserver
	tasks       *lru.Cache[reporttypes.TaskID, *taskconfig.Task]
	lease       time.Duration
	maxAttempts int
	parallelism int
	now         func() time.Time
}

// New creates an Aggregator.
func New(params *Params) (*Aggregator, error) {
	if params.Store == nil {
		return nil, errors.New("store is required")
	}
	if params.Keyring == nil {
		return nil, errors.New("keyring is required")
	}
	a := &Aggregator{
		store:       params.Store,
		keyring:     params.Keyring,
		peer:        params.Peer,
		taskprov:    params.Taskprov,
		metrics:     params.Metrics,
		observers:   params.Observers,
		lease:       params.AggregationJobLease,
		maxAttempts: params.MaxTxnAttempts,
		parallelism: params.Parallelism,
		now:         params.Now,
	}
	cacheSize := params.TaskCacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultTaskCacheSize
	}
	var err error
	if a.tasks, err = lru.New[reporttypes.TaskID, *taskconfig.Task](cacheSize); err != nil {
		return nil, err
	}
	if a.lease <= 0 {
		a.lease = DefaultAggregationJobLease
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = DefaultMaxTxnAttempts
	}
	if a.parallelism <= 0 {
		a.parallelism = DefaultParallelism
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// HpkeConfig returns the config clients and peers encrypt input shares to.
func (a *Aggregator) HpkeConfig() reporttypes.HpkeConfig {
	return a.keyring.Current()
}

// update runs fn in a transaction, retrying it on conflicts with an exponential backoff. fn must
// not keep state across attempts.
func (a *Aggregator) update(ctx context.Context, fn func(storage.Txn) error) error {
	bo := gax.Backoff{
		Initial:    10 * time.Millisecond,
		Max:        500 * time.Millisecond,
		Multiplier: 2,
	}
	for attempt := 1; ; attempt++ {
		err := a.store.Update(ctx, fn)
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
		if attempt >= a.maxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		log.V(1).Infof("transaction conflict, attempt %d", attempt)
		if err := gax.Sleep(ctx, bo.Pause()); err != nil {
			return err
		}
	}
}
