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

package aggregator

import (
	"errors"
	"fmt"

	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/storage"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/utils"
)

type reportState uint8

const (
	reportPending reportState = iota
	reportAggregated
	reportRejected
)

// reportRecord is the ledger entry of an accepted report. It is never deleted.
type reportRecord struct {
	Time   uint64
	Bucket string
	State  reportState
}

// pendingReport holds what is needed to aggregate a report later.
type pendingReport struct {
	Metadata    reporttypes.ReportMetadata
	PublicShare []byte
	LeaderShare reporttypes.HpkeCiphertext
	HelperShare reporttypes.HpkeCiphertext
}

// bucketRecord is the accounting of a bucket. For the fixed-size pool, the counters cover the
// reports of the batch being filled, BatchID is the ID the batch gets when it closes, and Seq
// numbers the next closed bucket.
type bucketRecord struct {
	Name    string
	BatchID reporttypes.BatchID
	Seq     uint64
	// Assigned counts the reports assigned to the bucket; those not yet aggregated or rejected are
	// either pending or claimed by an aggregation job (InFlight).
	Assigned   uint64
	Aggregated uint64
	Rejected   uint64
	InFlight   uint64
	// Share is this aggregator's aggregate share of the aggregated reports.
	Share      []byte
	MinTime    uint64
	MaxTime    uint64
	Collected  bool
	QueryCount uint64
	// Reserved is set once a collection job references the bucket.
	Reserved      bool
	CollectionJob reporttypes.CollectionJobID
}

func (b *bucketRecord) drained() bool {
	return b.Assigned == b.Aggregated+b.Rejected
}

func (b *bucketRecord) pending() uint64 {
	return b.Assigned - b.Aggregated - b.Rejected - b.InFlight
}

func (b *bucketRecord) addTime(ts uint64) {
	if b.Aggregated == 0 || ts < b.MinTime {
		b.MinTime = ts
	}
	if ts > b.MaxTime {
		b.MaxTime = ts
	}
}

// reservation is a time-interval batch referenced by a collection job.
type reservation struct {
	Interval  reporttypes.Interval
	Job       reporttypes.CollectionJobID
	Collected bool
}

// batchLedger lists the reserved time-interval batches of a task. Reservations never overlap.
type batchLedger struct {
	Reservations []reservation
}

func (l *batchLedger) overlapping(i reporttypes.Interval) *reservation {
	for k := range l.Reservations {
		r := &l.Reservations[k]
		if r.Interval.Start < i.End() && i.Start < r.Interval.End() {
			return r
		}
	}
	return nil
}

// collectedAt reports whether the time slice containing ts belongs to a collected batch.
func (l *batchLedger) collectedAt(ts uint64) bool {
	for _, r := range l.Reservations {
		if r.Collected && r.Interval.Start <= ts && ts < r.Interval.End() {
			return true
		}
	}
	return false
}

// awaiting reports whether the time slice starting at ts belongs to a batch reserved by a
// collection job that is not collected yet.
func (l *batchLedger) awaiting(ts uint64) bool {
	for _, r := range l.Reservations {
		if !r.Collected && r.Interval.Start <= ts && ts < r.Interval.End() {
			return true
		}
	}
	return false
}

type jobState uint8

const (
	jobPending jobState = iota
	// jobCollecting: the buckets are frozen and the aggregate share is fixed, but the Helper has
	// not returned its share yet. Polls still see the job as pending.
	jobCollecting
	jobComplete
)

type collectionJobRecord struct {
	ID       reporttypes.CollectionJobID
	Version  reporttypes.Version
	Query    reporttypes.Query
	AggParam []byte
	State    jobState
	Created  int64
	// Set when the job resolves to a fixed-size batch.
	BatchID reporttypes.BatchID
	// Frozen result parts, set when entering jobCollecting.
	Buckets     []string
	ReportCount uint64
	LeaderShare reporttypes.HpkeCiphertext
	Interval    reporttypes.Interval
	// Result is the encoded Collection served to the collector.
	Result []byte
}

func (j *collectionJobRecord) batchSelector() *reporttypes.BatchSelector {
	if j.Query.Type == reporttypes.QueryTypeTimeInterval {
		return &reporttypes.BatchSelector{Type: j.Query.Type, BatchInterval: j.Query.BatchInterval}
	}
	return &reporttypes.BatchSelector{Type: j.Query.Type, BatchID: j.BatchID}
}

// aggregationJobRecord is a claim of pending reports by the Leader.
type aggregationJobRecord struct {
	ID      reporttypes.AggregationJobID
	Bucket  string
	BatchID reporttypes.BatchID
	Reports []pendingReport
	// Lease is the unix time after which another process may resume the job.
	Lease int64
}

// helperShareRecord caches the Helper's answer to an aggregate share request.
type helperShareRecord struct {
	ReportCount uint64
	Response    []byte
}

func getRecord(txn storage.Txn, key string, v interface{}) (bool, error) {
	b, err := txn.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := utils.UnmarshalCBOR(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func setRecord(txn storage.Txn, key string, v interface{}) error {
	b, err := utils.MarshalCBOR(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	txn.Set(key, b)
	return nil
}

func decodeRecord(key string, b []byte, v interface{}) error {
	if err := utils.UnmarshalCBOR(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
