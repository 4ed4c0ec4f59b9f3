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
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/secretshare"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/storage"
)

// PoolBucket is the key of the bucket collecting the reports of a fixed-size task until they
// fill a batch.
const PoolBucket = poolBucket

// TimeBucketKey returns the key of the time-interval bucket a report timestamp falls into.
func TimeBucketKey(task *taskconfig.Task, ts uint64) string {
	return timeBucketName(task.BucketIndex(ts))
}

// FixedBucketKey returns the key of a closed fixed-size batch.
func FixedBucketKey(id reporttypes.BatchID) string {
	return fixedBucketName(id)
}

// BucketState is the accounting of a bucket.
type BucketState struct {
	Key string
	// BatchID is set for fixed-size buckets. For the pool, it is the ID the next batch gets.
	BatchID    reporttypes.BatchID
	Assigned   uint64
	Aggregated uint64
	Rejected   uint64
	// Pending counts the reports waiting for aggregation, including those claimed by a running job.
	Pending    uint64
	QueryCount uint64
	Collected  bool
	Reserved   bool
}

func (b *bucketRecord) state() *BucketState {
	return &BucketState{
		Key:        b.Name,
		BatchID:    b.BatchID,
		Assigned:   b.Assigned,
		Aggregated: b.Aggregated,
		Rejected:   b.Rejected,
		Pending:    b.Assigned - b.Aggregated - b.Rejected,
		QueryCount: b.QueryCount,
		Collected:  b.Collected,
		Reserved:   b.Reserved,
	}
}

// Bucket returns the state of a bucket, or storage.ErrNotFound.
func (a *Aggregator) Bucket(ctx context.Context, taskID reporttypes.TaskID, key string) (*BucketState, error) {
	b, err := a.store.Get(ctx, bucketKey(taskID, key))
	if err != nil {
		return nil, err
	}
	rec := &bucketRecord{}
	if err := decodeRecord(key, b, rec); err != nil {
		return nil, err
	}
	return rec.state(), nil
}

// Buckets returns the state of all the buckets of a task, ordered by key.
func (a *Aggregator) Buckets(ctx context.Context, taskID reporttypes.TaskID) ([]*BucketState, error) {
	recs, err := a.scanBuckets(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var states []*BucketState
	for _, r := range recs {
		states = append(states, r.state())
	}
	return states, nil
}

func (a *Aggregator) scanBuckets(ctx context.Context, taskID reporttypes.TaskID) ([]*bucketRecord, error) {
	var recs []*bucketRecord
	err := a.store.Scan(ctx, bucketPrefix(taskID), 0, func(key string, value []byte) error {
		rec := &bucketRecord{}
		if err := decodeRecord(key, value, rec); err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	return recs, err
}

// CurrentBatch returns the ID of the oldest closed batch of a fixed-size task that is neither
// collected nor reserved by a collection job. When there is none, it returns the ID the batch being
// filled will get.
func (a *Aggregator) CurrentBatch(ctx context.Context, taskID reporttypes.TaskID) (reporttypes.BatchID, error) {
	task, err := a.Task(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		return reporttypes.BatchID{}, abort(AbortUnrecognizedTask, &taskID, "unknown task")
	}
	if err != nil {
		return reporttypes.BatchID{}, err
	}
	if task.QueryType != reporttypes.QueryTypeFixedSize {
		return reporttypes.BatchID{}, abort(AbortBatchInvalid, &taskID, "task is not a fixed-size task")
	}
	recs, err := a.scanBuckets(ctx, taskID)
	if err != nil {
		return reporttypes.BatchID{}, err
	}
	if closed := collectableBatches(recs); len(closed) > 0 {
		return closed[0].BatchID, nil
	}
	for _, r := range recs {
		if r.Name == poolBucket {
			return r.BatchID, nil
		}
	}
	return reporttypes.BatchID{}, abort(AbortBatchInvalid, &taskID, "no batch")
}

// collectableBatches returns the closed fixed-size buckets available to a collection job, oldest
// first.
func collectableBatches(recs []*bucketRecord) []*bucketRecord {
	var closed []*bucketRecord
	for _, r := range recs {
		if strings.HasPrefix(r.Name, fixedBucketPrefix) && !r.Collected && !r.Reserved {
			closed = append(closed, r)
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].Seq < closed[j].Seq })
	return closed
}

func newBatchID() (reporttypes.BatchID, error) {
	var id reporttypes.BatchID
	_, err := rand.Read(id[:])
	return id, err
}

// getBucket reads a bucket inside a transaction, returning a new empty one if it does not exist.
func getBucket(txn storage.Txn, taskID reporttypes.TaskID, name string) (*bucketRecord, error) {
	b := &bucketRecord{}
	found, err := getRecord(txn, bucketKey(taskID, name), b)
	if err != nil {
		return nil, err
	}
	if !found {
		b = &bucketRecord{Name: name}
		if name == poolBucket {
			if b.BatchID, err = newBatchID(); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

func putBucket(txn storage.Txn, taskID reporttypes.TaskID, b *bucketRecord) error {
	return setRecord(txn, bucketKey(taskID, b.Name), b)
}

// assign adds an accepted report to its bucket: the time slice of its timestamp for a
// time-interval task, the pool for a fixed-size task.
func assign(txn storage.Txn, task *taskconfig.Task, ts uint64) (*bucketRecord, error) {
	name := poolBucket
	if task.QueryType == reporttypes.QueryTypeTimeInterval {
		name = TimeBucketKey(task, ts)
	}
	b, err := getBucket(txn, task.ID, name)
	if err != nil {
		return nil, err
	}
	if b.Assigned == 0 && task.QueryType == reporttypes.QueryTypeTimeInterval {
		if err := bumpBucketEpoch(txn, task.ID); err != nil {
			return nil, err
		}
	}
	b.Assigned++
	return b, putBucket(txn, task.ID, b)
}

// bumpBucketEpoch changes the epoch of a task, which is done whenever a time-interval bucket is
// created. Collection jobs freezing a set of buckets read the epoch to detect new buckets.
func bumpBucketEpoch(txn storage.Txn, taskID reporttypes.TaskID) error {
	var epoch uint64
	if _, err := getRecord(txn, bucketEpochKey(taskID), &epoch); err != nil {
		return err
	}
	epoch++
	return setRecord(txn, bucketEpochKey(taskID), epoch)
}

func (a *Aggregator) bucketEpoch(ctx context.Context, taskID reporttypes.TaskID) (uint64, error) {
	b, err := a.store.Get(ctx, bucketEpochKey(taskID))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var epoch uint64
	return epoch, decodeRecord(bucketEpochKey(taskID), b, &epoch)
}

// markAggregated adds the output shares of a finished aggregation job to its bucket and counts the
// reports the job rejected.
func markAggregated(b *bucketRecord, times []uint64, outShares [][]byte, rejected uint64) error {
	if len(outShares) > 0 {
		share, err := secretshare.Merge(append([][]byte{b.Share}, outShares...)...)
		if err != nil {
			return err
		}
		b.Share = share
	}
	for _, ts := range times {
		b.addTime(ts)
		b.Aggregated++
	}
	b.Rejected += rejected
	return nil
}

// closePool turns a full pool into a fixed-size bucket and starts a new pool with the reports
// left over. It returns the closed bucket.
func closePool(txn storage.Txn, task *taskconfig.Task, pool *bucketRecord) (*bucketRecord, error) {
	if pool.InFlight != 0 {
		return nil, fmt.Errorf("task %s: closing the pool with %d reports in flight", task.ID, pool.InFlight)
	}
	closed := &bucketRecord{
		Name:       fixedBucketName(pool.BatchID),
		BatchID:    pool.BatchID,
		Seq:        pool.Seq,
		Assigned:   pool.Aggregated + pool.Rejected,
		Aggregated: pool.Aggregated,
		Rejected:   pool.Rejected,
		Share:      pool.Share,
		MinTime:    pool.MinTime,
		MaxTime:    pool.MaxTime,
	}
	if err := putBucket(txn, task.ID, closed); err != nil {
		return nil, err
	}

	id, err := newBatchID()
	if err != nil {
		return nil, err
	}
	next := &bucketRecord{
		Name:     poolBucket,
		BatchID:  id,
		Seq:      pool.Seq + 1,
		Assigned: pool.Assigned - closed.Assigned,
	}
	*pool = *next
	log.Infof("task %s: closed batch %s with %d reports", task.ID, closed.BatchID, closed.Aggregated)
	return closed, nil
}
