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
	"crypto/subtle"
	"errors"
	"fmt"

	log "github.com/golang/glog"
	"github.com/zeebo/blake3"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/distributednoise"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/secretshare"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-dap-aggregator/service/metrics"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/storage"
)

// CollectionJobHandle names a collection job.
type CollectionJobHandle struct {
	TaskID  reporttypes.TaskID
	JobID   reporttypes.CollectionJobID
	Version reporttypes.Version
}

// CollectResult is the state of a collection job seen by the collector.
type CollectResult struct {
	Ready bool
	// Collection is the encoded result of a ready job. It never changes once set.
	Collection []byte
}

// CollectionJobID derives the ID of the job created by a collect request, so that resubmitting
// the same request finds the same job.
func CollectionJobID(taskID reporttypes.TaskID, v reporttypes.Version, body []byte) reporttypes.CollectionJobID {
	h := blake3.New()
	h.Write(taskID[:])
	h.Write([]byte{byte(v)})
	h.Write(body)
	var id reporttypes.CollectionJobID
	copy(id[:], h.Sum(nil))
	return id
}

func checkToken(want, got string, taskID reporttypes.TaskID) error {
	if want == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return abort(AbortUnauthorizedRequest, &taskID, "invalid auth token")
	}
	return nil
}

// SubmitCollect validates a collect request and creates its collection job. Submitting the same
// request bytes again returns the existing job.
//
// pathTaskID is nil for versions carrying the task ID in the request.
func (a *Aggregator) SubmitCollect(ctx context.Context, v reporttypes.Version, pathTaskID *reporttypes.TaskID, authToken string, body []byte) (*CollectionJobHandle, error) {
	req, err := reporttypes.DecodeCollectionReq(v, body)
	if err != nil {
		if pathTaskID == nil {
			return nil, abort(AbortUnrecognizedMessage, nil, "%v", err)
		}
		if _, terr := a.leaderTask(ctx, v, *pathTaskID); terr != nil {
			return nil, terr
		}
		return nil, abort(AbortUnrecognizedMessage, pathTaskID, "%v", err)
	}
	taskID := req.TaskID
	if pathTaskID != nil {
		taskID = *pathTaskID
	}
	task, err := a.leaderTask(ctx, v, taskID)
	if err != nil {
		return nil, err
	}
	if err := checkToken(task.CollectorAuthToken, authToken, taskID); err != nil {
		return nil, err
	}

	q := &req.Query
	if q.Type != task.QueryType {
		return nil, abort(AbortBatchInvalid, &taskID, "query type %s does not match the task query type %s", q.Type, task.QueryType)
	}
	var candidates []*bucketRecord
	switch {
	case q.Type == reporttypes.QueryTypeTimeInterval:
		if err := checkBatchInterval(task, q.BatchInterval); err != nil {
			return nil, err
		}
	case q.CurrentBatch:
		recs, err := a.scanBuckets(ctx, taskID)
		if err != nil {
			return nil, err
		}
		candidates = collectableBatches(recs)
	}

	id := CollectionJobID(taskID, v, body)
	var job *collectionJobRecord
	created := false
	err = a.update(ctx, func(txn storage.Txn) error {
		job, created = &collectionJobRecord{}, false
		found, err := getRecord(txn, collectionJobKey(taskID, id), job)
		if err != nil || found {
			return err
		}
		job = &collectionJobRecord{
			ID:       id,
			Version:  v,
			Query:    *q,
			AggParam: req.AggParam,
			State:    jobPending,
			Created:  a.now().Unix(),
		}
		switch {
		case q.Type == reporttypes.QueryTypeTimeInterval:
			err = reserveInterval(txn, task, q.BatchInterval, id)
		case q.CurrentBatch:
			job.BatchID, err = reserveCurrentBatch(txn, task, candidates, id)
		default:
			job.BatchID = q.BatchID
			err = reserveBatch(txn, task, q.BatchID, id)
		}
		if err != nil {
			return err
		}
		created = true
		return setRecord(txn, collectionJobKey(taskID, id), job)
	})
	if err != nil {
		if AbortTypeOf(err) != "" {
			log.V(1).Info(err)
		}
		return nil, err
	}
	if created {
		log.Infof("task %s: created collection job %s", taskID, id)
		a.notifyCreated(ctx, job.status(taskID))
	}
	return &CollectionJobHandle{TaskID: taskID, JobID: id, Version: v}, nil
}

func checkBatchInterval(task *taskconfig.Task, i reporttypes.Interval) error {
	if !task.IsAligned(i) {
		return abort(AbortBatchInvalid, &task.ID, "interval %+v is not aligned to the time precision %d", i, task.TimePrecision)
	}
	if i.Duration == 0 {
		return abort(AbortBatchInvalid, &task.ID, "empty interval")
	}
	if task.MaxBatchDuration != 0 && i.Duration > task.MaxBatchDuration {
		return abort(AbortBatchInvalid, &task.ID, "interval duration %d exceeds %d", i.Duration, task.MaxBatchDuration)
	}
	return nil
}

// reserveInterval records a time-interval batch in the ledger of the task. The first job to
// reserve a time slice owns it.
func reserveInterval(txn storage.Txn, task *taskconfig.Task, i reporttypes.Interval, job reporttypes.CollectionJobID) error {
	ledger, err := getLedger(txn, task.ID)
	if err != nil {
		return err
	}
	if r := ledger.overlapping(i); r != nil {
		return abort(AbortBatchOverlap, &task.ID, "interval %+v overlaps the batch %+v of job %s", i, r.Interval, r.Job)
	}
	ledger.Reservations = append(ledger.Reservations, reservation{Interval: i, Job: job})
	return setRecord(txn, batchesKey(task.ID), ledger)
}

func reserveBatch(txn storage.Txn, task *taskconfig.Task, id reporttypes.BatchID, job reporttypes.CollectionJobID) error {
	b := &bucketRecord{}
	found, err := getRecord(txn, bucketKey(task.ID, fixedBucketName(id)), b)
	if err != nil {
		return err
	}
	switch {
	case !found:
		return abort(AbortBatchOverlap, &task.ID, "batch %s is unknown", id)
	case b.Collected:
		return abort(AbortBatchOverlap, &task.ID, "batch %s is already collected", id)
	case b.Reserved:
		return abort(AbortBatchOverlap, &task.ID, "batch %s is reserved by job %s", id, b.CollectionJob)
	case b.QueryCount >= task.MaxBatchQueryCount:
		return abort(AbortBatchOverlap, &task.ID, "batch %s was queried %d times", id, b.QueryCount)
	}
	b.Reserved = true
	b.CollectionJob = job
	return putBucket(txn, task.ID, b)
}

func reserveCurrentBatch(txn storage.Txn, task *taskconfig.Task, candidates []*bucketRecord, job reporttypes.CollectionJobID) (reporttypes.BatchID, error) {
	for _, c := range candidates {
		b := &bucketRecord{}
		found, err := getRecord(txn, bucketKey(task.ID, c.Name), b)
		if err != nil {
			return reporttypes.BatchID{}, err
		}
		if !found || b.Collected || b.Reserved || b.QueryCount >= task.MaxBatchQueryCount {
			continue
		}
		b.Reserved = true
		b.CollectionJob = job
		return b.BatchID, putBucket(txn, task.ID, b)
	}
	return reporttypes.BatchID{}, abort(AbortBatchInvalid, &task.ID, "no batch is ready to collect")
}

// PollCollect returns the state of a collection job. A job of an unknown task is an unknown job.
func (a *Aggregator) PollCollect(ctx context.Context, v reporttypes.Version, taskID reporttypes.TaskID, jobID reporttypes.CollectionJobID, authToken string) (*CollectResult, error) {
	task, err := a.leaderTask(ctx, v, taskID)
	if AbortTypeOf(err) == AbortUnrecognizedTask {
		return nil, abort(AbortUnrecognizedCollectJob, &taskID, "unknown collection job %s", jobID)
	}
	if err != nil {
		return nil, err
	}
	if err := checkToken(task.CollectorAuthToken, authToken, taskID); err != nil {
		return nil, err
	}
	b, err := a.store.Get(ctx, collectionJobKey(taskID, jobID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, abort(AbortUnrecognizedCollectJob, &taskID, "unknown collection job %s", jobID)
	}
	if err != nil {
		return nil, err
	}
	job := &collectionJobRecord{}
	if err := decodeRecord(collectionJobKey(taskID, jobID), b, job); err != nil {
		return nil, err
	}
	if job.Version != v {
		return nil, abort(AbortUnrecognizedCollectJob, &taskID, "collection job %s was created with %s", jobID, job.Version)
	}
	if job.State != jobComplete {
		return &CollectResult{}, nil
	}
	return &CollectResult{Ready: true, Collection: job.Result}, nil
}

// completeCollections completes the collection jobs of a task whose batch is fully aggregated and
// big enough. It returns the number of reports of the completed jobs.
func (a *Aggregator) completeCollections(ctx context.Context, task *taskconfig.Task) (uint64, error) {
	var jobs []*collectionJobRecord
	err := a.store.Scan(ctx, collectionJobPrefix(task.ID), 0, func(key string, value []byte) error {
		job := &collectionJobRecord{}
		if err := decodeRecord(key, value, job); err != nil {
			return err
		}
		if job.State != jobComplete {
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var (
		collected uint64
		errs      []error
	)
	for _, job := range jobs {
		if job.State == jobPending {
			frozen, err := a.freezeCollection(ctx, task, job)
			if err != nil {
				errs = append(errs, fmt.Errorf("collection job %s: %w", job.ID, err))
				continue
			}
			if frozen == nil {
				continue
			}
			job = frozen
		}
		n, err := a.finishCollection(ctx, task, job)
		if err != nil {
			errs = append(errs, fmt.Errorf("collection job %s: %w", job.ID, err))
			continue
		}
		collected += n
	}
	return collected, errors.Join(errs...)
}

var errBucketsChanged = errors.New("buckets changed")

// jobBuckets lists the buckets of a collection job.
func (a *Aggregator) jobBuckets(ctx context.Context, task *taskconfig.Task, job *collectionJobRecord) ([]string, error) {
	if job.Query.Type == reporttypes.QueryTypeFixedSize {
		return []string{fixedBucketName(job.BatchID)}, nil
	}
	return a.timeBucketsIn(ctx, task, job.Query.BatchInterval)
}

func (a *Aggregator) timeBucketsIn(ctx context.Context, task *taskconfig.Task, i reporttypes.Interval) ([]string, error) {
	recs, err := a.scanBuckets(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, r := range recs {
		index, ok := timeBucketIndex(r.Name)
		if !ok {
			continue
		}
		if start := index * task.TimePrecision; i.Start <= start && start < i.End() {
			names = append(names, r.Name)
		}
	}
	return names, nil
}

// freezeCollection fixes the result of a ready collection job: its buckets are marked collected
// and the Leader's aggregate share is stored encrypted to the collector. It returns nil if the job
// is not ready.
func (a *Aggregator) freezeCollection(ctx context.Context, task *taskconfig.Task, job *collectionJobRecord) (*collectionJobRecord, error) {
	for attempt := 1; ; attempt++ {
		epoch, err := a.bucketEpoch(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		names, err := a.jobBuckets(ctx, task, job)
		if err != nil {
			return nil, err
		}
		var frozen *collectionJobRecord
		err = a.update(ctx, func(txn storage.Txn) error {
			frozen = nil
			var current uint64
			if _, err := getRecord(txn, bucketEpochKey(task.ID), &current); err != nil {
				return err
			}
			if current != epoch {
				return errBucketsChanged
			}
			stored := &collectionJobRecord{}
			found, err := getRecord(txn, collectionJobKey(task.ID, job.ID), stored)
			if err != nil || !found || stored.State != jobPending {
				return err
			}
			frozen, err = a.freeze(txn, task, stored, names)
			return err
		})
		if errors.Is(err, errBucketsChanged) && attempt < a.maxAttempts {
			continue
		}
		return frozen, err
	}
}

func (a *Aggregator) freeze(txn storage.Txn, task *taskconfig.Task, job *collectionJobRecord, names []string) (*collectionJobRecord, error) {
	var (
		buckets []*bucketRecord
		count   uint64
		shares  [][]byte
	)
	for _, name := range names {
		b := &bucketRecord{}
		found, err := getRecord(txn, bucketKey(task.ID, name), b)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if !b.drained() {
			return nil, nil
		}
		buckets = append(buckets, b)
		count += b.Aggregated
		shares = append(shares, b.Share)
	}
	if count < task.MinBatchSize {
		return nil, nil
	}

	// The interval covers the time slices of the aggregated reports.
	var lo, hi uint64
	first := true
	for _, b := range buckets {
		if b.Aggregated == 0 {
			continue
		}
		if start := task.Quantize(b.MinTime); first || start < lo {
			lo = start
		}
		if end := task.QuantizedUpperBound(b.MaxTime); first || end > hi {
			hi = end
		}
		first = false
	}
	interval := reporttypes.Interval{Start: lo, Duration: hi - lo}

	share, err := secretshare.Merge(shares...)
	if err != nil {
		return nil, err
	}
	if task.DP != nil {
		if share, err = distributednoise.AddNoise(share, task.DP.Epsilon, task.DP.L1Sensitivity); err != nil {
			return nil, err
		}
	}
	info, err := reporttypes.AggregateShareInfo(task.ID, job.batchSelector(), reporttypes.RoleLeader)
	if err != nil {
		return nil, err
	}
	ct, err := standardencrypt.EncryptTo(&task.CollectorHpkeConfig, share, info)
	if err != nil {
		return nil, err
	}

	for _, b := range buckets {
		b.Collected = true
		b.QueryCount++
		b.CollectionJob = job.ID
		if err := putBucket(txn, task.ID, b); err != nil {
			return nil, err
		}
	}
	if job.Query.Type == reporttypes.QueryTypeTimeInterval {
		ledger, err := getLedger(txn, task.ID)
		if err != nil {
			return nil, err
		}
		for k := range ledger.Reservations {
			if ledger.Reservations[k].Job == job.ID {
				ledger.Reservations[k].Collected = true
			}
		}
		if err := setRecord(txn, batchesKey(task.ID), ledger); err != nil {
			return nil, err
		}
	}

	job.State = jobCollecting
	job.Buckets = names
	job.ReportCount = count
	job.LeaderShare = *ct
	job.Interval = interval
	return job, setRecord(txn, collectionJobKey(task.ID, job.ID), job)
}

// finishCollection gets the Helper's aggregate share of a frozen job and stores the result. It
// returns the number of reports collected, or zero if another process completed the job.
func (a *Aggregator) finishCollection(ctx context.Context, task *taskconfig.Task, job *collectionJobRecord) (uint64, error) {
	resp, err := a.peer.AggregateShare(ctx, task, &reporttypes.AggregateShareReq{
		BatchSelector:   *job.batchSelector(),
		CollectionJobID: job.ID,
		ReportCount:     job.ReportCount,
	})
	if err != nil {
		return 0, err
	}
	result, err := reporttypes.EncodeCollection(job.Version, &reporttypes.Collection{
		PartBatchSelector:  reporttypes.PartialBatchSelector{Type: task.QueryType, BatchID: job.BatchID},
		ReportCount:        job.ReportCount,
		Interval:           job.Interval,
		EncryptedAggShares: []reporttypes.HpkeCiphertext{job.LeaderShare, resp.EncryptedAggShare},
	})
	if err != nil {
		return 0, err
	}

	var completed *collectionJobRecord
	err = a.update(ctx, func(txn storage.Txn) error {
		completed = nil
		stored := &collectionJobRecord{}
		found, err := getRecord(txn, collectionJobKey(task.ID, job.ID), stored)
		if err != nil || !found || stored.State != jobCollecting {
			return err
		}
		stored.State = jobComplete
		stored.Result = result
		completed = stored
		return setRecord(txn, collectionJobKey(task.ID, job.ID), stored)
	})
	if err != nil || completed == nil {
		return 0, err
	}
	log.Infof("task %s: collection job %s complete with %d reports", task.ID, job.ID, completed.ReportCount)
	a.metrics.ReportsInc(metrics.ReportCollected, completed.ReportCount)
	a.notifyCompleted(ctx, completed.status(task.ID))
	return completed.ReportCount, nil
}
