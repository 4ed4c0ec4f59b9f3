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
	"errors"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/distributednoise"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/secretshare"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-dap-aggregator/service/metrics"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskprov"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/storage"
)

// helperTask resolves a task served by this aggregator as the Helper and checks the Leader's token.
func (a *Aggregator) helperTask(ctx context.Context, v reporttypes.Version, taskID reporttypes.TaskID, authToken string, payloads [][]byte) (*taskconfig.Task, error) {
	task, err := a.resolveTask(ctx, v, taskID, payloads, reporttypes.RoleHelper)
	if err != nil {
		return nil, err
	}
	if task.Role != reporttypes.RoleHelper || task.Version != v {
		return nil, abort(AbortUnrecognizedTask, &taskID, "task is not served as %s helper", v)
	}
	if err := checkToken(task.LeaderAuthToken, authToken, taskID); err != nil {
		return nil, err
	}
	return task, nil
}

// Aggregate prepares the Helper's input shares of an aggregation job and adds the output shares
// to the Helper's buckets. A report is failed if the Helper cannot prepare it, has seen it before,
// or its batch was collected. The response to a job is stored, and a retried job gets it back.
//
// An unknown task is provisioned from the taskprov extension of the first report.
func (a *Aggregator) Aggregate(ctx context.Context, v reporttypes.Version, taskID reporttypes.TaskID, authToken string, req *reporttypes.AggregateReq) (*reporttypes.AggregateResp, error) {
	var payloads [][]byte
	if len(req.ReportShares) > 0 {
		payloads = req.ReportShares[0].Metadata.TaskprovPayloads()
	}
	task, err := a.helperTask(ctx, v, taskID, authToken, payloads)
	if err != nil {
		return nil, err
	}
	if req.PartBatchSelector.Type != task.QueryType {
		return nil, abort(AbortUnrecognizedMessage, &taskID, "batch selector type %s does not match the task query type %s", req.PartBatchSelector.Type, task.QueryType)
	}
	if b, err := a.store.Get(ctx, helperJobKey(taskID, req.JobID)); err == nil {
		return reporttypes.DecodeAggregateResp(b)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	shares := make([][]byte, len(req.ReportShares))
	for i := range req.ReportShares {
		rs := &req.ReportShares[i]
		if task.Taskprov {
			p := rs.Metadata.TaskprovPayloads()
			if len(p) != 1 || taskprov.DeriveTaskID(p[0]) != taskID {
				log.V(1).Infof("task %s: report %s does not carry the task extension", taskID, rs.Metadata.ID)
				continue
			}
		}
		share, err := a.prepare(task, &rs.Metadata, rs.PublicShare, &rs.EncryptedInputShare, reporttypes.RoleHelper)
		if err != nil {
			log.V(1).Infof("task %s: failing report %s: %v", taskID, rs.Metadata.ID, err)
			continue
		}
		shares[i] = share
	}

	var (
		resp       *reporttypes.AggregateResp
		aggregated uint64
	)
	err = a.update(ctx, func(txn storage.Txn) error {
		resp, aggregated = &reporttypes.AggregateResp{}, 0
		if b, err := txn.Get(helperJobKey(taskID, req.JobID)); err == nil {
			resp, err = reporttypes.DecodeAggregateResp(b)
			return err
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := storeProvisionedTask(txn, task); err != nil {
			return err
		}
		ledger := &batchLedger{}
		if task.QueryType == reporttypes.QueryTypeTimeInterval {
			var err error
			if ledger, err = getLedger(txn, taskID); err != nil {
				return err
			}
		}

		buckets := make(map[string]*bucketRecord)
		for i := range req.ReportShares {
			md := &req.ReportShares[i].Metadata
			status := reporttypes.TransitionFailed
			ok, err := helperAccept(txn, task, ledger, buckets, req.PartBatchSelector.BatchID, md, shares[i])
			if err != nil {
				return err
			}
			if ok {
				status = reporttypes.TransitionFinished
				aggregated++
			}
			resp.Transitions = append(resp.Transitions, reporttypes.Transition{ReportID: md.ID, Status: status})
		}
		for _, b := range buckets {
			if err := putBucket(txn, taskID, b); err != nil {
				return err
			}
		}
		b, err := reporttypes.EncodeAggregateResp(resp)
		if err != nil {
			return err
		}
		txn.Set(helperJobKey(taskID, req.JobID), b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.metrics.ReportsInc(metrics.ReportAggregated, aggregated)
	a.metrics.ReportsInc(string(AbortReportRejected), uint64(len(req.ReportShares))-aggregated)
	return resp, nil
}

// helperAccept adds a prepared report to its bucket unless it must be failed.
func helperAccept(txn storage.Txn, task *taskconfig.Task, ledger *batchLedger, buckets map[string]*bucketRecord, batchID reporttypes.BatchID, md *reporttypes.ReportMetadata, share []byte) (bool, error) {
	if share == nil || task.IsTooLate(md.Time) {
		return false, nil
	}
	_, err := txn.Get(reportKey(task.ID, md.ID))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}

	name := fixedBucketName(batchID)
	if task.QueryType == reporttypes.QueryTypeTimeInterval {
		name = TimeBucketKey(task, md.Time)
		if ledger.collectedAt(task.Quantize(md.Time)) {
			return false, nil
		}
	}
	b, ok := buckets[name]
	if !ok {
		if b, err = getBucket(txn, task.ID, name); err != nil {
			return false, err
		}
		if task.QueryType == reporttypes.QueryTypeFixedSize {
			b.BatchID = batchID
		}
		buckets[name] = b
	}
	if b.Collected {
		return false, nil
	}

	if err := setRecord(txn, reportKey(task.ID, md.ID), &reportRecord{Time: md.Time, Bucket: name, State: reportAggregated}); err != nil {
		return false, err
	}
	b.Assigned++
	return true, markAggregated(b, []uint64{md.Time}, [][]byte{share}, 0)
}

// AggregateShare returns the Helper's aggregate share of a batch, encrypted to the collector, and
// marks the batch collected by the requesting job. The report count must match the Helper's.
func (a *Aggregator) AggregateShare(ctx context.Context, v reporttypes.Version, taskID reporttypes.TaskID, authToken string, req *reporttypes.AggregateShareReq) (*reporttypes.AggregateShareResp, error) {
	task, err := a.helperTask(ctx, v, taskID, authToken, nil)
	if err != nil {
		return nil, err
	}
	sel := &req.BatchSelector
	if sel.Type != task.QueryType {
		return nil, abort(AbortBatchInvalid, &taskID, "batch selector type %s does not match the task query type %s", sel.Type, task.QueryType)
	}
	if resp, err := a.cachedShare(ctx, taskID, req.CollectionJobID); resp != nil || err != nil {
		return resp, err
	}

	var names []string
	if sel.Type == reporttypes.QueryTypeTimeInterval {
		if err := checkBatchInterval(task, sel.BatchInterval); err != nil {
			return nil, err
		}
		if names, err = a.timeBucketsIn(ctx, task, sel.BatchInterval); err != nil {
			return nil, err
		}
	} else {
		names = []string{fixedBucketName(sel.BatchID)}
	}

	var resp *reporttypes.AggregateShareResp
	err = a.update(ctx, func(txn storage.Txn) error {
		resp = nil
		rec := &helperShareRecord{}
		found, err := getRecord(txn, helperShareKey(taskID, req.CollectionJobID), rec)
		if err != nil {
			return err
		}
		if found {
			resp, err = reporttypes.DecodeAggregateShareResp(rec.Response)
			return err
		}
		resp, err = a.aggregateShare(txn, task, req, names)
		return err
	})
	if err != nil {
		if AbortTypeOf(err) != "" {
			log.V(1).Info(err)
		}
		return nil, err
	}
	return resp, nil
}

func (a *Aggregator) cachedShare(ctx context.Context, taskID reporttypes.TaskID, job reporttypes.CollectionJobID) (*reporttypes.AggregateShareResp, error) {
	b, err := a.store.Get(ctx, helperShareKey(taskID, job))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := &helperShareRecord{}
	if err := decodeRecord(helperShareKey(taskID, job), b, rec); err != nil {
		return nil, err
	}
	return reporttypes.DecodeAggregateShareResp(rec.Response)
}

func (a *Aggregator) aggregateShare(txn storage.Txn, task *taskconfig.Task, req *reporttypes.AggregateShareReq, names []string) (*reporttypes.AggregateShareResp, error) {
	sel := &req.BatchSelector
	var ledger *batchLedger
	if sel.Type == reporttypes.QueryTypeTimeInterval {
		var err error
		if ledger, err = getLedger(txn, task.ID); err != nil {
			return nil, err
		}
		if r := ledger.overlapping(sel.BatchInterval); r != nil && r.Job != req.CollectionJobID {
			return nil, abort(AbortBatchOverlap, &task.ID, "interval %+v overlaps the batch %+v", sel.BatchInterval, r.Interval)
		}
	}

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
		if b.Collected && b.CollectionJob != req.CollectionJobID {
			return nil, abort(AbortBatchOverlap, &task.ID, "bucket %s is collected by job %s", name, b.CollectionJob)
		}
		if b.QueryCount >= task.MaxBatchQueryCount {
			return nil, abort(AbortBatchOverlap, &task.ID, "bucket %s was queried %d times", name, b.QueryCount)
		}
		buckets = append(buckets, b)
		count += b.Aggregated
		shares = append(shares, b.Share)
	}
	if count != req.ReportCount {
		return nil, abort(AbortBatchMismatch, &task.ID, "leader counts %d reports, helper %d", req.ReportCount, count)
	}
	if count < task.MinBatchSize {
		return nil, abort(AbortBatchInvalid, &task.ID, "batch of %d reports is below the minimum size %d", count, task.MinBatchSize)
	}

	share, err := secretshare.Merge(shares...)
	if err != nil {
		return nil, err
	}
	if task.DP != nil {
		if share, err = distributednoise.AddNoise(share, task.DP.Epsilon, task.DP.L1Sensitivity); err != nil {
			return nil, err
		}
	}
	info, err := reporttypes.AggregateShareInfo(task.ID, sel, reporttypes.RoleHelper)
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
		b.CollectionJob = req.CollectionJobID
		if err := putBucket(txn, task.ID, b); err != nil {
			return nil, err
		}
	}
	if ledger != nil {
		ledger.Reservations = append(ledger.Reservations, reservation{Interval: sel.BatchInterval, Job: req.CollectionJobID, Collected: true})
		if err := setRecord(txn, batchesKey(task.ID), ledger); err != nil {
			return nil, err
		}
	}
	resp := &reporttypes.AggregateShareResp{EncryptedAggShare: *ct}
	b, err := reporttypes.EncodeAggregateShareResp(resp)
	if err != nil {
		return nil, err
	}
	return resp, setRecord(txn, helperShareKey(task.ID, req.CollectionJobID), &helperShareRecord{ReportCount: count, Response: b})
}
