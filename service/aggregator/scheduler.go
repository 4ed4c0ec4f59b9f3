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
	"fmt"
	"sort"
	"sync"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/secretshare"
	"github.com/google/privacy-sandbox-dap-aggregator/service/metrics"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/storage"
	"golang.org/x/sync/errgroup"
)

// Default limits of a process call, used for zero Limits fields.
const (
	DefaultMaxJobs          = 10
	DefaultMaxReportsPerJob = 100
)

// Limits bounds the work of one process call.
type Limits struct {
	MaxJobs          int `json:"max_agg_jobs"`
	MaxReportsPerJob int `json:"max_reports"`
}

func (l Limits) withDefaults() Limits {
	if l.MaxJobs <= 0 {
		l.MaxJobs = DefaultMaxJobs
	}
	if l.MaxReportsPerJob <= 0 {
		l.MaxReportsPerJob = DefaultMaxReportsPerJob
	}
	return l
}

// Telemetry counts the reports handled by a process call.
type Telemetry struct {
	// ReportsProcessed counts the reports taken by aggregation jobs.
	ReportsProcessed uint64 `json:"reports_processed"`
	// ReportsAggregated counts the reports both aggregators aggregated.
	ReportsAggregated uint64 `json:"reports_aggregated"`
	// ReportsCollected counts the reports of the collection jobs that completed.
	ReportsCollected uint64 `json:"reports_collected"`
}

func (t *Telemetry) add(o *Telemetry) {
	if o == nil {
		return
	}
	t.ReportsProcessed += o.ReportsProcessed
	t.ReportsAggregated += o.ReportsAggregated
	t.ReportsCollected += o.ReportsCollected
}

// Process runs ProcessTask on every Leader task. Limits apply to each task.
func (a *Aggregator) Process(ctx context.Context, limits Limits) (*Telemetry, error) {
	tasks, err := a.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	total := &Telemetry{}
	var errs []error
	for _, task := range tasks {
		if task.Role != reporttypes.RoleLeader {
			continue
		}
		t, err := a.ProcessTask(ctx, task.ID, limits)
		total.add(t)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// ProcessTask drains pending reports of a Leader task into at most limits.MaxJobs aggregation jobs
// of at most limits.MaxReportsPerJob reports, then completes the collection jobs that became
// ready.
//
// Jobs whose lease expired are resumed first. Buckets of pending collection jobs go before the
// others, oldest first. A failed job does not stop the others; the errors are returned together
// with the telemetry of what succeeded.
func (a *Aggregator) ProcessTask(ctx context.Context, taskID reporttypes.TaskID, limits Limits) (*Telemetry, error) {
	task, err := a.Task(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, abort(AbortUnrecognizedTask, &taskID, "unknown task")
	}
	if err != nil {
		return nil, err
	}
	if task.Role != reporttypes.RoleLeader {
		return nil, abort(AbortUnrecognizedTask, &taskID, "task is not served as leader")
	}
	if a.peer == nil {
		return nil, fmt.Errorf("task %s: no helper to aggregate with", taskID)
	}
	limits = limits.withDefaults()

	p := &processRun{task: task, limits: limits, telemetry: &Telemetry{}}
	resumed, err := a.resumeJobs(ctx, task, limits.MaxJobs)
	if err != nil {
		return p.telemetry, err
	}
	g := new(errgroup.Group)
	g.SetLimit(a.parallelism)
	for _, job := range resumed {
		job := job
		g.Go(func() error {
			p.record(a.runJob(ctx, task, job))
			return nil
		})
	}
	g.Wait()

	if remaining := limits.MaxJobs - len(resumed); remaining > 0 {
		if task.QueryType == reporttypes.QueryTypeFixedSize {
			a.drainPool(ctx, p, remaining)
		} else {
			a.drainTimeBuckets(ctx, p, remaining)
		}
	}

	collected, err := a.completeCollections(ctx, task)
	p.telemetry.ReportsCollected += collected
	p.record(0, 0, err)

	log.V(1).Infof("task %s: processed %+v", taskID, *p.telemetry)
	return p.telemetry, errors.Join(p.errs...)
}

// processRun accumulates the results of the jobs of one ProcessTask call.
type processRun struct {
	task   *taskconfig.Task
	limits Limits

	mu        sync.Mutex
	telemetry *Telemetry
	errs      []error
}

func (p *processRun) record(processed, aggregated uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.telemetry.ReportsProcessed += processed
	p.telemetry.ReportsAggregated += aggregated
	if err != nil {
		log.Errorf("task %s: %v", p.task.ID, err)
		p.errs = append(p.errs, err)
	}
}

// drainPool runs the jobs of a fixed-size task one after the other, since each one may close the
// pool into a batch.
func (a *Aggregator) drainPool(ctx context.Context, p *processRun, jobs int) {
	for i := 0; i < jobs; i++ {
		job, _, err := a.claim(ctx, p.task, poolBucket, p.limits.MaxReportsPerJob)
		if err != nil {
			p.record(0, 0, err)
			return
		}
		if job == nil {
			return
		}
		processed, aggregated, err := a.runJob(ctx, p.task, job)
		p.record(processed, aggregated, err)
		if err != nil {
			return
		}
	}
}

// drainTimeBuckets runs one job on each of the first buckets with pending reports, in parallel.
func (a *Aggregator) drainTimeBuckets(ctx context.Context, p *processRun, jobs int) {
	task := p.task
	recs, err := a.scanBuckets(ctx, task.ID)
	if err != nil {
		p.record(0, 0, err)
		return
	}
	ledger, err := a.readLedger(ctx, task.ID)
	if err != nil {
		p.record(0, 0, err)
		return
	}
	type candidate struct {
		name   string
		wanted bool
	}
	var candidates []candidate
	for _, r := range recs {
		index, ok := timeBucketIndex(r.Name)
		if !ok || r.pending() == 0 {
			continue
		}
		candidates = append(candidates, candidate{name: r.Name, wanted: ledger.awaiting(index * task.TimePrecision)})
	}
	// Bucket names sort in time order.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].wanted != candidates[j].wanted {
			return candidates[i].wanted
		}
		return candidates[i].name < candidates[j].name
	})
	if len(candidates) > jobs {
		candidates = candidates[:jobs]
	}

	g := new(errgroup.Group)
	g.SetLimit(a.parallelism)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			job, rejected, err := a.claim(ctx, task, c.name, p.limits.MaxReportsPerJob)
			if err != nil || job == nil {
				p.record(rejected, 0, err)
				return nil
			}
			p.record(a.runJob(ctx, task, job))
			return nil
		})
	}
	g.Wait()
}

func (a *Aggregator) readLedger(ctx context.Context, taskID reporttypes.TaskID) (*batchLedger, error) {
	l := &batchLedger{}
	b, err := a.store.Get(ctx, batchesKey(taskID))
	if errors.Is(err, storage.ErrNotFound) {
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	return l, decodeRecord(batchesKey(taskID), b, l)
}

// resumeJobs takes over the aggregation jobs whose lease expired, renewing their lease.
func (a *Aggregator) resumeJobs(ctx context.Context, task *taskconfig.Task, max int) ([]*aggregationJobRecord, error) {
	now := a.now().Unix()
	var expired []reporttypes.AggregationJobID
	err := a.store.Scan(ctx, aggregationJobPrefix(task.ID), 0, func(key string, value []byte) error {
		job := &aggregationJobRecord{}
		if err := decodeRecord(key, value, job); err != nil {
			return err
		}
		if job.Lease <= now && len(expired) < max {
			expired = append(expired, job.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var jobs []*aggregationJobRecord
	for _, id := range expired {
		var job *aggregationJobRecord
		err := a.update(ctx, func(txn storage.Txn) error {
			job = nil
			stored := &aggregationJobRecord{}
			found, err := getRecord(txn, aggregationJobKey(task.ID, id), stored)
			if err != nil || !found || stored.Lease > now {
				return err
			}
			stored.Lease = a.now().Add(a.lease).Unix()
			job = stored
			return setRecord(txn, aggregationJobKey(task.ID, id), stored)
		})
		if err != nil {
			return jobs, err
		}
		if job != nil {
			log.Infof("task %s: resuming aggregation job %s", task.ID, id)
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// claim moves up to maxReports pending reports of a bucket into a new aggregation job. Reports of
// a time slice that was collected in the meantime are rejected instead, and counted in the second
// return value. The job is nil when nothing was claimed.
func (a *Aggregator) claim(ctx context.Context, task *taskconfig.Task, bucket string, maxReports int) (*aggregationJobRecord, uint64, error) {
	var keys []string
	err := a.store.Scan(ctx, pendingBucketPrefix(task.ID, bucket), maxReports, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil || len(keys) == 0 {
		return nil, 0, err
	}

	var (
		job      *aggregationJobRecord
		rejected uint64
	)
	err = a.update(ctx, func(txn storage.Txn) error {
		job, rejected = nil, 0
		b, err := getBucket(txn, task.ID, bucket)
		if err != nil {
			return err
		}
		n := uint64(maxReports)
		if bucket == poolBucket {
			// A batch takes exactly the reports it needs to reach the minimum size.
			if b.Aggregated+b.InFlight >= task.MinBatchSize {
				return nil
			}
			if room := task.MinBatchSize - b.Aggregated - b.InFlight; room < n {
				n = room
			}
		}
		var reports []pendingReport
		for _, key := range keys {
			if uint64(len(reports)) >= n {
				break
			}
			var p pendingReport
			found, err := getRecord(txn, key, &p)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			txn.Delete(key)
			reports = append(reports, p)
		}
		if len(reports) == 0 {
			return nil
		}

		if task.QueryType == reporttypes.QueryTypeTimeInterval {
			ledger, err := getLedger(txn, task.ID)
			if err != nil {
				return err
			}
			if b.Collected || ledger.collectedAt(task.Quantize(reports[0].Metadata.Time)) {
				for _, p := range reports {
					if err := setReportState(txn, task.ID, p.Metadata.ID, reportRejected, ""); err != nil {
						return err
					}
				}
				rejected = uint64(len(reports))
				b.Rejected += rejected
				return putBucket(txn, task.ID, b)
			}
		}

		b.InFlight += uint64(len(reports))
		job = &aggregationJobRecord{
			ID:      reporttypes.AggregationJobID(uuid.New()),
			Bucket:  bucket,
			BatchID: b.BatchID,
			Reports: reports,
			Lease:   a.now().Add(a.lease).Unix(),
		}
		if err := setRecord(txn, aggregationJobKey(task.ID, job.ID), job); err != nil {
			return err
		}
		return putBucket(txn, task.ID, b)
	})
	if err != nil {
		return nil, 0, err
	}
	if rejected > 0 {
		a.metrics.ReportsInc(string(AbortReportRejected), rejected)
	}
	return job, rejected, nil
}

func setReportState(txn storage.Txn, taskID reporttypes.TaskID, id reporttypes.ReportID, state reportState, bucket string) error {
	rec := &reportRecord{}
	found, err := getRecord(txn, reportKey(taskID, id), rec)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("task %s: no ledger entry for report %s", taskID, id)
	}
	rec.State = state
	if bucket != "" {
		rec.Bucket = bucket
	}
	return setRecord(txn, reportKey(taskID, id), rec)
}

// prepare decrypts an input share and turns it into an encoded output share.
func (a *Aggregator) prepare(task *taskconfig.Task, md *reporttypes.ReportMetadata, publicShare []byte, ct *reporttypes.HpkeCiphertext, receiver reporttypes.Role) ([]byte, error) {
	info, err := reporttypes.InputShareInfo(task.ID, md, publicShare, receiver)
	if err != nil {
		return nil, err
	}
	inputShare, err := a.keyring.Decrypt(ct, info)
	if err != nil {
		return nil, err
	}
	out, err := task.Vdaf.Prepare(inputShare)
	if err != nil {
		return nil, err
	}
	return secretshare.EncodeShare(out), nil
}

// runJob aggregates the reports of a claimed job with the Helper and records the outcome. When the
// Helper cannot be reached, the job is released for the next process call.
func (a *Aggregator) runJob(ctx context.Context, task *taskconfig.Task, job *aggregationJobRecord) (processed, aggregated uint64, err error) {
	a.metrics.AggregationJobStarted()
	defer a.metrics.AggregationJobDone()

	outShares := make(map[reporttypes.ReportID][]byte)
	req := &reporttypes.AggregateReq{
		JobID:             job.ID,
		PartBatchSelector: reporttypes.PartialBatchSelector{Type: task.QueryType, BatchID: job.BatchID},
	}
	for i := range job.Reports {
		p := &job.Reports[i]
		share, err := a.prepare(task, &p.Metadata, p.PublicShare, &p.LeaderShare, reporttypes.RoleLeader)
		if err != nil {
			log.V(1).Infof("task %s: rejecting report %s: %v", task.ID, p.Metadata.ID, err)
			continue
		}
		outShares[p.Metadata.ID] = share
		req.ReportShares = append(req.ReportShares, reporttypes.ReportShare{
			Metadata:            p.Metadata,
			PublicShare:         p.PublicShare,
			EncryptedInputShare: p.HelperShare,
		})
	}

	finished := make(map[reporttypes.ReportID]bool)
	if len(req.ReportShares) > 0 {
		resp, err := a.peer.Aggregate(ctx, task, req)
		if err != nil {
			if rerr := a.releaseJob(ctx, task.ID, job.ID); rerr != nil {
				log.Errorf("task %s: release aggregation job %s: %v", task.ID, job.ID, rerr)
			}
			return 0, 0, fmt.Errorf("aggregation job %s: %w", job.ID, err)
		}
		for _, tr := range resp.Transitions {
			if tr.Status == reporttypes.TransitionFinished {
				finished[tr.ReportID] = true
			}
		}
	}

	aggregated, err = a.finalizeJob(ctx, task, job, outShares, finished)
	if err != nil {
		return 0, 0, fmt.Errorf("aggregation job %s: %w", job.ID, err)
	}
	return uint64(len(job.Reports)), aggregated, nil
}

// releaseJob expires the lease of a job so that the next process call resumes it.
func (a *Aggregator) releaseJob(ctx context.Context, taskID reporttypes.TaskID, id reporttypes.AggregationJobID) error {
	return a.update(ctx, func(txn storage.Txn) error {
		job := &aggregationJobRecord{}
		found, err := getRecord(txn, aggregationJobKey(taskID, id), job)
		if err != nil || !found {
			return err
		}
		job.Lease = 0
		return setRecord(txn, aggregationJobKey(taskID, id), job)
	})
}

// finalizeJob records the outcome of a job in its bucket and the ledger, and closes the pool of a
// fixed-size task once it holds a full batch. A report is aggregated when both aggregators
// prepared it, unless its bucket was collected while the job ran.
func (a *Aggregator) finalizeJob(ctx context.Context, task *taskconfig.Task, job *aggregationJobRecord, outShares map[reporttypes.ReportID][]byte, finished map[reporttypes.ReportID]bool) (uint64, error) {
	var aggregated, rejected uint64
	err := a.update(ctx, func(txn storage.Txn) error {
		aggregated, rejected = 0, 0
		stored := &aggregationJobRecord{}
		found, err := getRecord(txn, aggregationJobKey(task.ID, job.ID), stored)
		if err != nil || !found {
			// Finalized by another process.
			return err
		}
		b, err := getBucket(txn, task.ID, stored.Bucket)
		if err != nil {
			return err
		}
		b.InFlight -= uint64(len(stored.Reports))

		collected := b.Collected
		if task.QueryType == reporttypes.QueryTypeTimeInterval && len(stored.Reports) > 0 {
			ledger, err := getLedger(txn, task.ID)
			if err != nil {
				return err
			}
			collected = collected || ledger.collectedAt(task.Quantize(stored.Reports[0].Metadata.Time))
		}
		reportBucket := ""
		if stored.Bucket == poolBucket {
			if b.BatchID != stored.BatchID {
				return fmt.Errorf("pool batch %s does not match the job batch %s", b.BatchID, stored.BatchID)
			}
			reportBucket = fixedBucketName(stored.BatchID)
		}

		var (
			times  []uint64
			shares [][]byte
		)
		for _, p := range stored.Reports {
			id := p.Metadata.ID
			state := reportRejected
			if share, ok := outShares[id]; ok && finished[id] && !collected {
				state = reportAggregated
				times = append(times, p.Metadata.Time)
				shares = append(shares, share)
			} else {
				rejected++
			}
			if err := setReportState(txn, task.ID, id, state, reportBucket); err != nil {
				return err
			}
		}
		aggregated = uint64(len(times))
		if err := markAggregated(b, times, shares, rejected); err != nil {
			return err
		}
		txn.Delete(aggregationJobKey(task.ID, job.ID))
		if stored.Bucket == poolBucket && b.Aggregated >= task.MinBatchSize {
			if _, err := closePool(txn, task, b); err != nil {
				return err
			}
		}
		return putBucket(txn, task.ID, b)
	})
	if err != nil {
		return 0, err
	}
	a.metrics.ReportsInc(metrics.ReportAggregated, aggregated)
	a.metrics.ReportsInc(string(AbortReportRejected), rejected)
	return aggregated, nil
}
