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

// This binary plays the client and the collector of a DAP task against a Leader.
//
// Modes:
//	upload   encrypts the measurements in -reports_file and uploads them
//	collect  submits a collect request, polls the job and decrypts the result
//	process  asks the Leader to aggregate, over HTTP or through -pubsub_topic
//	status   reads the Firestore document of a collection job
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/cryptoio"
	"github.com/google/privacy-sandbox-dap-aggregator/report/reportutils"
	"github.com/google/privacy-sandbox-dap-aggregator/service/aggregator"
	"github.com/google/privacy-sandbox-dap-aggregator/service/aggregatorservice"
	"github.com/google/privacy-sandbox-dap-aggregator/service/jobmonitor"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/utils"
)

var (
	mode      = flag.String("mode", "", "One of upload, collect, process or status.")
	tasksURI  = flag.String("tasks_uri", "", "JSON list of tasks holding the task to use.")
	taskIDStr = flag.String("task_id", "", "Base64url ID of the task.")
	leaderURL = flag.String("leader_url", "", "Root URL of the Leader; defaults to the leader URL of the task.")
	retryMax  = flag.Int("retry_max", 3, "Retries of failed requests.")

	reportsFile = flag.String("reports_file", "", "Measurements to upload, one \"<time>,<value>\" per line.")

	batchStart       = flag.Uint64("batch_start", 0, "Start of the batch interval of a time-interval query.")
	batchDuration    = flag.Uint64("batch_duration", 0, "Duration of the batch interval of a time-interval query.")
	batchIDStr       = flag.String("batch_id", "", "Batch of a fixed-size query; empty queries the current batch.")
	collectorKeyring = flag.String("collector_keyring_uri", "", "Keyring of the collector, written by create_hpke_keys.")
	pollInterval     = flag.Duration("poll_interval", 5*time.Second, "Time between polls of a collection job.")
	pollTimeout      = flag.Duration("poll_timeout", 10*time.Minute, "Time to wait for a collection job.")
	resultFile       = flag.String("result_file", "", "Output file for the encoded collection.")
	maxAggJobs       = flag.Int("max_agg_jobs", 0, "Aggregation jobs per task of a process request; zero uses the Leader default.")
	maxReports       = flag.Int("max_reports", 0, "Reports per aggregation job of a process request; zero uses the Leader default.")
	pubsubTopic      = flag.String("pubsub_topic", "", "Fully qualified PubSub topic receiving process requests; empty calls the Leader.")
	firestoreProject = flag.String("firestore_project", "", "Project of the Firestore mirror of collection jobs.")
	firestorePath    = flag.String("firestore_path", "dap-collection-jobs", "Firestore collection of the collection jobs.")
	collectionJobID  = flag.String("collection_job_id", "", "Base64url ID of the collection job to read in status mode.")
)

func readTask(ctx context.Context) (*taskconfig.Task, error) {
	id, err := reporttypes.ParseTaskID(*taskIDStr)
	if err != nil {
		return nil, fmt.Errorf("task_id: %w", err)
	}
	tasks, err := taskconfig.ReadTasks(ctx, *tasksURI)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("task %s not found in %s", id, *tasksURI)
}

func newClient(task *taskconfig.Task) *aggregatorservice.Client {
	u := *leaderURL
	if u == "" {
		u = task.LeaderURL
	}
	c := aggregatorservice.NewClient(u, task.Version)
	c.HTTP.RetryMax = *retryMax
	c.AuthToken = task.CollectorAuthToken
	return c
}

func upload(ctx context.Context, task *taskconfig.Task) error {
	c := newClient(task)
	leaderConfig, err := c.HpkeConfig(ctx)
	if err != nil {
		return fmt.Errorf("leader HPKE config: %w", err)
	}
	helperConfig, err := aggregatorservice.NewClient(task.HelperURL, task.Version).HpkeConfig(ctx)
	if err != nil {
		return fmt.Errorf("helper HPKE config: %w", err)
	}
	raws, err := reportutils.ReadRawReports(ctx, *reportsFile)
	if err != nil {
		return err
	}
	params := &reportutils.GenerateReportParams{
		Version:      task.Version,
		TaskID:       task.ID,
		Vdaf:         task.Vdaf,
		LeaderConfig: *leaderConfig,
		HelperConfig: *helperConfig,
	}
	for i, raw := range raws {
		report, err := reportutils.GenerateReport(params, raw.Value, raw.Time)
		if err != nil {
			return fmt.Errorf("report %d: %w", i, err)
		}
		if err := c.Upload(ctx, task.ID, report); err != nil {
			return fmt.Errorf("upload report %d: %w", i, err)
		}
	}
	log.Infof("uploaded %d reports to task %s", len(raws), task.ID)
	return nil
}

func query(task *taskconfig.Task) (*reporttypes.Query, error) {
	q := &reporttypes.Query{Type: task.QueryType}
	if task.QueryType == reporttypes.QueryTypeTimeInterval {
		q.BatchInterval = reporttypes.Interval{Start: *batchStart, Duration: *batchDuration}
		return q, nil
	}
	if *batchIDStr == "" {
		q.CurrentBatch = true
		return q, nil
	}
	id, err := reporttypes.ParseBatchID(*batchIDStr)
	if err != nil {
		return nil, fmt.Errorf("batch_id: %w", err)
	}
	q.BatchID = id
	return q, nil
}

func collect(ctx context.Context, task *taskconfig.Task) error {
	keyring, err := cryptoio.ReadKeyring(ctx, *collectorKeyring)
	if err != nil {
		return err
	}
	q, err := query(task)
	if err != nil {
		return err
	}
	c := newClient(task)
	jobURL, err := c.Collect(ctx, task.ID, &reporttypes.CollectionReq{TaskID: task.ID, Query: *q})
	if err != nil {
		return err
	}
	log.Infof("collection job %s", jobURL)

	pctx, cancel := context.WithTimeout(ctx, *pollTimeout)
	defer cancel()
	var result []byte
	for {
		if result, err = c.Poll(pctx, jobURL); err != nil {
			return err
		}
		if result != nil {
			break
		}
		select {
		case <-pctx.Done():
			return fmt.Errorf("collection job %s not ready: %w", jobURL, pctx.Err())
		case <-time.After(*pollInterval):
		}
	}
	if *resultFile != "" {
		if err := utils.WriteBytes(ctx, result, *resultFile); err != nil {
			return err
		}
	}
	collection, err := reporttypes.DecodeCollection(task.Version, result)
	if err != nil {
		return err
	}
	value, err := reportutils.DecryptCollection(keyring, task.ID, task.Vdaf, reportutils.BatchSelectorForCollection(q, collection), collection)
	if err != nil {
		return err
	}
	fmt.Printf("reports: %d\nresult: %s\n", collection.ReportCount, value)
	return nil
}

func process(ctx context.Context, task *taskconfig.Task) error {
	req := &aggregatorservice.ProcessRequest{
		TaskID: &task.ID,
		Limits: aggregator.Limits{MaxJobs: *maxAggJobs, MaxReportsPerJob: *maxReports},
	}
	if *pubsubTopic != "" {
		projectID, topic, err := utils.ParsePubSubResourceName(*pubsubTopic)
		if err != nil {
			return err
		}
		client, err := pubsub.NewClient(ctx, projectID)
		if err != nil {
			return err
		}
		defer client.Close()
		return utils.PublishRequest(ctx, client, topic, req)
	}
	tel, err := newClient(task).Process(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("processed: %d\naggregated: %d\ncollected: %d\n", tel.ReportsProcessed, tel.ReportsAggregated, tel.ReportsCollected)
	return nil
}

func status(ctx context.Context, task *taskconfig.Task) error {
	jobID, err := reporttypes.ParseCollectionJobID(*collectionJobID)
	if err != nil {
		return fmt.Errorf("collection_job_id: %w", err)
	}
	client, err := firestore.NewClient(ctx, *firestoreProject)
	if err != nil {
		return err
	}
	defer client.Close()
	job, err := jobmonitor.ReadJob(ctx, client, *firestorePath, task.ID, jobID)
	if err != nil {
		return err
	}
	fmt.Printf("status: %s\nreports: %d\ncreated: %s\nupdated: %s\n", job.Status, job.Reports, job.Created, job.Updated)
	return nil
}

func main() {
	flag.Parse()

	ctx := context.Background()
	task, err := readTask(ctx)
	if err != nil {
		log.Exit(err)
	}
	modes := map[string]func(context.Context, *taskconfig.Task) error{
		"upload":  upload,
		"collect": collect,
		"process": process,
		"status":  status,
	}
	run, ok := modes[*mode]
	if !ok {
		log.Exitf("unknown mode %q", *mode)
	}
	if err := run(ctx, task); err != nil {
		log.Exit(err)
	}
}
