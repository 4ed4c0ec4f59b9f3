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

package aggregatorservice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	log "github.com/golang/glog"
	"golang.org/x/time/rate"
	"github.com/google/privacy-sandbox-dap-aggregator/service/aggregator"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/utils"
)

func runProcess(ctx context.Context, a *aggregator.Aggregator, req *ProcessRequest) (*aggregator.Telemetry, error) {
	if req.TaskID != nil {
		return a.ProcessTask(ctx, *req.TaskID, req.Limits)
	}
	return a.Process(ctx, req.Limits)
}

// ProcessTrigger runs process calls requested by PubSub messages, each a JSON ProcessRequest.
type ProcessTrigger struct {
	Aggregator   *aggregator.Aggregator
	Subscription *pubsub.Subscription
}

// Run receives messages until ctx is done. A message is acked once its process call succeeds and
// nacked otherwise, so failed calls are redelivered.
func (t *ProcessTrigger) Run(ctx context.Context) error {
	sub := t.Subscription
	// One process call at a time; each one already runs its aggregation jobs in parallel.
	sub.ReceiveSettings.Synchronous = true
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.MaxExtension = time.Hour
	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		req := &ProcessRequest{}
		if err := json.Unmarshal(msg.Data, req); err != nil {
			log.Errorf("malformed process request %q: %v", msg.Data, err)
			msg.Nack()
			return
		}
		tel, err := runProcess(ctx, t.Aggregator, req)
		if err != nil {
			log.Error(err)
			msg.Nack()
			return
		}
		log.Infof("processed %d reports, aggregated %d, collected %d", tel.ReportsProcessed, tel.ReportsAggregated, tel.ReportsCollected)
		msg.Ack()
	})
}

// DrainLoop processes all the Leader tasks repeatedly, as fast as Limiter allows.
type DrainLoop struct {
	Aggregator *aggregator.Aggregator
	Limits     aggregator.Limits
	Limiter    *rate.Limiter
}

// Run loops until ctx is done and returns the context error. Failed process calls are logged and
// retried on the next iteration.
func (d *DrainLoop) Run(ctx context.Context) error {
	req := &ProcessRequest{Limits: d.Limits}
	for {
		if err := d.Limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		tel, err := runProcess(ctx, d.Aggregator, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Errorf("drain: %v", err)
			continue
		}
		if tel.ReportsProcessed > 0 || tel.ReportsCollected > 0 {
			log.V(1).Infof("drain: processed %d reports, collected %d", tel.ReportsProcessed, tel.ReportsCollected)
		}
	}
}

// ResultExporter writes every completed collection to a local or GCS directory, as
// "<task ID>_<collection job ID>.collection".
type ResultExporter struct {
	Dir string
}

// ResultFile returns the file the collection of a job is written to.
func (e *ResultExporter) ResultFile(status *aggregator.CollectionJobStatus) string {
	return utils.JoinPath(e.Dir, fmt.Sprintf("%s_%s.collection", status.TaskID, status.JobID))
}

// CollectionJobCreated implements aggregator.JobObserver.
func (e *ResultExporter) CollectionJobCreated(context.Context, *aggregator.CollectionJobStatus) error {
	return nil
}

// CollectionJobCompleted implements aggregator.JobObserver.
func (e *ResultExporter) CollectionJobCompleted(ctx context.Context, status *aggregator.CollectionJobStatus) error {
	return utils.WriteObject(ctx, status.Result, e.ResultFile(status), mediaCollection)
}
