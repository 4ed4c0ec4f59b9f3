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

// Package jobmonitor mirrors the collection jobs of a Leader into Firestore.
package jobmonitor

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/privacy-sandbox-dap-aggregator/service/aggregator"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

// Job status values.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
)

// CollectionJob is the Firestore document of a collection job.
type CollectionJob struct {
	TaskID    string    `firestore:"task_id,omitempty"`
	JobID     string    `firestore:"job_id,omitempty"`
	Version   string    `firestore:"version,omitempty"`
	QueryType string    `firestore:"query_type,omitempty"`
	BatchID   string    `firestore:"batch_id,omitempty"`
	Start     int64     `firestore:"interval_start,omitempty"`
	Duration  int64     `firestore:"interval_duration,omitempty"`
	Status    string    `firestore:"status,omitempty"`
	Reports   int64     `firestore:"report_count,omitempty"`
	Created   time.Time `firestore:"created,omitempty"`
	Updated   time.Time `firestore:"updated,omitempty"`
	// Result is the base64url encoded Collection of a complete job.
	Result string `firestore:"result,omitempty"`
}

// DocID returns the document ID of a collection job.
func DocID(taskID reporttypes.TaskID, jobID reporttypes.CollectionJobID) string {
	return fmt.Sprintf("%s_%s", taskID, jobID)
}

func document(status *aggregator.CollectionJobStatus, updated time.Time) *CollectionJob {
	job := &CollectionJob{
		TaskID:    status.TaskID.String(),
		JobID:     status.JobID.String(),
		Version:   status.Version.String(),
		QueryType: status.QueryType.String(),
		Status:    StatusPending,
		Reports:   int64(status.ReportCount),
		Created:   status.Created,
		Updated:   updated,
	}
	if status.QueryType == reporttypes.QueryTypeFixedSize {
		job.BatchID = status.BatchID.String()
	} else {
		job.Start = int64(status.BatchInterval.Start)
		job.Duration = int64(status.BatchInterval.Duration)
	}
	if status.Complete {
		job.Status = StatusComplete
		job.Result = base64.RawURLEncoding.EncodeToString(status.Result)
	}
	return job
}

// Monitor is an aggregator.JobObserver writing one document per collection job under Path.
type Monitor struct {
	Client *firestore.Client
	Path   string
	Now    func() time.Time
}

func (m *Monitor) write(ctx context.Context, status *aggregator.CollectionJobStatus) error {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	_, err := m.Client.Collection(m.Path).Doc(DocID(status.TaskID, status.JobID)).Set(ctx, document(status, now().UTC()))
	return err
}

// CollectionJobCreated implements aggregator.JobObserver.
func (m *Monitor) CollectionJobCreated(ctx context.Context, status *aggregator.CollectionJobStatus) error {
	return m.write(ctx, status)
}

// CollectionJobCompleted implements aggregator.JobObserver.
func (m *Monitor) CollectionJobCompleted(ctx context.Context, status *aggregator.CollectionJobStatus) error {
	return m.write(ctx, status)
}

// ReadJob reads the document of a collection job.
func ReadJob(ctx context.Context, client *firestore.Client, path string, taskID reporttypes.TaskID, jobID reporttypes.CollectionJobID) (*CollectionJob, error) {
	snap, err := client.Collection(path).Doc(DocID(taskID, jobID)).Get(ctx)
	if err != nil {
		return nil, err
	}
	job := &CollectionJob{}
	if err := snap.DataTo(job); err != nil {
		return nil, err
	}
	return job, nil
}
