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
	"time"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

// CollectionJobStatus describes a collection job to observers.
type CollectionJobStatus struct {
	TaskID    reporttypes.TaskID
	JobID     reporttypes.CollectionJobID
	Version   reporttypes.Version
	QueryType reporttypes.QueryType
	// BatchID is set for fixed-size jobs.
	BatchID reporttypes.BatchID
	// BatchInterval is set for time-interval jobs.
	BatchInterval reporttypes.Interval
	Created       time.Time
	Complete      bool
	ReportCount   uint64
	// Result is the encoded Collection of a complete job.
	Result []byte
}

// JobObserver is told about collection job transitions. Notifications are best effort: they are
// sent after the transition commits and their errors are only logged.
type JobObserver interface {
	CollectionJobCreated(ctx context.Context, status *CollectionJobStatus) error
	CollectionJobCompleted(ctx context.Context, status *CollectionJobStatus) error
}

func (j *collectionJobRecord) status(taskID reporttypes.TaskID) *CollectionJobStatus {
	return &CollectionJobStatus{
		TaskID:        taskID,
		JobID:         j.ID,
		Version:       j.Version,
		QueryType:     j.Query.Type,
		BatchID:       j.BatchID,
		BatchInterval: j.Query.BatchInterval,
		Created:       time.Unix(j.Created, 0).UTC(),
		Complete:      j.State == jobComplete,
		ReportCount:   j.ReportCount,
		Result:        j.Result,
	}
}

func (a *Aggregator) notifyCreated(ctx context.Context, status *CollectionJobStatus) {
	for _, o := range a.observers {
		if err := o.CollectionJobCreated(ctx, status); err != nil {
			log.Errorf("notify creation of collection job %s: %v", status.JobID, err)
		}
	}
}

func (a *Aggregator) notifyCompleted(ctx context.Context, status *CollectionJobStatus) {
	for _, o := range a.observers {
		if err := o.CollectionJobCompleted(ctx, status); err != nil {
			log.Errorf("notify completion of collection job %s: %v", status.JobID, err)
		}
	}
}
