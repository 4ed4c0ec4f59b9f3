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

package jobmonitor

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-dap-aggregator/service/aggregator"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

func TestDocument(t *testing.T) {
	created := time.Unix(1700000000, 0).UTC()
	updated := created.Add(time.Minute)
	taskID := reporttypes.TaskID{1}
	jobID := reporttypes.CollectionJobID{2}

	for _, tc := range []struct {
		desc   string
		status *aggregator.CollectionJobStatus
		want   *CollectionJob
	}{
		{
			desc: "pending time interval",
			status: &aggregator.CollectionJobStatus{
				TaskID:        taskID,
				JobID:         jobID,
				Version:       reporttypes.Draft04,
				QueryType:     reporttypes.QueryTypeTimeInterval,
				BatchInterval: reporttypes.Interval{Start: 1699999200, Duration: 3600},
				Created:       created,
			},
			want: &CollectionJob{
				TaskID:    taskID.String(),
				JobID:     jobID.String(),
				Version:   "v04",
				QueryType: "time_interval",
				Start:     1699999200,
				Duration:  3600,
				Status:    StatusPending,
				Created:   created,
				Updated:   updated,
			},
		},
		{
			desc: "complete fixed size",
			status: &aggregator.CollectionJobStatus{
				TaskID:      taskID,
				JobID:       jobID,
				Version:     reporttypes.Draft02,
				QueryType:   reporttypes.QueryTypeFixedSize,
				BatchID:     reporttypes.BatchID{3},
				Created:     created,
				Complete:    true,
				ReportCount: 12,
				Result:      []byte{0xfb, 0xff},
			},
			want: &CollectionJob{
				TaskID:    taskID.String(),
				JobID:     jobID.String(),
				Version:   "v02",
				QueryType: "fixed_size",
				BatchID:   reporttypes.BatchID{3}.String(),
				Status:    StatusComplete,
				Reports:   12,
				Created:   created,
				Updated:   updated,
				Result:    "-_8",
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, document(tc.status, updated)); diff != "" {
				t.Errorf("document mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDocID(t *testing.T) {
	taskID, jobID := reporttypes.TaskID{1}, reporttypes.CollectionJobID{2}
	if got, want := DocID(taskID, jobID), taskID.String()+"_"+jobID.String(); got != want {
		t.Errorf("DocID() = %q, want %q", got, want)
	}
}
