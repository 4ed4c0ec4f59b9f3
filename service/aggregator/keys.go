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
	"fmt"
	"strconv"
	"strings"

	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

// Store layout. Every key of a task lives under "task/<task ID>/" so the state of one task can be
// scanned without touching other tasks.
//
//	taskconfig/<task>                          task configuration (JSON)
//	task/<task>/report/<report>                report ledger entry
//	task/<task>/pending/<bucket>/<report>      report waiting for aggregation
//	task/<task>/bucket/<bucket>                bucket accounting
//	task/<task>/batches                        time-interval collection reservations
//	task/<task>/bucket_epoch                   changes whenever a time-interval bucket is created
//	task/<task>/collection_job/<job>           collection job
//	task/<task>/aggregation_job/<job>          claimed aggregation job
//	task/<task>/helper_job/<job>               cached helper aggregation response
//	task/<task>/helper_share/<job>             cached helper aggregate share response
const (
	taskConfigPrefix  = "taskconfig/"
	poolBucket        = "pool"
	timeBucketPrefix  = "ti-"
	fixedBucketPrefix = "fs-"
)

func taskConfigKey(id reporttypes.TaskID) string {
	return taskConfigPrefix + id.String()
}

func taskPrefix(id reporttypes.TaskID) string {
	return "task/" + id.String() + "/"
}

func reportKey(task reporttypes.TaskID, report reporttypes.ReportID) string {
	return taskPrefix(task) + "report/" + report.String()
}

func pendingBucketPrefix(task reporttypes.TaskID, bucket string) string {
	return taskPrefix(task) + "pending/" + bucket + "/"
}

func pendingKey(task reporttypes.TaskID, bucket string, report reporttypes.ReportID) string {
	return pendingBucketPrefix(task, bucket) + report.String()
}

func bucketPrefix(task reporttypes.TaskID) string {
	return taskPrefix(task) + "bucket/"
}

func bucketKey(task reporttypes.TaskID, bucket string) string {
	return bucketPrefix(task) + bucket
}

func batchesKey(task reporttypes.TaskID) string {
	return taskPrefix(task) + "batches"
}

func bucketEpochKey(task reporttypes.TaskID) string {
	return taskPrefix(task) + "bucket_epoch"
}

func collectionJobPrefix(task reporttypes.TaskID) string {
	return taskPrefix(task) + "collection_job/"
}

func collectionJobKey(task reporttypes.TaskID, job reporttypes.CollectionJobID) string {
	return collectionJobPrefix(task) + job.String()
}

func aggregationJobPrefix(task reporttypes.TaskID) string {
	return taskPrefix(task) + "aggregation_job/"
}

func aggregationJobKey(task reporttypes.TaskID, job reporttypes.AggregationJobID) string {
	return aggregationJobPrefix(task) + job.String()
}

func helperJobKey(task reporttypes.TaskID, job reporttypes.AggregationJobID) string {
	return taskPrefix(task) + "helper_job/" + job.String()
}

func helperShareKey(task reporttypes.TaskID, job reporttypes.CollectionJobID) string {
	return taskPrefix(task) + "helper_share/" + job.String()
}

// timeBucketName names the time-interval bucket with the given slice index. Names sort in time order.
func timeBucketName(index uint64) string {
	return fmt.Sprintf("%s%020d", timeBucketPrefix, index)
}

// timeBucketIndex parses the slice index of a time-interval bucket name.
func timeBucketIndex(name string) (uint64, bool) {
	if !strings.HasPrefix(name, timeBucketPrefix) {
		return 0, false
	}
	index, err := strconv.ParseUint(strings.TrimPrefix(name, timeBucketPrefix), 10, 64)
	return index, err == nil
}

func fixedBucketName(id reporttypes.BatchID) string {
	return fixedBucketPrefix + id.String()
}
