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
	"github.com/google/privacy-sandbox-dap-aggregator/service/metrics"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskprov"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/storage"
)

// SubmitReport validates an uploaded report and stores it for aggregation.
//
// pathTaskID is the task named by the request path; it is nil for versions carrying the task ID
// in the report. Client errors are returned as *Abort.
func (a *Aggregator) SubmitReport(ctx context.Context, v reporttypes.Version, pathTaskID *reporttypes.TaskID, body []byte) error {
	err := a.submitReport(ctx, v, pathTaskID, body)
	if t := AbortTypeOf(err); t != "" {
		log.V(1).Info(err)
		a.metrics.ReportsInc(string(t), 1)
	} else if err == nil {
		a.metrics.ReportsInc(metrics.ReportAccepted, 1)
	}
	return err
}

func (a *Aggregator) submitReport(ctx context.Context, v reporttypes.Version, pathTaskID *reporttypes.TaskID, body []byte) error {
	report, err := reporttypes.DecodeReport(v, body)
	if err != nil {
		if pathTaskID == nil {
			return abort(AbortUnrecognizedMessage, nil, "%v", err)
		}
		// The task of a malformed report can only be resolved if it is stored.
		if _, terr := a.leaderTask(ctx, v, *pathTaskID); terr != nil {
			return terr
		}
		return abort(AbortUnrecognizedMessage, pathTaskID, "%v", err)
	}
	taskID := report.TaskID
	if pathTaskID != nil {
		taskID = *pathTaskID
	}
	md := &report.Metadata

	payloads := md.TaskprovPayloads()
	if len(payloads) > 1 {
		return abort(AbortUnrecognizedMessage, &taskID, "report carries %d taskprov extensions", len(payloads))
	}
	task, err := a.resolveTask(ctx, v, taskID, payloads, reporttypes.RoleLeader)
	if err != nil {
		return err
	}
	if task.Role != reporttypes.RoleLeader || task.Version != v {
		return abort(AbortUnrecognizedTask, &taskID, "task is not served as %s leader", v)
	}
	if task.Taskprov {
		if len(payloads) != 1 {
			return abort(AbortUnrecognizedMessage, &taskID, "report of a provisioned task carries no taskprov extension")
		}
		if taskprov.DeriveTaskID(payloads[0]) != taskID {
			return abort(AbortUnrecognizedTask, &taskID, "taskprov extension does not match the task")
		}
	}
	if n := len(report.EncryptedInputShares); n != 2 {
		return abort(AbortUnrecognizedMessage, &taskID, "expect 2 encrypted input shares, got %d", n)
	}
	if task.IsTooLate(md.Time) {
		return abort(AbortReportTooLate, &taskID, "report time %d is after the task expiration %d", md.Time, task.Expiration)
	}
	if !a.keyring.Has(report.EncryptedInputShares[0].ConfigID) {
		return abort(AbortReportRejected, &taskID, "unknown HPKE config %d", report.EncryptedInputShares[0].ConfigID)
	}

	pending := &pendingReport{
		Metadata:    *md,
		PublicShare: report.PublicShare,
		LeaderShare: report.EncryptedInputShares[0],
		HelperShare: report.EncryptedInputShares[1],
	}
	return a.update(ctx, func(txn storage.Txn) error {
		return recordReport(txn, task, pending)
	})
}

// recordReport checks a report against the ledger and stores it in its bucket.
func recordReport(txn storage.Txn, task *taskconfig.Task, pending *pendingReport) error {
	md := &pending.Metadata
	if err := storeProvisionedTask(txn, task); err != nil {
		return err
	}
	_, err := txn.Get(reportKey(task.ID, md.ID))
	if err == nil {
		return abort(AbortReportRejected, &task.ID, "report %s replayed", md.ID)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if task.QueryType == reporttypes.QueryTypeTimeInterval {
		ledger, err := getLedger(txn, task.ID)
		if err != nil {
			return err
		}
		if ledger.collectedAt(task.Quantize(md.Time)) {
			return abort(AbortReportRejected, &task.ID, "report %s falls into a collected batch", md.ID)
		}
	}

	bucket, err := assign(txn, task, md.Time)
	if err != nil {
		return err
	}
	if err := setRecord(txn, reportKey(task.ID, md.ID), &reportRecord{Time: md.Time, Bucket: bucket.Name, State: reportPending}); err != nil {
		return err
	}
	return setRecord(txn, pendingKey(task.ID, bucket.Name, md.ID), pending)
}

func getLedger(txn storage.Txn, taskID reporttypes.TaskID) (*batchLedger, error) {
	l := &batchLedger{}
	if _, err := getRecord(txn, batchesKey(taskID), l); err != nil {
		return nil, err
	}
	return l, nil
}
