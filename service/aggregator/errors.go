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
	"errors"
	"fmt"

	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

// AbortType is the machine-readable code of a protocol error.
type AbortType string

// Protocol error codes.
const (
	AbortReportRejected         AbortType = "reportRejected"
	AbortReportTooLate          AbortType = "reportTooLate"
	AbortUnrecognizedTask       AbortType = "unrecognizedTask"
	AbortUnrecognizedMessage    AbortType = "unrecognizedMessage"
	AbortInvalidTask            AbortType = "invalidTask"
	AbortBatchInvalid           AbortType = "batchInvalid"
	AbortBatchOverlap           AbortType = "batchOverlap"
	AbortBatchMismatch          AbortType = "batchMismatch"
	AbortUnrecognizedCollectJob AbortType = "unrecognizedCollectJob"
	AbortUnauthorizedRequest    AbortType = "unauthorizedRequest"
)

// Abort is a client input error, reported to the caller with its code and never retried.
type Abort struct {
	Type   AbortType
	Detail string
	// TaskID is set when the request named a task.
	TaskID *reporttypes.TaskID
}

func (a *Abort) Error() string {
	if a.TaskID != nil {
		return fmt.Sprintf("%s: task %s: %s", a.Type, a.TaskID, a.Detail)
	}
	return fmt.Sprintf("%s: %s", a.Type, a.Detail)
}

func abort(t AbortType, taskID *reporttypes.TaskID, format string, args ...interface{}) *Abort {
	a := &Abort{Type: t, Detail: fmt.Sprintf(format, args...)}
	if taskID != nil {
		id := *taskID
		a.TaskID = &id
	}
	return a
}

// AbortTypeOf returns the code of an Abort wrapped in err, or "" if there is none.
func AbortTypeOf(err error) AbortType {
	var a *Abort
	if errors.As(err, &a) {
		return a.Type
	}
	return ""
}
