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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-dap-aggregator/service/aggregator"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/storage"
)

const problemTypePrefix = "urn:ietf:params:ppm:dap:error:"

var problemTitles = map[aggregator.AbortType]string{
	aggregator.AbortReportRejected:         "Report could not be processed",
	aggregator.AbortReportTooLate:          "Report could not be processed because it arrived too late",
	aggregator.AbortUnrecognizedTask:       "An endpoint received a message with an unknown task ID",
	aggregator.AbortUnrecognizedMessage:    "The message type for a response was incorrect or the payload was malformed",
	aggregator.AbortInvalidTask:            "Aggregator has opted out of the indicated task",
	aggregator.AbortBatchInvalid:           "The batch implied by the query is invalid",
	aggregator.AbortBatchOverlap:           "The queried batch overlaps with a previously queried batch",
	aggregator.AbortBatchMismatch:          "Leader and helper disagree on reports aggregated in a batch",
	aggregator.AbortUnrecognizedCollectJob: "The collection job is unknown",
	aggregator.AbortUnauthorizedRequest:    "The request's authorization is not valid",
}

// problem is an RFC 7807 problem document.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
	TaskID string `json:"taskid,omitempty"`
}

// abortStatus returns the HTTP status of an abort. Unknown collection jobs are "not found" since
// Draft04 addresses them by URL.
func abortStatus(v reporttypes.Version, t aggregator.AbortType) int {
	if t == aggregator.AbortUnrecognizedCollectJob && v != reporttypes.Draft02 {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

// writeError reports err to the client: aborts as problem documents, exhausted transaction
// retries as 503 and anything else as an opaque 500.
func writeError(w http.ResponseWriter, v reporttypes.Version, err error) {
	var a *aggregator.Abort
	switch {
	case errors.As(err, &a):
		p := problem{Type: problemTypePrefix + string(a.Type), Title: problemTitles[a.Type], Detail: a.Detail}
		if a.TaskID != nil {
			p.TaskID = a.TaskID.String()
		}
		w.Header().Set("Content-Type", mediaProblem)
		w.WriteHeader(abortStatus(v, a.Type))
		if err := json.NewEncoder(w).Encode(p); err != nil {
			log.Error(err)
		}
	case errors.Is(err, storage.ErrConflict):
		log.Warning(err)
		http.Error(w, "too much contention, retry later", http.StatusServiceUnavailable)
	default:
		log.Error(err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// ProblemError is a failed response of an aggregator.
type ProblemError struct {
	Status int
	// Type is the abort code of a problem document, or empty.
	Type   aggregator.AbortType
	Detail string
}

func (e *ProblemError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Type, e.Detail)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Detail)
}

func readProblem(resp *http.Response, body []byte) *ProblemError {
	e := &ProblemError{Status: resp.StatusCode, Detail: strings.TrimSpace(string(body))}
	if resp.Header.Get("Content-Type") != mediaProblem {
		return e
	}
	p := &problem{}
	if err := json.Unmarshal(body, p); err != nil {
		return e
	}
	e.Type = aggregator.AbortType(strings.TrimPrefix(p.Type, problemTypePrefix))
	e.Detail = p.Detail
	return e
}
