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

// Package aggregatorservice exposes an Aggregator over HTTP, and contains the clients of the
// aggregator endpoints and the background drivers of aggregation.
package aggregatorservice

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	log "github.com/golang/glog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/google/privacy-sandbox-dap-aggregator/service/aggregator"
	"github.com/google/privacy-sandbox-dap-aggregator/service/metrics"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

const maxBodyBytes = 10 << 20

// ProcessRequest is the body of the internal process endpoint. Without a task ID all the Leader
// tasks are processed.
type ProcessRequest struct {
	TaskID *reporttypes.TaskID `json:"task_id,omitempty"`
	aggregator.Limits
}

type currentBatchResponse struct {
	BatchID reporttypes.BatchID `json:"batch_id"`
}

// Handler serves the DAP endpoints of both versions and the internal endpoints of an aggregator.
type Handler struct {
	Aggregator *aggregator.Aggregator
	Metrics    *metrics.Metrics
	// AdminToken guards the task registration endpoint, which is disabled when empty.
	AdminToken string
	// DefaultVersion answers the unversioned test endpoints.
	DefaultVersion reporttypes.Version
	// Gatherer, if set, is served on /metrics.
	Gatherer prometheus.Gatherer
}

// Routes returns the HTTP handler of all the endpoints.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/internal/test/ready", h.ready)
	r.Post("/internal/test/ready", h.ready)
	r.Post("/internal/test/endpoint_for_task", h.endpointForTask(h.DefaultVersion))
	r.Post("/internal/process", h.process)
	r.Get("/internal/current_batch/task/{task}", h.currentBatch)
	r.Post("/internal/tasks", h.addTask)
	if h.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}

	for _, v := range []reporttypes.Version{reporttypes.Draft02, reporttypes.Draft04} {
		r.Route("/"+v.String(), func(r chi.Router) {
			r.Get("/hpke_config", h.hpkeConfig(v))
			r.Post("/internal/test/endpoint_for_task", h.endpointForTask(v))
			r.Post("/tasks/{task}/aggregation_jobs", h.aggregate(v))
			r.Post("/tasks/{task}/aggregate_shares", h.aggregateShare(v))
			if v == reporttypes.Draft02 {
				r.Post("/upload", h.upload(v))
				r.Post("/collect", h.collect(v))
				r.Get("/collect/task/{task}/req/{job}", h.poll(v))
				return
			}
			r.Put("/tasks/{task}/reports", h.upload(v))
			r.Put("/tasks/{task}/collection_jobs", h.collect(v))
			r.Get("/tasks/{task}/collection_jobs/{job}", h.poll(v))
			r.Post("/tasks/{task}/collection_jobs/{job}", h.poll(v))
		})
	}
	return r
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func writeBody(w http.ResponseWriter, status int, contentType string, b []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		log.Error(err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error(err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeBody(w, http.StatusOK, "application/json", b)
}

// pathTaskID parses the task ID in the URL. A malformed ID names no task.
func pathTaskID(r *http.Request) (reporttypes.TaskID, error) {
	id, err := reporttypes.ParseTaskID(chi.URLParam(r, "task"))
	if err != nil {
		return id, &aggregator.Abort{Type: aggregator.AbortUnrecognizedTask, Detail: "malformed task ID"}
	}
	return id, nil
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "success"})
}

func (h *Handler) endpointForTask(v reporttypes.Version) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "success", "endpoint": "/" + v.String() + "/"})
	}
}

func (h *Handler) hpkeConfig(v reporttypes.Version) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := h.Aggregator.HpkeConfig()
		b, err := reporttypes.EncodeHpkeConfig(&cfg)
		if err != nil {
			writeError(w, v, err)
			return
		}
		h.Metrics.InboundRequest(metrics.RequestHpkeConfig)
		w.Header().Set("Cache-Control", "max-age=86400")
		writeBody(w, http.StatusOK, mediaHpkeConfig, b)
	}
}

func (h *Handler) upload(v reporttypes.Version) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var taskID *reporttypes.TaskID
		if v != reporttypes.Draft02 {
			id, err := pathTaskID(r)
			if err != nil {
				writeError(w, v, err)
				return
			}
			taskID = &id
		}
		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		if err := h.Aggregator.SubmitReport(r.Context(), v, taskID, body); err != nil {
			writeError(w, v, err)
			return
		}
		h.Metrics.InboundRequest(metrics.RequestUpload)
		w.WriteHeader(http.StatusOK)
	}
}

func (h *Handler) collect(v reporttypes.Version) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var taskID *reporttypes.TaskID
		if v != reporttypes.Draft02 {
			id, err := pathTaskID(r)
			if err != nil {
				writeError(w, v, err)
				return
			}
			taskID = &id
		}
		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		job, err := h.Aggregator.SubmitCollect(r.Context(), v, taskID, r.Header.Get(AuthTokenHeader), body)
		if err != nil {
			writeError(w, v, err)
			return
		}
		h.Metrics.InboundRequest(metrics.RequestCollect)
		if v == reporttypes.Draft02 {
			w.Header().Set("Location", "/v02/collect/task/"+job.TaskID.String()+"/req/"+job.JobID.String())
			w.WriteHeader(http.StatusSeeOther)
			return
		}
		w.Header().Set("Location", "/v04/tasks/"+job.TaskID.String()+"/collection_jobs/"+job.JobID.String())
		w.WriteHeader(http.StatusCreated)
	}
}

func (h *Handler) poll(v reporttypes.Version) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, err := pathTaskID(r)
		if err != nil {
			writeError(w, v, err)
			return
		}
		jobID, err := reporttypes.ParseCollectionJobID(chi.URLParam(r, "job"))
		if err != nil {
			writeError(w, v, &aggregator.Abort{Type: aggregator.AbortUnrecognizedCollectJob, Detail: "malformed collection job ID", TaskID: &taskID})
			return
		}
		res, err := h.Aggregator.PollCollect(r.Context(), v, taskID, jobID, r.Header.Get(AuthTokenHeader))
		if err != nil {
			writeError(w, v, err)
			return
		}
		if !res.Ready {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeBody(w, http.StatusOK, mediaCollection, res.Collection)
	}
}

func (h *Handler) aggregate(v reporttypes.Version) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, err := pathTaskID(r)
		if err != nil {
			writeError(w, v, err)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		req, err := reporttypes.DecodeAggregateReq(body)
		if err != nil {
			writeError(w, v, &aggregator.Abort{Type: aggregator.AbortUnrecognizedMessage, Detail: err.Error(), TaskID: &taskID})
			return
		}
		resp, err := h.Aggregator.Aggregate(r.Context(), v, taskID, r.Header.Get(AuthTokenHeader), req)
		if err != nil {
			writeError(w, v, err)
			return
		}
		b, err := reporttypes.EncodeAggregateResp(resp)
		if err != nil {
			writeError(w, v, err)
			return
		}
		h.Metrics.InboundRequest(metrics.RequestAggregate)
		writeBody(w, http.StatusOK, mediaAggregateResp, b)
	}
}

func (h *Handler) aggregateShare(v reporttypes.Version) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, err := pathTaskID(r)
		if err != nil {
			writeError(w, v, err)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		req, err := reporttypes.DecodeAggregateShareReq(body)
		if err != nil {
			writeError(w, v, &aggregator.Abort{Type: aggregator.AbortUnrecognizedMessage, Detail: err.Error(), TaskID: &taskID})
			return
		}
		resp, err := h.Aggregator.AggregateShare(r.Context(), v, taskID, r.Header.Get(AuthTokenHeader), req)
		if err != nil {
			writeError(w, v, err)
			return
		}
		b, err := reporttypes.EncodeAggregateShareResp(resp)
		if err != nil {
			writeError(w, v, err)
			return
		}
		h.Metrics.InboundRequest(metrics.RequestAggregateShare)
		writeBody(w, http.StatusOK, mediaAggregateShareResp, b)
	}
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request) {
	req := &ProcessRequest{}
	body, err := readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	tel, err := runProcess(r.Context(), h.Aggregator, req)
	if err != nil {
		if tel == nil {
			writeError(w, h.DefaultVersion, err)
			return
		}
		log.Errorf("process: %v", err)
	}
	writeJSON(w, tel)
}

func (h *Handler) currentBatch(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r)
	if err != nil {
		writeError(w, h.DefaultVersion, err)
		return
	}
	id, err := h.Aggregator.CurrentBatch(r.Context(), taskID)
	if err != nil {
		writeError(w, h.DefaultVersion, err)
		return
	}
	writeJSON(w, &currentBatchResponse{BatchID: id})
}

func (h *Handler) addTask(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(AdminTokenHeader)
	if h.AdminToken == "" || subtle.ConstantTimeCompare([]byte(h.AdminToken), []byte(token)) != 1 {
		http.Error(w, "invalid admin token", http.StatusForbidden)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	task := &taskconfig.Task{}
	if err := json.Unmarshal(body, task); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := task.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Aggregator.RegisterTask(r.Context(), task); err != nil {
		if errors.Is(err, aggregator.ErrTaskExists) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, h.DefaultVersion, err)
		return
	}
	log.Infof("registered task %s as %s", task.ID, task.Role)
	writeJSON(w, map[string]string{"status": "success"})
}
