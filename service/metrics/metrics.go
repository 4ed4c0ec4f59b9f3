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

// Package metrics holds the Prometheus metrics of an aggregator.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RequestType labels inbound requests.
type RequestType string

// Inbound request types.
const (
	RequestHpkeConfig     RequestType = "hpke_config"
	RequestUpload         RequestType = "upload"
	RequestAggregate      RequestType = "aggregate"
	RequestAggregateShare RequestType = "aggregate_share"
	RequestCollect        RequestType = "collect"
)

// Report statuses besides the rejection codes.
const (
	ReportAccepted   = "accepted"
	ReportAggregated = "aggregated"
	ReportCollected  = "collected"
)

// Metrics holds the aggregator metrics for one host.
type Metrics struct {
	host string

	inboundRequests *prometheus.CounterVec
	reports         *prometheus.CounterVec
	aggregationJobs *prometheus.GaugeVec
}

// New registers the metrics with reg. A non-empty prefix is prepended to the metric names as
// "<prefix>_".
func New(reg prometheus.Registerer, prefix, host string) (*Metrics, error) {
	front := ""
	if prefix != "" {
		front = prefix + "_"
	}
	m := &Metrics{
		host: host,
		inboundRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: front + "inbound_request_counter",
			Help: "Total number of successful inbound requests.",
		}, []string{"host", "type"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: front + "report_counter",
			Help: "Total number reports rejected, aggregated, and collected.",
		}, []string{"host", "status"}),
		aggregationJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: front + "aggregation_job_gauge",
			Help: "Number of running aggregation jobs.",
		}, []string{"host"}),
	}
	for _, c := range []prometheus.Collector{m.inboundRequests, m.reports, m.aggregationJobs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// InboundRequest counts a successful request of the given type.
func (m *Metrics) InboundRequest(t RequestType) {
	if m == nil {
		return
	}
	m.inboundRequests.WithLabelValues(m.host, string(t)).Inc()
}

// ReportsInc counts n reports with the given status, which is a rejection code or one of the
// Report* constants.
func (m *Metrics) ReportsInc(status string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.reports.WithLabelValues(m.host, status).Add(float64(n))
}

// AggregationJobStarted increments the running aggregation jobs.
func (m *Metrics) AggregationJobStarted() {
	if m == nil {
		return
	}
	m.aggregationJobs.WithLabelValues(m.host).Inc()
}

// AggregationJobDone decrements the running aggregation jobs.
func (m *Metrics) AggregationJobDone() {
	if m == nil {
		return
	}
	m.aggregationJobs.WithLabelValues(m.host).Dec()
}
