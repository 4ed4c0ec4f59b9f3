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

package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg, "test", "leader.example")
	if err != nil {
		t.Fatal(err)
	}

	m.InboundRequest(RequestUpload)
	m.InboundRequest(RequestUpload)
	m.InboundRequest(RequestCollect)
	m.ReportsInc(ReportAggregated, 5)
	m.ReportsInc("reportRejected", 1)
	m.ReportsInc(ReportCollected, 0)
	m.AggregationJobStarted()
	m.AggregationJobStarted()
	m.AggregationJobDone()

	want := `
# HELP test_inbound_request_counter Total number of successful inbound requests.
# TYPE test_inbound_request_counter counter
test_inbound_request_counter{host="leader.example",type="collect"} 1
test_inbound_request_counter{host="leader.example",type="upload"} 2
# HELP test_report_counter Total number reports rejected, aggregated, and collected.
# TYPE test_report_counter counter
test_report_counter{host="leader.example",status="aggregated"} 5
test_report_counter{host="leader.example",status="reportRejected"} 1
# HELP test_aggregation_job_gauge Number of running aggregation jobs.
# TYPE test_aggregation_job_gauge gauge
test_aggregation_job_gauge{host="leader.example"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want)); err != nil {
		t.Error(err)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.InboundRequest(RequestUpload)
	m.ReportsInc(ReportAccepted, 1)
	m.AggregationJobStarted()
	m.AggregationJobDone()
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg, "", "host"); err != nil {
		t.Fatal(err)
	}
	if _, err := New(reg, "", "host"); err == nil {
		t.Error("expect error registering the metrics twice")
	}
}
