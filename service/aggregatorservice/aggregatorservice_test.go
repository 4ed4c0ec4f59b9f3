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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/secretshare"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-dap-aggregator/report/reportutils"
	"github.com/google/privacy-sandbox-dap-aggregator/service/aggregator"
	"github.com/google/privacy-sandbox-dap-aggregator/service/metrics"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/storage"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/utils"
)

const (
	testNow            = 1700000000
	testPrecision      = 3600
	testLeaderToken    = "leader-token"
	testCollectorToken = "collector-token"
	testAdminToken     = "admin-token"
)

type serviceEnv struct {
	t         *testing.T
	ctx       context.Context
	leader    *aggregator.Aggregator
	helper    *aggregator.Aggregator
	leaderURL string
	collector *standardencrypt.Keyring
	exporter  *ResultExporter
	helperSrv *httptest.Server
}

func newKeyring(t *testing.T, id uint8) *standardencrypt.Keyring {
	t.Helper()
	pair, err := standardencrypt.GenerateKeyPairWithID(id)
	if err != nil {
		t.Fatal(err)
	}
	k, err := standardencrypt.NewKeyring(id, pair)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.OpenPebble(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newServiceEnv serves a Helper and a Leader over HTTP. The Leader reaches the Helper through an
// HTTPPeer.
func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	e := &serviceEnv{
		t:         t,
		ctx:       context.Background(),
		collector: newKeyring(t, 9),
		exporter:  &ResultExporter{Dir: t.TempDir()},
	}
	clock := func() time.Time { return time.Unix(testNow, 0) }

	var err error
	e.helper, err = aggregator.New(&aggregator.Params{
		Store:          newStore(t),
		Keyring:        newKeyring(t, 2),
		Now:            clock,
		MaxTxnAttempts: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.helperSrv = httptest.NewServer((&Handler{Aggregator: e.helper, DefaultVersion: reporttypes.Draft04}).Routes())
	t.Cleanup(e.helperSrv.Close)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, "dap", "leader")
	if err != nil {
		t.Fatal(err)
	}
	e.leader, err = aggregator.New(&aggregator.Params{
		Store:          newStore(t),
		Keyring:        newKeyring(t, 1),
		Peer:           NewHTTPPeer(0),
		Metrics:        m,
		Observers:      []aggregator.JobObserver{e.exporter},
		Now:            clock,
		MaxTxnAttempts: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	leaderSrv := httptest.NewServer((&Handler{
		Aggregator:     e.leader,
		Metrics:        m,
		AdminToken:     testAdminToken,
		DefaultVersion: reporttypes.Draft04,
		Gatherer:       reg,
	}).Routes())
	t.Cleanup(leaderSrv.Close)
	e.leaderURL = leaderSrv.URL
	return e
}

func (e *serviceEnv) newTask(v reporttypes.Version, qt reporttypes.QueryType, minBatchSize uint64) *taskconfig.Task {
	return &taskconfig.Task{
		ID:                  reporttypes.TaskID{0x5e, byte(qt), byte(v)},
		Version:             v,
		Role:                reporttypes.RoleLeader,
		LeaderURL:           e.leaderURL,
		HelperURL:           e.helperSrv.URL,
		QueryType:           qt,
		TimePrecision:       testPrecision,
		MinBatchSize:        minBatchSize,
		MaxBatchQueryCount:  1,
		MaxBatchDuration:    2 * testPrecision,
		Expiration:          testNow + 86400,
		Vdaf:                secretshare.Config{Type: secretshare.TypeCount},
		CollectorHpkeConfig: e.collector.Current(),
		LeaderAuthToken:     testLeaderToken,
		CollectorAuthToken:  testCollectorToken,
	}
}

// registerTask registers a task with both aggregators.
func (e *serviceEnv) registerTask(v reporttypes.Version, qt reporttypes.QueryType, minBatchSize uint64) *taskconfig.Task {
	e.t.Helper()
	task := e.newTask(v, qt, minBatchSize)
	helperTask := *task
	helperTask.Role = reporttypes.RoleHelper
	if err := e.leader.RegisterTask(e.ctx, task); err != nil {
		e.t.Fatal(err)
	}
	if err := e.helper.RegisterTask(e.ctx, &helperTask); err != nil {
		e.t.Fatal(err)
	}
	return task
}

func (e *serviceEnv) client(v reporttypes.Version) *Client {
	c := NewClient(e.leaderURL, v)
	c.HTTP.RetryMax = 0
	c.AuthToken = testCollectorToken
	return c
}

// uploadReports uploads n reports counting 1, fetching the HPKE configs from both aggregators.
func (e *serviceEnv) uploadReports(c *Client, task *taskconfig.Task, n int) {
	e.t.Helper()
	leaderConfig, err := c.HpkeConfig(e.ctx)
	if err != nil {
		e.t.Fatal(err)
	}
	helperClient := NewClient(e.helperSrv.URL, c.Version)
	helperConfig, err := helperClient.HpkeConfig(e.ctx)
	if err != nil {
		e.t.Fatal(err)
	}
	params := &reportutils.GenerateReportParams{
		Version:      c.Version,
		TaskID:       task.ID,
		Vdaf:         task.Vdaf,
		LeaderConfig: *leaderConfig,
		HelperConfig: *helperConfig,
	}
	for i := 0; i < n; i++ {
		r, err := reportutils.GenerateReport(params, 1, testNow+uint64(i))
		if err != nil {
			e.t.Fatal(err)
		}
		if err := c.Upload(e.ctx, task.ID, r); err != nil {
			e.t.Fatalf("upload report %d: %v", i, err)
		}
	}
}

func (e *serviceEnv) process(c *Client, req *ProcessRequest) *aggregator.Telemetry {
	e.t.Helper()
	tel, err := c.Process(e.ctx, req)
	if err != nil {
		e.t.Fatalf("Process() = %v", err)
	}
	return tel
}

func checkProblem(t *testing.T, err error, wantStatus int, wantType aggregator.AbortType) {
	t.Helper()
	var p *ProblemError
	if !errors.As(err, &p) {
		t.Fatalf("expect a problem response, got %v", err)
	}
	if p.Status != wantStatus || p.Type != wantType {
		t.Errorf("expect %d %q, got %d %q", wantStatus, wantType, p.Status, p.Type)
	}
}

func TestEndToEnd(t *testing.T) {
	for _, v := range []reporttypes.Version{reporttypes.Draft02, reporttypes.Draft04} {
		t.Run(v.String(), func(t *testing.T) {
			e := newServiceEnv(t)
			task := e.registerTask(v, reporttypes.QueryTypeTimeInterval, 1)
			c := e.client(v)
			e.uploadReports(c, task, 3)

			if diff := cmp.Diff(&aggregator.Telemetry{ReportsProcessed: 3, ReportsAggregated: 3}, e.process(c, &ProcessRequest{})); diff != "" {
				t.Errorf("telemetry mismatch (-want +got):\n%s", diff)
			}

			q := reporttypes.Query{
				Type:          reporttypes.QueryTypeTimeInterval,
				BatchInterval: reporttypes.Interval{Start: task.Quantize(testNow), Duration: testPrecision},
			}
			jobURL, err := c.Collect(e.ctx, task.ID, &reporttypes.CollectionReq{TaskID: task.ID, Query: q})
			if err != nil {
				t.Fatal(err)
			}
			if !strings.HasPrefix(jobURL, e.leaderURL+"/"+v.String()+"/") {
				t.Errorf("unexpected collection job URL %q", jobURL)
			}
			if got, err := c.Poll(e.ctx, jobURL); err != nil || got != nil {
				t.Fatalf("Poll() = %v, %v; want pending", got, err)
			}

			if diff := cmp.Diff(&aggregator.Telemetry{ReportsCollected: 3}, e.process(c, &ProcessRequest{TaskID: &task.ID})); diff != "" {
				t.Errorf("telemetry mismatch (-want +got):\n%s", diff)
			}
			result, err := c.Poll(e.ctx, jobURL)
			if err != nil || result == nil {
				t.Fatalf("Poll() = %v, %v; want the collection", result, err)
			}
			collection, err := reporttypes.DecodeCollection(v, result)
			if err != nil {
				t.Fatal(err)
			}
			got, err := reportutils.DecryptCollection(e.collector, task.ID, task.Vdaf, reportutils.BatchSelectorForCollection(&q, collection), collection)
			if err != nil {
				t.Fatal(err)
			}
			if got.Lo != 3 || collection.ReportCount != 3 {
				t.Errorf("expect a count of 3 over 3 reports, got %d over %d", got.Lo, collection.ReportCount)
			}

			exported, err := os.ReadFile(e.exporter.ResultFile(&aggregator.CollectionJobStatus{TaskID: task.ID, JobID: aggregator.CollectionJobID(task.ID, v, mustEncodeCollectionReq(t, v, &reporttypes.CollectionReq{TaskID: task.ID, Query: q}))}))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(exported, result) {
				t.Error("exported collection differs from the polled one")
			}

			resp, err := http.Get(e.leaderURL + "/metrics")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(b), `dap_inbound_request_counter{host="leader",type="upload"} 3`) {
				t.Errorf("metrics do not count the uploads:\n%s", b)
			}
		})
	}
}

func mustEncodeCollectionReq(t *testing.T, v reporttypes.Version, req *reporttypes.CollectionReq) []byte {
	t.Helper()
	b, err := reporttypes.EncodeCollectionReq(v, req)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestProblemResponses(t *testing.T) {
	e := newServiceEnv(t)
	task := e.registerTask(reporttypes.Draft04, reporttypes.QueryTypeTimeInterval, 1)

	for _, tc := range []struct {
		v          reporttypes.Version
		wantStatus int
	}{
		{reporttypes.Draft02, http.StatusBadRequest},
		{reporttypes.Draft04, http.StatusNotFound},
	} {
		c := e.client(tc.v)
		var jobURL string
		if tc.v == reporttypes.Draft02 {
			jobURL = e.leaderURL + "/v02/collect/task/" + task.ID.String() + "/req/" + reporttypes.CollectionJobID{1}.String()
		} else {
			jobURL = e.leaderURL + "/v04/tasks/" + task.ID.String() + "/collection_jobs/" + reporttypes.CollectionJobID{1}.String()
		}
		_, err := c.Poll(e.ctx, jobURL)
		checkProblem(t, err, tc.wantStatus, aggregator.AbortUnrecognizedCollectJob)
	}

	c := e.client(reporttypes.Draft04)
	err := c.Upload(e.ctx, reporttypes.TaskID{0xff}, &reporttypes.Report{EncryptedInputShares: make([]reporttypes.HpkeCiphertext, 2)})
	checkProblem(t, err, http.StatusBadRequest, aggregator.AbortUnrecognizedTask)

	unauthorized := e.client(reporttypes.Draft04)
	unauthorized.AuthToken = "wrong"
	q := reporttypes.Query{
		Type:          reporttypes.QueryTypeTimeInterval,
		BatchInterval: reporttypes.Interval{Start: task.Quantize(testNow), Duration: testPrecision},
	}
	_, err = unauthorized.Collect(e.ctx, task.ID, &reporttypes.CollectionReq{TaskID: task.ID, Query: q})
	checkProblem(t, err, http.StatusBadRequest, aggregator.AbortUnauthorizedRequest)

	resp, err := http.Post(e.leaderURL+"/v04/tasks/"+task.ID.String()+"/aggregation_jobs", mediaAggregateReq, strings.NewReader("garbage"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	p := &problem{}
	if err := json.Unmarshal(b, p); err != nil {
		t.Fatalf("decode problem %q: %v", b, err)
	}
	want := &problem{
		Type:   "urn:ietf:params:ppm:dap:error:unrecognizedMessage",
		Title:  problemTitles[aggregator.AbortUnrecognizedMessage],
		TaskID: task.ID.String(),
	}
	if diff := cmp.Diff(want, p, cmp.FilterPath(func(p cmp.Path) bool { return p.Last().String() == ".Detail" }, cmp.Ignore())); diff != "" {
		t.Errorf("problem mismatch (-want +got):\n%s", diff)
	}
	if got := resp.Header.Get("Content-Type"); got != mediaProblem {
		t.Errorf("expect content type %q, got %q", mediaProblem, got)
	}
}

func TestAdminTaskEndpoint(t *testing.T) {
	e := newServiceEnv(t)
	c := e.client(reporttypes.Draft04)
	task := e.newTask(reporttypes.Draft04, reporttypes.QueryTypeFixedSize, 2)

	var p *ProblemError
	if err := c.AddTask(e.ctx, "wrong", task); !errors.As(err, &p) || p.Status != http.StatusForbidden {
		t.Errorf("AddTask() with a wrong token = %v, want status 403", err)
	}
	if err := c.AddTask(e.ctx, testAdminToken, task); err != nil {
		t.Fatal(err)
	}
	if err := c.AddTask(e.ctx, testAdminToken, task); err != nil {
		t.Errorf("registering the same task again: %v", err)
	}
	changed := *task
	changed.MinBatchSize = 10
	if err := c.AddTask(e.ctx, testAdminToken, &changed); !errors.As(err, &p) || p.Status != http.StatusConflict {
		t.Errorf("AddTask() with a changed task = %v, want status 409", err)
	}
	invalid := *task
	invalid.ID = reporttypes.TaskID{0x01}
	invalid.TimePrecision = 0
	if err := c.AddTask(e.ctx, testAdminToken, &invalid); !errors.As(err, &p) || p.Status != http.StatusBadRequest {
		t.Errorf("AddTask() with an invalid task = %v, want status 400", err)
	}

	got, err := e.leader.Task(e.ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(task, got); diff != "" {
		t.Errorf("task mismatch (-want +got):\n%s", diff)
	}
}

func TestAdminTaskEndpointDisabled(t *testing.T) {
	e := newServiceEnv(t)
	task := e.newTask(reporttypes.Draft04, reporttypes.QueryTypeFixedSize, 2)
	c := NewClient(e.helperSrv.URL, reporttypes.Draft04)
	c.HTTP.RetryMax = 0
	var p *ProblemError
	if err := c.AddTask(e.ctx, "", task); !errors.As(err, &p) || p.Status != http.StatusForbidden {
		t.Errorf("AddTask() without an admin token = %v, want status 403", err)
	}
}

func TestTestEndpoints(t *testing.T) {
	e := newServiceEnv(t)
	for _, tc := range []struct {
		path string
		want map[string]string
	}{
		{"/internal/test/ready", map[string]string{"status": "success"}},
		{"/internal/test/endpoint_for_task", map[string]string{"status": "success", "endpoint": "/v04/"}},
		{"/v02/internal/test/endpoint_for_task", map[string]string{"status": "success", "endpoint": "/v02/"}},
		{"/v04/internal/test/endpoint_for_task", map[string]string{"status": "success", "endpoint": "/v04/"}},
	} {
		resp, err := http.Post(e.leaderURL+tc.path, "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatal(err)
		}
		got := map[string]string{}
		err = json.NewDecoder(resp.Body).Decode(&got)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("%s: %v", tc.path, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("%s: response mismatch (-want +got):\n%s", tc.path, diff)
		}
	}
}

func TestInternalProcessUnknownTask(t *testing.T) {
	e := newServiceEnv(t)
	_, err := e.client(reporttypes.Draft04).Process(e.ctx, &ProcessRequest{TaskID: &reporttypes.TaskID{0xee}})
	checkProblem(t, err, http.StatusBadRequest, aggregator.AbortUnrecognizedTask)
}

func TestFixedSizeCurrentBatch(t *testing.T) {
	e := newServiceEnv(t)
	task := e.registerTask(reporttypes.Draft04, reporttypes.QueryTypeFixedSize, 2)
	c := e.client(reporttypes.Draft04)

	_, err := c.CurrentBatch(e.ctx, task.ID)
	checkProblem(t, err, http.StatusBadRequest, aggregator.AbortBatchInvalid)

	e.uploadReports(c, task, 2)
	e.process(c, &ProcessRequest{TaskID: &task.ID, Limits: aggregator.Limits{MaxJobs: 1}})
	got, err := c.CurrentBatch(e.ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	want, err := e.leader.CurrentBatch(e.ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("expect current batch %s, got %s", want, got)
	}

	jobURL, err := c.Collect(e.ctx, task.ID, &reporttypes.CollectionReq{
		TaskID: task.ID,
		Query:  reporttypes.Query{Type: reporttypes.QueryTypeFixedSize, CurrentBatch: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&aggregator.Telemetry{ReportsCollected: 2}, e.process(c, &ProcessRequest{})); diff != "" {
		t.Errorf("telemetry mismatch (-want +got):\n%s", diff)
	}
	result, err := c.Poll(e.ctx, jobURL)
	if err != nil || result == nil {
		t.Fatalf("Poll() = %v, %v; want the collection", result, err)
	}
	collection, err := reporttypes.DecodeCollection(reporttypes.Draft04, result)
	if err != nil {
		t.Fatal(err)
	}
	if collection.PartBatchSelector.BatchID != want {
		t.Errorf("expect batch %s collected, got %s", want, collection.PartBatchSelector.BatchID)
	}
}

// waitAggregated waits until the bucket of testNow has n aggregated reports.
func (e *serviceEnv) waitAggregated(task *taskconfig.Task, n uint64) {
	e.t.Helper()
	key := aggregator.TimeBucketKey(task, testNow)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		b, err := e.leader.Bucket(e.ctx, task.ID, key)
		if err == nil && b.Aggregated == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	e.t.Fatalf("bucket %s did not aggregate %d reports", key, n)
}

func TestDrainLoop(t *testing.T) {
	e := newServiceEnv(t)
	task := e.registerTask(reporttypes.Draft04, reporttypes.QueryTypeTimeInterval, 1)
	e.uploadReports(e.client(reporttypes.Draft04), task, 3)

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan error, 1)
	loop := &DrainLoop{
		Aggregator: e.leader,
		Limits:     aggregator.Limits{MaxJobs: 1, MaxReportsPerJob: 1},
		Limiter:    rate.NewLimiter(rate.Every(5*time.Millisecond), 1),
	}
	go func() { done <- loop.Run(ctx) }()
	e.waitAggregated(task, 3)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestProcessTrigger(t *testing.T) {
	e := newServiceEnv(t)
	task := e.registerTask(reporttypes.Draft04, reporttypes.QueryTypeTimeInterval, 1)
	e.uploadReports(e.client(reporttypes.Draft04), task, 2)

	srv := pstest.NewServer()
	defer srv.Close()
	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	client, err := pubsub.NewClient(e.ctx, "dap-project", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	topic, err := client.CreateTopic(e.ctx, "dap-process")
	if err != nil {
		t.Fatal(err)
	}
	sub, err := client.CreateSubscription(e.ctx, "dap-process-sub", pubsub.SubscriptionConfig{Topic: topic})
	if err != nil {
		t.Fatal(err)
	}
	if err := utils.PublishRequest(e.ctx, client, "dap-process", &ProcessRequest{TaskID: &task.ID}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan error, 1)
	trigger := &ProcessTrigger{Aggregator: e.leader, Subscription: sub}
	go func() { done <- trigger.Run(ctx) }()
	e.waitAggregated(task, 2)
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestVersionEndpoint(t *testing.T) {
	for _, tc := range []struct {
		base string
		v    reporttypes.Version
		want string
	}{
		{"https://helper.example", reporttypes.Draft04, "https://helper.example/v04"},
		{"https://helper.example/", reporttypes.Draft02, "https://helper.example/v02"},
		{"https://helper.example/dap/v04/", reporttypes.Draft04, "https://helper.example/dap/v04/"},
		{"https://helper.example/dap", reporttypes.Draft04, "https://helper.example/dap/v04"},
	} {
		got, err := versionEndpoint(tc.base, tc.v)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("versionEndpoint(%q, %s) = %q, want %q", tc.base, tc.v, got, tc.want)
		}
	}
}
