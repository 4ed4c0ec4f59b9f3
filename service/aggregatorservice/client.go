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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/golang/glog"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/google/privacy-sandbox-dap-aggregator/service/aggregator"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/utils"
)

// Media types of the DAP messages.
const (
	mediaHpkeConfig         = "application/dap-hpke-config"
	mediaReport             = "application/dap-report"
	mediaCollectReq         = "application/dap-collect-req"
	mediaCollection         = "application/dap-collection"
	mediaAggregateReq       = "application/dap-aggregate-initialize-req"
	mediaAggregateResp      = "application/dap-aggregate-initialize-resp"
	mediaAggregateShareReq  = "application/dap-aggregate-share-req"
	mediaAggregateShareResp = "application/dap-aggregate-share-resp"
	mediaProblem            = "application/problem+json"
)

// AuthTokenHeader carries the bearer token of the Leader and the Collector.
const AuthTokenHeader = "DAP-Auth-Token"

// AdminTokenHeader carries the bearer token of the task administration endpoint.
const AdminTokenHeader = "DAP-Admin-Token"

// glogLogger routes the retry logs through glog.
type glogLogger struct{}

func (glogLogger) Error(msg string, keysAndValues ...interface{}) {
	log.Errorf("%s %v", msg, keysAndValues)
}

func (glogLogger) Warn(msg string, keysAndValues ...interface{}) {
	log.Warningf("%s %v", msg, keysAndValues)
}

func (glogLogger) Info(msg string, keysAndValues ...interface{}) {
	log.V(1).Infof("%s %v", msg, keysAndValues)
}

func (glogLogger) Debug(msg string, keysAndValues ...interface{}) {
	log.V(2).Infof("%s %v", msg, keysAndValues)
}

// NewRetryableClient returns an HTTP client retrying connection errors and 5xx responses.
func NewRetryableClient(retryMax int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.Logger = glogLogger{}
	return c
}

// versionEndpoint returns the API endpoint of an aggregator for a version. base may already end
// with the version segment, as taskprov endpoints do.
func versionEndpoint(base string, v reporttypes.Version) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(strings.TrimSuffix(u.Path, "/"), "/"+v.String()) {
		return u.String(), nil
	}
	return u.JoinPath(v.String()).String(), nil
}

func send(ctx context.Context, client *retryablehttp.Client, method, u string, header http.Header, body []byte) (*http.Response, []byte, error) {
	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, rawBody)
	if err != nil {
		return nil, nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, b, nil
}

func expectStatus(resp *http.Response, body []byte, want ...int) error {
	for _, s := range want {
		if resp.StatusCode == s {
			return nil
		}
	}
	return readProblem(resp, body)
}

// HTTPPeer is a remote Helper. The Helper endpoint comes from the task.
type HTTPPeer struct {
	Client *retryablehttp.Client
	// IDTokenAudience, if set, adds a Google ID token for this audience to every request.
	IDTokenAudience        string
	ImpersonatedSvcAccount string
}

// NewHTTPPeer creates an HTTPPeer retrying failed requests retryMax times.
func NewHTTPPeer(retryMax int) *HTTPPeer {
	return &HTTPPeer{Client: NewRetryableClient(retryMax)}
}

func (p *HTTPPeer) post(ctx context.Context, task *taskconfig.Task, path, contentType string, body []byte) ([]byte, error) {
	endpoint, err := versionEndpoint(task.HelperURL, task.Version)
	if err != nil {
		return nil, fmt.Errorf("helper URL of task %s: %w", task.ID, err)
	}
	u, err := url.JoinPath(endpoint, "tasks", task.ID.String(), path)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Content-Type", contentType)
	if task.LeaderAuthToken != "" {
		header.Set(AuthTokenHeader, task.LeaderAuthToken)
	}
	if p.IDTokenAudience != "" {
		token, err := utils.IDToken(ctx, p.IDTokenAudience, p.ImpersonatedSvcAccount)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}
	resp, b, err := send(ctx, p.Client, http.MethodPost, u, header, body)
	if err != nil {
		return nil, err
	}
	if err := expectStatus(resp, b, http.StatusOK); err != nil {
		return nil, fmt.Errorf("helper %s: %w", u, err)
	}
	return b, nil
}

// Aggregate implements aggregator.Peer.
func (p *HTTPPeer) Aggregate(ctx context.Context, task *taskconfig.Task, req *reporttypes.AggregateReq) (*reporttypes.AggregateResp, error) {
	body, err := reporttypes.EncodeAggregateReq(req)
	if err != nil {
		return nil, err
	}
	b, err := p.post(ctx, task, "aggregation_jobs", mediaAggregateReq, body)
	if err != nil {
		return nil, err
	}
	return reporttypes.DecodeAggregateResp(b)
}

// AggregateShare implements aggregator.Peer.
func (p *HTTPPeer) AggregateShare(ctx context.Context, task *taskconfig.Task, req *reporttypes.AggregateShareReq) (*reporttypes.AggregateShareResp, error) {
	body, err := reporttypes.EncodeAggregateShareReq(req)
	if err != nil {
		return nil, err
	}
	b, err := p.post(ctx, task, "aggregate_shares", mediaAggregateShareReq, body)
	if err != nil {
		return nil, err
	}
	return reporttypes.DecodeAggregateShareResp(b)
}

// Client is a DAP client of an aggregator, used by clients, collectors and operators.
type Client struct {
	HTTP *retryablehttp.Client
	// URL is the root URL of the aggregator, without a version segment.
	URL     string
	Version reporttypes.Version
	// AuthToken is sent with collect requests.
	AuthToken string
}

// NewClient creates a Client retrying failed requests three times.
func NewClient(rootURL string, v reporttypes.Version) *Client {
	return &Client{HTTP: NewRetryableClient(3), URL: rootURL, Version: v}
}

func (c *Client) endpoint(elem ...string) (string, error) {
	base, err := versionEndpoint(c.URL, c.Version)
	if err != nil {
		return "", err
	}
	return url.JoinPath(base, elem...)
}

func (c *Client) header(contentType string) http.Header {
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	if c.AuthToken != "" {
		h.Set(AuthTokenHeader, c.AuthToken)
	}
	return h
}

// HpkeConfig fetches the HPKE config of the aggregator.
func (c *Client) HpkeConfig(ctx context.Context) (*reporttypes.HpkeConfig, error) {
	u, err := c.endpoint("hpke_config")
	if err != nil {
		return nil, err
	}
	resp, b, err := send(ctx, c.HTTP, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := expectStatus(resp, b, http.StatusOK); err != nil {
		return nil, err
	}
	return reporttypes.DecodeHpkeConfig(b)
}

// Upload sends a report to the Leader.
func (c *Client) Upload(ctx context.Context, taskID reporttypes.TaskID, report *reporttypes.Report) error {
	body, err := reporttypes.EncodeReport(c.Version, report)
	if err != nil {
		return err
	}
	method, u := http.MethodPost, ""
	if c.Version == reporttypes.Draft02 {
		u, err = c.endpoint("upload")
	} else {
		method = http.MethodPut
		u, err = c.endpoint("tasks", taskID.String(), "reports")
	}
	if err != nil {
		return err
	}
	resp, b, err := send(ctx, c.HTTP, method, u, c.header(mediaReport), body)
	if err != nil {
		return err
	}
	return expectStatus(resp, b, http.StatusOK)
}

// Collect submits a collect request and returns the URL of its collection job.
func (c *Client) Collect(ctx context.Context, taskID reporttypes.TaskID, req *reporttypes.CollectionReq) (string, error) {
	body, err := reporttypes.EncodeCollectionReq(c.Version, req)
	if err != nil {
		return "", err
	}
	method, u, want := http.MethodPost, "", http.StatusSeeOther
	if c.Version == reporttypes.Draft02 {
		u, err = c.endpoint("collect")
	} else {
		method, want = http.MethodPut, http.StatusCreated
		u, err = c.endpoint("tasks", taskID.String(), "collection_jobs")
	}
	if err != nil {
		return "", err
	}
	// The job is polled separately; a 303 must not be followed.
	client := NewRetryableClient(c.HTTP.RetryMax)
	hc := *c.HTTP.HTTPClient
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	client.HTTPClient = &hc
	resp, b, err := send(ctx, client, method, u, c.header(mediaCollectReq), body)
	if err != nil {
		return "", err
	}
	if err := expectStatus(resp, b, want); err != nil {
		return "", err
	}
	loc, err := resp.Location()
	if err != nil {
		return "", fmt.Errorf("collect response without location: %w", err)
	}
	return loc.String(), nil
}

// Poll fetches a collection job. It returns nil while the job is not complete.
func (c *Client) Poll(ctx context.Context, jobURL string) ([]byte, error) {
	resp, b, err := send(ctx, c.HTTP, http.MethodGet, jobURL, c.header(""), nil)
	if err != nil {
		return nil, err
	}
	if err := expectStatus(resp, b, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusAccepted {
		return nil, nil
	}
	return b, nil
}

func (c *Client) internal(ctx context.Context, method, path string, header http.Header, req, resp interface{}) error {
	u, err := url.JoinPath(c.URL, path)
	if err != nil {
		return err
	}
	var body []byte
	if req != nil {
		if body, err = json.Marshal(req); err != nil {
			return err
		}
		header.Set("Content-Type", "application/json")
	}
	r, b, err := send(ctx, c.HTTP, method, u, header, body)
	if err != nil {
		return err
	}
	if err := expectStatus(r, b, http.StatusOK); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return json.NewDecoder(bytes.NewReader(b)).Decode(resp)
}

// Process asks a Leader to run one round of aggregation and collection.
func (c *Client) Process(ctx context.Context, req *ProcessRequest) (*aggregator.Telemetry, error) {
	tel := &aggregator.Telemetry{}
	if err := c.internal(ctx, http.MethodPost, "internal/process", http.Header{}, req, tel); err != nil {
		return nil, err
	}
	return tel, nil
}

// CurrentBatch returns the batch a current-batch query of a fixed-size task would collect.
func (c *Client) CurrentBatch(ctx context.Context, taskID reporttypes.TaskID) (reporttypes.BatchID, error) {
	var resp currentBatchResponse
	if err := c.internal(ctx, http.MethodGet, "internal/current_batch/task/"+taskID.String(), http.Header{}, nil, &resp); err != nil {
		return reporttypes.BatchID{}, err
	}
	return resp.BatchID, nil
}

// AddTask registers a task with the aggregator.
func (c *Client) AddTask(ctx context.Context, adminToken string, task *taskconfig.Task) error {
	header := http.Header{}
	header.Set(AdminTokenHeader, adminToken)
	return c.internal(ctx, http.MethodPost, "internal/tasks", header, task, nil)
}
