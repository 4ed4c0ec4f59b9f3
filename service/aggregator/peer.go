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

	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

// Peer is the Helper as seen by the Leader. Both requests are idempotent: the Helper answers a
// retried job with its first response.
type Peer interface {
	Aggregate(ctx context.Context, task *taskconfig.Task, req *reporttypes.AggregateReq) (*reporttypes.AggregateResp, error)
	AggregateShare(ctx context.Context, task *taskconfig.Task, req *reporttypes.AggregateShareReq) (*reporttypes.AggregateShareResp, error)
}

// LocalPeer calls a Helper running in the same process. Messages go through the wire encoding so
// both sides see exactly what a remote Helper would.
type LocalPeer struct {
	Helper *Aggregator
}

// Aggregate implements Peer.
func (p *LocalPeer) Aggregate(ctx context.Context, task *taskconfig.Task, req *reporttypes.AggregateReq) (*reporttypes.AggregateResp, error) {
	b, err := reporttypes.EncodeAggregateReq(req)
	if err != nil {
		return nil, err
	}
	decoded, err := reporttypes.DecodeAggregateReq(b)
	if err != nil {
		return nil, err
	}
	resp, err := p.Helper.Aggregate(ctx, task.Version, task.ID, task.LeaderAuthToken, decoded)
	if err != nil {
		return nil, err
	}
	if b, err = reporttypes.EncodeAggregateResp(resp); err != nil {
		return nil, err
	}
	return reporttypes.DecodeAggregateResp(b)
}

// AggregateShare implements Peer.
func (p *LocalPeer) AggregateShare(ctx context.Context, task *taskconfig.Task, req *reporttypes.AggregateShareReq) (*reporttypes.AggregateShareResp, error) {
	b, err := reporttypes.EncodeAggregateShareReq(req)
	if err != nil {
		return nil, err
	}
	decoded, err := reporttypes.DecodeAggregateShareReq(b)
	if err != nil {
		return nil, err
	}
	resp, err := p.Helper.AggregateShare(ctx, task.Version, task.ID, task.LeaderAuthToken, decoded)
	if err != nil {
		return nil, err
	}
	if b, err = reporttypes.EncodeAggregateShareResp(resp); err != nil {
		return nil, err
	}
	return reporttypes.DecodeAggregateShareResp(b)
}
