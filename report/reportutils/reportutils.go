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

// Package reportutils contains the client and collector sides of the protocol: generating
// encrypted reports from raw measurements, and decrypting collection results.
package reportutils

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"

	"lukechampine.com/uint128"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/secretshare"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/utils"
)

// RawReport is a measurement taken by a client at a given time.
type RawReport struct {
	Time  uint64
	Value uint64
}

// ParseRawReport parses a raw report line of the form "<time>,<value>".
func ParseRawReport(line string) (RawReport, error) {
	cols := strings.Split(line, ",")
	if got, want := len(cols), 2; got != want {
		return RawReport{}, fmt.Errorf("got %d columns in line %q, want %d", got, line, want)
	}
	ts, err := strconv.ParseUint(strings.TrimSpace(cols[0]), 10, 64)
	if err != nil {
		return RawReport{}, err
	}
	value, err := strconv.ParseUint(strings.TrimSpace(cols[1]), 10, 64)
	if err != nil {
		return RawReport{}, err
	}
	return RawReport{Time: ts, Value: value}, nil
}

// ReadRawReports reads raw reports from a file. Each line of the file represents a report.
func ReadRawReports(ctx context.Context, filename string) ([]RawReport, error) {
	lines, err := utils.ReadLines(ctx, filename)
	if err != nil {
		return nil, err
	}
	var reports []RawReport
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		r, err := ParseRawReport(l)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// GenerateReportParams contains the task settings a client needs to build reports.
type GenerateReportParams struct {
	Version      reporttypes.Version
	TaskID       reporttypes.TaskID
	Vdaf         secretshare.Config
	LeaderConfig reporttypes.HpkeConfig
	HelperConfig reporttypes.HpkeConfig
	Extensions   []reporttypes.Extension
}

// GenerateReport splits a measurement into input shares and encrypts them to the aggregators.
func GenerateReport(params *GenerateReportParams, measurement, ts uint64) (*reporttypes.Report, error) {
	md := reporttypes.ReportMetadata{Time: ts, Extensions: params.Extensions}
	if _, err := rand.Read(md.ID[:]); err != nil {
		return nil, err
	}
	publicShare, inputShares, err := params.Vdaf.Shard(measurement)
	if err != nil {
		return nil, err
	}

	report := &reporttypes.Report{TaskID: params.TaskID, Metadata: md, PublicShare: publicShare}
	for i, receiver := range []struct {
		role reporttypes.Role
		cfg  *reporttypes.HpkeConfig
	}{
		{reporttypes.RoleLeader, &params.LeaderConfig},
		{reporttypes.RoleHelper, &params.HelperConfig},
	} {
		info, err := reporttypes.InputShareInfo(params.TaskID, &md, publicShare, receiver.role)
		if err != nil {
			return nil, err
		}
		ct, err := standardencrypt.EncryptTo(receiver.cfg, inputShares[i], info)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s input share: %w", receiver.role, err)
		}
		report.EncryptedInputShares = append(report.EncryptedInputShares, *ct)
	}
	return report, nil
}

// DecryptCollection decrypts the aggregate shares of a collection and recovers the result.
func DecryptCollection(keyring *standardencrypt.Keyring, taskID reporttypes.TaskID, vdaf secretshare.Config, sel *reporttypes.BatchSelector, collection *reporttypes.Collection) (uint128.Uint128, error) {
	if n := len(collection.EncryptedAggShares); n != 2 {
		return uint128.Zero, fmt.Errorf("expect 2 encrypted aggregate shares, got %d", n)
	}
	var shares [][]byte
	for i, sender := range []reporttypes.Role{reporttypes.RoleLeader, reporttypes.RoleHelper} {
		info, err := reporttypes.AggregateShareInfo(taskID, sel, sender)
		if err != nil {
			return uint128.Zero, err
		}
		share, err := keyring.Decrypt(&collection.EncryptedAggShares[i], info)
		if err != nil {
			return uint128.Zero, fmt.Errorf("decrypt %s aggregate share: %w", sender, err)
		}
		shares = append(shares, share)
	}
	return vdaf.Unshard(shares)
}

// BatchSelectorForCollection returns the selector the aggregate shares of a collection are bound
// to, given the query that requested it.
func BatchSelectorForCollection(q *reporttypes.Query, collection *reporttypes.Collection) *reporttypes.BatchSelector {
	if q.Type == reporttypes.QueryTypeTimeInterval {
		return &reporttypes.BatchSelector{Type: q.Type, BatchInterval: q.BatchInterval}
	}
	return &reporttypes.BatchSelector{Type: q.Type, BatchID: collection.PartBatchSelector.BatchID}
}
