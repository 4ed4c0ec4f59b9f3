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

package reportutils

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"lukechampine.com/uint128"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/secretshare"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

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

func TestParseRawReport(t *testing.T) {
	got, err := ParseRawReport("1637361337, 5")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(RawReport{Time: 1637361337, Value: 5}, got); diff != "" {
		t.Errorf("raw report mismatch (-want +got):\n%s", diff)
	}
	for _, line := range []string{"1", "a,1", "1,b", "1,2,3"} {
		if _, err := ParseRawReport(line); err == nil {
			t.Errorf("expect error parsing %q", line)
		}
	}
}

func TestReadRawReports(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.csv")
	if err := os.WriteFile(path, []byte("10,1\n20,0\n\n30,1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadRawReports(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	want := []RawReport{{10, 1}, {20, 0}, {30, 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("raw reports mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateReportAndDecryptShares(t *testing.T) {
	leader, helper := newKeyring(t, 1), newKeyring(t, 2)
	params := &GenerateReportParams{
		Version:      reporttypes.Draft04,
		TaskID:       reporttypes.TaskID{7},
		Vdaf:         secretshare.Config{Type: secretshare.TypeSum, Bits: 8},
		LeaderConfig: leader.Current(),
		HelperConfig: helper.Current(),
	}
	report, err := GenerateReport(params, 42, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(report.EncryptedInputShares); got != 2 {
		t.Fatalf("expect 2 input shares, got %d", got)
	}

	var sum []uint128.Uint128
	for i, tc := range []struct {
		role    reporttypes.Role
		keyring *standardencrypt.Keyring
	}{
		{reporttypes.RoleLeader, leader},
		{reporttypes.RoleHelper, helper},
	} {
		info, err := reporttypes.InputShareInfo(params.TaskID, &report.Metadata, report.PublicShare, tc.role)
		if err != nil {
			t.Fatal(err)
		}
		share, err := tc.keyring.Decrypt(&report.EncryptedInputShares[i], info)
		if err != nil {
			t.Fatalf("decrypt %s share: %v", tc.role, err)
		}
		out, err := params.Vdaf.Prepare(share)
		if err != nil {
			t.Fatal(err)
		}
		sum = append(sum, out)
	}
	if got := secretshare.Aggregate(sum...); got != uint128.From64(42) {
		t.Errorf("want 42, got %s", got)
	}

	// A share is bound to its receiver.
	info, err := reporttypes.InputShareInfo(params.TaskID, &report.Metadata, report.PublicShare, reporttypes.RoleHelper)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := leader.Decrypt(&report.EncryptedInputShares[0], info); err == nil {
		t.Error("expect decryption failure with the helper context")
	}
}

func TestDecryptCollection(t *testing.T) {
	collector := newKeyring(t, 9)
	cfg := collector.Current()
	taskID := reporttypes.TaskID{3}
	query := &reporttypes.Query{Type: reporttypes.QueryTypeTimeInterval, BatchInterval: reporttypes.Interval{Start: 3600, Duration: 3600}}
	collection := &reporttypes.Collection{PartBatchSelector: reporttypes.PartialBatchSelector{Type: reporttypes.QueryTypeTimeInterval}, ReportCount: 5}
	sel := BatchSelectorForCollection(query, collection)

	for i, sender := range []reporttypes.Role{reporttypes.RoleLeader, reporttypes.RoleHelper} {
		info, err := reporttypes.AggregateShareInfo(taskID, sel, sender)
		if err != nil {
			t.Fatal(err)
		}
		ct, err := standardencrypt.EncryptTo(&cfg, secretshare.EncodeShare(uint128.From64(uint64(i+2))), info)
		if err != nil {
			t.Fatal(err)
		}
		collection.EncryptedAggShares = append(collection.EncryptedAggShares, *ct)
	}

	got, err := DecryptCollection(collector, taskID, secretshare.Config{Type: secretshare.TypeCount}, sel, collection)
	if err != nil {
		t.Fatal(err)
	}
	if got != uint128.From64(5) {
		t.Errorf("want 5, got %s", got)
	}
}
