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

package cryptoio

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/standardencrypt"
)

func TestSaveReadKeyring(t *testing.T) {
	ctx := context.Background()
	want, err := GenerateKeyring(3, 1)
	if err != nil {
		t.Fatal(err)
	}
	uri, err := SaveKeyring(ctx, &SaveKeyringParams{KeyDir: t.TempDir()}, want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadKeyring(ctx, uri)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want.Pairs(), got.Pairs()); diff != "" {
		t.Errorf("keyring mismatch (-want +got):\n%s", diff)
	}
	if got.Current().ID != 3 {
		t.Errorf("current config ID = %d, want 3", got.Current().ID)
	}

	cfg := want.Current()
	ct, err := standardencrypt.EncryptTo(&cfg, []byte("share"), nil)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := got.Decrypt(ct, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "share" {
		t.Errorf("got %q, want share", plain)
	}
}

func TestSaveReadHpkeConfig(t *testing.T) {
	ctx := context.Background()
	keyring, err := GenerateKeyring(9)
	if err != nil {
		t.Fatal(err)
	}
	uri := filepath.Join(t.TempDir(), "hpke_config")
	if err := SaveHpkeConfig(ctx, keyring.Current(), uri); err != nil {
		t.Fatal(err)
	}
	got, err := ReadHpkeConfig(ctx, uri)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(keyring.Current(), *got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateKeyringRequiresID(t *testing.T) {
	if _, err := GenerateKeyring(); err == nil {
		t.Error("expect error generating an empty keyring")
	}
}
