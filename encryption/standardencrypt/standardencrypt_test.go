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

package standardencrypt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

func TestRandomKeyGeneration(t *testing.T) {
	priv1, pub1, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() = %s", err)
	}
	priv2, pub2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() = %s", err)
	}
	if bytes.Equal(priv1, priv2) {
		t.Fatalf("duplicated private keys")
	}
	if bytes.Equal(pub1, pub2) {
		t.Fatalf("duplicated public keys")
	}
}

func TestEncryptAndDecrypt(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() = %s", err)
	}
	message := "Message"
	contextInfo := "context info"

	encrypted, err := Encrypt([]byte(message), []byte(contextInfo), pub)
	if err != nil {
		t.Fatalf("Encrypt(%s) = %s", message, err)
	}
	encryptedAgain, err := Encrypt([]byte(message), []byte(contextInfo), pub)
	if err != nil {
		t.Fatalf("Encrypt(%s) = %s", message, err)
	}
	if bytes.Equal(encrypted, encryptedAgain) {
		t.Fatalf("same encrypted results for the same messages %s", message)
	}

	decrypted, err := Decrypt(encrypted, []byte(contextInfo), priv)
	if err != nil {
		t.Fatalf("Decrypt() = %s", err)
	}
	if message != string(decrypted) {
		t.Fatalf("want decrypted message %s, got %s", message, decrypted)
	}

	if _, err := Decrypt(encrypted, []byte("other context"), priv); err == nil {
		t.Error("expect decryption to fail with a different context")
	}
}

func TestKeyring(t *testing.T) {
	var pairs []*KeyPair
	for _, id := range []uint8{23, 119} {
		p, err := GenerateKeyPairWithID(id)
		if err != nil {
			t.Fatal(err)
		}
		pairs = append(pairs, p)
	}
	keyring, err := NewKeyring(119, pairs...)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := keyring.Current().ID, uint8(119); got != want {
		t.Errorf("current config ID = %d, want %d", got, want)
	}
	if diff := cmp.Diff(pairs[0].Config, mustConfig(t, keyring, 23)); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	info := []byte("info")
	ct, err := EncryptTo(&pairs[0].Config, []byte("share"), info)
	if err != nil {
		t.Fatal(err)
	}
	got, err := keyring.Decrypt(ct, info)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "share" {
		t.Errorf("got %q, want share", got)
	}

	ct.ConfigID = 7
	if _, err := keyring.Decrypt(ct, info); !errors.Is(err, ErrUnknownConfig) {
		t.Errorf("expect ErrUnknownConfig, got %v", err)
	}
	if keyring.Has(7) {
		t.Error("keyring should not hold config 7")
	}

	if _, err := NewKeyring(1, pairs...); err == nil {
		t.Error("expect error when the current config is missing")
	}
	if _, err := NewKeyring(23, pairs[0], pairs[0]); err == nil {
		t.Error("expect error for duplicate config IDs")
	}
}

func mustConfig(t *testing.T, k *Keyring, id uint8) reporttypes.HpkeConfig {
	t.Helper()
	cfg, err := k.Config(id)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}
