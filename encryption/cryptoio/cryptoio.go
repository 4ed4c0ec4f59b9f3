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

// Package cryptoio contains functions for reading and writing HPKE keyrings.
package cryptoio

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/privacy-sandbox-dap-aggregator/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/utils"
	"github.com/google/tink/go/aead"
	"github.com/google/tink/go/core/registry"
	"github.com/google/tink/go/integration/gcpkms"
	"github.com/google/tink/go/keyset"
	"github.com/google/tink/go/tink"
)

// DefaultKeyringFile is the file name of a keyring description inside a key directory.
const DefaultKeyringFile = "KEYRING.json"

func getAEADForKMS(keyURI, credentialPath string) (tink.AEAD, error) {
	var (
		gcpclient registry.KMSClient
		err       error
	)
	if credentialPath != "" {
		gcpclient, err = gcpkms.NewClientWithCredentials(keyURI, credentialPath)
	} else {
		gcpclient, err = gcpkms.NewClient(keyURI)
	}
	if err != nil {
		return nil, err
	}
	registry.RegisterKMSClient(gcpclient)

	dek := aead.AES128CTRHMACSHA256KeyTemplate()
	kh, err := keyset.NewHandle(aead.KMSEnvelopeAEADKeyTemplate(keyURI, dek))
	if err != nil {
		return nil, err
	}
	return aead.New(kh)
}

// KMSEncryptData encrypts the input data with GCP KMS.
//
// The key URI should be in the following format, and the key version is not needed.
// "gcp-kms://projects/<GCP ID>/locations/<key location>/keyRings/<key ring name>/cryptoKeys/<key name>"
func KMSEncryptData(ctx context.Context, keyURI, credentialPath string, data []byte) ([]byte, error) {
	a, err := getAEADForKMS(keyURI, credentialPath)
	if err != nil {
		return nil, err
	}
	return a.Encrypt(data, nil)
}

// KMSDecryptData decrypts the input data with GCP KMS.
func KMSDecryptData(ctx context.Context, keyURI, credentialPath string, encryptedData []byte) ([]byte, error) {
	a, err := getAEADForKMS(keyURI, credentialPath)
	if err != nil {
		return nil, err
	}
	return a.Decrypt(encryptedData, nil)
}

// ReadPrivateKeyParams tells where and how a private key is stored.
type ReadPrivateKeyParams struct {
	// KMSKeyURI and KMSCredentialPath are required by Google Key Mangagement service.
	// If KMSKeyURI is empty, the private key is not encrypted with KMS.
	KMSKeyURI         string `json:"kms_key_uri,omitempty"`
	KMSCredentialPath string `json:"kms_credential_path,omitempty"`
	// SecretName is required by Google SecretManager service.
	SecretName string `json:"secret_name,omitempty"`
	// File path of the (encrypted) private key if it's not stored with SecretManager.
	FilePath string `json:"file_path,omitempty"`
}

// ReadPrivateKey reads a private key as described by params.
func ReadPrivateKey(ctx context.Context, params *ReadPrivateKeyParams) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if params.SecretName != "" {
		data, err = utils.ReadSecret(ctx, params.SecretName)
	} else {
		data, err = utils.ReadBytes(ctx, params.FilePath)
	}
	if err != nil {
		return nil, err
	}
	if params.KMSKeyURI != "" {
		return KMSDecryptData(ctx, params.KMSKeyURI, params.KMSCredentialPath, data)
	}
	return data, nil
}

// SaveKeyringParams contains necessary parameters for function SaveKeyring.
type SaveKeyringParams struct {
	// KMSKeyURI and KMSCredentialPath are required by Google Key Mangagement service.
	// If KMSKeyURI is empty, the private keys are not encrypted with KMS.
	KMSKeyURI, KMSCredentialPath string
	// SecretProjectID is required by Google SecretManager service; secrets are named
	// "<SecretPrefix>-<config ID>". If SecretProjectID is empty, the keys are stored as files.
	SecretProjectID, SecretPrefix string
	// KeyDir is the local or GCS directory holding the private key files and the keyring description.
	KeyDir string
}

type keyringEntry struct {
	Config     reporttypes.HpkeConfig `json:"config"`
	PrivateKey *ReadPrivateKeyParams  `json:"private_key"`
}

type keyringFile struct {
	Current uint8          `json:"current"`
	Keys    []keyringEntry `json:"keys"`
}

func savePrivateKey(ctx context.Context, params *SaveKeyringParams, pair *standardencrypt.KeyPair) (*ReadPrivateKeyParams, error) {
	data := pair.PrivateKey
	var err error
	if params.KMSKeyURI != "" {
		data, err = KMSEncryptData(ctx, params.KMSKeyURI, params.KMSCredentialPath, data)
		if err != nil {
			return nil, err
		}
	}
	readParams := &ReadPrivateKeyParams{KMSKeyURI: params.KMSKeyURI, KMSCredentialPath: params.KMSCredentialPath}
	if params.SecretProjectID != "" {
		readParams.SecretName, err = utils.SaveSecret(ctx, data, params.SecretProjectID, fmt.Sprintf("%s-%d", params.SecretPrefix, pair.Config.ID))
		return readParams, err
	}
	readParams.FilePath = utils.JoinPath(params.KeyDir, fmt.Sprintf("hpke_private_key_%d", pair.Config.ID))
	return readParams, utils.WriteBytes(ctx, data, readParams.FilePath)
}

// SaveKeyring saves the private keys of a keyring and a description of how to read them back,
// returning the URI of the description.
//
// The private keys are allowed to be stored without KMS encryption for testing only, otherwise
// they should always be encrypted before storage.
func SaveKeyring(ctx context.Context, params *SaveKeyringParams, keyring *standardencrypt.Keyring) (string, error) {
	f := keyringFile{Current: keyring.Current().ID}
	for _, pair := range keyring.Pairs() {
		readParams, err := savePrivateKey(ctx, params, pair)
		if err != nil {
			return "", fmt.Errorf("save private key %d: %w", pair.Config.ID, err)
		}
		f.Keys = append(f.Keys, keyringEntry{Config: pair.Config, PrivateKey: readParams})
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return "", err
	}
	uri := utils.JoinPath(params.KeyDir, DefaultKeyringFile)
	return uri, utils.WriteBytes(ctx, b, uri)
}

// ReadKeyring reads a keyring description and the private keys it points to.
func ReadKeyring(ctx context.Context, uri string) (*standardencrypt.Keyring, error) {
	b, err := utils.ReadBytes(ctx, uri)
	if err != nil {
		return nil, err
	}
	var f keyringFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse keyring %s: %w", uri, err)
	}
	var pairs []*standardencrypt.KeyPair
	for _, entry := range f.Keys {
		if entry.PrivateKey == nil {
			return nil, fmt.Errorf("missing private key for HPKE config %d", entry.Config.ID)
		}
		priv, err := ReadPrivateKey(ctx, entry.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("read private key %d: %w", entry.Config.ID, err)
		}
		pairs = append(pairs, &standardencrypt.KeyPair{Config: entry.Config, PrivateKey: priv})
	}
	return standardencrypt.NewKeyring(f.Current, pairs...)
}

// GenerateKeyring generates a keyring with one key pair per ID; the first ID is current.
func GenerateKeyring(ids ...uint8) (*standardencrypt.Keyring, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("expect at least one HPKE config ID")
	}
	var pairs []*standardencrypt.KeyPair
	for _, id := range ids {
		pair, err := standardencrypt.GenerateKeyPairWithID(id)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return standardencrypt.NewKeyring(ids[0], pairs...)
}

// SaveHpkeConfig saves the public HPKE config of an aggregator for clients and collectors.
func SaveHpkeConfig(ctx context.Context, cfg reporttypes.HpkeConfig, uri string) error {
	b, err := reporttypes.EncodeHpkeConfig(&cfg)
	if err != nil {
		return err
	}
	return utils.WriteBytes(ctx, b, uri)
}

// ReadHpkeConfig reads an HPKE config saved by SaveHpkeConfig or served by an aggregator.
func ReadHpkeConfig(ctx context.Context, uri string) (*reporttypes.HpkeConfig, error) {
	b, err := utils.ReadBytes(ctx, uri)
	if err != nil {
		return nil, err
	}
	return reporttypes.DecodeHpkeConfig(b)
}
