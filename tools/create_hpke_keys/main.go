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

// This binary creates the HPKE keyring of an aggregator or a collector.
package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/cryptoio"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/utils"
)

var (
	kmsKeyURI         = flag.String("kms_key_uri", "", "Key URI of the GCP KMS service.")
	kmsCredentialFile = flag.String("kms_credential_file", "", "Path of the JSON file that stores the credential information for the KMS service.")
	secretProjectID   = flag.String("secret_project_id", "", "ID of the GCP project that provides the SecretManager service.")
	secretPrefix      = flag.String("secret_prefix", "dap-hpke-key", "Prefix of the secret names.")
	keyDir            = flag.String("key_dir", "", "Output directory for the keyring description and the private key files.")
	configIDs         = flag.String("config_ids", "1", "Comma separated HPKE config IDs to generate; the first one is current.")

	hpkeConfigFile = flag.String("hpke_config_file", "", "Output file for the encoded public HPKE config of the current key.")
)

func parseIDs(s string) ([]uint8, error) {
	var ids []uint8
	for _, f := range strings.Split(s, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(f), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid HPKE config ID %q: %w", f, err)
		}
		ids = append(ids, uint8(id))
	}
	return ids, nil
}

func main() {
	flag.Parse()

	ids, err := parseIDs(*configIDs)
	if err != nil {
		log.Exit(err)
	}
	keyring, err := cryptoio.GenerateKeyring(ids...)
	if err != nil {
		log.Exit(err)
	}
	if *kmsKeyURI == "" {
		log.Warning("non-encrypted private key should be stored only for testing")
	}

	ctx := context.Background()
	uri, err := cryptoio.SaveKeyring(ctx, &cryptoio.SaveKeyringParams{
		KMSKeyURI:         *kmsKeyURI,
		KMSCredentialPath: *kmsCredentialFile,
		SecretProjectID:   *secretProjectID,
		SecretPrefix:      *secretPrefix,
		KeyDir:            *keyDir,
	}, keyring)
	if err != nil {
		log.Exit(err)
	}
	log.Infof("keyring saved to %s", uri)

	if *hpkeConfigFile != "" {
		if err := cryptoio.SaveHpkeConfig(ctx, keyring.Current(), *hpkeConfigFile); err != nil {
			log.Exit(err)
		}
	}
	text, err := keyring.Current().MarshalText()
	if err != nil {
		log.Exit(err)
	}
	// The base64url form is what DAP_TASKPROV_COLLECTOR_HPKE_CONFIG and task files expect.
	if err := utils.WriteBytes(ctx, text, utils.JoinPath(*keyDir, "hpke_config.txt")); err != nil {
		log.Exit(err)
	}
}
