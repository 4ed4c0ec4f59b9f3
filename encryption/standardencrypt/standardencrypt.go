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

// Package standardencrypt contains the hybrid public-key encryption of input and aggregate shares.
//
// Ciphertexts are produced by Tink's ECIES-HKDF-AES128-GCM hybrid primitive, which embeds the
// encapsulated key in its output; HpkeCiphertext.Enc is therefore left empty.
package standardencrypt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/google/tink/go/hybrid"
	"github.com/google/tink/go/insecurecleartextkeyset"
	"github.com/google/tink/go/keyset"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
)

// Algorithm identifiers advertised in the HPKE configs of generated keys.
const (
	KemP256HkdfSha256 uint16 = 0x0010
	KdfHkdfSha256     uint16 = 0x0001
	AeadAes128Gcm     uint16 = 0x0001
)

// ErrUnknownConfig is returned when a ciphertext names an HPKE config the keyring does not hold.
var ErrUnknownConfig = errors.New("unknown HPKE config")

// GenerateKeyPair generates a private keyset and the corresponding public keyset, both serialized.
func GenerateKeyPair() (privateKey, publicKey []byte, err error) {
	priv, err := keyset.NewHandle(hybrid.ECIESHKDFAES128GCMKeyTemplate())
	if err != nil {
		return nil, nil, err
	}
	bPriv := new(bytes.Buffer)
	if err := insecurecleartextkeyset.Write(priv, keyset.NewBinaryWriter(bPriv)); err != nil {
		return nil, nil, err
	}

	pub, err := priv.Public()
	if err != nil {
		return nil, nil, err
	}
	bPub := new(bytes.Buffer)
	if err := insecurecleartextkeyset.Write(pub, keyset.NewBinaryWriter(bPub)); err != nil {
		return nil, nil, err
	}
	return bPriv.Bytes(), bPub.Bytes(), nil
}

// Encrypt encrypts the input message with the given public key.
func Encrypt(message, contextInfo, publicKey []byte) ([]byte, error) {
	pub, err := insecurecleartextkeyset.Read(keyset.NewBinaryReader(bytes.NewBuffer(publicKey)))
	if err != nil {
		return nil, err
	}
	he, err := hybrid.NewHybridEncrypt(pub)
	if err != nil {
		return nil, err
	}
	return he.Encrypt(message, contextInfo)
}

// Decrypt decrypts the message with the given private key.
func Decrypt(encrypted, contextInfo, privateKey []byte) ([]byte, error) {
	if len(privateKey) == 0 {
		return nil, errors.New("empty private key")
	}
	priv, err := insecurecleartextkeyset.Read(keyset.NewBinaryReader(bytes.NewBuffer(privateKey)))
	if err != nil {
		return nil, err
	}
	hd, err := hybrid.NewHybridDecrypt(priv)
	if err != nil {
		return nil, err
	}
	return hd.Decrypt(encrypted, contextInfo)
}

// EncryptTo encrypts a message to the receiver of an HPKE config.
func EncryptTo(cfg *reporttypes.HpkeConfig, message, contextInfo []byte) (*reporttypes.HpkeCiphertext, error) {
	ct, err := Encrypt(message, contextInfo, cfg.PublicKey)
	if err != nil {
		return nil, err
	}
	return &reporttypes.HpkeCiphertext{ConfigID: cfg.ID, Payload: ct}, nil
}

// KeyPair is an HPKE config together with its private key.
type KeyPair struct {
	Config     reporttypes.HpkeConfig
	PrivateKey []byte
}

// GenerateKeyPairWithID generates a key pair advertised under the given config ID.
func GenerateKeyPairWithID(id uint8) (*KeyPair, error) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Config: reporttypes.HpkeConfig{
			ID:        id,
			KemID:     KemP256HkdfSha256,
			KdfID:     KdfHkdfSha256,
			AeadID:    AeadAes128Gcm,
			PublicKey: pub,
		},
		PrivateKey: priv,
	}, nil
}

// Keyring holds the key pairs of an aggregator, indexed by config ID. It is immutable.
type Keyring struct {
	pairs   map[uint8]*KeyPair
	current uint8
}

// NewKeyring builds a keyring; the pair with ID current is advertised to clients.
func NewKeyring(current uint8, pairs ...*KeyPair) (*Keyring, error) {
	k := &Keyring{pairs: make(map[uint8]*KeyPair), current: current}
	for _, p := range pairs {
		if _, ok := k.pairs[p.Config.ID]; ok {
			return nil, fmt.Errorf("duplicate HPKE config ID %d", p.Config.ID)
		}
		k.pairs[p.Config.ID] = p
	}
	if _, ok := k.pairs[current]; !ok {
		return nil, fmt.Errorf("current HPKE config %d not in keyring", current)
	}
	return k, nil
}

// Current returns the config clients should encrypt to.
func (k *Keyring) Current() reporttypes.HpkeConfig {
	return k.pairs[k.current].Config
}

// Config returns the config with the given ID.
func (k *Keyring) Config(id uint8) (reporttypes.HpkeConfig, error) {
	p, ok := k.pairs[id]
	if !ok {
		return reporttypes.HpkeConfig{}, fmt.Errorf("%w: %d", ErrUnknownConfig, id)
	}
	return p.Config, nil
}

// Has reports whether the keyring holds the config with the given ID.
func (k *Keyring) Has(id uint8) bool {
	_, ok := k.pairs[id]
	return ok
}

// Pairs returns the key pairs ordered by config ID.
func (k *Keyring) Pairs() []*KeyPair {
	var pairs []*KeyPair
	for _, p := range k.pairs {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Config.ID < pairs[j].Config.ID })
	return pairs
}

// Decrypt decrypts a ciphertext with the private key of the config it names.
func (k *Keyring) Decrypt(ct *reporttypes.HpkeCiphertext, contextInfo []byte) ([]byte, error) {
	p, ok := k.pairs[ct.ConfigID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConfig, ct.ConfigID)
	}
	return Decrypt(ct.Payload, contextInfo, p.PrivateKey)
}
