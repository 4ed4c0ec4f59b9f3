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

package utils

import (
	"github.com/ugorji/go/codec"
)

// cborHandle encodes map keys in canonical order so equal records encode to equal bytes.
var cborHandle = &codec.CborHandle{BasicHandle: codec.BasicHandle{EncodeOptions: codec.EncodeOptions{Canonical: true}}}

// MarshalCBOR encodes a stored record.
func MarshalCBOR(v interface{}) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, cborHandle).Encode(v); err != nil {
		return nil, err
	}
	return b, nil
}

// UnmarshalCBOR decodes a stored record.
func UnmarshalCBOR(b []byte, v interface{}) error {
	return codec.NewDecoderBytes(b, cborHandle).Decode(v)
}
