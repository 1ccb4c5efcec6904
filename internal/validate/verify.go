// Copyright 2024 The Armored DFU authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package validate

import (
	"crypto/sha256"
	"fmt"

	"github.com/transparency-dev/armored-dfu/internal/crypto"
)

// compareHash hashes signed and compares the result with the hash record
// value want, returning the digest on success.
func compareHash(p crypto.Provider, signed, want []byte) ([]byte, error) {
	if len(want) != sha256.Size {
		return nil, fmt.Errorf("%w: hash record of %d bytes", ErrHashMismatch, len(want))
	}
	d := p.Hash(signed)
	if !p.HashCompare(d[:], want) {
		return nil, fmt.Errorf("%w: computed %x, trailer has %x", ErrHashMismatch, d, want)
	}
	return d[:], nil
}

func verifySignature(p crypto.Provider, k crypto.KeyHandle, digest, sig []byte) error {
	if !p.Verify(k, digest, sig) {
		return ErrSignatureInvalid
	}
	return nil
}
