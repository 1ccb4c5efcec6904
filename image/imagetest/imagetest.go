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

// Package imagetest provides helpers for building images in tests.
package imagetest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/transparency-dev/armored-dfu/image"
	"github.com/transparency-dev/armored-dfu/nvm"
)

// Window is an nvm.Window over a byte slice mapped at Base.
type Window = nvm.Mem

// NewKey returns a fresh P-256 signing key.
func NewKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

// PublicKey returns the uncompressed encoding of key's public half.
func PublicKey(t testing.TB, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	b, err := image.PublicKeyBytes(&key.PublicKey)
	if err != nil {
		t.Fatalf("PublicKeyBytes: %v", err)
	}
	return b
}

// KeyHash returns the trust anchor entry for key.
func KeyHash(t testing.TB, key *ecdsa.PrivateKey) [32]byte {
	t.Helper()
	return sha256.Sum256(PublicKey(t, key)[1:])
}

// Signed returns a complete image of payload signed by key.
func Signed(t testing.TB, key *ecdsa.PrivateKey, payload []byte, opts image.SignOpts) []byte {
	t.Helper()
	img, err := image.Sign(image.Header{LoadAddr: 0, Version: image.Version{Major: 1}}, payload, key, opts)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return img
}

// WithTrailer returns an image of payload followed by the trailer tr.
func WithTrailer(t testing.TB, payload []byte, tr *image.Trailer) []byte {
	t.Helper()
	img, err := image.Layout(image.Header{}, payload)
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	tb, err := tr.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return append(img, tb...)
}

// Digest returns the hash of the header and payload of payload laid out with
// a default header, i.e. the value WithTrailer images should carry.
func Digest(t testing.TB, payload []byte) []byte {
	t.Helper()
	img, err := image.Layout(image.Header{}, payload)
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	d := sha256.Sum256(img)
	return d[:]
}

// Sig signs digest with key, returning the raw r||s encoding.
func Sig(t testing.TB, key *ecdsa.PrivateKey, digest []byte) []byte {
	t.Helper()
	s, err := image.SignDigest(key, digest, false)
	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}
	return s
}

// Payload returns n bytes of deterministic filler whose first two words are
// non-zero.
func Payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 1)
	}
	return b
}
