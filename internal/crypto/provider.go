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

// Package crypto provides the hashing and signature primitives used to
// validate images, behind an interface which a hardware crypto engine can
// also implement.
package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
	"k8s.io/klog/v2"
)

// Algorithm binds an imported key to the only operation it may be used for.
type Algorithm int

const (
	// ECDSAP256SHA256 is ECDSA over P-256 with SHA-256 digests.
	ECDSAP256SHA256 Algorithm = iota + 1
)

func (a Algorithm) String() string {
	switch a {
	case ECDSAP256SHA256:
		return "ECDSA-P256-SHA256"
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// KeyHandle refers to a key held in a provider's volatile key slots.
// The zero value is never a valid handle.
type KeyHandle uint32

// ErrNoSlots is returned by ImportKey when every key slot is in use.
var ErrNoSlots = errors.New("no free key slots")

// Provider is the set of cryptographic operations needed by the validator.
type Provider interface {
	// Hash returns the SHA-256 digest of data.
	Hash(data []byte) [sha256.Size]byte
	// HashCompare returns true if digest equals want, in constant time.
	HashCompare(digest, want []byte) bool
	// ImportKey places raw, an uncompressed public key point, into a key
	// slot for use with alg.
	ImportKey(raw []byte, alg Algorithm) (KeyHandle, error)
	// Verify returns true if sig is a valid signature of digest under the
	// key referred to by h.
	Verify(h KeyHandle, digest, sig []byte) bool
	// Release frees the key slot referred to by h. Releasing an unknown
	// handle is a no-op.
	Release(h KeyHandle)
}

// DefaultSlots is the number of key slots of a Software provider created
// with NewSoftware(0).
const DefaultSlots = 4

// Software is a Provider implemented with the Go standard crypto packages.
type Software struct {
	mu    sync.Mutex
	slots map[KeyHandle]*ecdsa.PublicKey
	max   int
	next  KeyHandle
}

// NewSoftware creates a provider with n key slots, or DefaultSlots if n is
// zero.
func NewSoftware(n int) *Software {
	if n <= 0 {
		n = DefaultSlots
	}
	return &Software{
		slots: make(map[KeyHandle]*ecdsa.PublicKey),
		max:   n,
	}
}

// Hash implements Provider.
func (s *Software) Hash(data []byte) [sha256.Size]byte {
	return sha256.Sum256(data)
}

// HashCompare implements Provider.
func (s *Software) HashCompare(digest, want []byte) bool {
	return subtle.ConstantTimeCompare(digest, want) == 1
}

// ImportKey implements Provider.
func (s *Software) ImportKey(raw []byte, alg Algorithm) (KeyHandle, error) {
	if alg != ECDSAP256SHA256 {
		return 0, fmt.Errorf("unsupported algorithm %v", alg)
	}
	// Rejects anything but an uncompressed point on the curve.
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return 0, fmt.Errorf("invalid P-256 public key: %v", err)
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(raw[1:33]),
		Y:     new(big.Int).SetBytes(raw[33:65]),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.slots) >= s.max {
		return 0, ErrNoSlots
	}
	s.next++
	if s.next == 0 {
		s.next++
	}
	s.slots[s.next] = pub
	klog.V(2).Infof("Imported %v key into slot %d", alg, s.next)
	return s.next, nil
}

// Verify implements Provider.
func (s *Software) Verify(h KeyHandle, digest, sig []byte) bool {
	s.mu.Lock()
	pub, ok := s.slots[h]
	s.mu.Unlock()
	if !ok {
		klog.Warningf("Verify called with unknown key handle %d", h)
		return false
	}
	r, ss, err := ParseSignature(sig)
	if err != nil {
		klog.V(2).Infof("Rejecting signature: %v", err)
		return false
	}
	return ecdsa.Verify(pub, digest, r, ss)
}

// Release implements Provider.
func (s *Software) Release(h KeyHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, h)
}

// InUse returns the number of occupied key slots.
func (s *Software) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// ParseSignature decodes a P-256 signature given either as raw 64-byte
// r||s, or as an ASN.1 DER Ecdsa-Sig-Value.
func ParseSignature(sig []byte) (r, s *big.Int, err error) {
	if len(sig) == 64 {
		return new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:]), nil
	}

	r, s = new(big.Int), new(big.Int)
	var inner cryptobyte.String
	in := cryptobyte.String(sig)
	if !in.ReadASN1(&inner, asn1.SEQUENCE) ||
		!in.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, nil, fmt.Errorf("signature of %d bytes is neither raw nor DER", len(sig))
	}
	if r.Sign() <= 0 || s.Sign() <= 0 {
		return nil, nil, errors.New("signature has non-positive component")
	}
	return r, s, nil
}
