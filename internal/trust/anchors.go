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

// Package trust decides whether a public key found in an image trailer is
// one the device has been provisioned to accept.
package trust

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"k8s.io/klog/v2"
)

const (
	// DefaultPrefixLen is the number of leading key hash bytes compared
	// against each anchor unless configured otherwise.
	DefaultPrefixLen = 16
	// MinPrefixLen is the shortest accepted comparison prefix.
	MinPrefixLen = 16

	// uncompressedPointLen is the size of a SEC 1 uncompressed P-256 point.
	uncompressedPointLen = 65
)

// ErrUntrusted is returned when a key does not match any anchor.
var ErrUntrusted = errors.New("untrusted key")

// Anchor is the SHA-256 digest of the X||Y coordinates of an authorized
// signing key.
type Anchor [sha256.Size]byte

// Anchors is an allow-list of trusted key hashes.
type Anchors struct {
	entries   []Anchor
	prefixLen int
}

// New creates an allow-list comparing the first prefixLen bytes of key
// hashes against entries. A zero prefixLen selects DefaultPrefixLen.
func New(entries []Anchor, prefixLen int) (*Anchors, error) {
	if prefixLen == 0 {
		prefixLen = DefaultPrefixLen
	}
	if prefixLen < MinPrefixLen || prefixLen > sha256.Size {
		return nil, fmt.Errorf("anchor prefix length %d outside [%d, %d]", prefixLen, MinPrefixLen, sha256.Size)
	}
	if prefixLen < sha256.Size {
		klog.V(1).Infof("Trust anchors compare only the first %d bytes of key hashes", prefixLen)
	}
	return &Anchors{
		entries:   append([]Anchor(nil), entries...),
		prefixLen: prefixLen,
	}, nil
}

// Len returns the number of anchors.
func (a *Anchors) Len() int {
	return len(a.entries)
}

// Check returns nil if key, an uncompressed P-256 point, is trusted, or
// ErrUntrusted otherwise.
//
// Every entry is compared in constant time, there is no early exit on match.
func (a *Anchors) Check(key []byte) error {
	if len(key) != uncompressedPointLen || key[0] != 0x04 {
		return fmt.Errorf("%w: malformed key of %d bytes", ErrUntrusted, len(key))
	}
	h := sha256.Sum256(key[1:])

	match := 0
	for i := range a.entries {
		match |= subtle.ConstantTimeCompare(h[:a.prefixLen], a.entries[i][:a.prefixLen])
	}
	if match != 1 {
		return fmt.Errorf("%w: key hash %x", ErrUntrusted, h[:a.prefixLen])
	}
	return nil
}

// Parse reads anchors from text holding one hex-encoded SHA-256 digest per
// line. Blank lines and lines starting with '#' are ignored.
func Parse(text []byte) ([]Anchor, error) {
	var r []Anchor
	s := bufio.NewScanner(bytes.NewReader(text))
	for n := 1; s.Scan(); n++ {
		l := strings.TrimSpace(s.Text())
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		a, err := ParseAnchor(l)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", n, err)
		}
		r = append(r, a)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseAnchor decodes a single hex-encoded anchor.
func ParseAnchor(s string) (Anchor, error) {
	var a Anchor
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid anchor %q: %v", s, err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("invalid anchor %q: got %d bytes, want %d", s, len(b), len(a))
	}
	copy(a[:], b)
	return a, nil
}

// KeyHash returns the anchor entry for key, an uncompressed P-256 point.
func KeyHash(key []byte) (Anchor, error) {
	if len(key) != uncompressedPointLen || key[0] != 0x04 {
		return Anchor{}, fmt.Errorf("malformed key of %d bytes", len(key))
	}
	return sha256.Sum256(key[1:]), nil
}
