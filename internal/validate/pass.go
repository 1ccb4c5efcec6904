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
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-dfu/image"
	"github.com/transparency-dev/armored-dfu/internal/crypto"
	"k8s.io/klog/v2"
)

// State is the progress of a single validation pass.
type State int

const (
	StateStart State = iota
	StateHeaderChecked
	StateTrailerOpened
	StateScanning
	StateVerified
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateHeaderChecked:
		return "HeaderChecked"
	case StateTrailerOpened:
		return "TrailerOpened"
	case StateScanning:
		return "Scanning"
	case StateVerified:
		return "Verified"
	case StateDone:
		return "Done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// pass holds the state of one Validate call. It is discarded afterwards.
type pass struct {
	v     *Validator
	base  uint32
	state State

	digest  []byte
	key     crypto.KeyHandle
	haveKey bool
	signed  bool
}

func (p *pass) enter(s State) {
	klog.V(2).Infof("Image at %#x: %v -> %v", p.base, p.state, s)
	p.state = s
}

// release frees the imported key, if any. It must run on every exit path.
func (p *pass) release() {
	if p.haveKey {
		p.v.crypto.Release(p.key)
		p.haveKey = false
	}
}

func (p *pass) run() error {
	h, err := image.ReadHeader(p.v.w, p.base)
	if err != nil {
		if !errors.Is(err, image.ErrInvalidMagic) {
			err = fmt.Errorf("%w: %v", ErrInvalidMagic, err)
		}
		return err
	}
	p.enter(StateHeaderChecked)

	it, err := image.OpenTrailer(p.v.w, p.base, h)
	if err != nil {
		return err
	}
	p.enter(StateTrailerOpened)

	p.enter(StateScanning)
	for {
		r, err := it.Next()
		if errors.Is(err, image.ErrEndOfTrailer) {
			break
		}
		if err != nil {
			return err
		}
		klog.V(2).Infof("Image at %#x: %v record at %#x, %d bytes", p.base, r.Type, r.Offset, r.Length)
		if err := p.record(h, r); err != nil {
			return err
		}
	}

	if !p.signed {
		return fmt.Errorf("%w: trailer ended without a verified signature", ErrOutOfOrderRecords)
	}
	p.enter(StateDone)
	return nil
}

func (p *pass) record(h image.Header, r image.Record) error {
	val, err := r.Value(p.v.w)
	if err != nil {
		return err
	}

	switch r.Type {
	case image.TypeSHA256:
		signed, err := p.v.w.Bytes(p.base, uint32(h.SignedLen()))
		if err != nil {
			return fmt.Errorf("%w: reading signed range: %v", ErrHashMismatch, err)
		}
		d, err := compareHash(p.v.crypto, signed, val)
		if err != nil {
			return err
		}
		p.digest = d

	case image.TypePublicKey:
		if err := p.v.anchors.Check(val); err != nil {
			return fmt.Errorf("%w: %v", ErrUntrustedKey, err)
		}
		k, err := p.v.crypto.ImportKey(val, crypto.ECDSAP256SHA256)
		if err != nil {
			return fmt.Errorf("%w: import failed: %v", ErrUntrustedKey, err)
		}
		// A later key record replaces an earlier one.
		p.release()
		p.key, p.haveKey = k, true

	case image.TypeECDSA256:
		if p.digest == nil || !p.haveKey {
			return fmt.Errorf("%w: signature before hash and key", ErrOutOfOrderRecords)
		}
		if err := verifySignature(p.v.crypto, p.key, p.digest, val); err != nil {
			return err
		}
		p.signed = true
		p.enter(StateVerified)
		p.enter(StateScanning)

	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedRecordType, r.Type)
	}
	return nil
}
