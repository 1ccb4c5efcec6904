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

// Package validate decides whether the image at a boot address may be
// executed.
//
// A signed image is accepted only if its trailer carries a hash record
// matching the header and payload, a public key record naming a trusted key,
// and a signature record over that hash which verifies under that key.
package validate

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-dfu/image"
	"github.com/transparency-dev/armored-dfu/internal/crypto"
	"github.com/transparency-dev/armored-dfu/internal/metadata"
	"github.com/transparency-dev/armored-dfu/nvm"
	"k8s.io/klog/v2"
)

var (
	// ErrInvalidMagic is returned when there is no valid image header at the
	// boot address.
	ErrInvalidMagic = image.ErrInvalidMagic
	// ErrMalformedTrailer is returned when the trailer cannot be parsed.
	ErrMalformedTrailer = image.ErrMalformedTrailer
	// ErrHashMismatch is returned when the image does not match its hash
	// record.
	ErrHashMismatch = errors.New("image hash mismatch")
	// ErrUntrustedKey is returned when the image key is not a trust anchor,
	// or cannot be imported.
	ErrUntrustedKey = errors.New("untrusted image key")
	// ErrSignatureInvalid is returned when the image signature does not
	// verify.
	ErrSignatureInvalid = errors.New("invalid image signature")
	// ErrOutOfOrderRecords is returned when a signature record precedes the
	// hash or key records it depends on, or when the trailer ends without a
	// verified signature.
	ErrOutOfOrderRecords = errors.New("out of order trailer records")
	// ErrUnsupportedRecordType is returned for trailer records the validator
	// does not understand.
	ErrUnsupportedRecordType = errors.New("unsupported trailer record type")
	// ErrNoVectorTable is returned in unsigned mode when the boot address
	// does not hold a plausible stack pointer and reset vector.
	ErrNoVectorTable = errors.New("no vector table at boot address")
)

// Verdict is the outcome of a successful validation.
type Verdict int

const (
	// Rejected accompanies every error.
	Rejected Verdict = iota
	// Verified means the image hash and signature were checked against a
	// trusted key.
	Verified
	// SanityCheckedOnly means image authentication is disabled and only the
	// vector table was found to be plausible.
	SanityCheckedOnly
)

func (v Verdict) String() string {
	switch v {
	case Rejected:
		return "rejected"
	case Verified:
		return "verified"
	case SanityCheckedOnly:
		return "sanity-checked only"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// KeyChecker decides whether a public key is trusted.
type KeyChecker interface {
	Check(key []byte) error
}

// AppLocator finds the start address of application slots.
type AppLocator interface {
	App(id int) (metadata.App, error)
}

// Options tunes a Validator.
type Options struct {
	// Unsigned disables image authentication: only the vector table at the
	// boot address is checked.
	Unsigned bool
}

// Validator checks images in NVM.
type Validator struct {
	w       nvm.Window
	anchors KeyChecker
	crypto  crypto.Provider
	apps    AppLocator
	opts    Options
}

// New creates a Validator reading images through w.
//
// apps may be nil if ValidateApp is not used.
func New(w nvm.Window, anchors KeyChecker, p crypto.Provider, apps AppLocator, opts Options) *Validator {
	if opts.Unsigned {
		klog.Warning("Image authentication is DISABLED, images will only be sanity checked")
	}
	return &Validator{
		w:       w,
		anchors: anchors,
		crypto:  p,
		apps:    apps,
		opts:    opts,
	}
}

// Validate checks the image at boot.
//
// An image is Verified only once a signature record has been checked against
// a trusted key and a matching hash. A trailer which ends without a verified
// signature, such as one holding only a hash record, is rejected with
// ErrOutOfOrderRecords.
//
// A non-nil error always means the image must not be launched.
func (v *Validator) Validate(boot uint32) (Verdict, error) {
	if v.opts.Unsigned {
		return v.sanityCheck(boot)
	}

	p := &pass{v: v, base: boot}
	defer p.release()
	if err := p.run(); err != nil {
		klog.Warningf("Image at %#x rejected in state %v: %v", boot, p.state, err)
		return Rejected, err
	}
	klog.Infof("Image at %#x verified", boot)
	return Verified, nil
}

// ValidateApp checks the image in application slot id.
func (v *Validator) ValidateApp(id int) error {
	if v.apps == nil {
		return fmt.Errorf("no application metadata to locate application %d", id)
	}
	a, err := v.apps.App(id)
	if err != nil {
		return err
	}
	_, err = v.Validate(a.Start)
	return err
}

func (v *Validator) sanityCheck(boot uint32) (Verdict, error) {
	b, err := v.w.Bytes(boot, 8)
	if err != nil {
		return Rejected, fmt.Errorf("%w: %v", ErrNoVectorTable, err)
	}
	sp := binary.LittleEndian.Uint32(b[0:])
	reset := binary.LittleEndian.Uint32(b[4:])
	if sp == 0 || reset == 0 {
		return Rejected, fmt.Errorf("%w: stack pointer %#x, reset vector %#x", ErrNoVectorTable, sp, reset)
	}
	klog.Infof("Image at %#x sanity checked only (sp %#x, reset %#x)", boot, sp, reset)
	return SanityCheckedOnly, nil
}
