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

// Package image knows how firmware update images are laid out in NVM: the
// fixed header at the image base, the payload, and the trailer of tagged
// records which follows the payload.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/armored-dfu/nvm"
)

const (
	// HeaderMagic identifies a valid image header.
	HeaderMagic uint32 = 0x96f3b83d
	// HeaderLen is the size of the encoded header.
	HeaderLen = 32
)

// ErrInvalidMagic is returned when the image header does not start with
// HeaderMagic.
var ErrInvalidMagic = errors.New("invalid image magic")

// Version is the image version stored in the header.
type Version struct {
	Major    uint8
	Minor    uint8
	Revision uint16
	Build    uint32
}

// Header is the fixed record found at the base address of every image.
type Header struct {
	Magic    uint32
	LoadAddr uint32
	// HeaderSize is the number of bytes from the image base to the start of
	// the payload, it is at least HeaderLen.
	HeaderSize uint16
	// ProtectTLVSize is the size of the protected trailer area, if any.
	ProtectTLVSize uint16
	// ImageSize is the size of the payload.
	ImageSize uint32
	Flags     uint32
	Version   Version
}

// SignedLen returns the number of bytes, from the image base, covered by
// the image hash. The trailer starts immediately afterwards.
func (h Header) SignedLen() uint64 {
	return uint64(h.HeaderSize) + uint64(h.ImageSize)
}

// SemVer returns the header version in semantic version form, with the
// build number carried as metadata.
func (h Header) SemVer() semver.Version {
	v := semver.Version{
		Major: int64(h.Version.Major),
		Minor: int64(h.Version.Minor),
		Patch: int64(h.Version.Revision),
	}
	if h.Version.Build != 0 {
		v.Metadata = strconv.FormatUint(uint64(h.Version.Build), 10)
	}
	return v
}

// VersionFromSemVer converts v into the header version representation.
func VersionFromSemVer(v semver.Version) (Version, error) {
	if v.Major < 0 || v.Major > math.MaxUint8 || v.Minor < 0 || v.Minor > math.MaxUint8 {
		return Version{}, fmt.Errorf("version %v: major and minor must fit in a byte", v)
	}
	if v.Patch < 0 || v.Patch > math.MaxUint16 {
		return Version{}, fmt.Errorf("version %v: patch must fit in 16 bits", v)
	}
	r := Version{
		Major:    uint8(v.Major),
		Minor:    uint8(v.Minor),
		Revision: uint16(v.Patch),
	}
	if v.Metadata != "" {
		b, err := strconv.ParseUint(v.Metadata, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("version %v: build metadata must be a 32-bit number: %v", v, err)
		}
		r.Build = uint32(b)
	}
	return r, nil
}

// Marshal returns the little-endian wire encoding of the header.
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(b[0:], h.Magic)
	binary.LittleEndian.PutUint32(b[4:], h.LoadAddr)
	binary.LittleEndian.PutUint16(b[8:], h.HeaderSize)
	binary.LittleEndian.PutUint16(b[10:], h.ProtectTLVSize)
	binary.LittleEndian.PutUint32(b[12:], h.ImageSize)
	binary.LittleEndian.PutUint32(b[16:], h.Flags)
	b[20] = h.Version.Major
	b[21] = h.Version.Minor
	binary.LittleEndian.PutUint16(b[22:], h.Version.Revision)
	binary.LittleEndian.PutUint32(b[24:], h.Version.Build)
	// b[28:32] is padding.
	return b
}

// ParseHeader decodes a header from b.
//
// Only the magic is checked here, the remaining fields are validated when
// the trailer is located.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("header too short: %d bytes", len(b))
	}
	h := Header{
		Magic:          binary.LittleEndian.Uint32(b[0:]),
		LoadAddr:       binary.LittleEndian.Uint32(b[4:]),
		HeaderSize:     binary.LittleEndian.Uint16(b[8:]),
		ProtectTLVSize: binary.LittleEndian.Uint16(b[10:]),
		ImageSize:      binary.LittleEndian.Uint32(b[12:]),
		Flags:          binary.LittleEndian.Uint32(b[16:]),
		Version: Version{
			Major:    b[20],
			Minor:    b[21],
			Revision: binary.LittleEndian.Uint16(b[22:]),
			Build:    binary.LittleEndian.Uint32(b[24:]),
		},
	}
	if h.Magic != HeaderMagic {
		return Header{}, fmt.Errorf("%w: got %#08x", ErrInvalidMagic, h.Magic)
	}
	return h, nil
}

// ReadHeader reads and decodes the header of the image at base.
func ReadHeader(w nvm.Window, base uint32) (Header, error) {
	b, err := w.Bytes(base, HeaderLen)
	if err != nil {
		return Header{}, fmt.Errorf("failed to read image header at %#x: %w", base, err)
	}
	return ParseHeader(b)
}
