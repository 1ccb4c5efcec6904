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

package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/transparency-dev/armored-dfu/nvm"
)

const (
	// TrailerMagic identifies the trailer info block.
	TrailerMagic uint16 = 0x6907
	// TrailerInfoLen is the size of the trailer info block, which is
	// included in the trailer total length.
	TrailerInfoLen = 4
	// RecordHeaderLen is the size of the type and length fields preceding
	// each record value.
	RecordHeaderLen = 4
)

// RecordType identifies the content of a trailer record.
type RecordType uint16

// Record types understood by the validator and the signing tool.
const (
	TypeKeyHash   RecordType = 0x01
	TypePublicKey RecordType = 0x02
	TypeSHA256    RecordType = 0x10
	TypeECDSA256  RecordType = 0x22
)

// Sizes of fixed-length record values.
const (
	SHA256Len    = 32
	PublicKeyLen = 65
	// RawSignatureLen is the size of an r||s encoded P-256 signature.
	RawSignatureLen = 64
)

func (t RecordType) String() string {
	switch t {
	case TypeKeyHash:
		return "KEYHASH"
	case TypePublicKey:
		return "PUBKEY"
	case TypeSHA256:
		return "SHA256"
	case TypeECDSA256:
		return "ECDSA256"
	}
	return fmt.Sprintf("RecordType(%#04x)", uint16(t))
}

var (
	// ErrEndOfTrailer is returned by Iterator.Next once all records have been
	// visited.
	ErrEndOfTrailer = errors.New("end of trailer")
	// ErrMalformedTrailer is returned when the trailer cannot be parsed.
	ErrMalformedTrailer = errors.New("malformed trailer")
)

// Record locates one trailer record. The value is not copied, it lives at
// [Offset, Offset+Length) in NVM.
type Record struct {
	Type   RecordType
	Offset uint32
	Length uint16
}

// Value reads the record value through w.
func (r Record) Value(w nvm.Window) ([]byte, error) {
	b, err := w.Bytes(r.Offset, uint32(r.Length))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %v value at %#x: %v", ErrMalformedTrailer, r.Type, r.Offset, err)
	}
	return b, nil
}

// Iterator walks the records of a trailer, front to back.
//
// It is not restartable: once Next has returned an error, every subsequent
// call returns the same error.
type Iterator struct {
	w   nvm.Window
	cur uint64
	end uint64
	err error
}

// OpenTrailer locates the trailer of the image at base described by h, and
// checks its info block.
func OpenTrailer(w nvm.Window, base uint32, h Header) (*Iterator, error) {
	start := uint64(base) + h.SignedLen()
	if start+TrailerInfoLen > math.MaxUint32+1 {
		return nil, fmt.Errorf("%w: trailer at %#x exceeds address space", ErrMalformedTrailer, start)
	}
	info, err := w.Bytes(uint32(start), TrailerInfoLen)
	if err != nil {
		return nil, fmt.Errorf("%w: reading info at %#x: %v", ErrMalformedTrailer, start, err)
	}
	magic := binary.LittleEndian.Uint16(info[0:])
	total := binary.LittleEndian.Uint16(info[2:])
	if magic != TrailerMagic {
		return nil, fmt.Errorf("%w: bad magic %#04x at %#x", ErrMalformedTrailer, magic, start)
	}
	if total < TrailerInfoLen {
		return nil, fmt.Errorf("%w: total length %d shorter than info block", ErrMalformedTrailer, total)
	}
	end := start + uint64(total)
	if end > math.MaxUint32+1 {
		return nil, fmt.Errorf("%w: trailer end %#x exceeds address space", ErrMalformedTrailer, end)
	}
	if _, err := w.Bytes(uint32(start), uint32(total)); err != nil {
		return nil, fmt.Errorf("%w: trailer [%#x, %#x) not mapped: %v", ErrMalformedTrailer, start, end, err)
	}
	return &Iterator{
		w:   w,
		cur: start + TrailerInfoLen,
		end: end,
	}, nil
}

// Next returns the next record in the trailer, ErrEndOfTrailer when there
// are none left, or an error wrapping ErrMalformedTrailer.
func (it *Iterator) Next() (Record, error) {
	if it.err != nil {
		return Record{}, it.err
	}
	if it.cur == it.end {
		it.err = ErrEndOfTrailer
		return Record{}, it.err
	}
	if it.cur+RecordHeaderLen > it.end {
		it.err = fmt.Errorf("%w: record header at %#x straddles trailer end %#x", ErrMalformedTrailer, it.cur, it.end)
		return Record{}, it.err
	}
	hdr, err := it.w.Bytes(uint32(it.cur), RecordHeaderLen)
	if err != nil {
		it.err = fmt.Errorf("%w: reading record header at %#x: %v", ErrMalformedTrailer, it.cur, err)
		return Record{}, it.err
	}
	r := Record{
		Type:   RecordType(binary.LittleEndian.Uint16(hdr[0:])),
		Offset: uint32(it.cur + RecordHeaderLen),
		Length: binary.LittleEndian.Uint16(hdr[2:]),
	}
	next := it.cur + RecordHeaderLen + uint64(r.Length)
	if next > it.end {
		it.err = fmt.Errorf("%w: %v record at %#x with length %d overruns trailer end %#x", ErrMalformedTrailer, r.Type, it.cur, r.Length, it.end)
		return Record{}, it.err
	}
	it.cur = next
	return r, nil
}
