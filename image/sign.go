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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Trailer assembles the trailer appended to an image.
type Trailer struct {
	records []trailerRecord
}

type trailerRecord struct {
	typ RecordType
	val []byte
}

// Add appends a record. Records are emitted in the order they were added.
func (t *Trailer) Add(typ RecordType, value []byte) *Trailer {
	t.records = append(t.records, trailerRecord{typ: typ, val: append([]byte(nil), value...)})
	return t
}

// Marshal returns the encoded trailer, including its info block.
func (t *Trailer) Marshal() ([]byte, error) {
	total := TrailerInfoLen
	for _, r := range t.records {
		if len(r.val) > math.MaxUint16 {
			return nil, fmt.Errorf("%v record of %d bytes too large", r.typ, len(r.val))
		}
		total += RecordHeaderLen + len(r.val)
	}
	if total > math.MaxUint16 {
		return nil, fmt.Errorf("trailer of %d bytes too large", total)
	}

	b := make([]byte, 0, total)
	b = binary.LittleEndian.AppendUint16(b, TrailerMagic)
	b = binary.LittleEndian.AppendUint16(b, uint16(total))
	for _, r := range t.records {
		b = binary.LittleEndian.AppendUint16(b, uint16(r.typ))
		b = binary.LittleEndian.AppendUint16(b, uint16(len(r.val)))
		b = append(b, r.val...)
	}
	return b, nil
}

// PublicKeyBytes returns the uncompressed SEC 1 encoding of a P-256 public
// key, as carried by a TypePublicKey record.
func PublicKeyBytes(pub *ecdsa.PublicKey) ([]byte, error) {
	if pub.Curve != elliptic.P256() {
		return nil, errors.New("public key is not on P-256")
	}
	k, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %v", err)
	}
	return k.Bytes(), nil
}

// SignDigest signs a SHA-256 digest with key, returning either the raw r||s
// encoding or, if der is set, an ASN.1 DER Ecdsa-Sig-Value.
func SignDigest(key *ecdsa.PrivateKey, digest []byte, der bool) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %v", err)
	}
	if der {
		return MarshalDERSignature(r, s)
	}
	sig := make([]byte, RawSignatureLen)
	r.FillBytes(sig[:RawSignatureLen/2])
	s.FillBytes(sig[RawSignatureLen/2:])
	return sig, nil
}

// MarshalDERSignature encodes r and s as an ASN.1 DER Ecdsa-Sig-Value.
func MarshalDERSignature(r, s *big.Int) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}

// SignOpts controls how Sign builds an image.
type SignOpts struct {
	// DER selects DER signature encoding instead of raw r||s.
	DER bool
	// OmitKey leaves the public key record out of the trailer.
	OmitKey bool
}

// Sign lays out a complete image: the header, padded to h.HeaderSize, the
// payload, and a trailer carrying the image hash, the public key and the
// signature over the hash.
//
// h.Magic and h.ImageSize are filled in, a zero h.HeaderSize is replaced by
// HeaderLen.
func Sign(h Header, payload []byte, key *ecdsa.PrivateKey, opts SignOpts) ([]byte, error) {
	img, err := Layout(h, payload)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(img)

	t := &Trailer{}
	t.Add(TypeSHA256, digest[:])
	if !opts.OmitKey {
		pub, err := PublicKeyBytes(&key.PublicKey)
		if err != nil {
			return nil, err
		}
		t.Add(TypePublicKey, pub)
	}
	sig, err := SignDigest(key, digest[:], opts.DER)
	if err != nil {
		return nil, err
	}
	t.Add(TypeECDSA256, sig)

	tb, err := t.Marshal()
	if err != nil {
		return nil, err
	}
	return append(img, tb...), nil
}

// Layout returns the header and payload of an image without any trailer.
//
// h.Magic and h.ImageSize are filled in, a zero h.HeaderSize is replaced by
// HeaderLen.
func Layout(h Header, payload []byte) ([]byte, error) {
	h.Magic = HeaderMagic
	if h.HeaderSize == 0 {
		h.HeaderSize = HeaderLen
	}
	if h.HeaderSize < HeaderLen {
		return nil, fmt.Errorf("header size %d smaller than %d", h.HeaderSize, HeaderLen)
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("payload of %d bytes too large", len(payload))
	}
	h.ImageSize = uint32(len(payload))

	img := make([]byte, int(h.HeaderSize), int(h.HeaderSize)+len(payload))
	copy(img, h.Marshal())
	return append(img, payload...), nil
}
