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

package api

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Control flags carried on a Request.
type Control uint8

const (
	// Compare requests a read to be compared against the request data
	// rather than returned.
	Compare Control = 1 << iota
	// Erase requests the row to be erased, any request data is ignored.
	Erase
)

// Request represents a single row read or write issued by the update
// session engine.
type Request struct {
	Address uint32
	Length  uint32
	Control Control
	// Data holds the row content for writes and compares, and receives NVM
	// content for plain reads.
	Data []byte
}

// Erasing returns true if the erase flag is set.
func (r *Request) Erasing() bool {
	return r.Control&Erase != 0
}

// Comparing returns true if the compare flag is set.
func (r *Request) Comparing() bool {
	return r.Control&Compare != 0
}

// Response field numbers.
const (
	responseStatus  protowire.Number = 1
	responseAddress protowire.Number = 2
	responseDetail  protowire.Number = 3
)

// Response is the per-operation status relayed to the host.
type Response struct {
	Status  Status
	Address uint32
	Detail  string
}

// Bytes serializes an API message in protobuf wire format.
func (r *Response) Bytes() []byte {
	var b []byte
	if r.Status != Success {
		b = protowire.AppendTag(b, responseStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Status))
	}
	if r.Address != 0 {
		b = protowire.AppendTag(b, responseAddress, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Address))
	}
	if r.Detail != "" {
		b = protowire.AppendTag(b, responseDetail, protowire.BytesType)
		b = protowire.AppendString(b, r.Detail)
	}
	return b
}

// ParseResponse decodes a Response serialized with Bytes. Unknown fields are
// skipped.
func ParseResponse(b []byte) (*Response, error) {
	r := &Response{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid response tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == responseStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid status: %v", protowire.ParseError(n))
			}
			r.Status = Status(v)
			b = b[n:]
		case num == responseAddress && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid address: %v", protowire.ParseError(n))
			}
			if v > 0xffffffff {
				return nil, errors.New("address exceeds 32 bits")
			}
			r.Address = uint32(v)
			b = b[n:]
		case num == responseDetail && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid detail: %v", protowire.ParseError(n))
			}
			r.Detail = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("invalid field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return r, nil
}
