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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
)

type addrErr struct {
	addr uint32
	err  error
}

func (e *addrErr) Error() string         { return fmt.Sprintf("at %#x: %v", e.addr, e.err) }
func (e *addrErr) Unwrap() error         { return e.err }
func (e *addrErr) FailedAddress() uint32 { return e.addr }

func TestStatusOf(t *testing.T) {
	for _, test := range []struct {
		err  error
		want Status
	}{
		{err: nil, want: Success},
		{err: AddressInvalid, want: AddressInvalid},
		{err: fmt.Errorf("wrapped: %w", LengthInvalid), want: LengthInvalid},
		{err: &addrErr{addr: 0x100, err: DataError}, want: DataError},
		{err: errors.New("something else"), want: Unknown},
	} {
		if got := StatusOf(test.err); got != test.want {
			t.Errorf("StatusOf(%v) = %v, want %v", test.err, got, test.want)
		}
	}
}

func TestErrorResponse(t *testing.T) {
	b := ErrorResponse(&addrErr{addr: 0x12340, err: VerifyMismatch})
	got, err := ParseResponse(b)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	want := &Response{
		Status:  VerifyMismatch,
		Address: 0x12340,
		Detail:  "at 0x12340: verification mismatch",
	}
	if d := cmp.Diff(want, got); d != "" {
		t.Fatalf("diff (-want +got):\n%s", d)
	}
	if !strings.Contains(got.Print(), "verification mismatch") {
		t.Errorf("Print() missing status: %q", got.Print())
	}
}

func TestSuccessResponseIsEmpty(t *testing.T) {
	if b := ErrorResponse(nil); len(b) != 0 {
		t.Fatalf("success response encoded to %x, want empty", b)
	}
}

func TestParseResponseSkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))
	b = append(b, (&Response{Status: DataError}).Bytes()...)

	got, err := ParseResponse(b)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if got.Status != DataError {
		t.Fatalf("Status = %v, want %v", got.Status, DataError)
	}

	if _, err := ParseResponse([]byte{0x08}); err == nil {
		t.Fatal("ParseResponse of truncated message: got nil error")
	}
}

func TestRequestFlags(t *testing.T) {
	r := &Request{Control: Erase}
	if !r.Erasing() || r.Comparing() {
		t.Errorf("Erase: Erasing %t Comparing %t", r.Erasing(), r.Comparing())
	}
	r.Control = Compare
	if r.Erasing() || !r.Comparing() {
		t.Errorf("Compare: Erasing %t Comparing %t", r.Erasing(), r.Comparing())
	}
}
