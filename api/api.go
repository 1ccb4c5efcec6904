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

// Package api defines the messages exchanged between an update session
// engine and the NVM write path, and the status codes reported back to the
// host.
package api

import (
	"bytes"
	"errors"
	"fmt"
)

// Status is the outcome of a session operation, as reported to the host.
//
// Status values are also errors, so that they can be matched with
// errors.Is.
type Status uint32

const (
	Success        Status = 0x00
	VerifyMismatch Status = 0x02
	LengthInvalid  Status = 0x03
	DataError      Status = 0x04
	AddressInvalid Status = 0x0a
	Unknown        Status = 0x0f
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case VerifyMismatch:
		return "verification mismatch"
	case LengthInvalid:
		return "invalid length"
	case DataError:
		return "data error"
	case AddressInvalid:
		return "invalid address"
	case Unknown:
		return "unknown error"
	}
	return fmt.Sprintf("Status(%#02x)", uint32(s))
}

// Error implements error.
func (s Status) Error() string {
	return s.String()
}

// StatusOf maps err to the status reported to the host. Errors which do not
// carry a Status map to Unknown.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return Unknown
}

// Addresser is implemented by errors which relate to an NVM address.
type Addresser interface {
	FailedAddress() uint32
}

// ErrorResponse converts an error in an API Message.
func ErrorResponse(err error) []byte {
	r := &Response{
		Status: StatusOf(err),
	}
	if err != nil {
		r.Detail = err.Error()
	}
	var a Addresser
	if errors.As(err, &a) {
		r.Address = a.FailedAddress()
	}
	return r.Bytes()
}

// Print returns the response in textual format.
func (r *Response) Print() string {
	var b bytes.Buffer

	b.WriteString("------------------------------------------------------------ Response ----\n")
	b.WriteString(fmt.Sprintf("Status .................: %v (%#02x)\n", r.Status, uint32(r.Status)))
	b.WriteString(fmt.Sprintf("Address ................: %#08x\n", r.Address))
	b.WriteString(fmt.Sprintf("Detail .................: %s", r.Detail))

	return b.String()
}
