// Copyright 2024 The Armored DFU authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"

	"github.com/transparency-dev/armored-dfu/api"
	"github.com/transparency-dev/armored-dfu/internal/boot"
	"k8s.io/klog/v2"
)

// RowWriter is the NVM path offered to the session, normally a guard.Guard.
type RowWriter interface {
	RowSize() uint32
	Write(req *api.Request) error
	Read(req *api.Request) error
}

// session plays the part of the host and the device session engine: each
// call to Continue transfers one row of the image, then reads it back with
// the compare flag set.
type session struct {
	w     RowWriter
	addr  uint32
	image []byte

	next uint32
	// responses holds the encoded per-row status relayed to the host.
	responses [][]byte
	// onRow is called after each row is verified.
	onRow func()
}

func newSession(w RowWriter, addr uint32, image []byte) *session {
	return &session{w: w, addr: addr, image: image}
}

// Rows returns the number of rows the image occupies.
func (s *session) Rows() int {
	rs := s.w.RowSize()
	return int((uint32(len(s.image)) + rs - 1) / rs)
}

// Continue implements boot.Engine.
func (s *session) Continue(ctx context.Context) (boot.SessionState, api.Status) {
	rs := s.w.RowSize()
	if s.next >= uint32(len(s.image)) {
		return boot.Finished, api.Success
	}

	row := make([]byte, rs)
	copy(row, s.image[s.next:])
	addr := s.addr + s.next

	err := s.w.Write(&api.Request{Address: addr, Length: rs, Data: row})
	if err == nil {
		err = s.w.Read(&api.Request{Address: addr, Length: rs, Control: api.Compare, Data: row})
	}
	s.responses = append(s.responses, api.ErrorResponse(err))
	if err != nil {
		klog.Errorf("Row at %#x: %v", addr, err)
		return boot.Failed, api.StatusOf(err)
	}

	s.next += rs
	if s.onRow != nil {
		s.onRow()
	}
	if s.next >= uint32(len(s.image)) {
		return boot.Finished, api.Success
	}
	return boot.Running, api.Success
}

// Reset implements boot.Engine.
func (s *session) Reset() {
	s.next = 0
}
