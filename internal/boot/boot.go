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

// Package boot drives an update session to completion and hands control to
// the updated image once it has been validated.
package boot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-dfu/api"
	"github.com/transparency-dev/armored-dfu/image"
	"github.com/transparency-dev/armored-dfu/internal/validate"
	"github.com/transparency-dev/armored-dfu/nvm"
	"k8s.io/klog/v2"
)

// SessionState is the progress of an update session.
type SessionState int

const (
	// Running sessions expect further calls to Continue.
	Running SessionState = iota
	// Finished sessions have received a complete image.
	Finished
	// Failed sessions must be reset before they can continue.
	Failed
)

func (s SessionState) String() string {
	switch s {
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Engine is the update session protocol engine. Its NVM accesses are
// expected to go through a guard.Guard.
type Engine interface {
	// Continue processes pending host traffic, returning the session state
	// and the status of the last operation.
	Continue(ctx context.Context) (SessionState, api.Status)
	// Reset abandons the current session and waits for a new one.
	Reset()
}

// Validator checks the image at a boot address.
type Validator interface {
	Validate(boot uint32) (validate.Verdict, error)
}

// Entry is where execution of an image starts.
type Entry struct {
	// SP is the initial stack pointer.
	SP uint32
	// PC is the reset vector.
	PC uint32
}

// Launcher transfers control to an image. On hardware it does not return.
type Launcher interface {
	Launch(e Entry) error
}

// ErrNoEntry is returned when an image has no usable vector table.
var ErrNoEntry = errors.New("no usable vector table")

// EntryPoint locates the vector table of the image at base. Verified images
// carry a header, and their vector table follows it. Sanity-checked images
// have their vector table at base.
func EntryPoint(w nvm.Window, base uint32, v validate.Verdict) (Entry, error) {
	var vt uint32
	switch v {
	case validate.Verified:
		h, err := image.ReadHeader(w, base)
		if err != nil {
			return Entry{}, err
		}
		vt = base + uint32(h.HeaderSize)
	case validate.SanityCheckedOnly:
		vt = base
	default:
		return Entry{}, fmt.Errorf("refusing to locate entry point of %v image", v)
	}

	b, err := w.Bytes(vt, 8)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrNoEntry, err)
	}
	e := Entry{
		SP: binary.LittleEndian.Uint32(b[0:]),
		PC: binary.LittleEndian.Uint32(b[4:]),
	}
	if e.SP == 0 || e.PC == 0 {
		return Entry{}, fmt.Errorf("%w: sp %#x pc %#x", ErrNoEntry, e.SP, e.PC)
	}
	return e, nil
}

// Run drives the update session until it finishes, then validates the image
// at boot exactly once and launches it only if it is valid.
//
// Failed sessions are reset and the loop continues. Any error returned means
// the image must not be launched.
func Run(ctx context.Context, e Engine, v Validator, w nvm.Window, boot uint32, l Launcher) error {
	klog.Infof("Waiting for update session")
	last := api.Success
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, st := e.Continue(ctx)
		if st != last {
			klog.Infof("Update session %v: %v", s, st)
			last = st
		}
		if s == Finished {
			break
		}
		if s == Failed {
			klog.Warningf("Update session failed (%v), resetting", st)
			e.Reset()
		}
	}

	verdict, err := v.Validate(boot)
	if err != nil {
		return fmt.Errorf("image at %#x failed validation: %w", boot, err)
	}
	entry, err := EntryPoint(w, boot, verdict)
	if err != nil {
		return err
	}
	klog.Infof("Launching %v image at %#x (sp %#08x pc %#08x)", verdict, boot, entry.SP, entry.PC)
	return l.Launch(entry)
}
