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

// Package metadata reads the application metadata row, which records where
// each application slot lives in NVM.
//
// The row holds, for each application in turn, two little-endian 32-bit
// words: the address at which verification of the application starts, and
// the number of bytes verified.
package metadata

import (
	"encoding/binary"
	"fmt"
)

// EntryLen is the size of one application's metadata.
const EntryLen = 8

// Reader reads NVM content.
type Reader interface {
	Read(addr uint32, out []byte) error
}

// App describes one application slot.
type App struct {
	// Start is the address of the first verified byte.
	Start uint32
	// Length is the number of verified bytes.
	Length uint32
}

// Table provides access to the metadata row at a fixed address.
//
// Entries are read from NVM on every call, the row may be rewritten by an
// update session at any time.
type Table struct {
	r    Reader
	addr uint32
	apps int
}

// New returns a Table for a row at addr describing apps applications.
func New(r Reader, addr uint32, apps int) *Table {
	return &Table{r: r, addr: addr, apps: apps}
}

// Apps returns the number of application slots described.
func (t *Table) Apps() int {
	return t.apps
}

// App returns the metadata of application id.
func (t *Table) App(id int) (App, error) {
	if id < 0 || id >= t.apps {
		return App{}, fmt.Errorf("unknown application %d, have %d", id, t.apps)
	}
	b := make([]byte, EntryLen)
	a := t.addr + uint32(id*EntryLen)
	if err := t.r.Read(a, b); err != nil {
		return App{}, fmt.Errorf("failed to read metadata for application %d at %#x: %v", id, a, err)
	}
	return App{
		Start:  binary.LittleEndian.Uint32(b[0:]),
		Length: binary.LittleEndian.Uint32(b[4:]),
	}, nil
}

// Encode returns the metadata row content for apps, zero padded to rowSize.
func Encode(apps []App, rowSize int) ([]byte, error) {
	if n := len(apps) * EntryLen; n > rowSize {
		return nil, fmt.Errorf("metadata for %d applications needs %d bytes, row holds %d", len(apps), n, rowSize)
	}
	b := make([]byte, rowSize)
	for i, a := range apps {
		binary.LittleEndian.PutUint32(b[i*EntryLen:], a.Start)
		binary.LittleEndian.PutUint32(b[i*EntryLen+4:], a.Length)
	}
	return b, nil
}
