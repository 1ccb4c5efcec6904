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

// Package testonly provides support for NVM tests.
package testonly

import (
	"fmt"
	"testing"

	"github.com/transparency-dev/armored-dfu/nvm"
)

// ErasedValue is the content of an erased flash byte.
const ErasedValue = 0xff

// Flash is an implementation of an in-memory NVM device.
//
// Rather than allocating a slab of RAM to emulate every region, it uses a
// map internally to associate rows with their address - this allows us to
// save RAM on unused/unwritten rows.
type Flash struct {
	// RowSize is the number of bytes in a single row.
	RowSize uint32
	// Regions lists the address ranges backed by this device.
	Regions []nvm.Region

	mem map[uint32][]byte

	// Erased and Programmed record the addresses passed to Erase and
	// Program, in call order.
	Erased     []uint32
	Programmed []uint32

	// EraseErr and ProgramErr, when set, are consulted before each erase and
	// program and allow fault injection.
	EraseErr   func(addr uint32) error
	ProgramErr func(addr uint32) error

	// OnRowWritten is called just after a row has been programmed.
	OnRowWritten func(addr uint32)
}

// NewFlash creates a new in-memory NVM device.
func NewFlash(t *testing.T, rowSize uint32, regions ...nvm.Region) *Flash {
	t.Helper()
	if err := nvm.Validate(regions); err != nil {
		t.Fatalf("Invalid test flash geometry: %v", err)
	}
	return &Flash{
		RowSize: rowSize,
		Regions: regions,
		mem:     make(map[uint32][]byte),
	}
}

// Info implements nvm.Describer.
func (f *Flash) Info() nvm.Info {
	return nvm.Info{Regions: append([]nvm.Region(nil), f.Regions...)}
}

func (f *Flash) region(addr uint32, n uint32) (nvm.Region, error) {
	for _, r := range f.Regions {
		if r.Contains(addr) && uint64(addr)+uint64(n) <= r.End() {
			return r, nil
		}
	}
	return nvm.Region{}, fmt.Errorf("range [%#x, %#x) not backed by test flash", addr, uint64(addr)+uint64(n))
}

// Erase implements nvm.Device.
func (f *Flash) Erase(addr uint32) error {
	r, err := f.region(addr, 1)
	if err != nil {
		return err
	}
	if f.EraseErr != nil {
		if err := f.EraseErr(addr); err != nil {
			return err
		}
	}
	f.Erased = append(f.Erased, addr)

	size := r.SectorSize
	if size == 0 {
		size = f.RowSize
	}
	for a := uint64(addr); a < uint64(addr)+uint64(size) && a < r.End(); a += uint64(f.RowSize) {
		delete(f.mem, uint32(a))
	}
	return nil
}

// Program implements nvm.Device.
func (f *Flash) Program(addr uint32, row []byte) error {
	if addr%f.RowSize != 0 {
		return fmt.Errorf("non row-aligned program at %#x", addr)
	}
	if uint32(len(row)) != f.RowSize {
		return fmt.Errorf("program of %d bytes, want %d", len(row), f.RowSize)
	}
	if _, err := f.region(addr, f.RowSize); err != nil {
		return err
	}
	if f.ProgramErr != nil {
		if err := f.ProgramErr(addr); err != nil {
			return err
		}
	}
	f.Programmed = append(f.Programmed, addr)

	f.mem[addr] = append([]byte(nil), row...)
	if f.OnRowWritten != nil {
		f.OnRowWritten(addr)
	}
	return nil
}

// Read implements nvm.Device.
func (f *Flash) Read(addr uint32, out []byte) error {
	if _, err := f.region(addr, uint32(len(out))); err != nil {
		return err
	}
	for i := range out {
		a := addr + uint32(i)
		base := a - a%f.RowSize
		row, ok := f.mem[base]
		if !ok {
			out[i] = ErasedValue
			continue
		}
		out[i] = row[a-base]
	}
	return nil
}

// Bytes implements nvm.Window.
func (f *Flash) Bytes(addr uint32, n uint32) ([]byte, error) {
	b := make([]byte, n)
	if err := f.Read(addr, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Load places buf at addr bypassing any fault injection and bookkeeping,
// it is used to pre-populate the device.
func (f *Flash) Load(t *testing.T, addr uint32, buf []byte) {
	t.Helper()
	if _, err := f.region(addr, uint32(len(buf))); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i := range buf {
		a := addr + uint32(i)
		base := a - a%f.RowSize
		row, ok := f.mem[base]
		if !ok {
			row = make([]byte, f.RowSize)
			f.mem[base] = row
		}
		row[a-base] = buf[i]
	}
}

// Reset forgets the recorded erase and program calls.
func (f *Flash) Reset() {
	f.Erased = nil
	f.Programmed = nil
}
