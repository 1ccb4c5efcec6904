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

// Package nvm describes the non-volatile memory of the device: the driver
// primitives used to erase, program and read rows, the flash-mapped window
// through which images are inspected, and the region maps which describe
// which physical addresses exist at all.
//
// Note that these are very low-level primitives, nothing in this package
// prevents a caller from overwriting the running application. Writes issued
// on behalf of an update session must go through the write guard.
package nvm

import (
	"fmt"
	"math"
)

// Device mirrors the primitives offered by the NVM controller driver,
// allowing substitutions for testing.
type Device interface {
	// Erase erases the sector (or row, on row-granular controllers) which
	// starts at addr.
	Erase(addr uint32) error
	// Program writes a full row of data at addr.
	Program(addr uint32, row []byte) error
	// Read copies len(out) bytes starting at addr into out.
	Read(addr uint32, out []byte) error
}

// Window is a read-only view of flash-mapped NVM.
type Window interface {
	// Bytes returns n bytes of NVM content starting at addr, or an error if
	// any part of [addr, addr+n) is not mapped.
	Bytes(addr uint32, n uint32) ([]byte, error)
}

// Region describes one physically addressable flash or EEPROM area.
type Region struct {
	// Start is the address of the first byte of the region.
	Start uint32
	// Size is the length of the region in bytes.
	Size uint32
	// SectorSize is the erase granularity of the region, zero when the
	// controller erases individual rows.
	SectorSize uint32
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return uint64(r.Start) + uint64(r.Size)
}

// Contains returns true if addr lies within [Start, Start+Size).
func (r Region) Contains(addr uint32) bool {
	return r.Start <= addr && uint64(addr) < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End())
}

// Info describes the NVM characteristics reported by a driver at start-up.
type Info struct {
	Regions []Region
}

// Describer is implemented by drivers which can report their region table.
type Describer interface {
	Info() Info
}

// Validate checks that the regions are non-empty, fit within the 32-bit
// address space, and do not overlap.
func Validate(regions []Region) error {
	for i, r := range regions {
		if r.Size == 0 {
			return fmt.Errorf("invalid geometry: region %d at %#x is empty", i, r.Start)
		}
		if r.End() > math.MaxUint32+1 {
			return fmt.Errorf("invalid geometry: region %d %v exceeds address space", i, r)
		}
		for j := 0; j < i; j++ {
			o := regions[j]
			if uint64(r.Start) < o.End() && uint64(o.Start) < r.End() {
				return fmt.Errorf("invalid geometry: region %d %v overlaps region %d %v", i, r, j, o)
			}
		}
	}
	return nil
}

// Mem is a Window over a byte slice mapped at Base.
type Mem struct {
	Base uint32
	Data []byte
}

// Bytes implements Window.
func (m *Mem) Bytes(addr uint32, n uint32) ([]byte, error) {
	if addr < m.Base || uint64(addr-m.Base)+uint64(n) > uint64(len(m.Data)) {
		return nil, fmt.Errorf("[%#x, %#x) not mapped", addr, uint64(addr)+uint64(n))
	}
	off := addr - m.Base
	return append([]byte(nil), m.Data[off:off+n]...), nil
}
