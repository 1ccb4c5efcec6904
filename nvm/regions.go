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

package nvm

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

// RegionMap supplies the set of valid physical memory regions.
type RegionMap interface {
	// Lookup returns the region containing addr, ok is false if addr does
	// not belong to any region.
	Lookup(addr uint32) (r Region, ok bool)
}

// Fixed is a RegionMap made of ranges known at build time, e.g. the code
// flash above the bootloader plus the emulated EEPROM.
type Fixed []Region

// Lookup implements RegionMap.
func (f Fixed) Lookup(addr uint32) (Region, bool) {
	for _, r := range f {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// BankMode represents the flash controller bank configuration.
type BankMode int

const (
	// SingleBank exposes the whole flash as one contiguous bank.
	SingleBank BankMode = iota
	// DualBank splits the flash into two banks, the second of which is
	// reachable through an alternate bus address.
	DualBank
)

func (m BankMode) String() string {
	switch m {
	case SingleBank:
		return "single"
	case DualBank:
		return "dual"
	}
	return fmt.Sprintf("BankMode(%d)", int(m))
}

// Banked is a RegionMap for controllers whose bank mode is a runtime
// property, it is queried on every lookup.
type Banked struct {
	// Base is the code flash base address.
	Base uint32
	// Size is the total code flash size in single bank mode.
	Size uint32
	// BankSize is the size of each bank in dual bank mode.
	BankSize uint32
	// AltBase is the alternate bus address of the second bank.
	AltBase uint32
	// SectorSize is the erase granularity.
	SectorSize uint32
	// Mode returns the current bank configuration.
	Mode func() BankMode
}

// Lookup implements RegionMap.
func (b *Banked) Lookup(addr uint32) (Region, bool) {
	mode := SingleBank
	if b.Mode != nil {
		mode = b.Mode()
	}

	var regions Fixed
	switch mode {
	case SingleBank:
		regions = Fixed{{Start: b.Base, Size: b.Size, SectorSize: b.SectorSize}}
	case DualBank:
		regions = Fixed{
			{Start: b.Base, Size: b.BankSize, SectorSize: b.SectorSize},
			{Start: b.AltBase, Size: b.BankSize, SectorSize: b.SectorSize},
		}
	default:
		klog.Warningf("Unknown bank mode %v, refusing address %#x", mode, addr)
		return Region{}, false
	}
	return regions.Lookup(addr)
}

// Table is a RegionMap populated once at start-up from the region table
// reported by the NVM driver and treated as read-only thereafter.
type Table struct {
	regions []Region
}

// NewTable captures the region table reported by the driver.
func NewTable(info Info) (*Table, error) {
	if len(info.Regions) == 0 {
		return nil, errors.New("driver reported no NVM regions")
	}
	if err := Validate(info.Regions); err != nil {
		return nil, err
	}
	for i, r := range info.Regions {
		if r.SectorSize == 0 {
			return nil, fmt.Errorf("region %d %v has no sector size", i, r)
		}
	}

	t := &Table{
		regions: append([]Region(nil), info.Regions...),
	}
	klog.V(1).Infof("Captured NVM region table with %d regions", len(t.regions))
	return t, nil
}

// Lookup implements RegionMap.
//
// The returned region carries its own sector size.
func (t *Table) Lookup(addr uint32) (Region, bool) {
	return Fixed(t.regions).Lookup(addr)
}

// Regions returns a copy of the captured table.
func (t *Table) Regions() []Region {
	return append([]Region(nil), t.regions...)
}
