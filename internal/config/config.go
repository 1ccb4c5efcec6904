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

// Package config describes a board: its NVM layout, application slots,
// trust anchors and update transport.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/transparency-dev/armored-dfu/internal/guard"
	"github.com/transparency-dev/armored-dfu/internal/trust"
	"github.com/transparency-dev/armored-dfu/internal/validate"
	"github.com/transparency-dev/armored-dfu/nvm"
	"gopkg.in/yaml.v3"
)

// Region map variants.
const (
	MapFixed  = "fixed"
	MapBanked = "banked"
	MapTable  = "table"
)

// Transports lists the update transports a board may select.
var Transports = []string{"i2c", "spi", "uart", "usb_cdc", "can_fd"}

// Region is one NVM area.
type Region struct {
	Start      uint32 `yaml:"start"`
	Size       uint32 `yaml:"size"`
	SectorSize uint32 `yaml:"sector_size"`
}

// Banked describes a flash controller with a configurable bank mode.
type Banked struct {
	Base       uint32 `yaml:"base"`
	Size       uint32 `yaml:"size"`
	BankSize   uint32 `yaml:"bank_size"`
	AltBase    uint32 `yaml:"alt_base"`
	SectorSize uint32 `yaml:"sector_size"`
	// Mode is "single" or "dual".
	Mode string `yaml:"mode"`
}

// Metadata locates the application metadata row.
type Metadata struct {
	Address uint32 `yaml:"address"`
	Apps    int    `yaml:"apps"`
}

// Board is the configuration of one device.
type Board struct {
	RowSize   uint32 `yaml:"row_size"`
	Transport string `yaml:"transport"`
	// BootAddress is where the updated image is validated and launched.
	BootAddress uint32 `yaml:"boot_address"`
	// Unsigned disables image authentication.
	Unsigned bool `yaml:"unsigned"`

	RegionMap string   `yaml:"region_map"`
	Regions   []Region `yaml:"regions"`
	Banked    *Banked  `yaml:"banked"`

	Metadata      Metadata `yaml:"metadata"`
	RunningApp    int      `yaml:"running_app"`
	GoldenApps    []int    `yaml:"golden_apps"`
	AppFormat     string   `yaml:"app_format"`
	SignatureSize uint32   `yaml:"signature_size"`

	// TrustAnchors are hex-encoded key hashes, the compiled-in anchors are
	// used if empty.
	TrustAnchors    []string `yaml:"trust_anchors"`
	AnchorPrefixLen int      `yaml:"anchor_prefix_len"`
}

// Load reads, parses and validates a board configuration file.
func Load(path string) (*Board, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a board configuration.
func Parse(data []byte) (*Board, error) {
	b := &Board{}
	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return b, nil
}

// Validate checks the configuration is self-consistent.
func (b *Board) Validate() error {
	if b.RowSize == 0 || b.RowSize&(b.RowSize-1) != 0 {
		return fmt.Errorf("row_size %d must be a power of two", b.RowSize)
	}
	if !validTransport(b.Transport) {
		return fmt.Errorf("transport %q must be one of %v", b.Transport, Transports)
	}

	switch b.RegionMap {
	case MapFixed:
		if len(b.Regions) == 0 {
			return errors.New("fixed region map needs at least one region")
		}
		if err := nvm.Validate(b.nvmRegions()); err != nil {
			return err
		}
		for i, r := range b.Regions {
			if r.Start%b.RowSize != 0 || r.Size%b.RowSize != 0 || r.SectorSize%b.RowSize != 0 {
				return fmt.Errorf("region %d is not row aligned", i)
			}
		}
	case MapBanked:
		bk := b.Banked
		if bk == nil {
			return errors.New("banked region map needs a banked section")
		}
		if bk.Size == 0 || bk.BankSize == 0 {
			return errors.New("banked size and bank_size must be set")
		}
		if bk.SectorSize%b.RowSize != 0 {
			return errors.New("banked sector_size is not a multiple of row_size")
		}
		if _, err := parseBankMode(bk.Mode); err != nil {
			return err
		}
	case MapTable:
		// Regions are reported by the NVM driver.
	default:
		return fmt.Errorf("region_map %q must be one of %q, %q or %q", b.RegionMap, MapFixed, MapBanked, MapTable)
	}

	if b.Metadata.Apps <= 0 {
		return errors.New("metadata.apps must be positive")
	}
	if b.Metadata.Address%b.RowSize != 0 {
		return fmt.Errorf("metadata.address %#x is not row aligned", b.Metadata.Address)
	}
	if b.Metadata.Apps*8 > int(b.RowSize) {
		return fmt.Errorf("metadata for %d applications does not fit in a row", b.Metadata.Apps)
	}
	if b.RunningApp < 0 || b.RunningApp >= b.Metadata.Apps {
		return fmt.Errorf("running_app %d outside [0, %d)", b.RunningApp, b.Metadata.Apps)
	}
	seen := map[int]bool{}
	for _, id := range b.GoldenApps {
		if id < 0 || id >= b.Metadata.Apps {
			return fmt.Errorf("golden app %d outside [0, %d)", id, b.Metadata.Apps)
		}
		if id == b.RunningApp {
			return fmt.Errorf("golden app %d is the running app", id)
		}
		if seen[id] {
			return fmt.Errorf("golden app %d listed twice", id)
		}
		seen[id] = true
	}
	if _, err := guard.ParseAppFormat(b.AppFormat); err != nil {
		return err
	}

	if _, err := b.Anchors(); err != nil {
		return err
	}
	return nil
}

func validTransport(t string) bool {
	for _, v := range Transports {
		if t == v {
			return true
		}
	}
	return false
}

func parseBankMode(s string) (nvm.BankMode, error) {
	switch s {
	case "", "single":
		return nvm.SingleBank, nil
	case "dual":
		return nvm.DualBank, nil
	}
	return 0, fmt.Errorf("bank mode %q must be single or dual", s)
}

func (b *Board) nvmRegions() []nvm.Region {
	r := make([]nvm.Region, 0, len(b.Regions))
	for _, c := range b.Regions {
		r = append(r, nvm.Region{Start: c.Start, Size: c.Size, SectorSize: c.SectorSize})
	}
	return r
}

// NVMRegions returns the region map selected by the configuration. The
// driver d is only consulted for the table variant.
func (b *Board) NVMRegions(d nvm.Describer) (nvm.RegionMap, error) {
	switch b.RegionMap {
	case MapFixed:
		return nvm.Fixed(b.nvmRegions()), nil
	case MapBanked:
		mode, err := parseBankMode(b.Banked.Mode)
		if err != nil {
			return nil, err
		}
		return &nvm.Banked{
			Base:       b.Banked.Base,
			Size:       b.Banked.Size,
			BankSize:   b.Banked.BankSize,
			AltBase:    b.Banked.AltBase,
			SectorSize: b.Banked.SectorSize,
			Mode:       func() nvm.BankMode { return mode },
		}, nil
	case MapTable:
		if d == nil {
			return nil, errors.New("table region map needs an NVM driver")
		}
		return nvm.NewTable(d.Info())
	}
	return nil, fmt.Errorf("unknown region_map %q", b.RegionMap)
}

// Format returns the application format.
func (b *Board) Format() guard.AppFormat {
	f, _ := guard.ParseAppFormat(b.AppFormat)
	return f
}

// Anchors returns the trust anchors, falling back to the compiled-in set.
func (b *Board) Anchors() (*trust.Anchors, error) {
	var entries []trust.Anchor
	if len(b.TrustAnchors) == 0 {
		e, err := trust.Parse(trust.DefaultAnchors)
		if err != nil {
			return nil, fmt.Errorf("compiled-in anchors: %v", err)
		}
		entries = e
	}
	for _, s := range b.TrustAnchors {
		a, err := trust.ParseAnchor(s)
		if err != nil {
			return nil, err
		}
		entries = append(entries, a)
	}
	return trust.New(entries, b.AnchorPrefixLen)
}

// ValidateOptions returns the validator options for the board.
func (b *Board) ValidateOptions() validate.Options {
	return validate.Options{Unsigned: b.Unsigned || trust.DisableAuth}
}
