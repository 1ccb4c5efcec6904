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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name    string
		regions []Region
		wantErr bool
	}{
		{
			name: "disjoint",
			regions: []Region{
				{Start: 0x2000, Size: 0x3e000},
				{Start: 0x400000, Size: 0x2000},
			},
		}, {
			name: "adjacent",
			regions: []Region{
				{Start: 0x0, Size: 0x1000},
				{Start: 0x1000, Size: 0x1000},
			},
		}, {
			name: "overlapping",
			regions: []Region{
				{Start: 0x0, Size: 0x1001},
				{Start: 0x1000, Size: 0x1000},
			},
			wantErr: true,
		}, {
			name: "contained",
			regions: []Region{
				{Start: 0x1000, Size: 0x10},
				{Start: 0x0, Size: 0x10000},
			},
			wantErr: true,
		}, {
			name: "empty region",
			regions: []Region{
				{Start: 0x1000, Size: 0},
			},
			wantErr: true,
		}, {
			name: "wraps address space",
			regions: []Region{
				{Start: 0xffff0000, Size: 0x10001},
			},
			wantErr: true,
		}, {
			name: "ends at top of address space",
			regions: []Region{
				{Start: 0xffff0000, Size: 0x10000},
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := Validate(test.regions)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Validate: %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestFixedLookup(t *testing.T) {
	m := Fixed{
		{Start: 0x2000, Size: 0x3e000, SectorSize: 0x100},
		{Start: 0x400000, Size: 0x2000, SectorSize: 0x100},
	}
	for _, test := range []struct {
		addr   uint32
		want   Region
		wantOK bool
	}{
		{addr: 0x0},
		{addr: 0x1fff},
		{addr: 0x2000, want: m[0], wantOK: true},
		{addr: 0x3ffff, want: m[0], wantOK: true},
		{addr: 0x40000},
		{addr: 0x400000, want: m[1], wantOK: true},
		{addr: 0x402000},
	} {
		got, ok := m.Lookup(test.addr)
		if ok != test.wantOK {
			t.Errorf("Lookup(%#x): ok %t, want %t", test.addr, ok, test.wantOK)
			continue
		}
		if d := cmp.Diff(test.want, got); d != "" {
			t.Errorf("Lookup(%#x): diff (-want +got):\n%s", test.addr, d)
		}
	}
}

func TestBankedLookup(t *testing.T) {
	mode := SingleBank
	b := &Banked{
		Base:       0x0,
		Size:       0x80000,
		BankSize:   0x40000,
		AltBase:    0x1000000,
		SectorSize: 0x800,
		Mode:       func() BankMode { return mode },
	}

	for _, test := range []struct {
		name   string
		mode   BankMode
		addr   uint32
		wantOK bool
		want   Region
	}{
		{
			name:   "single bank low",
			mode:   SingleBank,
			addr:   0x100,
			wantOK: true,
			want:   Region{Start: 0x0, Size: 0x80000, SectorSize: 0x800},
		}, {
			name:   "single bank high",
			mode:   SingleBank,
			addr:   0x7ffff,
			wantOK: true,
			want:   Region{Start: 0x0, Size: 0x80000, SectorSize: 0x800},
		}, {
			name: "single bank alternate address",
			mode: SingleBank,
			addr: 0x1000000,
		}, {
			name: "dual bank upper half of secure bank",
			mode: DualBank,
			addr: 0x40000,
		}, {
			name:   "dual bank alternate bank",
			mode:   DualBank,
			addr:   0x1000100,
			wantOK: true,
			want:   Region{Start: 0x1000000, Size: 0x40000, SectorSize: 0x800},
		}, {
			name: "unknown mode",
			mode: BankMode(7),
			addr: 0x100,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			mode = test.mode
			got, ok := b.Lookup(test.addr)
			if ok != test.wantOK {
				t.Fatalf("Lookup(%#x): ok %t, want %t", test.addr, ok, test.wantOK)
			}
			if d := cmp.Diff(test.want, got); d != "" {
				t.Fatalf("Lookup(%#x): diff (-want +got):\n%s", test.addr, d)
			}
		})
	}
}

func TestTable(t *testing.T) {
	info := Info{
		Regions: []Region{
			{Start: 0x0, Size: 0x10000, SectorSize: 0x1000},
			{Start: 0x10000, Size: 0x70000, SectorSize: 0x10000},
		},
	}
	tab, err := NewTable(info)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	// Mutating the source must not affect the captured table.
	info.Regions[1].SectorSize = 1

	r, ok := tab.Lookup(0x20000)
	if !ok {
		t.Fatal("Lookup(0x20000) not found")
	}
	if got, want := r.SectorSize, uint32(0x10000); got != want {
		t.Errorf("SectorSize = %#x, want %#x", got, want)
	}
	r, ok = tab.Lookup(0x800)
	if !ok {
		t.Fatal("Lookup(0x800) not found")
	}
	if got, want := r.SectorSize, uint32(0x1000); got != want {
		t.Errorf("SectorSize = %#x, want %#x", got, want)
	}
	if _, ok := tab.Lookup(0x80000); ok {
		t.Error("Lookup(0x80000) found, want not found")
	}
}

func TestNewTableErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		info Info
	}{
		{
			name: "no regions",
		}, {
			name: "no sector size",
			info: Info{Regions: []Region{{Start: 0, Size: 0x100}}},
		}, {
			name: "overlap",
			info: Info{Regions: []Region{
				{Start: 0, Size: 0x100, SectorSize: 0x10},
				{Start: 0x80, Size: 0x100, SectorSize: 0x10},
			}},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := NewTable(test.info); err == nil {
				t.Fatal("NewTable: got nil error")
			}
		})
	}
}
