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

package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-dfu/api"
	"github.com/transparency-dev/armored-dfu/image"
	"github.com/transparency-dev/armored-dfu/image/imagetest"
	"github.com/transparency-dev/armored-dfu/internal/boot"
	"github.com/transparency-dev/armored-dfu/internal/config"
	"github.com/transparency-dev/armored-dfu/internal/crypto"
	"github.com/transparency-dev/armored-dfu/internal/guard"
	"github.com/transparency-dev/armored-dfu/internal/metadata"
	"github.com/transparency-dev/armored-dfu/internal/trust"
	"github.com/transparency-dev/armored-dfu/internal/validate"
	"github.com/transparency-dev/armored-dfu/nvm"
	"github.com/transparency-dev/armored-dfu/nvm/testonly"
)

const (
	rowSize   = 128
	metaAddr  = 0x3ff80
	bootAddr  = 0x10000
	runningAt = 0x2000
)

type launches struct {
	entries []boot.Entry
}

func (l *launches) Launch(e boot.Entry) error {
	l.entries = append(l.entries, e)
	return nil
}

func setup(t *testing.T) (*testonly.Flash, *guard.Guard) {
	t.Helper()
	f := testonly.NewFlash(t, rowSize, nvm.Region{Start: 0, Size: 0x40000})
	row, err := metadata.Encode([]metadata.App{{Start: runningAt, Length: 0x4000}}, rowSize)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f.Load(t, metaAddr, row)
	apps := metadata.New(f, metaAddr, 1)

	g, err := guard.New(f, guard.Config{RowSize: rowSize, Regions: nvm.Fixed(f.Regions), Apps: apps})
	if err != nil {
		t.Fatalf("guard.New: %v", err)
	}
	return f, g
}

func validator(t *testing.T, f *testonly.Flash, key trust.Anchor) *validate.Validator {
	t.Helper()
	a, err := trust.New([]trust.Anchor{key}, 0)
	if err != nil {
		t.Fatalf("trust.New: %v", err)
	}
	return validate.New(f, a, crypto.NewSoftware(0), metadata.New(f, metaAddr, 1), validate.Options{})
}

func TestSessionUpdatesAndLaunches(t *testing.T) {
	key := imagetest.NewKey(t)
	img := imagetest.Signed(t, key, imagetest.Payload(1000), image.SignOpts{})
	f, g := setup(t)
	v := validator(t, f, imagetest.KeyHash(t, key))

	s := newSession(g, bootAddr, img)
	rows := 0
	s.onRow = func() { rows++ }
	l := &launches{}
	if err := boot.Run(context.Background(), s, v, f, bootAddr, l); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rows != s.Rows() {
		t.Errorf("got %d rows, want %d", rows, s.Rows())
	}
	got, err := f.Bytes(bootAddr, uint32(len(img)))
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(got, img) {
		t.Error("flash content differs from image")
	}
	if len(l.entries) != 1 {
		t.Errorf("got %d launches, want 1", len(l.entries))
	}
	for i, r := range s.responses {
		if len(r) != 0 {
			t.Errorf("response %d = %x, want empty success response", i, r)
		}
	}
}

func TestSessionRetriesDriverFault(t *testing.T) {
	key := imagetest.NewKey(t)
	img := imagetest.Signed(t, key, imagetest.Payload(600), image.SignOpts{})
	f, g := setup(t)
	v := validator(t, f, imagetest.KeyHash(t, key))

	failed := false
	f.ProgramErr = func(addr uint32) error {
		if addr == bootAddr+2*rowSize && !failed {
			failed = true
			return errors.New("program timeout")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := &retryingEngine{session: newSession(g, bootAddr, img), left: 1, cancel: cancel}
	l := &launches{}
	if err := boot.Run(ctx, e, v, f, bootAddr, l); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(l.entries) != 1 {
		t.Errorf("got %d launches, want 1", len(l.entries))
	}
	r, err := api.ParseResponse(e.responses[2])
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if r.Status != api.DataError || r.Address != bootAddr+2*rowSize {
		t.Errorf("got status %v at %#x, want %v at %#x", r.Status, r.Address, api.DataError, bootAddr+2*rowSize)
	}
}

func TestSessionGivesUp(t *testing.T) {
	f, g := setup(t)
	v := validator(t, f, trust.Anchor{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The image would overwrite the running application.
	e := &retryingEngine{session: newSession(g, runningAt, make([]byte, rowSize)), left: 2, cancel: cancel}
	l := &launches{}
	err := boot.Run(ctx, e, v, f, bootAddr, l)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v, want %v", err, context.Canceled)
	}
	if len(l.entries) != 0 {
		t.Error("image launched after failed update")
	}
	if got, want := len(e.responses), 3; got != want {
		t.Errorf("got %d attempts, want %d", got, want)
	}
	if len(f.Programmed) != 0 {
		t.Errorf("programmed rows %x", f.Programmed)
	}
}

func TestParseLayout(t *testing.T) {
	got, err := parseLayout("0x2000:0x4000, 0x10000:4096")
	if err != nil {
		t.Fatalf("parseLayout: %v", err)
	}
	want := []metadata.App{{Start: 0x2000, Length: 0x4000}, {Start: 0x10000, Length: 4096}}
	if d := cmp.Diff(want, got); d != "" {
		t.Errorf("diff (-want +got):\n%s", d)
	}
	for _, bad := range []string{"", "0x2000", "x:1", "1:y"} {
		if _, err := parseLayout(bad); err == nil {
			t.Errorf("parseLayout(%q): got nil error", bad)
		}
	}
}

func TestFlashRegion(t *testing.T) {
	for _, test := range []struct {
		name    string
		regions []config.Region
		want    nvm.Region
		wantErr bool
	}{
		{
			name: "flash and eeprom",
			regions: []config.Region{
				{Start: 0x10000000, Size: 0x40000, SectorSize: 0x200},
				{Start: 0x14000000, Size: 0x8000, SectorSize: 0x200},
			},
			want: nvm.Region{Start: 0x10000000, Size: 0x4008000, SectorSize: 0x200},
		}, {
			name: "mixed sector sizes",
			regions: []config.Region{
				{Start: 0x10000000, Size: 0x40000, SectorSize: 0x200},
				{Start: 0x14000000, Size: 0x8000, SectorSize: 0x40},
			},
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := flashRegion(&config.Board{RegionMap: config.MapFixed, Regions: test.regions})
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("flashRegion: %v, wantErr %t", err, test.wantErr)
			}
			if d := cmp.Diff(test.want, got); d != "" {
				t.Errorf("diff (-want +got):\n%s", d)
			}
		})
	}
}
