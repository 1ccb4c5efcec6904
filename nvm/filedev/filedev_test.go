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

package filedev

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-dfu/nvm"
)

func TestProgramEraseRead(t *testing.T) {
	const rowSize = 64
	r := nvm.Region{Start: 0x2000, Size: 0x1000, SectorSize: 0x100}
	path := filepath.Join(t.TempDir(), "flash.bin")

	d, err := Open(path, r, rowSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got := make([]byte, rowSize)
	if err := d.Read(0x2000, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if want := bytes.Repeat([]byte{0xff}, rowSize); !bytes.Equal(got, want) {
		t.Fatalf("fresh device not erased: %x", got)
	}

	row := bytes.Repeat([]byte{0x5a}, rowSize)
	if err := d.Program(0x2140, row); err != nil {
		t.Fatalf("Program: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen to check the content was persisted.
	d, err = Open(path, r, rowSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	got, err = d.Bytes(0x2140, rowSize)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if d := cmp.Diff(row, got); d != "" {
		t.Fatalf("persisted row diff (-want +got):\n%s", d)
	}

	if err := d.Erase(0x2100); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	got, err = d.Bytes(0x2140, rowSize)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if want := bytes.Repeat([]byte{0xff}, rowSize); !bytes.Equal(got, want) {
		t.Fatalf("row not erased: %x", got)
	}
}

func TestOutOfRange(t *testing.T) {
	r := nvm.Region{Start: 0x2000, Size: 0x100}
	d, err := Open(filepath.Join(t.TempDir(), "flash.bin"), r, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.Program(0x20c0+0x40, make([]byte, 64)); err == nil {
		t.Error("Program past end succeeded")
	}
	if err := d.Erase(0x1000); err == nil {
		t.Error("Erase below base succeeded")
	}
	if _, err := d.Bytes(0x20f0, 0x20); err == nil {
		t.Error("Bytes straddling end succeeded")
	}
	if err := d.Program(0x2000, make([]byte, 32)); err == nil {
		t.Error("short Program succeeded")
	}
}
