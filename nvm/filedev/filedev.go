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

// Package filedev provides an NVM device backed by a flat file, intended for
// host-side simulation of update sessions.
//
// Byte N of the file holds NVM address Base+N.
package filedev

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/transparency-dev/armored-dfu/nvm"
	"k8s.io/klog/v2"
)

// Device is an nvm.Device and nvm.Window backed by a file.
type Device struct {
	f       *os.File
	base    uint32
	size    uint32
	rowSize uint32
	sector  uint32
}

// Open opens (creating if necessary) the file at path and sizes it to cover
// the single region r. Newly created space reads as erased flash.
func Open(path string, r nvm.Region, rowSize uint32) (*Device, error) {
	if rowSize == 0 {
		return nil, errors.New("row size must be non-zero")
	}
	if err := nvm.Validate([]nvm.Region{r}); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %q: %v", path, err)
	}
	if cur := fi.Size(); cur < int64(r.Size) {
		klog.Infof("Extending %q from %d to %d bytes", path, cur, r.Size)
		if err := fill(f, cur, int64(r.Size)-cur); err != nil {
			f.Close()
			return nil, err
		}
	}
	sector := r.SectorSize
	if sector == 0 {
		sector = rowSize
	}
	return &Device{f: f, base: r.Start, size: r.Size, rowSize: rowSize, sector: sector}, nil
}

// Close releases the underlying file.
func (d *Device) Close() error {
	return d.f.Close()
}

// Info implements nvm.Describer.
func (d *Device) Info() nvm.Info {
	return nvm.Info{Regions: []nvm.Region{{Start: d.base, Size: d.size, SectorSize: d.sector}}}
}

func (d *Device) offset(addr uint32, n uint32) (int64, error) {
	if addr < d.base || uint64(addr)+uint64(n) > uint64(d.base)+uint64(d.size) {
		return 0, fmt.Errorf("range [%#x, %#x) outside device", addr, uint64(addr)+uint64(n))
	}
	return int64(addr - d.base), nil
}

// Erase implements nvm.Device.
func (d *Device) Erase(addr uint32) error {
	off, err := d.offset(addr, 1)
	if err != nil {
		return err
	}
	n := int64(d.sector)
	if rem := int64(d.size) - off; n > rem {
		n = rem
	}
	return fill(d.f, off, n)
}

// Program implements nvm.Device.
func (d *Device) Program(addr uint32, row []byte) error {
	if uint32(len(row)) != d.rowSize {
		return fmt.Errorf("program of %d bytes, want %d", len(row), d.rowSize)
	}
	off, err := d.offset(addr, d.rowSize)
	if err != nil {
		return err
	}
	if _, err := d.f.WriteAt(row, off); err != nil {
		return fmt.Errorf("program at %#x: %v", addr, err)
	}
	return nil
}

// Read implements nvm.Device.
func (d *Device) Read(addr uint32, out []byte) error {
	off, err := d.offset(addr, uint32(len(out)))
	if err != nil {
		return err
	}
	if _, err := d.f.ReadAt(out, off); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read at %#x: %v", addr, err)
	}
	return nil
}

// Bytes implements nvm.Window.
func (d *Device) Bytes(addr uint32, n uint32) ([]byte, error) {
	b := make([]byte, n)
	if err := d.Read(addr, b); err != nil {
		return nil, err
	}
	return b, nil
}

func fill(f *os.File, off, n int64) error {
	const erased = 0xff
	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = erased
	}
	for n > 0 {
		c := int64(len(buf))
		if c > n {
			c = n
		}
		if _, err := f.WriteAt(buf[:c], off); err != nil {
			return fmt.Errorf("failed to erase at offset %d: %v", off, err)
		}
		off += c
		n -= c
	}
	return nil
}
