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

// Package guard checks and performs the NVM row writes and reads requested
// by an update session.
//
// Every write is checked against the physical region map, the row geometry,
// the range occupied by the running application, and the ranges of any
// golden images which currently validate. Only then is the row erased and
// programmed, inside a critical section.
package guard

import (
	"errors"
	"fmt"
	"sync"

	"github.com/transparency-dev/armored-dfu/api"
	"github.com/transparency-dev/armored-dfu/internal/metadata"
	"github.com/transparency-dev/armored-dfu/nvm"
	"k8s.io/klog/v2"
)

var (
	ErrAddress = api.AddressInvalid
	ErrLength  = api.LengthInvalid
	ErrData    = api.DataError
	ErrVerify  = api.VerifyMismatch
)

// DefaultSignatureSize is the size of the application signature assumed
// when none is configured.
const DefaultSignatureSize = 4

// OperationError is returned when a request is refused or fails. It carries
// the row address concerned.
type OperationError struct {
	Address uint32
	// Status is one of ErrAddress, ErrLength, ErrData or ErrVerify.
	Status api.Status
	// Cause, if set, describes the underlying failure.
	Cause error
}

func (e *OperationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("operation at %#x failed: %v: %v", e.Address, e.Status, e.Cause)
	}
	return fmt.Sprintf("operation at %#x failed: %v", e.Address, e.Status)
}

func (e *OperationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Status, e.Cause}
	}
	return []error{e.Status}
}

// FailedAddress implements api.Addresser.
func (e *OperationError) FailedAddress() uint32 {
	return e.Address
}

// AppValidator checks whether the image in an application slot is valid.
type AppValidator interface {
	ValidateApp(id int) error
}

// AppLocator returns the verified area of an application slot.
type AppLocator interface {
	App(id int) (metadata.App, error)
}

// CriticalSection excludes anything else which may access NVM, e.g.
// interrupt handlers, while a row is erased and programmed.
type CriticalSection interface {
	Lock()
	Unlock()
}

// Config describes the device the guard protects.
type Config struct {
	// RowSize is the NVM programming granularity.
	RowSize uint32
	// Regions lists the physically writable areas.
	Regions nvm.RegionMap
	// Apps locates application slots.
	Apps AppLocator
	// RunningApp is the slot of the currently executing application.
	RunningApp int
	// GoldenApps are slots holding fallback images which must not be
	// overwritten while they validate.
	GoldenApps []int
	// Golden validates golden images, required if GoldenApps is set.
	Golden AppValidator
	// Format selects where the application signature lives.
	Format AppFormat
	// SignatureSize is the size of the application signature, zero
	// selects DefaultSignatureSize.
	SignatureSize uint32
	// Critical is entered around erase and program, a zero value selects
	// a mutex.
	Critical CriticalSection
}

// Guard mediates NVM access on behalf of an update session.
type Guard struct {
	dev nvm.Device
	cfg Config
}

// New creates a Guard writing to dev.
func New(dev nvm.Device, cfg Config) (*Guard, error) {
	if cfg.RowSize == 0 {
		return nil, errors.New("row size must be non-zero")
	}
	if cfg.Regions == nil {
		return nil, errors.New("no region map")
	}
	if cfg.Apps == nil {
		return nil, errors.New("no application metadata")
	}
	if len(cfg.GoldenApps) > 0 && cfg.Golden == nil {
		return nil, errors.New("golden applications configured without a validator")
	}
	for _, id := range cfg.GoldenApps {
		if id == cfg.RunningApp {
			return nil, fmt.Errorf("application %d is both running and golden", id)
		}
	}
	if cfg.SignatureSize == 0 {
		cfg.SignatureSize = DefaultSignatureSize
	}
	if cfg.Critical == nil {
		cfg.Critical = &sync.Mutex{}
	}
	cfg.GoldenApps = append([]int(nil), cfg.GoldenApps...)
	return &Guard{dev: dev, cfg: cfg}, nil
}

// RowSize returns the NVM programming granularity.
func (g *Guard) RowSize() uint32 {
	return g.cfg.RowSize
}

// Write checks and performs a single row write.
//
// With the erase flag set the row is written with zeros whatever the
// request data, and a zero length is accepted.
func (g *Guard) Write(req *api.Request) error {
	addr := req.Address
	st, cause := g.checkWrite(req)
	if st != api.Success {
		klog.Warningf("Refusing write of %d bytes at %#x: %v: %v", req.Length, addr, st, cause)
		return &OperationError{Address: addr, Status: st, Cause: cause}
	}

	row := req.Data
	if req.Erasing() {
		if uint32(len(row)) >= g.cfg.RowSize {
			clear(row[:g.cfg.RowSize])
		} else {
			row = make([]byte, g.cfg.RowSize)
		}
	}
	row = row[:g.cfg.RowSize]

	region, _ := g.cfg.Regions.Lookup(addr)
	if err := g.commit(addr, row, region); err != nil {
		klog.Errorf("NVM driver fault at %#x: %v", addr, err)
		return &OperationError{Address: addr, Status: ErrData, Cause: err}
	}
	klog.V(2).Infof("Wrote row at %#x (erase=%t)", addr, req.Erasing())
	return nil
}

// checkWrite applies the write checks in order, later checks overriding the
// status of earlier ones.
func (g *Guard) checkWrite(req *api.Request) (api.Status, error) {
	addr := req.Address
	st, cause := api.Success, error(nil)

	if !g.rowMapped(addr) {
		st, cause = ErrAddress, errors.New("row not within an NVM region")
	}
	if addr%g.cfg.RowSize != 0 {
		st, cause = ErrLength, fmt.Errorf("address not aligned to %d byte row", g.cfg.RowSize)
	} else if !req.Erasing() && req.Length != g.cfg.RowSize {
		st, cause = ErrLength, fmt.Errorf("length %d is not a row", req.Length)
	} else if !req.Erasing() && uint32(len(req.Data)) < g.cfg.RowSize {
		st, cause = ErrLength, fmt.Errorf("%d bytes of data for a %d byte row", len(req.Data), g.cfg.RowSize)
	}
	n := g.span(addr)
	if err := g.checkRunning(addr, n); err != nil {
		st, cause = ErrAddress, err
	}
	if st == api.Success {
		if err := g.checkGolden(addr, n); err != nil {
			st, cause = ErrAddress, err
		}
	}
	return st, cause
}

// span returns the number of bytes a row write at addr alters, which is a
// whole sector when the write starts one.
func (g *Guard) span(addr uint32) uint32 {
	r, ok := g.cfg.Regions.Lookup(addr)
	if !ok || addr%g.sectorSize(r) != 0 {
		return g.cfg.RowSize
	}
	n := min(uint64(g.sectorSize(r)), r.End()-uint64(addr))
	return uint32(max(n, uint64(g.cfg.RowSize)))
}

func (g *Guard) sectorSize(r nvm.Region) uint32 {
	if r.SectorSize == 0 {
		return g.cfg.RowSize
	}
	return r.SectorSize
}

func (g *Guard) checkRunning(addr, n uint32) error {
	r, err := g.ProtectedRange(g.cfg.RunningApp)
	if err != nil {
		return fmt.Errorf("running application range unknown: %v", err)
	}
	if r.overlaps(addr, n) {
		return fmt.Errorf("write of [%#x, %#x) overlaps running application %v", addr, uint64(addr)+uint64(n), r)
	}
	return nil
}

func (g *Guard) checkGolden(addr, n uint32) error {
	for _, id := range g.cfg.GoldenApps {
		r, err := g.ProtectedRange(id)
		if err != nil {
			return fmt.Errorf("golden application %d range unknown: %v", id, err)
		}
		if !r.overlaps(addr, n) {
			continue
		}
		if err := g.cfg.Golden.ValidateApp(id); err != nil {
			klog.Infof("Golden application %d does not validate (%v), allowing overwrite at %#x", id, err, addr)
			continue
		}
		return fmt.Errorf("write of [%#x, %#x) overlaps valid golden application %d %v", addr, uint64(addr)+uint64(n), id, r)
	}
	return nil
}

// rowMapped returns true if the whole row starting at addr lies within one
// region.
func (g *Guard) rowMapped(addr uint32) bool {
	r, ok := g.cfg.Regions.Lookup(addr)
	if !ok {
		return false
	}
	return uint64(addr)+uint64(g.cfg.RowSize) <= r.End()
}

func (g *Guard) commit(addr uint32, row []byte, region nvm.Region) error {
	g.cfg.Critical.Lock()
	defer g.cfg.Critical.Unlock()

	if addr%g.sectorSize(region) == 0 {
		if err := g.dev.Erase(addr); err != nil {
			return fmt.Errorf("erase: %w", err)
		}
	}
	if err := g.dev.Program(addr, row); err != nil {
		return fmt.Errorf("program: %w", err)
	}
	return nil
}

// Read copies NVM content into req.Data or, with the compare flag set,
// compares NVM content against req.Data. NVM is never written.
func (g *Guard) Read(req *api.Request) error {
	addr := req.Address
	if req.Length == 0 || req.Length%g.cfg.RowSize != 0 {
		klog.Warningf("Refusing read of %d bytes at %#x: not a whole number of rows", req.Length, addr)
		return &OperationError{Address: addr, Status: ErrLength, Cause: fmt.Errorf("length %d is not a multiple of %d", req.Length, g.cfg.RowSize)}
	}
	if !g.rangeMapped(addr, req.Length) {
		klog.Warningf("Refusing read of %d bytes at %#x: not mapped", req.Length, addr)
		return &OperationError{Address: addr, Status: ErrAddress, Cause: errors.New("range not within an NVM region")}
	}
	if req.Comparing() && uint32(len(req.Data)) < req.Length {
		return &OperationError{Address: addr, Status: ErrLength, Cause: fmt.Errorf("%d bytes of data to compare against %d", len(req.Data), req.Length)}
	}

	buf := make([]byte, req.Length)
	if err := g.readLocked(addr, buf); err != nil {
		klog.Errorf("NVM driver fault reading %#x: %v", addr, err)
		return &OperationError{Address: addr, Status: ErrData, Cause: err}
	}

	if !req.Comparing() {
		if uint32(len(req.Data)) < req.Length {
			req.Data = make([]byte, req.Length)
		}
		copy(req.Data, buf)
		return nil
	}
	for i := range buf {
		if buf[i] != req.Data[i] {
			a := addr + uint32(i)
			klog.Warningf("Verification mismatch at %#x", a)
			return &OperationError{Address: addr, Status: ErrVerify, Cause: fmt.Errorf("first difference at %#x", a)}
		}
	}
	return nil
}

func (g *Guard) readLocked(addr uint32, buf []byte) error {
	g.cfg.Critical.Lock()
	defer g.cfg.Critical.Unlock()
	return g.dev.Read(addr, buf)
}

// rangeMapped returns true if every row of [addr, addr+n) lies within a
// region.
func (g *Guard) rangeMapped(addr, n uint32) bool {
	end := uint64(addr) + uint64(n)
	for a := uint64(addr); a < end; {
		if a > 0xffffffff {
			return false
		}
		r, ok := g.cfg.Regions.Lookup(uint32(a))
		if !ok {
			return false
		}
		a = r.End()
	}
	return true
}
