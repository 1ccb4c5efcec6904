// Copyright 2024 The Armored DFU authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// The dfusim tool simulates a live update of a board against a file backed
// flash device. The image is streamed row by row through the flash write
// guard, validated, and "launched" if it is acceptable.
//
// Usage:
//
//	dfusim -config board.yaml -flash_file flash.bin -image_file app.img
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/transparency-dev/armored-dfu/api"
	"github.com/transparency-dev/armored-dfu/internal/boot"
	"github.com/transparency-dev/armored-dfu/internal/config"
	"github.com/transparency-dev/armored-dfu/internal/crypto"
	"github.com/transparency-dev/armored-dfu/internal/guard"
	"github.com/transparency-dev/armored-dfu/internal/metadata"
	"github.com/transparency-dev/armored-dfu/internal/validate"
	"github.com/transparency-dev/armored-dfu/nvm"
	"github.com/transparency-dev/armored-dfu/nvm/filedev"
	"k8s.io/klog/v2"
)

var (
	configFile = flag.String("config", "", "Board configuration file.")
	flashFile  = flag.String("flash_file", "flash.bin", "File backing the simulated flash, created if missing.")
	imageFile  = flag.String("image_file", "", "Image to transfer.")
	address    = flag.Uint("address", 0, "Address to write the image to, defaults to the board boot address.")
	layout     = flag.String("layout", "", "If set, provision the metadata row with comma separated start:length application slots before the update.")
	retries    = flag.Int("retries", 3, "Number of failed sessions tolerated before giving up.")
	flashStart = flag.Uint("flash_start", 0, "Start of the simulated flash for the table region map.")
	flashSize  = flag.Uint("flash_size", 0, "Size of the simulated flash for the table region map.")
	sectorSize = flag.Uint("sector_size", 0, "Sector size of the simulated flash for the table region map.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	board, err := config.Load(*configFile)
	if err != nil {
		klog.Exitf("Failed to load config: %v", err)
	}
	img, err := os.ReadFile(*imageFile)
	if err != nil {
		klog.Exitf("Failed to read image: %v", err)
	}

	region, err := flashRegion(board)
	if err != nil {
		klog.Exitf("Cannot simulate board: %v", err)
	}
	dev, err := filedev.Open(*flashFile, region, board.RowSize)
	if err != nil {
		klog.Exitf("Failed to open flash: %v", err)
	}
	defer dev.Close()

	if *layout != "" {
		provisionOrDie(dev, board, *layout)
	}

	regions, err := board.NVMRegions(dev)
	if err != nil {
		klog.Exitf("Invalid region map: %v", err)
	}
	anchors, err := board.Anchors()
	if err != nil {
		klog.Exitf("Invalid trust anchors: %v", err)
	}
	apps := metadata.New(dev, board.Metadata.Address, board.Metadata.Apps)
	v := validate.New(dev, anchors, crypto.NewSoftware(0), apps, board.ValidateOptions())
	g, err := guard.New(dev, guard.Config{
		RowSize:       board.RowSize,
		Regions:       regions,
		Apps:          apps,
		RunningApp:    board.RunningApp,
		GoldenApps:    board.GoldenApps,
		Golden:        v,
		Format:        board.Format(),
		SignatureSize: board.SignatureSize,
	})
	if err != nil {
		klog.Exitf("Failed to create guard: %v", err)
	}

	addr := board.BootAddress
	if *address != 0 {
		addr = uint32(*address)
	}
	klog.Infof("Board: transport %s, %s region map, boot address %#x", board.Transport, board.RegionMap, board.BootAddress)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newSession(g, addr, img)
	bar := pb.StartNew(s.Rows())
	s.onRow = func() { bar.Increment() }
	e := &retryingEngine{session: s, bar: bar, left: *retries, cancel: cancel}

	err = boot.Run(ctx, e, v, dev, board.BootAddress, logLauncher{})
	bar.Finish()
	if len(s.responses) > 0 {
		if r, perr := api.ParseResponse(s.responses[len(s.responses)-1]); perr == nil {
			fmt.Print(r.Print())
		}
	}
	if err != nil {
		klog.Exitf("Update failed: %v", err)
	}
}

// retryingEngine gives up on the update after too many failed sessions.
type retryingEngine struct {
	*session
	bar    *pb.ProgressBar
	left   int
	cancel context.CancelFunc
}

func (r *retryingEngine) Reset() {
	r.left--
	if r.left < 0 {
		klog.Errorf("Too many failed sessions, giving up")
		r.cancel()
		return
	}
	r.session.Reset()
	if r.bar != nil {
		r.bar.SetCurrent(0)
	}
}

type logLauncher struct{}

func (logLauncher) Launch(e boot.Entry) error {
	klog.Infof("Jumping to reset vector %#08x with stack pointer %#08x", e.PC, e.SP)
	return nil
}

// flashRegion returns the single region the flash file must cover. The file
// is erased with one sector size, so fixed maps mixing sector sizes are
// refused.
func flashRegion(b *config.Board) (nvm.Region, error) {
	switch b.RegionMap {
	case config.MapFixed:
		lo, hi := uint64(b.Regions[0].Start), uint64(0)
		for _, r := range b.Regions {
			if r.SectorSize != b.Regions[0].SectorSize {
				return nvm.Region{}, fmt.Errorf("region at %#x has sector size %d, simulated flash supports only %d", r.Start, r.SectorSize, b.Regions[0].SectorSize)
			}
			lo = min(lo, uint64(r.Start))
			hi = max(hi, uint64(r.Start)+uint64(r.Size))
		}
		return nvm.Region{Start: uint32(lo), Size: uint32(hi - lo), SectorSize: b.Regions[0].SectorSize}, nil
	case config.MapBanked:
		end := uint64(b.Banked.Base) + uint64(b.Banked.Size)
		if alt := uint64(b.Banked.AltBase) + uint64(b.Banked.BankSize); b.Banked.AltBase != 0 && alt > end {
			end = alt
		}
		return nvm.Region{Start: b.Banked.Base, Size: uint32(end - uint64(b.Banked.Base)), SectorSize: b.Banked.SectorSize}, nil
	}
	if *flashSize == 0 || *flashStart+*flashSize > 1<<32 {
		return nvm.Region{}, errors.New("table region map needs valid --flash_start and --flash_size")
	}
	return nvm.Region{Start: uint32(*flashStart), Size: uint32(*flashSize), SectorSize: uint32(*sectorSize)}, nil
}

// provisionOrDie writes the metadata row directly, as a factory would.
func provisionOrDie(dev nvm.Device, b *config.Board, slots string) {
	apps, err := parseLayout(slots)
	if err != nil {
		klog.Exitf("Invalid layout: %v", err)
	}
	if len(apps) != b.Metadata.Apps {
		klog.Exitf("Layout has %d applications, board has %d", len(apps), b.Metadata.Apps)
	}
	row, err := metadata.Encode(apps, int(b.RowSize))
	if err != nil {
		klog.Exitf("Encode: %v", err)
	}
	if err := dev.Erase(b.Metadata.Address); err != nil {
		klog.Exitf("Erase metadata: %v", err)
	}
	if err := dev.Program(b.Metadata.Address, row); err != nil {
		klog.Exitf("Program metadata: %v", err)
	}
	klog.Infof("Provisioned %d application slots at %#x", len(apps), b.Metadata.Address)
}

func parseLayout(s string) ([]metadata.App, error) {
	var apps []metadata.App
	for _, f := range strings.Split(s, ",") {
		start, length, ok := strings.Cut(strings.TrimSpace(f), ":")
		if !ok {
			return nil, fmt.Errorf("slot %q is not start:length", f)
		}
		st, err := strconv.ParseUint(start, 0, 32)
		if err != nil {
			return nil, err
		}
		l, err := strconv.ParseUint(length, 0, 32)
		if err != nil {
			return nil, err
		}
		apps = append(apps, metadata.App{Start: uint32(st), Length: uint32(l)})
	}
	if len(apps) == 0 {
		return nil, errors.New("empty layout")
	}
	return apps, nil
}
