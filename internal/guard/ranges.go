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

package guard

import (
	"fmt"
	"strings"
)

// AppFormat selects where an application's signature is stored relative to
// its verified area.
type AppFormat int

const (
	// Classic applications are followed by their signature.
	Classic AppFormat = iota
	// Simplified applications are preceded by their signature.
	Simplified
)

func (f AppFormat) String() string {
	switch f {
	case Classic:
		return "classic"
	case Simplified:
		return "simplified"
	}
	return fmt.Sprintf("AppFormat(%d)", int(f))
}

// ParseAppFormat parses the name of an AppFormat.
func ParseAppFormat(s string) (AppFormat, error) {
	switch strings.ToLower(s) {
	case "", "classic":
		return Classic, nil
	case "simplified":
		return Simplified, nil
	}
	return 0, fmt.Errorf("unknown application format %q", s)
}

// Range is a half-open address range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// Contains returns true if addr lies within r.
func (r Range) Contains(addr uint32) bool {
	return r.Start <= uint64(addr) && uint64(addr) < r.End
}

// overlaps returns true if any byte of [addr, addr+n) lies within r.
func (r Range) overlaps(addr, n uint32) bool {
	return uint64(addr) < r.End && r.Start < uint64(addr)+uint64(n)
}

// ProtectedRange returns the area occupied by application id, including its
// signature. It is computed from NVM metadata on every call.
func (g *Guard) ProtectedRange(id int) (Range, error) {
	a, err := g.cfg.Apps.App(id)
	if err != nil {
		return Range{}, err
	}
	start, length, sig := uint64(a.Start), uint64(a.Length), uint64(g.cfg.SignatureSize)

	switch g.cfg.Format {
	case Classic:
		return Range{Start: start, End: start + length + sig}, nil
	case Simplified:
		var s uint64
		if start >= sig {
			s = start - sig
		}
		return Range{Start: s, End: start + length}, nil
	}
	return Range{}, fmt.Errorf("unknown application format %v", g.cfg.Format)
}
