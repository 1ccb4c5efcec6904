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

package trust

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-dfu/image/imagetest"
)

func TestCheck(t *testing.T) {
	trusted := imagetest.NewKey(t)
	other := imagetest.NewKey(t)
	trustedPub := imagetest.PublicKey(t, trusted)

	// An anchor which agrees with the trusted key hash only in its first
	// 16 bytes.
	partial := imagetest.KeyHash(t, trusted)
	partial[31] ^= 0xff

	for _, test := range []struct {
		name      string
		entries   []Anchor
		prefixLen int
		key       []byte
		wantErr   bool
	}{
		{
			name:    "trusted",
			entries: []Anchor{imagetest.KeyHash(t, other), imagetest.KeyHash(t, trusted)},
			key:     trustedPub,
		}, {
			name:    "untrusted",
			entries: []Anchor{imagetest.KeyHash(t, other)},
			key:     trustedPub,
			wantErr: true,
		}, {
			name:    "no anchors",
			key:     trustedPub,
			wantErr: true,
		}, {
			name:    "prefix match default length",
			entries: []Anchor{partial},
			key:     trustedPub,
		}, {
			name:      "prefix mismatch full length",
			entries:   []Anchor{partial},
			prefixLen: 32,
			key:       trustedPub,
			wantErr:   true,
		}, {
			name:    "short key",
			entries: []Anchor{imagetest.KeyHash(t, trusted)},
			key:     trustedPub[:64],
			wantErr: true,
		}, {
			name:    "compressed prefix",
			entries: []Anchor{imagetest.KeyHash(t, trusted)},
			key:     append([]byte{0x02}, trustedPub[1:]...),
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			a, err := New(test.entries, test.prefixLen)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			err = a.Check(test.key)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Check: %v, wantErr %t", err, test.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUntrusted) {
				t.Fatalf("Check: %v, want %v", err, ErrUntrusted)
			}
		})
	}
}

func TestNewPrefixLen(t *testing.T) {
	for _, l := range []int{1, 15, 33} {
		if _, err := New(nil, l); err == nil {
			t.Errorf("New(prefixLen=%d): got nil error", l)
		}
	}
	for _, l := range []int{0, 16, 24, 32} {
		if _, err := New(nil, l); err != nil {
			t.Errorf("New(prefixLen=%d): %v", l, err)
		}
	}
}

func TestParse(t *testing.T) {
	text := []byte(`
# comment
0101010101010101010101010101010101010101010101010101010101010101

  0202020202020202020202020202020202020202020202020202020202020202
`)
	got, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var a, b Anchor
	for i := range a {
		a[i], b[i] = 1, 2
	}
	if d := cmp.Diff([]Anchor{a, b}, got); d != "" {
		t.Fatalf("diff (-want +got):\n%s", d)
	}

	for _, bad := range []string{"zz", "0102", "01010101010101010101010101010101010101010101010101010101010101010101"} {
		if _, err := Parse([]byte(bad)); err == nil {
			t.Errorf("Parse(%q): got nil error", bad)
		}
	}
}
