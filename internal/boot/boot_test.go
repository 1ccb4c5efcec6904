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

package boot

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-dfu/api"
	"github.com/transparency-dev/armored-dfu/image"
	"github.com/transparency-dev/armored-dfu/image/imagetest"
	"github.com/transparency-dev/armored-dfu/internal/crypto"
	"github.com/transparency-dev/armored-dfu/internal/trust"
	"github.com/transparency-dev/armored-dfu/internal/validate"
)

const base = 0x10000

// scriptedEngine replays a fixed sequence of session states.
type scriptedEngine struct {
	states []SessionState
	resets int
	calls  int
}

func (s *scriptedEngine) Continue(context.Context) (SessionState, api.Status) {
	st := s.states[s.calls]
	s.calls++
	if st == Failed {
		return st, api.DataError
	}
	return st, api.Success
}

func (s *scriptedEngine) Reset() { s.resets++ }

type countingValidator struct {
	v     *validate.Validator
	calls int
}

func (c *countingValidator) Validate(boot uint32) (validate.Verdict, error) {
	c.calls++
	return c.v.Validate(boot)
}

type recordingLauncher struct {
	launched []Entry
}

func (r *recordingLauncher) Launch(e Entry) error {
	r.launched = append(r.launched, e)
	return nil
}

func payload() []byte {
	p := imagetest.Payload(256)
	binary.LittleEndian.PutUint32(p[0:], 0x20008000)
	binary.LittleEndian.PutUint32(p[4:], base+image.HeaderLen+0x41)
	return p
}

func TestRun(t *testing.T) {
	key := imagetest.NewKey(t)
	good := imagetest.Signed(t, key, payload(), image.SignOpts{})
	tampered := append([]byte(nil), good...)
	tampered[image.HeaderLen+100] ^= 0xff

	for _, test := range []struct {
		name       string
		img        []byte
		states     []SessionState
		wantErr    error
		wantResets int
		wantLaunch []Entry
	}{
		{
			name:       "valid image launched",
			img:        good,
			states:     []SessionState{Running, Running, Finished},
			wantLaunch: []Entry{{SP: 0x20008000, PC: base + image.HeaderLen + 0x41}},
		}, {
			name:       "failed session is reset",
			img:        good,
			states:     []SessionState{Running, Failed, Running, Finished},
			wantResets: 1,
			wantLaunch: []Entry{{SP: 0x20008000, PC: base + image.HeaderLen + 0x41}},
		}, {
			name:    "tampered image not launched",
			img:     tampered,
			states:  []SessionState{Finished},
			wantErr: validate.ErrHashMismatch,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			w := &imagetest.Window{Base: base, Data: test.img}
			a, err := trust.New([]trust.Anchor{imagetest.KeyHash(t, key)}, 0)
			if err != nil {
				t.Fatalf("trust.New: %v", err)
			}
			v := &countingValidator{v: validate.New(w, a, crypto.NewSoftware(0), nil, validate.Options{})}
			e := &scriptedEngine{states: test.states}
			l := &recordingLauncher{}

			err = Run(context.Background(), e, v, w, base, l)
			if test.wantErr != nil {
				if !errors.Is(err, test.wantErr) {
					t.Fatalf("Run: %v, want %v", err, test.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if v.calls != 1 {
				t.Errorf("validated %d times, want once", v.calls)
			}
			if e.resets != test.wantResets {
				t.Errorf("got %d resets, want %d", e.resets, test.wantResets)
			}
			if d := cmp.Diff(test.wantLaunch, l.launched); d != "" {
				t.Errorf("launch diff (-want +got):\n%s", d)
			}
		})
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := &countingValidator{}
	err := Run(ctx, &scriptedEngine{}, v, &imagetest.Window{}, base, &recordingLauncher{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v, want %v", err, context.Canceled)
	}
	if v.calls != 0 {
		t.Fatal("cancelled session was validated")
	}
}

func TestEntryPoint(t *testing.T) {
	w := &imagetest.Window{Base: base, Data: imagetest.Signed(t, imagetest.NewKey(t), payload(), image.SignOpts{})}

	got, err := EntryPoint(w, base, validate.Verified)
	if err != nil {
		t.Fatalf("EntryPoint: %v", err)
	}
	if d := cmp.Diff(Entry{SP: 0x20008000, PC: base + image.HeaderLen + 0x41}, got); d != "" {
		t.Errorf("diff (-want +got):\n%s", d)
	}

	raw := &imagetest.Window{Base: base, Data: []byte{0, 0x80, 0, 0x20, 0x01, 0x02, 0x01, 0x00}}
	got, err = EntryPoint(raw, base, validate.SanityCheckedOnly)
	if err != nil {
		t.Fatalf("EntryPoint: %v", err)
	}
	if d := cmp.Diff(Entry{SP: 0x20008000, PC: 0x10201}, got); d != "" {
		t.Errorf("diff (-want +got):\n%s", d)
	}

	if _, err := EntryPoint(raw, base, validate.Rejected); err == nil {
		t.Error("EntryPoint of rejected image: got nil error")
	}
	zero := &imagetest.Window{Base: base, Data: make([]byte, 8)}
	if _, err := EntryPoint(zero, base, validate.SanityCheckedOnly); !errors.Is(err, ErrNoEntry) {
		t.Errorf("EntryPoint of blank flash: %v, want %v", err, ErrNoEntry)
	}
}
