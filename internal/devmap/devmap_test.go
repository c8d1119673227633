/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package devmap_test

import (
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/thomasfire/artiq/internal/devmap"
	"github.com/thomasfire/artiq/internal/proto"
)

func TestRegistry_Resolve(t *testing.T) {
	var r devmap.Registry
	if got := r.Resolve(0); got != devmap.Unknown {
		t.Errorf("Resolve() before Set = %q, want %q", got, devmap.Unknown)
	}

	m := devmap.Map{0: "ttl0", 5: "urukul0_ch1"}
	if err := r.Set(m); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	m[7] = "late"

	tests := []struct {
		ch   uint32
		want string
	}{
		{ch: 0, want: "ttl0"},
		{ch: 5, want: "urukul0_ch1"},
		{ch: 7, want: devmap.Unknown},
		{ch: 1000, want: devmap.Unknown},
	}
	for _, tt := range tests {
		if got := r.Resolve(tt.ch); got != tt.want {
			t.Errorf("Resolve(%d) = %q, want %q", tt.ch, got, tt.want)
		}
	}
}

func TestRegistry_SetOnce(t *testing.T) {
	var r devmap.Registry
	if err := r.Set(devmap.Map{1: "a"}); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := r.Set(devmap.Map{1: "b"}); !errors.Is(err, devmap.ErrAlreadySet) {
		t.Fatalf("second Set() error = %v, want ErrAlreadySet", err)
	}
	if got := r.Resolve(1); got != "a" {
		t.Errorf("Resolve(1) = %q, want %q", got, "a")
	}
}

func TestRegistry_ConcurrentResolve(t *testing.T) {
	var r devmap.Registry
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Resolve(3)
			}
		}()
	}
	if err := r.Set(devmap.Map{3: "ttl3"}); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	wg.Wait()
	if got := r.Resolve(3); got != "ttl3" {
		t.Errorf("Resolve(3) = %q", got)
	}
}

func TestMap_Channels(t *testing.T) {
	m := devmap.Map{9: "c", 1: "a", 4: "b"}
	if got, want := m.Channels(), []uint32{1, 4, 9}; !reflect.DeepEqual(got, want) {
		t.Errorf("Channels() = %v, want %v", got, want)
	}
}

func TestDecode(t *testing.T) {
	blob := []byte{
		0, 0, 0, 2,
		0, 0, 0, 1, 0, 0, 0, 4, 't', 't', 'l', '1',
		0, 0, 0, 0x20, 0, 0, 0, 3, 'd', 'd', 's',
	}
	m, err := devmap.Decode(blob)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	want := devmap.Map{1: "ttl1", 0x20: "dds"}
	if !reflect.DeepEqual(m, want) {
		t.Errorf("Decode() = %v, want %v", m, want)
	}
	if got := devmap.Encode(m); !reflect.DeepEqual(got, blob) {
		t.Errorf("Encode() = %x, want %x", got, blob)
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
		want error
	}{
		{name: "empty", blob: nil, want: proto.ErrIo},
		{name: "huge count", blob: []byte{0xff, 0xff, 0xff, 0xff}, want: proto.ErrTooLarge},
		{name: "truncated name", blob: []byte{0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 2, 'a'}, want: proto.ErrIo},
		{name: "bad utf8", blob: []byte{0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 1, 0xff}, want: proto.ErrUtf8},
		{
			name: "duplicate",
			blob: []byte{0, 0, 0, 2, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0},
			want: devmap.ErrDuplicateChannel,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := devmap.Decode(tt.blob); !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devmap.msgpack")
	want := devmap.Map{0: "ttl0", 17: "zotino0"}
	if err := devmap.SaveFile(path, want); err != nil {
		t.Fatalf("SaveFile() failed: %v", err)
	}
	got, err := devmap.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LoadFile() = %v, want %v", got, want)
	}

	if _, err := devmap.LoadFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("LoadFile() of missing file succeeded")
	}
}
