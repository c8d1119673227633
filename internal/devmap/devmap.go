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

// Package devmap maps RTIO channel numbers to the device names configured
// for them, for diagnostics only.
package devmap

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/thomasfire/artiq/internal/proto"
)

// Unknown is returned by Resolve for channels with no configured name.
const Unknown = "unknown"

var (
	// ErrAlreadySet is returned by Registry.Set after the first call.
	ErrAlreadySet = errors.New("devmap: device map already set")
	// ErrDuplicateChannel is returned when a blob names a channel twice.
	ErrDuplicateChannel = errors.New("devmap: duplicate channel")
)

// Map holds channel names keyed by channel number.
type Map map[uint32]string

// Channels returns the channel numbers in ascending order.
func (m Map) Channels() []uint32 {
	chs := make([]uint32, 0, len(m))
	for ch := range m {
		chs = append(chs, ch)
	}
	sort.Slice(chs, func(i, j int) bool { return chs[i] < chs[j] })
	return chs
}

// Registry holds the device map installed at startup. Set may be called
// once; Resolve is safe from any goroutine.
type Registry struct {
	m atomic.Pointer[Map]
}

// Set installs m. A copy is taken so later changes to m are not seen.
func (r *Registry) Set(m Map) error {
	c := make(Map, len(m))
	for ch, name := range m {
		c[ch] = name
	}
	if !r.m.CompareAndSwap(nil, &c) {
		return ErrAlreadySet
	}
	return nil
}

// Map returns the installed map, or nil. Callers must not modify it.
func (r *Registry) Map() Map {
	if p := r.m.Load(); p != nil {
		return *p
	}
	return nil
}

// Resolve returns the name configured for channel, or Unknown.
func (r *Registry) Resolve(channel uint32) string {
	if name, ok := r.Map()[channel]; ok {
		return name
	}
	return Unknown
}

// Decode parses the device map config blob: a u32 count, then a u32 channel
// and a length-prefixed name for each entry, big-endian.
func Decode(blob []byte) (Map, error) {
	r := proto.NewReader(bytes.NewReader(blob))
	r.MaxBlobLength = uint32(len(blob))
	n, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("devmap: %w", err)
	}
	// Each entry takes at least 8 bytes.
	if uint64(n)*8 > uint64(len(blob)) {
		return nil, fmt.Errorf("devmap: %d entries in a %d byte blob: %w", n, len(blob), proto.ErrTooLarge)
	}
	m := make(Map, n)
	for i := uint32(0); i < n; i++ {
		ch, err := r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("devmap: entry %d: %w", i, err)
		}
		name, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("devmap: entry %d: %w", i, err)
		}
		if _, ok := m[ch]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateChannel, ch)
		}
		m[ch] = name
	}
	return m, nil
}

// Encode produces the blob read by Decode, entries in channel order.
func Encode(m Map) []byte {
	var buf bytes.Buffer
	w := proto.NewWriter(&buf)
	// Writes to a bytes.Buffer do not fail.
	_ = w.WriteU32(uint32(len(m)))
	for _, ch := range m.Channels() {
		_ = w.WriteU32(ch)
		_ = w.WriteString(m[ch])
	}
	return buf.Bytes()
}

type file struct {
	Version  int               `msgpack:"v"`
	Channels map[uint32]string `msgpack:"c"`
}

const fileVersion = 1

// LoadFile reads a map saved by SaveFile.
func LoadFile(path string) (Map, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("devmap: %w", err)
	}
	var f file
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("devmap: decode %s: %w", path, err)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("devmap: %s: unsupported version %d", path, f.Version)
	}
	if f.Channels == nil {
		return Map{}, nil
	}
	return Map(f.Channels), nil
}

// SaveFile writes m to path in msgpack.
func SaveFile(path string, m Map) error {
	b, err := msgpack.Marshal(&file{Version: fileVersion, Channels: m})
	if err != nil {
		return fmt.Errorf("devmap: encode: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("devmap: %w", err)
	}
	return nil
}
