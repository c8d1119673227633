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

package shmem

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Memory layout constants
const (
	// Magic bytes for window identification
	WindowMagic = "COREIPC\x00"

	// Current layout version
	WindowVersion = uint32(1)

	// Window header size (aligned to 128 bytes)
	HeaderSize = 128

	// Size of the block of shared words that follows the header
	WordBlockSize = 64

	// WordSize is the machine word used for the mailbox, cursors and lengths.
	WordSize = 8
)

// Default addresses and sizes. They must match the configuration of the
// other core exactly.
const (
	DefaultQueueBegin   = 0x44000000
	DefaultQueueEnd     = 0x44ffff80
	DefaultQueueChunk   = 0x1000
	DefaultFIFOSlots    = 128
	DefaultFIFOSlotSize = 4096
	DefaultLockTimeout  = 100 * time.Millisecond
)

// WordID names one machine word inside the word block.
type WordID int

// Word block slots. Word 3 is unused so that the lock keeps the offset it
// has on the gateware (base + 4 words).
const (
	MailboxWord   WordID = 0
	QueueSendWord WordID = 1
	QueueRecvWord WordID = 2
	QueueLockWord WordID = 4
	FIFOWriteWord WordID = 5
	FIFOReadWord  WordID = 6
	FIFOLockWord  WordID = 7
)

var (
	// ErrInvalidLayout is returned when Options cannot describe a window.
	ErrInvalidLayout = errors.New("shmem: invalid layout")
	// ErrOutOfWindow is returned when an address or index falls outside the
	// region it was meant to address.
	ErrOutOfWindow = errors.New("shmem: address outside window")
)

// Options configures the geometry of a window.
type Options struct {
	// QueueBegin and QueueEnd bound the physical address range of the RPC
	// queue. QueueBegin must be aligned to QueueChunk.
	QueueBegin uint64
	QueueEnd   uint64
	// QueueChunk is the size of one RPC queue chunk in bytes.
	QueueChunk uint64
	// FIFOSlots is the number of FIFO slots, one of which is always kept
	// free.
	FIFOSlots int
	// FIFOSlotSize is the size of one FIFO slot in bytes.
	FIFOSlotSize int
	// LockTimeout bounds FIFO lock acquisition when the caller's context has
	// no deadline. Zero means wait until the context ends.
	LockTimeout time.Duration
	// Logger receives component logs. Nil means logrus.StandardLogger().
	Logger *logrus.Logger
}

// DefaultOptions returns the geometry used by the gateware.
func DefaultOptions() Options {
	return Options{
		QueueBegin:   DefaultQueueBegin,
		QueueEnd:     DefaultQueueEnd,
		QueueChunk:   DefaultQueueChunk,
		FIFOSlots:    DefaultFIFOSlots,
		FIFOSlotSize: DefaultFIFOSlotSize,
		LockTimeout:  DefaultLockTimeout,
	}
}

// Header is the window header as laid out in shared memory.
type Header struct {
	magic        [8]byte  // 0x00: "COREIPC\0"
	version      uint32   // 0x08: layout version
	flags        uint32   // 0x0C: reserved flags
	totalSize    uint64   // 0x10: total window size
	queueBegin   uint64   // 0x18: physical address of the first chunk
	queueEnd     uint64   // 0x20: physical end of the queue range
	queueChunk   uint64   // 0x28: chunk size
	queueOff     uint64   // 0x30: offset of chunk storage
	fifoOff      uint64   // 0x38: offset of FIFO slots
	fifoLensOff  uint64   // 0x40: offset of FIFO length table
	fifoSlots    uint32   // 0x48: number of FIFO slots
	fifoSlotSize uint32   // 0x4C: FIFO slot size
	claims       uint32   // 0x50: claimed endpoint bitmask
	pad          uint32   // 0x54: padding
	flushes      uint64   // 0x58: data cache flush counter
	reserved     [32]byte // 0x60-0x7F: reserved/padding to 128B
}

// Magic returns the magic bytes
func (h *Header) Magic() [8]byte {
	return h.magic
}

// Version returns the layout version
func (h *Header) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// TotalSize returns the total window size
func (h *Header) TotalSize() uint64 {
	return atomic.LoadUint64(&h.totalSize)
}

// QueueBegin returns the physical address of the first queue chunk
func (h *Header) QueueBegin() uint64 {
	return atomic.LoadUint64(&h.queueBegin)
}

// QueueEnd returns the physical end of the queue range
func (h *Header) QueueEnd() uint64 {
	return atomic.LoadUint64(&h.queueEnd)
}

// QueueChunk returns the queue chunk size
func (h *Header) QueueChunk() uint64 {
	return atomic.LoadUint64(&h.queueChunk)
}

// FIFOSlots returns the number of FIFO slots
func (h *Header) FIFOSlots() uint32 {
	return atomic.LoadUint32(&h.fifoSlots)
}

// FIFOSlotSize returns the FIFO slot size
func (h *Header) FIFOSlotSize() uint32 {
	return atomic.LoadUint32(&h.fifoSlotSize)
}

// Claims returns the claimed endpoint bitmask
func (h *Header) Claims() uint32 {
	return atomic.LoadUint32(&h.claims)
}

// Flushes returns how many data cache flushes consumers have performed
func (h *Header) Flushes() uint64 {
	return atomic.LoadUint64(&h.flushes)
}

func (h *Header) init(opts Options, l Layout) {
	copy(h.magic[:], WindowMagic)
	atomic.StoreUint32(&h.version, WindowVersion)
	atomic.StoreUint64(&h.totalSize, l.TotalSize)
	atomic.StoreUint64(&h.queueBegin, opts.QueueBegin)
	atomic.StoreUint64(&h.queueEnd, opts.QueueEnd)
	atomic.StoreUint64(&h.queueChunk, opts.QueueChunk)
	atomic.StoreUint64(&h.queueOff, l.QueueOffset)
	atomic.StoreUint64(&h.fifoOff, l.FIFOOffset)
	atomic.StoreUint64(&h.fifoLensOff, l.FIFOLensOffset)
	atomic.StoreUint32(&h.fifoSlots, uint32(opts.FIFOSlots))
	atomic.StoreUint32(&h.fifoSlotSize, uint32(opts.FIFOSlotSize))
	atomic.StoreUint32(&h.claims, 0)
	atomic.StoreUint64(&h.flushes, 0)
}

// Layout describes where each region of a window lives.
type Layout struct {
	TotalSize      uint64
	WordsOffset    uint64
	QueueOffset    uint64
	QueueChunks    uint64
	FIFOOffset     uint64
	FIFOLensOffset uint64
}

// CalculateLayout calculates the memory layout of a window for opts.
func CalculateLayout(opts Options) (Layout, error) {
	if opts.QueueChunk == 0 || opts.QueueChunk%WordSize != 0 {
		return Layout{}, fmt.Errorf("%w: chunk size %d is not a positive multiple of %d", ErrInvalidLayout, opts.QueueChunk, WordSize)
	}
	if opts.QueueBegin%opts.QueueChunk != 0 {
		return Layout{}, fmt.Errorf("%w: queue begin %#x is not aligned to chunk size %#x", ErrInvalidLayout, opts.QueueBegin, opts.QueueChunk)
	}
	if opts.QueueEnd <= opts.QueueBegin {
		return Layout{}, fmt.Errorf("%w: queue end %#x is not above queue begin %#x", ErrInvalidLayout, opts.QueueEnd, opts.QueueBegin)
	}
	chunks := (opts.QueueEnd - opts.QueueBegin) / opts.QueueChunk
	if chunks < 2 {
		return Layout{}, fmt.Errorf("%w: queue range holds %d chunks, need at least 2", ErrInvalidLayout, chunks)
	}
	if opts.FIFOSlots < 2 {
		return Layout{}, fmt.Errorf("%w: FIFO needs at least 2 slots, got %d", ErrInvalidLayout, opts.FIFOSlots)
	}
	if opts.FIFOSlotSize <= 0 || opts.FIFOSlotSize%WordSize != 0 {
		return Layout{}, fmt.Errorf("%w: FIFO slot size %d is not a positive multiple of %d", ErrInvalidLayout, opts.FIFOSlotSize, WordSize)
	}

	var l Layout
	l.WordsOffset = HeaderSize
	l.QueueOffset = alignTo64(l.WordsOffset + WordBlockSize)
	l.QueueChunks = chunks
	l.FIFOOffset = alignTo64(l.QueueOffset + chunks*opts.QueueChunk)
	l.FIFOLensOffset = alignTo64(l.FIFOOffset + uint64(opts.FIFOSlots)*uint64(opts.FIFOSlotSize))
	l.TotalSize = alignTo64(l.FIFOLensOffset + uint64(opts.FIFOSlots)*WordSize)
	return l, nil
}

// alignTo64 aligns a size to 64-byte boundary
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}

// ValidateHeader checks that h describes the geometry in opts.
func ValidateHeader(h *Header, opts Options) error {
	if string(h.magic[:]) != WindowMagic {
		return fmt.Errorf("invalid magic bytes")
	}
	if h.Version() != WindowVersion {
		return fmt.Errorf("unsupported version %d, expected %d", h.Version(), WindowVersion)
	}
	l, err := CalculateLayout(opts)
	if err != nil {
		return fmt.Errorf("layout calculation failed: %w", err)
	}
	if h.TotalSize() != l.TotalSize {
		return fmt.Errorf("total size mismatch: got %d, expected %d", h.TotalSize(), l.TotalSize)
	}
	if h.QueueBegin() != opts.QueueBegin || h.QueueEnd() != opts.QueueEnd || h.QueueChunk() != opts.QueueChunk {
		return fmt.Errorf("queue geometry mismatch: got [%#x, %#x)/%#x, expected [%#x, %#x)/%#x",
			h.QueueBegin(), h.QueueEnd(), h.QueueChunk(), opts.QueueBegin, opts.QueueEnd, opts.QueueChunk)
	}
	if int(h.FIFOSlots()) != opts.FIFOSlots || int(h.FIFOSlotSize()) != opts.FIFOSlotSize {
		return fmt.Errorf("FIFO geometry mismatch: got %dx%d, expected %dx%d",
			h.FIFOSlots(), h.FIFOSlotSize(), opts.FIFOSlots, opts.FIFOSlotSize)
	}
	return nil
}
