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

// Package rpcfifo implements the fixed-slot RPC FIFO: N fixed-size slots in
// shared memory, a parallel table of logical lengths and a spin lock.
//
// A slot's length is nonzero iff it holds unread data. The write index names
// the slot written last and the read index the slot read last, so the next
// slot to use is always index+1. One slot is kept free to tell a full FIFO
// from an empty one.
//
// This is an alternative to the lock-free rpcqueue, not a layer over it.
// Like rpcqueue it supports one producer and one consumer.
package rpcfifo

import (
	"context"
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
	"github.com/sirupsen/logrus"

	"github.com/thomasfire/artiq/internal/shmem"
)

var (
	// ErrFifoFull is returned by Push when every usable slot holds data.
	ErrFifoFull = fmt.Errorf("rpcfifo: fifo full: %w", iox.ErrWouldBlock)
	// ErrEmptyRead is returned by Pull when nothing is pending.
	ErrEmptyRead = fmt.Errorf("rpcfifo: fifo empty: %w", iox.ErrWouldBlock)
	// ErrDataOverflow is returned when a payload is larger than a slot or a
	// target buffer is smaller than one.
	ErrDataOverflow = errors.New("rpcfifo: data does not fit a slot")
	// ErrEmptyPayload is returned by Push for a zero-length payload, which
	// the length table cannot tell apart from a free slot.
	ErrEmptyPayload = errors.New("rpcfifo: empty payload")
)

// FIFOState is a snapshot of the FIFO indices.
type FIFOState struct {
	Slots    int    `json:"slots" msgpack:"slots"`
	SlotSize int    `json:"slot_size" msgpack:"slot_size"`
	Write    uint64 `json:"write" msgpack:"write"`
	Read     uint64 `json:"read" msgpack:"read"`
	Pending  int    `json:"pending" msgpack:"pending"`
	Locked   bool   `json:"locked" msgpack:"locked"`
}

type fifo struct {
	w        *shmem.Window
	write    shmem.Word
	read     shmem.Word
	lock     *SpinLock
	slots    int
	slotSize int
	log      *logrus.Entry
}

func newFIFO(w *shmem.Window, side string) fifo {
	o := w.Options()
	return fifo{
		w:        w,
		write:    w.Word(shmem.FIFOWriteWord),
		read:     w.Word(shmem.FIFOReadWord),
		lock:     NewSpinLock(w.Word(shmem.FIFOLockWord), o.LockTimeout),
		slots:    o.FIFOSlots,
		slotSize: o.FIFOSlotSize,
		log:      w.Logger("rpcfifo").WithField("side", side),
	}
}

func (f *fifo) next(i uint64) uint64 {
	return (i + 1) % uint64(f.slots)
}

// SlotSize returns the size of one slot.
func (f *fifo) SlotSize() int {
	return f.slotSize
}

// Init zeroes every slot, every length and both indices under the lock.
func (f *fifo) Init(ctx context.Context) error {
	if err := f.lock.Lock(ctx); err != nil {
		return err
	}
	defer f.lock.Unlock()
	for i := 0; i < f.slots; i++ {
		clear(f.w.FIFOSlot(i))
		f.w.FIFOLength(i).Store(0)
	}
	f.write.Store(0)
	f.read.Store(0)
	f.log.WithFields(logrus.Fields{"slots": f.slots, "slot_size": f.slotSize}).Info("fifo init")
	return nil
}

// Empty reports whether no slot holds unread data.
func (f *fifo) Empty() bool {
	w, r := f.write.Load(), f.read.Load()
	return w == r || f.w.FIFOLength(int(f.next(r))).Load() == 0
}

// Full reports whether the next write slot is unavailable.
func (f *fifo) Full() bool {
	w, r := f.write.Load(), f.read.Load()
	n := f.next(w)
	return n == r || f.w.FIFOLength(int(n)).Load() != 0
}

// DebugState returns a snapshot of the FIFO indices.
func (f *fifo) DebugState() FIFOState {
	w, r := f.write.Load(), f.read.Load()
	pending := int((w + uint64(f.slots) - r) % uint64(f.slots))
	return FIFOState{
		Slots:    f.slots,
		SlotSize: f.slotSize,
		Write:    w,
		Read:     r,
		Pending:  pending,
		Locked:   f.lock.Held(),
	}
}

// Init clears the FIFO in w without claiming either side. It must run while
// neither side is active.
func Init(ctx context.Context, w *shmem.Window) error {
	f := newFIFO(w, "init")
	return f.Init(ctx)
}

// State returns a snapshot of the FIFO indices without claiming either side.
func State(w *shmem.Window) FIFOState {
	f := newFIFO(w, "observer")
	return f.DebugState()
}

// Producer is the pushing side of the FIFO.
type Producer struct {
	fifo
}

// NewProducer claims the producer side of the FIFO in w.
func NewProducer(w *shmem.Window) (*Producer, error) {
	if err := w.Claim(shmem.FIFOProducer); err != nil {
		return nil, fmt.Errorf("rpcfifo: %w", err)
	}
	return &Producer{fifo: newFIFO(w, "producer")}, nil
}

// Push copies data into the next free slot, zero-padded to the slot size,
// and returns len(data).
func (p *Producer) Push(ctx context.Context, data []byte) (int, error) {
	if len(data) > p.slotSize {
		return 0, fmt.Errorf("%w: payload %d bytes, slot %d bytes", ErrDataOverflow, len(data), p.slotSize)
	}
	if len(data) == 0 {
		return 0, ErrEmptyPayload
	}
	if p.Full() {
		return 0, ErrFifoFull
	}
	if err := p.lock.Lock(ctx); err != nil {
		return 0, err
	}
	defer p.lock.Unlock()

	n := p.next(p.write.Load())
	slot := p.w.FIFOSlot(int(n))
	copy(slot, data)
	clear(slot[len(data):])
	p.w.FIFOLength(int(n)).Store(uint64(len(data)))
	p.write.Store(n)
	p.log.WithFields(logrus.Fields{"slot": n, "len": len(data)}).Debug("fifo push")
	return len(data), nil
}

// Close releases the producer side.
func (p *Producer) Close() error {
	p.w.Release(shmem.FIFOProducer)
	return nil
}

// Consumer is the pulling side of the FIFO.
type Consumer struct {
	fifo
}

// NewConsumer claims the consumer side of the FIFO in w.
func NewConsumer(w *shmem.Window) (*Consumer, error) {
	if err := w.Claim(shmem.FIFOConsumer); err != nil {
		return nil, fmt.Errorf("rpcfifo: %w", err)
	}
	return &Consumer{fifo: newFIFO(w, "consumer")}, nil
}

// Pull copies the oldest slot, zero padding included, into target, frees
// the slot and returns the length that was pushed. target must hold at least
// one slot.
func (c *Consumer) Pull(ctx context.Context, target []byte) (int, error) {
	if len(target) < c.slotSize {
		return 0, fmt.Errorf("%w: target %d bytes, slot %d bytes", ErrDataOverflow, len(target), c.slotSize)
	}
	if c.Empty() {
		return 0, ErrEmptyRead
	}
	if err := c.lock.Lock(ctx); err != nil {
		return 0, err
	}
	defer c.lock.Unlock()

	// The slot was written by the other core.
	c.w.FlushDCache()
	n := c.next(c.read.Load())
	length := c.w.FIFOLength(int(n))
	size := length.Load()
	slot := c.w.FIFOSlot(int(n))
	copy(target, slot)
	clear(slot)
	length.Store(0)
	c.read.Store(n)
	c.log.WithFields(logrus.Fields{"slot": n, "len": size}).Debug("fifo pull")
	return int(size), nil
}

// Close releases the consumer side.
func (c *Consumer) Close() error {
	c.w.Release(shmem.FIFOConsumer)
	return nil
}
