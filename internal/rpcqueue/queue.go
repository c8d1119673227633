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

// Package rpcqueue implements the chunked RPC ring queue between the kernel
// core and the comm core.
//
// The queue is a fixed physical address range divided into chunks. The send
// and recv cursors live in shared words and hold chunk addresses. Producers
// serialize directly into the claimed chunk; the cursor only moves when the
// encoder succeeds. One chunk is always left unused so that full and empty
// can be told apart.
//
// There is no lock: exactly one producer and one consumer per queue.
package rpcqueue

import (
	"context"
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
	"github.com/sirupsen/logrus"

	"github.com/thomasfire/artiq/internal/shmem"
)

var (
	// ErrFull is returned by Enqueue when no chunk is free. The encoder is
	// not called.
	ErrFull = fmt.Errorf("rpcqueue: queue full: %w", iox.ErrWouldBlock)
	// ErrEmpty is returned by Dequeue when nothing is pending. The decoder
	// is not called.
	ErrEmpty = fmt.Errorf("rpcqueue: queue empty: %w", iox.ErrWouldBlock)
	// ErrCorruptCursor is returned when a cursor word holds an address that
	// is not a chunk of the queue.
	ErrCorruptCursor = errors.New("rpcqueue: cursor outside queue range")
)

// QueueState is a snapshot of the cursors.
type QueueState struct {
	Begin  uint64 `json:"begin" msgpack:"begin"`
	Chunk  uint64 `json:"chunk" msgpack:"chunk"`
	Chunks uint64 `json:"chunks" msgpack:"chunks"`
	Send   uint64 `json:"send" msgpack:"send"`
	Recv   uint64 `json:"recv" msgpack:"recv"`
	Used   uint64 `json:"used" msgpack:"used"`
}

// ring holds what both sides of the queue need.
type ring struct {
	w     *shmem.Window
	send  shmem.Word
	recv  shmem.Word
	begin uint64
	end   uint64
	chunk uint64
	log   *logrus.Entry
}

func newRing(w *shmem.Window, side string) ring {
	o := w.Options()
	return ring{
		w:     w,
		send:  w.Word(shmem.QueueSendWord),
		recv:  w.Word(shmem.QueueRecvWord),
		begin: o.QueueBegin,
		end:   o.QueueBegin + w.QueueChunks()*o.QueueChunk,
		chunk: o.QueueChunk,
		log:   w.Logger("rpcqueue").WithField("side", side),
	}
}

// Init points both cursors at the start of the queue and clears the queue
// lock word. It must run before either side is used and while neither side
// is active.
func Init(w *shmem.Window) {
	o := w.Options()
	w.Logger("rpcqueue").WithField("begin", fmt.Sprintf("%#x", o.QueueBegin)).Info("queue init")
	w.Word(shmem.QueueSendWord).Store(o.QueueBegin)
	w.Word(shmem.QueueRecvWord).Store(o.QueueBegin)
	w.Word(shmem.QueueLockWord).Store(0)
}

// State returns a snapshot of the cursors without claiming either side.
func State(w *shmem.Window) QueueState {
	r := newRing(w, "observer")
	return r.DebugState()
}

// next advances addr by one chunk, wrapping to the start of the range.
func (r *ring) next(addr uint64) uint64 {
	addr += r.chunk
	if addr >= r.end {
		addr = r.begin
	}
	return addr
}

// Empty reports whether nothing is pending.
func (r *ring) Empty() bool {
	return r.send.Load() == r.recv.Load()
}

// Full reports whether the producer has no free chunk.
func (r *ring) Full() bool {
	return r.next(r.send.Load()) == r.recv.Load()
}

// DebugState returns a snapshot of the cursors.
func (r *ring) DebugState() QueueState {
	send, recv := r.send.Load(), r.recv.Load()
	chunks := (r.end - r.begin) / r.chunk
	var used uint64
	if send >= recv {
		used = (send - recv) / r.chunk
	} else {
		used = chunks - (recv-send)/r.chunk
	}
	return QueueState{
		Begin:  r.begin,
		Chunk:  r.chunk,
		Chunks: chunks,
		Send:   send,
		Recv:   recv,
		Used:   used,
	}
}

func (r *ring) span(addr uint64) ([]byte, error) {
	b, err := r.w.QueueChunk(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCursor, err)
	}
	return b, nil
}

// Producer is the sending side of the queue.
type Producer struct {
	ring
}

// NewProducer claims the producer side of the queue in w.
func NewProducer(w *shmem.Window) (*Producer, error) {
	if err := w.Claim(shmem.QueueProducer); err != nil {
		return nil, fmt.Errorf("rpcqueue: %w", err)
	}
	return &Producer{ring: newRing(w, "producer")}, nil
}

// Enqueue hands the next free chunk to encode. The send cursor advances only
// if encode returns nil; its error is returned unchanged. When the queue is
// full Enqueue returns ErrFull without calling encode.
func (p *Producer) Enqueue(encode func(chunk []byte) error) error {
	send, recv := p.send.Load(), p.recv.Load()
	p.log.WithFields(logrus.Fields{"send": send, "recv": recv}).Debug("enqueue")
	if p.next(send) == recv {
		return ErrFull
	}
	chunk, err := p.span(send)
	if err != nil {
		return err
	}
	if err := encode(chunk); err != nil {
		return err
	}
	// The producer is the last writer of the chunk, so no flush is needed
	// before publishing it.
	p.send.Store(p.next(send))
	return nil
}

// EnqueueWait retries Enqueue with backoff while the queue is full, until
// ctx ends.
func (p *Producer) EnqueueWait(ctx context.Context, encode func(chunk []byte) error) error {
	return retry(ctx, func() error { return p.Enqueue(encode) })
}

// Close releases the producer side.
func (p *Producer) Close() error {
	p.w.Release(shmem.QueueProducer)
	return nil
}

// Consumer is the receiving side of the queue.
type Consumer struct {
	ring
}

// NewConsumer claims the consumer side of the queue in w.
func NewConsumer(w *shmem.Window) (*Consumer, error) {
	if err := w.Claim(shmem.QueueConsumer); err != nil {
		return nil, fmt.Errorf("rpcqueue: %w", err)
	}
	return &Consumer{ring: newRing(w, "consumer")}, nil
}

// Dequeue hands the oldest pending chunk to decode. The recv cursor advances
// only if decode returns nil; its error is returned unchanged. When the
// queue is empty Dequeue returns ErrEmpty without calling decode.
func (c *Consumer) Dequeue(decode func(chunk []byte) error) error {
	send, recv := c.send.Load(), c.recv.Load()
	c.log.WithFields(logrus.Fields{"send": send, "recv": recv}).Debug("dequeue")
	if send == recv {
		return ErrEmpty
	}
	// The chunk was last written by the other core.
	c.w.FlushDCache()
	chunk, err := c.span(recv)
	if err != nil {
		return err
	}
	if err := decode(chunk); err != nil {
		return err
	}
	c.recv.Store(c.next(recv))
	return nil
}

// DequeueWait retries Dequeue with backoff while the queue is empty, until
// ctx ends.
func (c *Consumer) DequeueWait(ctx context.Context, decode func(chunk []byte) error) error {
	return retry(ctx, func() error { return c.Dequeue(decode) })
}

// Close releases the consumer side.
func (c *Consumer) Close() error {
	c.w.Release(shmem.QueueConsumer)
	return nil
}

func retry(ctx context.Context, op func() error) error {
	var bo iox.Backoff
	for {
		err := op()
		if !errors.Is(err, iox.ErrWouldBlock) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", err, ctx.Err())
		default:
		}
		bo.Wait()
	}
}
