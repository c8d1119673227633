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

package shmem_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thomasfire/artiq/internal/shmem"
)

func smallOptions() shmem.Options {
	opts := shmem.DefaultOptions()
	opts.QueueBegin = 0x1000
	opts.QueueEnd = 0x1000 + 4*0x100
	opts.QueueChunk = 0x100
	opts.FIFOSlots = 4
	opts.FIFOSlotSize = 64
	return opts
}

func createTestWindow(t *testing.T, opts shmem.Options) *shmem.Window {
	t.Helper()
	w, err := shmem.NewHeapWindow(opts)
	if err != nil {
		t.Fatalf("NewHeapWindow() failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestCalculateLayout(t *testing.T) {
	l, err := shmem.CalculateLayout(smallOptions())
	if err != nil {
		t.Fatalf("CalculateLayout() failed: %v", err)
	}
	if l.WordsOffset != shmem.HeaderSize {
		t.Errorf("WordsOffset = %d, want %d", l.WordsOffset, shmem.HeaderSize)
	}
	if l.QueueChunks != 4 {
		t.Errorf("QueueChunks = %d, want 4", l.QueueChunks)
	}
	for name, off := range map[string]uint64{
		"queue":     l.QueueOffset,
		"fifo":      l.FIFOOffset,
		"fifo lens": l.FIFOLensOffset,
		"total":     l.TotalSize,
	} {
		if off%64 != 0 {
			t.Errorf("%s offset %d is not 64-byte aligned", name, off)
		}
	}
	if l.FIFOOffset < l.QueueOffset+4*0x100 {
		t.Errorf("FIFO region at %d overlaps queue region ending at %d", l.FIFOOffset, l.QueueOffset+4*0x100)
	}
	if l.TotalSize < l.FIFOLensOffset+4*shmem.WordSize {
		t.Errorf("TotalSize %d too small for length table at %d", l.TotalSize, l.FIFOLensOffset)
	}
}

func TestCalculateLayoutDefaultGeometry(t *testing.T) {
	l, err := shmem.CalculateLayout(shmem.DefaultOptions())
	if err != nil {
		t.Fatalf("CalculateLayout() failed: %v", err)
	}
	// 0x44ffff80 - 0x44000000 leaves room for 4095 whole chunks.
	if l.QueueChunks != 4095 {
		t.Errorf("QueueChunks = %d, want 4095", l.QueueChunks)
	}
}

func TestCalculateLayoutInvalid(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*shmem.Options)
	}{
		{"zero chunk", func(o *shmem.Options) { o.QueueChunk = 0 }},
		{"unaligned chunk", func(o *shmem.Options) { o.QueueChunk = 12 }},
		{"unaligned begin", func(o *shmem.Options) { o.QueueBegin = 0x1008 }},
		{"end before begin", func(o *shmem.Options) { o.QueueEnd = o.QueueBegin }},
		{"single chunk", func(o *shmem.Options) { o.QueueEnd = o.QueueBegin + o.QueueChunk }},
		{"single slot", func(o *shmem.Options) { o.FIFOSlots = 1 }},
		{"zero slot size", func(o *shmem.Options) { o.FIFOSlotSize = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := smallOptions()
			tc.modify(&opts)
			if _, err := shmem.CalculateLayout(opts); !errors.Is(err, shmem.ErrInvalidLayout) {
				t.Errorf("CalculateLayout() error = %v, want ErrInvalidLayout", err)
			}
		})
	}
}

func TestHeapWindowHeader(t *testing.T) {
	opts := smallOptions()
	w := createTestWindow(t, opts)
	if err := shmem.ValidateHeader(w.Header(), opts); err != nil {
		t.Fatalf("ValidateHeader() failed: %v", err)
	}

	other := opts
	other.FIFOSlots = 8
	if err := shmem.ValidateHeader(w.Header(), other); err == nil {
		t.Error("ValidateHeader() accepted mismatched FIFO geometry")
	}
}

func TestWordAccess(t *testing.T) {
	w := createTestWindow(t, smallOptions())

	ids := []shmem.WordID{
		shmem.MailboxWord, shmem.QueueSendWord, shmem.QueueRecvWord,
		shmem.QueueLockWord, shmem.FIFOWriteWord, shmem.FIFOReadWord, shmem.FIFOLockWord,
	}
	for i, id := range ids {
		w.Word(id).Store(uint64(i + 100))
	}
	for i, id := range ids {
		if got := w.Word(id).Load(); got != uint64(i+100) {
			t.Errorf("Word(%d).Load() = %d, want %d", id, got, i+100)
		}
	}

	word := w.Word(shmem.QueueLockWord)
	if word.CompareAndSwap(0, 1) {
		t.Error("CompareAndSwap succeeded with stale old value")
	}
	if !word.CompareAndSwap(103, 0) {
		t.Error("CompareAndSwap failed with current old value")
	}
}

func TestQueueChunkBounds(t *testing.T) {
	opts := smallOptions()
	w := createTestWindow(t, opts)

	for i := uint64(0); i < w.QueueChunks(); i++ {
		chunk, err := w.QueueChunk(opts.QueueBegin + i*opts.QueueChunk)
		if err != nil {
			t.Fatalf("QueueChunk(%d) failed: %v", i, err)
		}
		if uint64(len(chunk)) != opts.QueueChunk {
			t.Errorf("len(QueueChunk(%d)) = %d, want %d", i, len(chunk), opts.QueueChunk)
		}
		chunk[0] = byte(i + 1)
	}
	first, _ := w.QueueChunk(opts.QueueBegin)
	if first[0] != 1 {
		t.Errorf("chunks alias each other: first byte = %d, want 1", first[0])
	}

	bad := []uint64{
		opts.QueueBegin - opts.QueueChunk,
		opts.QueueBegin + 8,
		opts.QueueBegin + w.QueueChunks()*opts.QueueChunk,
	}
	for _, addr := range bad {
		if _, err := w.QueueChunk(addr); !errors.Is(err, shmem.ErrOutOfWindow) {
			t.Errorf("QueueChunk(%#x) error = %v, want ErrOutOfWindow", addr, err)
		}
	}
}

func TestClaimOnce(t *testing.T) {
	w := createTestWindow(t, smallOptions())

	if err := w.Claim(shmem.QueueProducer); err != nil {
		t.Fatalf("first Claim() failed: %v", err)
	}
	if err := w.Claim(shmem.QueueProducer); !errors.Is(err, shmem.ErrAlreadyClaimed) {
		t.Fatalf("second Claim() error = %v, want ErrAlreadyClaimed", err)
	}
	if err := w.Claim(shmem.QueueConsumer); err != nil {
		t.Fatalf("Claim() of the other side failed: %v", err)
	}

	w.Release(shmem.QueueProducer)
	if w.Claimed(shmem.QueueProducer) {
		t.Error("Claimed() = true after Release()")
	}
	if err := w.Claim(shmem.QueueProducer); err != nil {
		t.Errorf("Claim() after Release() failed: %v", err)
	}

	state := w.DebugState()
	if len(state.Claimed) != 2 {
		t.Errorf("DebugState().Claimed = %v, want two endpoints", state.Claimed)
	}
}

func TestFlushDCacheCounts(t *testing.T) {
	w := createTestWindow(t, smallOptions())
	for i := 0; i < 3; i++ {
		w.FlushDCache()
	}
	if got := w.Header().Flushes(); got != 3 {
		t.Errorf("Flushes() = %d, want 3", got)
	}
}

func TestWaitForPeer(t *testing.T) {
	w := createTestWindow(t, smallOptions())

	go func() {
		time.Sleep(5 * time.Millisecond)
		w.Claim(shmem.KernelMailbox)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.WaitForPeer(ctx, shmem.KernelMailbox); err != nil {
		t.Fatalf("WaitForPeer() failed: %v", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := w.WaitForPeer(ctx, shmem.FIFOConsumer); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForPeer() error = %v, want DeadlineExceeded", err)
	}
}

func TestWordWaitChange(t *testing.T) {
	w := createTestWindow(t, smallOptions())
	word := w.Word(shmem.MailboxWord)

	start := time.Now()
	if err := word.WaitChange(7, time.Second); err != nil {
		t.Fatalf("WaitChange() on changed word failed: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("WaitChange() slept although the word did not hold old")
	}

	done := make(chan error, 1)
	go func() {
		for word.Load() == 0 {
			if err := word.WaitChange(0, 10*time.Millisecond); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	time.Sleep(time.Millisecond)
	word.Store(3)
	word.Wake()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitChange() failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never saw the change")
	}
}
