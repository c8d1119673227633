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

package mailbox_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/thomasfire/artiq/internal/mailbox"
	"github.com/thomasfire/artiq/internal/shmem"
)

func newPair(t *testing.T) (*shmem.Window, *mailbox.Mailbox, *mailbox.Mailbox) {
	t.Helper()
	opts := shmem.DefaultOptions()
	opts.QueueBegin = 0
	opts.QueueEnd = 0x200
	opts.QueueChunk = 0x100
	opts.FIFOSlots = 2
	opts.FIFOSlotSize = 8
	w, err := shmem.NewHeapWindow(opts)
	if err != nil {
		t.Fatalf("NewHeapWindow() failed: %v", err)
	}
	comm, err := mailbox.New(w, mailbox.Comm)
	if err != nil {
		t.Fatalf("New(Comm) failed: %v", err)
	}
	kernel, err := mailbox.New(w, mailbox.Kernel)
	if err != nil {
		t.Fatalf("New(Kernel) failed: %v", err)
	}
	return w, comm, kernel
}

func TestMailbox_SendReceiveAcknowledge(t *testing.T) {
	_, comm, kernel := newPair(t)

	if !comm.Acknowledged() {
		t.Error("empty mailbox should count as acknowledged")
	}
	if got := kernel.Receive(); got != 0 {
		t.Errorf("Receive() on empty mailbox = %#x, want 0", got)
	}

	if err := comm.Send(0x4000_1000); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if comm.Acknowledged() {
		t.Error("Acknowledged() = true before the peer consumed the message")
	}
	if got := comm.Receive(); got != 0 {
		t.Errorf("sender Receive() = %#x, want 0 (no self-delivery)", got)
	}
	if got := kernel.Receive(); got != 0x4000_1000 {
		t.Errorf("peer Receive() = %#x, want 0x40001000", got)
	}

	kernel.Acknowledge()
	if !comm.Acknowledged() {
		t.Error("Acknowledged() = false after the peer cleared the mailbox")
	}
	if got := kernel.Receive(); got != 0 {
		t.Errorf("Receive() after Acknowledge() = %#x, want 0", got)
	}
}

func TestMailbox_OverwriteCountsAsAcknowledged(t *testing.T) {
	_, comm, kernel := newPair(t)

	comm.Send(1)
	kernel.Send(2)
	if !comm.Acknowledged() {
		t.Error("Acknowledged() = false after the peer overwrote the message")
	}
	if got := comm.Receive(); got != 2 {
		t.Errorf("Receive() = %d, want 2", got)
	}
	if got := kernel.Receive(); got != 0 {
		t.Errorf("Receive() of own reply = %d, want 0", got)
	}
}

func TestMailbox_RejectsZero(t *testing.T) {
	_, comm, _ := newPair(t)
	if err := comm.Send(0); !errors.Is(err, mailbox.ErrZeroValue) {
		t.Errorf("Send(0) error = %v, want ErrZeroValue", err)
	}
	if comm.LastSent() != 0 {
		t.Errorf("LastSent() = %d after rejected Send, want 0", comm.LastSent())
	}
}

func TestMailbox_ReceiveFlushesOnlyForFreshData(t *testing.T) {
	w, comm, kernel := newPair(t)

	before := w.Header().Flushes()
	kernel.Receive()
	if w.Header().Flushes() != before {
		t.Error("Receive() on empty mailbox flushed the cache")
	}

	comm.Send(7)
	comm.Receive()
	if w.Header().Flushes() != before {
		t.Error("Receive() of own message flushed the cache")
	}

	kernel.Receive()
	if w.Header().Flushes() != before+1 {
		t.Errorf("Flushes() = %d, want %d after receiving fresh data", w.Header().Flushes(), before+1)
	}
}

func TestMailbox_ClaimOncePerSide(t *testing.T) {
	w, comm, _ := newPair(t)
	if _, err := mailbox.New(w, mailbox.Comm); !errors.Is(err, shmem.ErrAlreadyClaimed) {
		t.Fatalf("second New(Comm) error = %v, want ErrAlreadyClaimed", err)
	}
	comm.Close()
	if _, err := mailbox.New(w, mailbox.Comm); err != nil {
		t.Errorf("New(Comm) after Close() failed: %v", err)
	}
}

// Receive returns 0 exactly when the word holds the value this side sent
// last.
func TestMailbox_NoSelfDeliveryRandomized(t *testing.T) {
	w, comm, kernel := newPair(t)
	rng := rand.New(rand.NewSource(1))
	sides := []*mailbox.Mailbox{comm, kernel}

	for i := 0; i < 1000; i++ {
		m := sides[rng.Intn(2)]
		switch rng.Intn(3) {
		case 0:
			m.Send(uint64(rng.Intn(4)) + 1)
		case 1:
			m.Acknowledge()
		case 2:
			word := w.Word(shmem.MailboxWord).Load()
			got := m.Receive()
			if word == m.LastSent() {
				if got != 0 {
					t.Fatalf("step %d: Receive() = %d while mailbox holds own value %d", i, got, word)
				}
			} else if got != word {
				t.Fatalf("step %d: Receive() = %d, want %d", i, got, word)
			}
		}
	}
}

func TestMailbox_WaitReceive(t *testing.T) {
	_, comm, kernel := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan uint64, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := kernel.WaitReceive(ctx)
		if err != nil {
			errCh <- err
			return
		}
		kernel.Acknowledge()
		got <- v
	}()

	time.Sleep(2 * time.Millisecond)
	if err := comm.Send(0x55); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if err := comm.WaitAcknowledged(ctx); err != nil {
		t.Fatalf("WaitAcknowledged() failed: %v", err)
	}
	select {
	case v := <-got:
		if v != 0x55 {
			t.Errorf("WaitReceive() = %#x, want 0x55", v)
		}
	case err := <-errCh:
		t.Fatalf("WaitReceive() failed: %v", err)
	}
}

func TestMailbox_WaitReceiveDeadline(t *testing.T) {
	_, comm, _ := newPair(t)
	if err := comm.Send(1); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	// The only pending value is our own.
	if _, err := comm.WaitReceive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReceive() error = %v, want DeadlineExceeded", err)
	}
}
