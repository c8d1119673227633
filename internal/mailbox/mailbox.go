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

// Package mailbox implements the single-word handshake used for coarse
// command signaling between the comm core and the kernel core.
//
// Both cores share one mailbox word. Zero means "no pending message". Each
// side remembers the last value it sent so that it never mistakes its own
// message for one from the peer.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thomasfire/artiq/internal/shmem"
)

// ErrZeroValue is returned by Send for the reserved value 0.
var ErrZeroValue = errors.New("mailbox: cannot send reserved value 0")

// Side selects which core a Mailbox endpoint belongs to.
type Side int

const (
	Comm Side = iota
	Kernel
)

func (s Side) endpoint() shmem.Endpoint {
	if s == Kernel {
		return shmem.KernelMailbox
	}
	return shmem.CommMailbox
}

func (s Side) String() string {
	if s == Kernel {
		return "kernel"
	}
	return "comm"
}

// Mailbox is one core's endpoint on the shared mailbox word. Callers must
// not race two senders in the same direction.
type Mailbox struct {
	w        *shmem.Window
	word     shmem.Word
	side     Side
	lastSent uint64
	log      *logrus.Entry
}

// New claims the mailbox endpoint of side. Each side can be claimed once per
// window.
func New(w *shmem.Window, side Side) (*Mailbox, error) {
	if err := w.Claim(side.endpoint()); err != nil {
		return nil, fmt.Errorf("mailbox: %w", err)
	}
	return &Mailbox{
		w:    w,
		word: w.Word(shmem.MailboxWord),
		side: side,
		log:  w.Logger("mailbox").WithField("side", side.String()),
	}, nil
}

// Send posts v to the peer and records it as the last value sent.
func (m *Mailbox) Send(v uint64) error {
	if v == 0 {
		return ErrZeroValue
	}
	m.log.WithFields(logrus.Fields{"data": v, "last": m.lastSent}).Debug("mailbox send")
	m.lastSent = v
	m.word.Store(v)
	m.word.Wake()
	return nil
}

// Acknowledged reports whether the peer has consumed or overwritten the
// last message sent from this side.
func (m *Mailbox) Acknowledged() bool {
	data := m.word.Load()
	m.log.WithFields(logrus.Fields{"data": data, "last": m.lastSent}).Debug("mailbox acknowledged")
	return data == 0 || data != m.lastSent
}

// Receive returns the pending message from the peer, or 0 when the mailbox
// is empty or holds this side's own message. A nonzero value usually points
// into memory written by the peer, so the data cache is flushed first.
func (m *Mailbox) Receive() uint64 {
	data := m.word.Load()
	m.log.WithFields(logrus.Fields{"data": data, "last": m.lastSent}).Debug("mailbox receive")
	if data == m.lastSent {
		return 0
	}
	if data != 0 {
		m.w.FlushDCache()
	}
	return data
}

// Acknowledge clears the mailbox.
func (m *Mailbox) Acknowledge() {
	m.log.WithField("last", m.lastSent).Debug("mailbox acknowledge")
	m.word.Store(0)
	m.word.Wake()
}

// waitSlice bounds one sleep so that ctx is checked regularly.
const waitSlice = time.Millisecond

func (m *Mailbox) wait(ctx context.Context, done func() bool) error {
	for !done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.word.WaitChange(m.word.Load(), waitSlice); err != nil {
			return err
		}
	}
	return nil
}

// WaitReceive blocks until Receive returns a message or ctx ends.
func (m *Mailbox) WaitReceive(ctx context.Context) (uint64, error) {
	var data uint64
	err := m.wait(ctx, func() bool {
		data = m.Receive()
		return data != 0
	})
	return data, err
}

// WaitAcknowledged blocks until Acknowledged reports true or ctx ends.
func (m *Mailbox) WaitAcknowledged(ctx context.Context) error {
	return m.wait(ctx, m.Acknowledged)
}

// LastSent returns the value most recently passed to Send.
func (m *Mailbox) LastSent() uint64 {
	return m.lastSent
}

// Close releases the endpoint so that it can be claimed again.
func (m *Mailbox) Close() error {
	m.w.Release(m.side.endpoint())
	return nil
}
