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
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// ErrAlreadyClaimed is returned when an endpoint of a window is claimed a
// second time.
var ErrAlreadyClaimed = errors.New("shmem: endpoint already claimed")

// Endpoint identifies one side of one channel. Each endpoint may be claimed
// once per window.
type Endpoint uint32

const (
	CommMailbox Endpoint = iota
	KernelMailbox
	QueueProducer
	QueueConsumer
	FIFOProducer
	FIFOConsumer
	numEndpoints
)

func (e Endpoint) String() string {
	switch e {
	case CommMailbox:
		return "comm-mailbox"
	case KernelMailbox:
		return "kernel-mailbox"
	case QueueProducer:
		return "queue-producer"
	case QueueConsumer:
		return "queue-consumer"
	case FIFOProducer:
		return "fifo-producer"
	case FIFOConsumer:
		return "fifo-consumer"
	}
	return fmt.Sprintf("endpoint(%d)", uint32(e))
}

// Word is a machine word in shared memory. All accesses are atomic.
type Word struct {
	p *uint64
}

// Load returns the current value of the word.
func (w Word) Load() uint64 {
	return atomic.LoadUint64(w.p)
}

// Store sets the word to v.
func (w Word) Store(v uint64) {
	atomic.StoreUint64(w.p, v)
}

// CompareAndSwap sets the word to new if it holds old.
func (w Word) CompareAndSwap(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(w.p, old, new)
}

// WindowState is a snapshot of a window for debugging and diagnostics.
type WindowState struct {
	TotalSize uint64   `json:"total_size" msgpack:"total_size"`
	Claimed   []string `json:"claimed" msgpack:"claimed"`
	Flushes   uint64   `json:"flushes" msgpack:"flushes"`
	Mailbox   uint64   `json:"mailbox" msgpack:"mailbox"`
	QueueSend uint64   `json:"queue_send" msgpack:"queue_send"`
	QueueRecv uint64   `json:"queue_recv" msgpack:"queue_recv"`
	FIFOWrite uint64   `json:"fifo_write" msgpack:"fifo_write"`
	FIFORead  uint64   `json:"fifo_read" msgpack:"fifo_read"`
}

// Window is a mapped or heap-allocated shared-memory window.
type Window struct {
	mem    []byte
	opts   Options
	layout Layout
	logger *logrus.Logger

	// Only set for file-backed windows.
	file *os.File
	path string
}

// NewHeapWindow allocates a window on the heap. Both endpoints of every
// channel must then live in this process.
func NewHeapWindow(opts Options) (*Window, error) {
	l, err := CalculateLayout(opts)
	if err != nil {
		return nil, err
	}
	// Back the bytes with uint64s so every word is naturally aligned.
	words := make([]uint64, l.TotalSize/WordSize)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), l.TotalSize)
	w := newWindow(mem, opts, l)
	w.header().init(opts, l)
	return w, nil
}

func newWindow(mem []byte, opts Options, l Layout) *Window {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Window{mem: mem, opts: opts, layout: l, logger: logger}
}

// header returns a pointer to the Header in shared memory
func (w *Window) header() *Header {
	return (*Header)(unsafe.Pointer(&w.mem[0]))
}

// Header returns the window header.
func (w *Window) Header() *Header {
	return w.header()
}

// Options returns the geometry the window was created with.
func (w *Window) Options() Options {
	return w.opts
}

// Layout returns the computed region offsets.
func (w *Window) Layout() Layout {
	return w.layout
}

// Path returns the backing file path, or "" for heap windows.
func (w *Window) Path() string {
	return w.path
}

// Logger returns a log entry tagged with component.
func (w *Window) Logger(component string) *logrus.Entry {
	return w.logger.WithField("component", component)
}

// Word returns the shared word id.
func (w *Window) Word(id WordID) Word {
	off := w.layout.WordsOffset + uint64(id)*WordSize
	return Word{p: (*uint64)(unsafe.Pointer(&w.mem[off]))}
}

// QueueChunk returns the chunk at physical address addr.
func (w *Window) QueueChunk(addr uint64) ([]byte, error) {
	o := w.opts
	if addr < o.QueueBegin || addr%o.QueueChunk != 0 {
		return nil, fmt.Errorf("%w: queue address %#x", ErrOutOfWindow, addr)
	}
	idx := (addr - o.QueueBegin) / o.QueueChunk
	if idx >= w.layout.QueueChunks {
		return nil, fmt.Errorf("%w: queue address %#x", ErrOutOfWindow, addr)
	}
	off := w.layout.QueueOffset + idx*o.QueueChunk
	return w.mem[off : off+o.QueueChunk : off+o.QueueChunk], nil
}

// QueueChunks returns the number of chunks in the RPC queue range.
func (w *Window) QueueChunks() uint64 {
	return w.layout.QueueChunks
}

// FIFOSlot returns FIFO slot i.
func (w *Window) FIFOSlot(i int) []byte {
	size := uint64(w.opts.FIFOSlotSize)
	off := w.layout.FIFOOffset + uint64(i)*size
	return w.mem[off : off+size : off+size]
}

// FIFOLength returns the length word of FIFO slot i.
func (w *Window) FIFOLength(i int) Word {
	off := w.layout.FIFOLensOffset + uint64(i)*WordSize
	return Word{p: (*uint64)(unsafe.Pointer(&w.mem[off]))}
}

// FlushDCache invalidates the consumer's view of memory written by the other
// side. Call it before reading anything the peer produced.
func (w *Window) FlushDCache() {
	// An atomic read-modify-write orders every later load after it.
	atomic.AddUint64(&w.header().flushes, 1)
}

// Claim marks e as taken. A second claim of the same endpoint fails with
// ErrAlreadyClaimed.
func (w *Window) Claim(e Endpoint) error {
	if e >= numEndpoints {
		return fmt.Errorf("shmem: unknown endpoint %d", uint32(e))
	}
	claims := &w.header().claims
	bit := uint32(1) << e
	for {
		cur := atomic.LoadUint32(claims)
		if cur&bit != 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyClaimed, e)
		}
		if atomic.CompareAndSwapUint32(claims, cur, cur|bit) {
			w.Logger("shmem").WithField("endpoint", e.String()).Debug("endpoint claimed")
			return nil
		}
	}
}

// Release gives e back so that it can be claimed again.
func (w *Window) Release(e Endpoint) {
	claims := &w.header().claims
	bit := uint32(1) << e
	for {
		cur := atomic.LoadUint32(claims)
		if atomic.CompareAndSwapUint32(claims, cur, cur&^bit) {
			return
		}
	}
}

// Claimed reports whether e has been claimed.
func (w *Window) Claimed(e Endpoint) bool {
	return w.header().Claims()&(uint32(1)<<e) != 0
}

// DebugState returns a snapshot of the window words.
func (w *Window) DebugState() WindowState {
	h := w.header()
	s := WindowState{
		TotalSize: h.TotalSize(),
		Flushes:   h.Flushes(),
		Mailbox:   w.Word(MailboxWord).Load(),
		QueueSend: w.Word(QueueSendWord).Load(),
		QueueRecv: w.Word(QueueRecvWord).Load(),
		FIFOWrite: w.Word(FIFOWriteWord).Load(),
		FIFORead:  w.Word(FIFOReadWord).Load(),
	}
	for e := Endpoint(0); e < numEndpoints; e++ {
		if w.Claimed(e) {
			s.Claimed = append(s.Claimed, e.String())
		}
	}
	return s
}

// Close unmaps the memory and closes the file. Heap windows only drop their
// reference.
func (w *Window) Close() error {
	var firstErr error

	if w.file != nil && w.mem != nil {
		if err := munmap(w.mem); err != nil {
			firstErr = err
		}
	}
	w.mem = nil

	if w.file != nil {
		if err := w.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.file = nil
	}

	return firstErr
}
