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

package proto

import (
	"fmt"

	"github.com/thomasfire/artiq/internal/eh"
)

// Reply tags, device to host.
const (
	TagSystemInfoReply     uint8 = 2
	TagLoadCompleted       uint8 = 5
	TagLoadFailed          uint8 = 6
	TagKernelFinished      uint8 = 7
	TagKernelStartupFailed uint8 = 8
	TagKernelException     uint8 = 9
	TagRPCRequest          uint8 = 10
	TagClockFailure        uint8 = 15
)

// SystemInfoID is the fixed identifier at the start of a SystemInfoReply.
const SystemInfoID = "AROR"

// Reply is a message to the host. The concrete types are the structs below.
type Reply interface {
	replyTag() uint8
}

// SystemInfoReply identifies the device.
type SystemInfoReply struct {
	Ident string
	// FinishedCleanly is false when the previous session ended abnormally.
	FinishedCleanly bool
}

// LoadCompleted acknowledges LoadKernel.
type LoadCompleted struct{}

// LoadFailed rejects LoadKernel.
type LoadFailed struct {
	Reason string
}

// KernelFinished reports a kernel that returned normally.
type KernelFinished struct {
	AsyncErrors uint8
}

// KernelStartupFailed reports a kernel that could not start.
type KernelStartupFailed struct{}

// KernelException reports a kernel that ended with an exception.
type KernelException struct {
	Exceptions    []eh.Exception
	StackPointers []eh.StackPointerBacktrace
	Backtrace     []eh.BacktraceFrame
	AsyncErrors   uint8
}

// RPCRequest announces an RPC call from the kernel.
type RPCRequest struct {
	Async bool
}

// ClockFailure reports that the RTIO clock is not running.
type ClockFailure struct{}

func (SystemInfoReply) replyTag() uint8     { return TagSystemInfoReply }
func (LoadCompleted) replyTag() uint8       { return TagLoadCompleted }
func (LoadFailed) replyTag() uint8          { return TagLoadFailed }
func (KernelFinished) replyTag() uint8      { return TagKernelFinished }
func (KernelStartupFailed) replyTag() uint8 { return TagKernelStartupFailed }
func (KernelException) replyTag() uint8     { return TagKernelException }
func (RPCRequest) replyTag() uint8          { return TagRPCRequest }
func (ClockFailure) replyTag() uint8        { return TagClockFailure }

// WriteReply writes the sync marker and rep.
func WriteReply(w *Writer, rep Reply) error {
	if err := WriteSync(w); err != nil {
		return err
	}
	if err := w.WriteU8(rep.replyTag()); err != nil {
		return err
	}
	switch rep := rep.(type) {
	case SystemInfoReply:
		if err := w.WriteAll([]byte(SystemInfoID)); err != nil {
			return err
		}
		if err := w.WriteString(rep.Ident); err != nil {
			return err
		}
		return w.WriteBool(rep.FinishedCleanly)
	case LoadFailed:
		return w.WriteString(rep.Reason)
	case KernelFinished:
		return w.WriteU8(rep.AsyncErrors)
	case KernelException:
		return writeKernelException(w, &rep)
	case RPCRequest:
		return w.WriteBool(rep.Async)
	}
	return nil
}

func writeKernelException(w *Writer, rep *KernelException) error {
	if err := w.WriteU32(uint32(len(rep.Exceptions))); err != nil {
		return err
	}
	for i := range rep.Exceptions {
		e := &rep.Exceptions[i]
		if err := w.WriteU32(e.ID); err != nil {
			return err
		}
		if err := writeMessage(w, &e.Message); err != nil {
			return err
		}
		if err := writeText(w, e.File); err != nil {
			return err
		}
		if err := w.WriteU32(e.Line); err != nil {
			return err
		}
		if err := w.WriteU32(e.Column); err != nil {
			return err
		}
		if err := writeText(w, e.Function); err != nil {
			return err
		}
	}

	if err := w.WriteU32(uint32(len(rep.StackPointers))); err != nil {
		return err
	}
	for _, sp := range rep.StackPointers {
		for _, v := range []uint32{sp.StackPointer, sp.InitialBacktraceSize, sp.CurrentBacktraceSize} {
			if err := w.WriteU32(v); err != nil {
				return err
			}
		}
	}

	if err := w.WriteU32(uint32(len(rep.Backtrace))); err != nil {
		return err
	}
	for _, f := range rep.Backtrace {
		if err := w.WriteU32(f.Address); err != nil {
			return err
		}
		if err := w.WriteU32(f.StackPointer); err != nil {
			return err
		}
	}
	return w.WriteU8(rep.AsyncErrors)
}

// ReadReply skips to the next sync marker and decodes one reply.
func ReadReply(r *Reader) (Reply, error) {
	if _, err := ReadSync(r); err != nil {
		return nil, err
	}
	tag, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagSystemInfoReply:
		var id [len(SystemInfoID)]byte
		if err := r.ReadExact(id[:]); err != nil {
			return nil, err
		}
		if string(id[:]) != SystemInfoID {
			return nil, &Error{Kind: KindWrongMagic, Err: fmt.Errorf("system info id %q", id[:])}
		}
		var rep SystemInfoReply
		if rep.Ident, err = r.ReadString(); err != nil {
			return nil, err
		}
		if rep.FinishedCleanly, err = r.ReadBool(); err != nil {
			return nil, err
		}
		return rep, nil
	case TagLoadCompleted:
		return LoadCompleted{}, nil
	case TagLoadFailed:
		reason, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return LoadFailed{Reason: reason}, nil
	case TagKernelFinished:
		n, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		return KernelFinished{AsyncErrors: n}, nil
	case TagKernelStartupFailed:
		return KernelStartupFailed{}, nil
	case TagKernelException:
		return readKernelException(r)
	case TagRPCRequest:
		async, err := r.ReadBool()
		if err != nil {
			return nil, err
		}
		return RPCRequest{Async: async}, nil
	case TagClockFailure:
		return ClockFailure{}, nil
	default:
		return nil, &Error{Kind: KindUnknownPacket, Tag: tag}
	}
}

// readCount reads an array length and checks that count elements of
// elemSize bytes stay within the blob limit.
func readCount(r *Reader, elemSize uint32) (int, error) {
	n, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(elemSize) > uint64(r.maxBlob()) {
		return 0, &Error{Kind: KindTooLarge, Err: fmt.Errorf("%d array elements", n)}
	}
	return int(n), nil
}

func readKernelException(r *Reader) (Reply, error) {
	var rep KernelException

	// An exception is at least 28 bytes on the wire.
	n, err := readCount(r, 28)
	if err != nil {
		return nil, err
	}
	rep.Exceptions = make([]eh.Exception, n)
	for i := range rep.Exceptions {
		e := &rep.Exceptions[i]
		if e.ID, err = r.ReadU32(); err != nil {
			return nil, err
		}
		if e.Message, err = readMessage(r); err != nil {
			return nil, err
		}
		if e.File, err = readText(r); err != nil {
			return nil, err
		}
		if e.Line, err = r.ReadU32(); err != nil {
			return nil, err
		}
		if e.Column, err = r.ReadU32(); err != nil {
			return nil, err
		}
		if e.Function, err = readText(r); err != nil {
			return nil, err
		}
	}

	if n, err = readCount(r, 12); err != nil {
		return nil, err
	}
	rep.StackPointers = make([]eh.StackPointerBacktrace, n)
	for i := range rep.StackPointers {
		sp := &rep.StackPointers[i]
		for _, v := range []*uint32{&sp.StackPointer, &sp.InitialBacktraceSize, &sp.CurrentBacktraceSize} {
			if *v, err = r.ReadU32(); err != nil {
				return nil, err
			}
		}
	}

	if n, err = readCount(r, 8); err != nil {
		return nil, err
	}
	rep.Backtrace = make([]eh.BacktraceFrame, n)
	for i := range rep.Backtrace {
		f := &rep.Backtrace[i]
		if f.Address, err = r.ReadU32(); err != nil {
			return nil, err
		}
		if f.StackPointer, err = r.ReadU32(); err != nil {
			return nil, err
		}
	}

	if rep.AsyncErrors, err = r.ReadU8(); err != nil {
		return nil, err
	}
	return rep, nil
}
