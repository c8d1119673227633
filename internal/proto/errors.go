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
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
	"google.golang.org/grpc/codes"

	"github.com/thomasfire/artiq/internal/eh"
	"github.com/thomasfire/artiq/internal/rpcfifo"
	"github.com/thomasfire/artiq/internal/shmem"
)

// Kind classifies a protocol error.
type Kind int

const (
	// KindIo is a failure of the underlying byte stream.
	KindIo Kind = iota
	// KindWrongMagic means the connection did not open with the handshake.
	KindWrongMagic
	// KindUnknownPacket means a tag byte named no known message.
	KindUnknownPacket
	// KindUtf8 means a string on the wire was not valid UTF-8.
	KindUtf8
	// KindTooLarge means a length prefix exceeded MaxBlobLength.
	KindTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindIo:
		return "io"
	case KindWrongMagic:
		return "wrong magic"
	case KindUnknownPacket:
		return "unknown packet"
	case KindUtf8:
		return "invalid utf-8"
	case KindTooLarge:
		return "too large"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is returned by every decoding and encoding function in this package.
// Transport failures have Kind KindIo and unwrap to the stream's error.
type Error struct {
	Kind Kind
	// Tag is the offending tag byte for KindUnknownPacket.
	Tag uint8
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindWrongMagic:
		return "proto: incorrect magic"
	case KindUnknownPacket:
		return fmt.Sprintf("proto: unknown packet %#02x", e.Tag)
	}
	if e.Err != nil {
		return fmt.Sprintf("proto: %s: %v", e.Kind, e.Err)
	}
	return "proto: " + e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrIo            = &Error{Kind: KindIo}
	ErrWrongMagic    = &Error{Kind: KindWrongMagic}
	ErrUnknownPacket = &Error{Kind: KindUnknownPacket}
	ErrUtf8          = &Error{Kind: KindUtf8}
	ErrTooLarge      = &Error{Kind: KindTooLarge}
)

func ioError(err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: KindIo, Err: err}
}

// Code classifies err for logs and diagnostics. Framing errors map to
// InvalidArgument or DataLoss, capacity errors to ResourceExhausted and
// would-block or transport errors to Unavailable.
func Code(err error) codes.Code {
	var pe *Error
	switch {
	case err == nil:
		return codes.OK
	case errors.As(err, &pe):
		switch pe.Kind {
		case KindWrongMagic, KindUtf8:
			return codes.InvalidArgument
		case KindUnknownPacket:
			return codes.DataLoss
		case KindTooLarge:
			return codes.ResourceExhausted
		default:
			return codes.Unavailable
		}
	case errors.Is(err, iox.ErrWouldBlock):
		return codes.Unavailable
	case errors.Is(err, rpcfifo.ErrDataOverflow),
		errors.Is(err, rpcfifo.ErrEmptyPayload),
		errors.Is(err, eh.ErrShortRecord):
		return codes.ResourceExhausted
	case errors.Is(err, rpcfifo.ErrLockTimeout):
		return codes.DeadlineExceeded
	case errors.Is(err, eh.ErrBadRecord):
		return codes.DataLoss
	case errors.Is(err, shmem.ErrAlreadyClaimed):
		return codes.FailedPrecondition
	default:
		return codes.Unknown
	}
}
