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

package eh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Raw exception records carry exceptions between the cores. All fields are
// little-endian u32. A span is a length followed by that many bytes, or
// HostSentinel followed by a 4-byte host key:
//
//	id | message span | file span | line | column | function span

// HostSentinel is the span length marking a host key instead of bytes.
const HostSentinel = 0xFFFFFFFF

var (
	// ErrShortRecord is returned when a record or its target buffer is cut short.
	ErrShortRecord = errors.New("eh: short exception record")
	// ErrBadRecord is returned for records with impossible contents.
	ErrBadRecord = errors.New("eh: malformed exception record")
)

var le = binary.LittleEndian

func spanSize(n int) int {
	return 4 + n
}

// RecordSize returns the encoded size of e.
func RecordSize(e *Exception) int {
	size := 4 + 4 + 4
	size += spanSize(len(e.Message.Bytes()))
	if e.Message.IsHost() {
		size += 4
	}
	for _, t := range []Text{e.File, e.Function} {
		if t.IsHost() {
			size += spanSize(4)
		} else {
			size += spanSize(len(t.s))
		}
	}
	return size
}

// PutRecord encodes e into dst and returns the bytes written.
func PutRecord(dst []byte, e *Exception) (int, error) {
	if n := RecordSize(e); len(dst) < n {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortRecord, n, len(dst))
	}
	out := AppendRecord(dst[:0], e)
	return len(out), nil
}

// AppendRecord appends the encoding of e to dst.
func AppendRecord(dst []byte, e *Exception) []byte {
	dst = le.AppendUint32(dst, e.ID)
	if e.Message.IsHost() {
		dst = le.AppendUint32(dst, HostSentinel)
		dst = le.AppendUint32(dst, e.Message.HostKey())
	} else {
		dst = appendSpan(dst, e.Message.Bytes())
	}
	dst = appendText(dst, e.File)
	dst = le.AppendUint32(dst, e.Line)
	dst = le.AppendUint32(dst, e.Column)
	return appendText(dst, e.Function)
}

func appendSpan(dst, b []byte) []byte {
	dst = le.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func appendText(dst []byte, t Text) []byte {
	if t.IsHost() {
		dst = le.AppendUint32(dst, HostSentinel)
		return le.AppendUint32(dst, t.HostKey())
	}
	return appendSpan(dst, []byte(t.s))
}

type recordReader struct {
	b   []byte
	off int
}

func (r *recordReader) u32() (uint32, error) {
	if len(r.b)-r.off < 4 {
		return 0, ErrShortRecord
	}
	v := le.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

// span returns the span bytes, or host set with key.
func (r *recordReader) span() (b []byte, key uint32, host bool, err error) {
	n, err := r.u32()
	if err != nil {
		return nil, 0, false, err
	}
	if n == HostSentinel {
		key, err = r.u32()
		return nil, key, true, err
	}
	if uint64(len(r.b)-r.off) < uint64(n) {
		return nil, 0, false, fmt.Errorf("%w: span of %d bytes", ErrShortRecord, n)
	}
	b = r.b[r.off : r.off+int(n)]
	r.off += int(n)
	return b, 0, false, nil
}

func (r *recordReader) text() (Text, error) {
	b, key, host, err := r.span()
	if err != nil {
		return Text{}, err
	}
	if host {
		return HostText(key), nil
	}
	if !utf8.Valid(b) {
		return Text{}, fmt.Errorf("%w: location is not UTF-8", ErrBadRecord)
	}
	return InlineText(string(b)), nil
}

// DecodeRecord decodes one record from the front of b and returns it with
// the number of bytes consumed.
func DecodeRecord(b []byte) (Exception, int, error) {
	r := &recordReader{b: b}
	var e Exception
	var err error
	if e.ID, err = r.u32(); err != nil {
		return Exception{}, 0, err
	}

	msg, key, host, err := r.span()
	if err != nil {
		return Exception{}, 0, err
	}
	switch {
	case host:
		e.Message = StringBufferFromHost(key)
	case len(msg) > StringBufferSize:
		return Exception{}, 0, fmt.Errorf("%w: message of %d bytes", ErrBadRecord, len(msg))
	default:
		e.Message.pos = copy(e.Message.buf[:], msg)
	}

	if e.File, err = r.text(); err != nil {
		return Exception{}, 0, err
	}
	if e.Line, err = r.u32(); err != nil {
		return Exception{}, 0, err
	}
	if e.Column, err = r.u32(); err != nil {
		return Exception{}, 0, err
	}
	if e.Function, err = r.text(); err != nil {
		return Exception{}, 0, err
	}
	return e, r.off, nil
}
