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

// Package eh holds the exception representation shared by the kernel core,
// the control core and the session protocol.
//
// Strings in an exception are either inline text, produced on the device, or
// host-resident: known to the host and referred to by a 32-bit key.
package eh

import (
	"unicode/utf8"
)

// StringBufferSize is the capacity of a StringBuffer in bytes.
const StringBufferSize = 128

// StringBuffer is a fixed-capacity message buffer that needs no allocation
// to fill. It holds either inline bytes or a host key.
type StringBuffer struct {
	buf  [StringBufferSize]byte
	pos  int
	host bool
	key  uint32
}

// NewStringBuffer returns an empty inline buffer.
func NewStringBuffer() StringBuffer {
	return StringBuffer{}
}

// StringBufferFrom returns an inline buffer holding s, truncated to capacity.
func StringBufferFrom(s string) StringBuffer {
	var b StringBuffer
	b.CopyStr(s)
	return b
}

// StringBufferFromHost returns a buffer that refers to the host string key.
func StringBufferFromHost(key uint32) StringBuffer {
	return StringBuffer{host: true, key: key}
}

// CopyStr appends s, silently dropping whatever does not fit. Truncation
// never splits a UTF-8 sequence. Host buffers ignore it.
func (b *StringBuffer) CopyStr(s string) {
	if b.host {
		return
	}
	room := len(b.buf) - b.pos
	if len(s) > room {
		s = s[:room]
		for len(s) > 0 {
			r, size := utf8.DecodeLastRuneInString(s)
			if r != utf8.RuneError || size > 1 {
				break
			}
			// Cut sequence or invalid tail byte.
			s = s[:len(s)-1]
		}
	}
	b.pos += copy(b.buf[b.pos:], s)
}

// Write appends p like CopyStr. It never fails; n is always len(p).
func (b *StringBuffer) Write(p []byte) (int, error) {
	b.CopyStr(string(p))
	return len(p), nil
}

// WriteString appends s like CopyStr. It never fails.
func (b *StringBuffer) WriteString(s string) (int, error) {
	b.CopyStr(s)
	return len(s), nil
}

// AsStr returns the inline text, "<host string>" for a host buffer and
// "<invalid UTF-8>" when the bytes do not decode.
func (b *StringBuffer) AsStr() string {
	if b.host {
		return "<host string>"
	}
	if !utf8.Valid(b.buf[:b.pos]) {
		return "<invalid UTF-8>"
	}
	return string(b.buf[:b.pos])
}

// Bytes returns the inline bytes. It is empty for a host buffer.
func (b *StringBuffer) Bytes() []byte {
	return b.buf[:b.pos]
}

// IsHost reports whether the buffer refers to a host string.
func (b *StringBuffer) IsHost() bool {
	return b.host
}

// HostKey returns the host key, or 0 for an inline buffer.
func (b *StringBuffer) HostKey() uint32 {
	if !b.host {
		return 0
	}
	return b.key
}

// Len returns the number of inline bytes.
func (b *StringBuffer) Len() int {
	return b.pos
}

// Clear empties the buffer and makes it inline.
func (b *StringBuffer) Clear() {
	*b = StringBuffer{}
}

// Text is a source location string: inline text or a host key.
type Text struct {
	s    string
	key  uint32
	host bool
}

// InlineText returns a Text holding s.
func InlineText(s string) Text {
	return Text{s: s}
}

// HostText returns a Text referring to the host string key.
func HostText(key uint32) Text {
	return Text{key: key, host: true}
}

// IsHost reports whether t refers to a host string.
func (t Text) IsHost() bool {
	return t.host
}

// HostKey returns the host key, or 0 for inline text.
func (t Text) HostKey() uint32 {
	if !t.host {
		return 0
	}
	return t.key
}

// String returns the inline text or "<host string>".
func (t Text) String() string {
	if t.host {
		return "<host string>"
	}
	return t.s
}
