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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// DefaultMaxBlobLength bounds length-prefixed fields when a Reader sets no
// limit of its own.
const DefaultMaxBlobLength = 16 << 20

var be = binary.BigEndian

// Reader decodes network-order primitives from a byte stream. Errors are
// *Error values; stream failures are KindIo.
type Reader struct {
	r io.Reader
	// MaxBlobLength bounds ReadBytes and ReadString. Zero means
	// DefaultMaxBlobLength.
	MaxBlobLength uint32
	buf           [8]byte
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// NewBufferedReader returns a Reader over a buffered r, for byte-at-a-time
// scanning on sockets.
func NewBufferedReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadExact fills p.
func (r *Reader) ReadExact(p []byte) error {
	if _, err := io.ReadFull(r.r, p); err != nil {
		return ioError(err)
	}
	return nil
}

// ReadU8 reads one byte.
func (r *Reader) ReadU8() (uint8, error) {
	if err := r.ReadExact(r.buf[:1]); err != nil {
		return 0, err
	}
	return r.buf[0], nil
}

// ReadBool reads one byte as a boolean; any nonzero value is true.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadU8()
	return v != 0, err
}

// ReadU32 reads a big-endian u32.
func (r *Reader) ReadU32() (uint32, error) {
	if err := r.ReadExact(r.buf[:4]); err != nil {
		return 0, err
	}
	return be.Uint32(r.buf[:4]), nil
}

// ReadU64 reads a big-endian u64.
func (r *Reader) ReadU64() (uint64, error) {
	if err := r.ReadExact(r.buf[:8]); err != nil {
		return 0, err
	}
	return be.Uint64(r.buf[:8]), nil
}

func (r *Reader) maxBlob() uint32 {
	if r.MaxBlobLength == 0 {
		return DefaultMaxBlobLength
	}
	return r.MaxBlobLength
}

func (r *Reader) readN(n uint32) ([]byte, error) {
	if n > r.maxBlob() {
		return nil, &Error{Kind: KindTooLarge, Err: fmt.Errorf("length %d exceeds %d", n, r.maxBlob())}
	}
	b := make([]byte, n)
	if err := r.ReadExact(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadBytes reads a u32 length and that many bytes.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	return r.readN(n)
}

// ReadString reads a length-prefixed string and checks it is UTF-8.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return checkUTF8(b)
}

func checkUTF8(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", &Error{Kind: KindUtf8, Err: fmt.Errorf("%q", b)}
	}
	return string(b), nil
}

// Writer encodes network-order primitives onto a byte stream.
type Writer struct {
	w   io.Writer
	buf [8]byte
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteAll writes p in full.
func (w *Writer) WriteAll(p []byte) error {
	if _, err := w.w.Write(p); err != nil {
		return ioError(err)
	}
	return nil
}

// WriteU8 writes one byte.
func (w *Writer) WriteU8(v uint8) error {
	w.buf[0] = v
	return w.WriteAll(w.buf[:1])
}

// WriteBool writes 1 for true and 0 for false.
func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.WriteU8(1)
	}
	return w.WriteU8(0)
}

// WriteU32 writes a big-endian u32.
func (w *Writer) WriteU32(v uint32) error {
	be.PutUint32(w.buf[:4], v)
	return w.WriteAll(w.buf[:4])
}

// WriteU64 writes a big-endian u64.
func (w *Writer) WriteU64(v uint64) error {
	be.PutUint64(w.buf[:8], v)
	return w.WriteAll(w.buf[:8])
}

// WriteBytes writes a u32 length followed by p.
func (w *Writer) WriteBytes(p []byte) error {
	if uint64(len(p)) >= HostSentinel {
		return &Error{Kind: KindTooLarge, Err: fmt.Errorf("length %d", len(p))}
	}
	if err := w.WriteU32(uint32(len(p))); err != nil {
		return err
	}
	return w.WriteAll(p)
}

// WriteString writes s like WriteBytes.
func (w *Writer) WriteString(s string) error {
	return w.WriteBytes([]byte(s))
}
