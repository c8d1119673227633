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

// Package proto implements the session protocol between the host and the
// core device: the connection handshake, sync-marker framing and the tagged
// request and reply messages.
//
// Every message starts with SyncMarker, so a reader that lost its place can
// scan forward to the next message. Integers are big-endian and
// variable-length fields carry a u32 length prefix.
package proto

import (
	"bytes"

	"github.com/thomasfire/artiq/internal/eh"
)

// Magic opens every connection, sent by the host.
const Magic = "ARTIQ coredev\n"

// SyncMarker precedes every request and reply.
var SyncMarker = [4]byte{0x5a, 0x5a, 0x5a, 0x5a}

// HostSentinel replaces a string length to mark a 4-byte host key.
const HostSentinel = eh.HostSentinel

// ReadMagic reads the connection handshake.
func ReadMagic(r *Reader) error {
	var magic [len(Magic)]byte
	if err := r.ReadExact(magic[:]); err != nil {
		return err
	}
	if !bytes.Equal(magic[:], []byte(Magic)) {
		return &Error{Kind: KindWrongMagic}
	}
	return nil
}

// WriteMagic writes the connection handshake.
func WriteMagic(w *Writer) error {
	return w.WriteAll([]byte(Magic))
}

// ReadSync consumes bytes up to and including the next sync marker and
// returns how many bytes preceded it.
func ReadSync(r *Reader) (int, error) {
	var window [4]byte
	for i := 0; ; i++ {
		b, err := r.ReadU8()
		if err != nil {
			return i, err
		}
		window[i%4] = b
		if window == SyncMarker {
			return i - 3, nil
		}
	}
}

// WriteSync writes the sync marker.
func WriteSync(w *Writer) error {
	return w.WriteAll(SyncMarker[:])
}

// writeHostKey writes the sentinel and a host key.
func writeHostKey(w *Writer, key uint32) error {
	if err := w.WriteU32(HostSentinel); err != nil {
		return err
	}
	return w.WriteU32(key)
}

func writeText(w *Writer, t eh.Text) error {
	if t.IsHost() {
		return writeHostKey(w, t.HostKey())
	}
	return w.WriteString(t.String())
}

func writeMessage(w *Writer, b *eh.StringBuffer) error {
	if b.IsHost() {
		return writeHostKey(w, b.HostKey())
	}
	return w.WriteString(b.AsStr())
}

// readHostOrString reads a host key or an inline UTF-8 string.
func readHostOrString(r *Reader) (s string, key uint32, host bool, err error) {
	n, err := r.ReadU32()
	if err != nil {
		return "", 0, false, err
	}
	if n == HostSentinel {
		key, err = r.ReadU32()
		return "", key, true, err
	}
	b, err := r.readN(n)
	if err != nil {
		return "", 0, false, err
	}
	s, err = checkUTF8(b)
	return s, 0, false, err
}

func readText(r *Reader) (eh.Text, error) {
	s, key, host, err := readHostOrString(r)
	if err != nil {
		return eh.Text{}, err
	}
	if host {
		return eh.HostText(key), nil
	}
	return eh.InlineText(s), nil
}

func readMessage(r *Reader) (eh.StringBuffer, error) {
	s, key, host, err := readHostOrString(r)
	if err != nil {
		return eh.StringBuffer{}, err
	}
	if host {
		return eh.StringBufferFromHost(key), nil
	}
	return eh.StringBufferFrom(s), nil
}
