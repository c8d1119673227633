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
	"encoding/binary"
	"io"
)

// AnalyzerHeaderSize is the encoded size of an AnalyzerHeader.
const AnalyzerHeaderSize = 4 + 8 + 1 + 1 + 1

// AnalyzerHeader precedes an RTIO analyzer dump.
type AnalyzerHeader struct {
	SentBytes        uint32
	TotalByteCount   uint64
	OverflowOccurred bool
	LogChannel       uint8
	DDSOneHotSel     bool
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// WriteTo writes the header in network order.
func (h *AnalyzerHeader) WriteTo(w io.Writer) (int64, error) {
	var buf [AnalyzerHeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:], h.SentBytes)
	binary.BigEndian.PutUint64(buf[4:], h.TotalByteCount)
	buf[12] = boolByte(h.OverflowOccurred)
	buf[13] = h.LogChannel
	buf[14] = boolByte(h.DDSOneHotSel)
	n, err := w.Write(buf[:])
	if err != nil {
		return int64(n), ioError(err)
	}
	return int64(n), nil
}

// ReadAnalyzerHeader reads a header written by WriteTo.
func ReadAnalyzerHeader(r io.Reader) (AnalyzerHeader, error) {
	var buf [AnalyzerHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return AnalyzerHeader{}, ioError(err)
	}
	return AnalyzerHeader{
		SentBytes:        binary.BigEndian.Uint32(buf[0:]),
		TotalByteCount:   binary.BigEndian.Uint64(buf[4:]),
		OverflowOccurred: buf[12] != 0,
		LogChannel:       buf[13],
		DDSOneHotSel:     buf[14] != 0,
	}, nil
}
