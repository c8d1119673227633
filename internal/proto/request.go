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

// Request tags, host to device.
const (
	TagSystemInfoRequest uint8 = 3
	TagLoadKernel        uint8 = 5
	TagRunKernel         uint8 = 6
	TagRPCReply          uint8 = 7
	TagRPCException      uint8 = 8
	TagUploadSubkernel   uint8 = 9
)

// Request is a message from the host. The concrete types are the structs
// below.
type Request interface {
	requestTag() uint8
}

// SystemInfoRequest asks for the device identity.
type SystemInfoRequest struct{}

// LoadKernel carries a kernel image to load.
type LoadKernel struct {
	Kernel []byte
}

// RunKernel starts the loaded kernel.
type RunKernel struct{}

// RPCReply returns the result of an RPC; Tag is the RPC type tag.
type RPCReply struct {
	Tag []byte
}

// RPCException reports an exception raised by an RPC on the host. Every
// field other than ID, Line and Column is a host string key.
type RPCException struct {
	ID       uint32
	Message  uint32
	File     uint32
	Line     uint32
	Column   uint32
	Function uint32
}

// UploadSubkernel carries a subkernel image for another core.
type UploadSubkernel struct {
	ID          uint32
	Destination uint8
	Kernel      []byte
}

func (SystemInfoRequest) requestTag() uint8 { return TagSystemInfoRequest }
func (LoadKernel) requestTag() uint8        { return TagLoadKernel }
func (RunKernel) requestTag() uint8         { return TagRunKernel }
func (RPCReply) requestTag() uint8          { return TagRPCReply }
func (RPCException) requestTag() uint8      { return TagRPCException }
func (UploadSubkernel) requestTag() uint8   { return TagUploadSubkernel }

// ReadRequest skips to the next sync marker and decodes one request.
// An unknown tag returns a KindUnknownPacket error; the stream stays usable
// once the caller calls ReadRequest again, which resynchronizes.
func ReadRequest(r *Reader) (Request, error) {
	if _, err := ReadSync(r); err != nil {
		return nil, err
	}
	tag, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagSystemInfoRequest:
		return SystemInfoRequest{}, nil
	case TagLoadKernel:
		kernel, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return LoadKernel{Kernel: kernel}, nil
	case TagRunKernel:
		return RunKernel{}, nil
	case TagRPCReply:
		t, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return RPCReply{Tag: t}, nil
	case TagRPCException:
		var fields [6]uint32
		for i := range fields {
			if fields[i], err = r.ReadU32(); err != nil {
				return nil, err
			}
		}
		return RPCException{
			ID:       fields[0],
			Message:  fields[1],
			File:     fields[2],
			Line:     fields[3],
			Column:   fields[4],
			Function: fields[5],
		}, nil
	case TagUploadSubkernel:
		var req UploadSubkernel
		if req.ID, err = r.ReadU32(); err != nil {
			return nil, err
		}
		if req.Destination, err = r.ReadU8(); err != nil {
			return nil, err
		}
		if req.Kernel, err = r.ReadBytes(); err != nil {
			return nil, err
		}
		return req, nil
	default:
		return nil, &Error{Kind: KindUnknownPacket, Tag: tag}
	}
}

// WriteRequest writes the sync marker and req.
func WriteRequest(w *Writer, req Request) error {
	if err := WriteSync(w); err != nil {
		return err
	}
	if err := w.WriteU8(req.requestTag()); err != nil {
		return err
	}
	switch req := req.(type) {
	case LoadKernel:
		return w.WriteBytes(req.Kernel)
	case RPCReply:
		return w.WriteBytes(req.Tag)
	case RPCException:
		for _, v := range []uint32{req.ID, req.Message, req.File, req.Line, req.Column, req.Function} {
			if err := w.WriteU32(v); err != nil {
				return err
			}
		}
	case UploadSubkernel:
		if err := w.WriteU32(req.ID); err != nil {
			return err
		}
		if err := w.WriteU8(req.Destination); err != nil {
			return err
		}
		return w.WriteBytes(req.Kernel)
	}
	return nil
}
