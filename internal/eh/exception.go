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

import "fmt"

// Exception is one raised exception as reported to the host.
type Exception struct {
	ID       uint32
	Message  StringBuffer
	File     Text
	Line     uint32
	Column   uint32
	Function Text
}

// String formats e the way the firmware logs it.
func (e *Exception) String() string {
	msg := e.Message.AsStr()
	if e.Message.IsHost() {
		msg = fmt.Sprintf("<host string %#x>", e.Message.HostKey())
	}
	return fmt.Sprintf("Exception %d from %s in %s:%d:%d, message: %s",
		e.ID, e.Function, e.File, e.Line, e.Column, msg)
}

// StackPointerBacktrace records where one exception's frames start in the
// backtrace and how many of them have been unwound.
type StackPointerBacktrace struct {
	StackPointer         uint32 `json:"stack_pointer" msgpack:"stack_pointer"`
	InitialBacktraceSize uint32 `json:"initial_backtrace_size" msgpack:"initial_backtrace_size"`
	CurrentBacktraceSize uint32 `json:"current_backtrace_size" msgpack:"current_backtrace_size"`
}

// BacktraceFrame is one return address with the stack pointer it was found at.
type BacktraceFrame struct {
	Address      uint32 `json:"address" msgpack:"address"`
	StackPointer uint32 `json:"stack_pointer" msgpack:"stack_pointer"`
}
