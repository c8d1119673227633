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

//go:build linux

package shmem

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex ops, so waiters in other processes mapping the
// same window are woken too.
const (
	futexWait = 0
	futexWake = 1
)

// lowHalfOffset is the byte offset of the low 32 bits of a word.
var lowHalfOffset = func() uintptr {
	x := uint64(1)
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return 0
	}
	return 4
}()

// futexAddr returns the address of the low 32 bits of the word.
func (w Word) futexAddr() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(w.p), lowHalfOffset)
}

// WaitChange sleeps until the word may no longer hold old, another party
// calls Wake, or timeout passes. Only the low 32 bits are watched, so
// callers must recheck the value. Spurious returns are normal.
func (w Word) WaitChange(old uint64, timeout time.Duration) error {
	if w.Load() != old {
		return nil
	}
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(w.futexAddr()),
		futexWait,
		uintptr(uint32(old)),
		uintptr(unsafe.Pointer(&ts)),
		0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		return nil
	default:
		return fmt.Errorf("shmem: futex wait: %w", errno)
	}
}

// Wake wakes every waiter in WaitChange on this word.
func (w Word) Wake() {
	unix.Syscall6(unix.SYS_FUTEX,
		uintptr(w.futexAddr()),
		futexWake,
		uintptr(^uint32(0)>>1),
		0, 0, 0)
}
