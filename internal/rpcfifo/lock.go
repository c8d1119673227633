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

package rpcfifo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"code.hybscloud.com/spin"

	"github.com/thomasfire/artiq/internal/shmem"
)

// ErrLockTimeout is returned when the FIFO lock could not be taken before the
// context ended. It wraps the context error.
var ErrLockTimeout = errors.New("rpcfifo: lock wait timed out")

const lockHeld = 1

// SpinLock is a busy-wait lock on a shared word. Hold times must stay at a
// few memory copies; waiters are bounded by their context.
type SpinLock struct {
	word    shmem.Word
	timeout time.Duration
}

// NewSpinLock returns a lock on word. timeout bounds Lock when the caller's
// context has no deadline; zero waits for the context alone.
func NewSpinLock(word shmem.Word, timeout time.Duration) *SpinLock {
	return &SpinLock{word: word, timeout: timeout}
}

// TryLock takes the lock if it is free.
func (l *SpinLock) TryLock() bool {
	return l.word.CompareAndSwap(0, lockHeld)
}

// Lock spins until the lock is taken or ctx ends.
func (l *SpinLock) Lock(ctx context.Context) error {
	if l.TryLock() {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	sw := spin.Wait{}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
		default:
		}
		if l.TryLock() {
			return nil
		}
		sw.Once()
	}
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	l.word.Store(0)
}

// Held reports whether somebody holds the lock.
func (l *SpinLock) Held() bool {
	return l.word.Load() != 0
}
