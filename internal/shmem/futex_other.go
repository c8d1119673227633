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

//go:build !linux

package shmem

import "time"

// futexPoll bounds a single WaitChange sleep where futexes are unavailable.
const futexPoll = 100 * time.Microsecond

// WaitChange sleeps briefly or until the word no longer holds old.
// Callers must recheck the value.
func (w Word) WaitChange(old uint64, timeout time.Duration) error {
	if w.Load() != old {
		return nil
	}
	time.Sleep(min(timeout, futexPoll))
	return nil
}

// Wake is a no-op; waiters poll.
func (w Word) Wake() {}
