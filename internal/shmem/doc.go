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

// Package shmem provides the shared-memory window that the comm core and the
// kernel core exchange messages through.
//
// A window is a single contiguous region holding a fixed header, a block of
// machine words (the mailbox, the RPC queue cursors and the FIFO indices and
// locks), the RPC queue chunk storage and the FIFO slot and length tables.
// The region is either mapped from a file under /dev/shm, so that two
// processes can play the two cores, or allocated on the heap when both sides
// live in one process.
//
// All word accesses are atomic. There is no coherent cache between the two
// sides of the real hardware, so consumers call FlushDCache before reading
// memory last written by the other side; on the host the flush is a full
// fence and a counter that shows up in DebugState.
package shmem
