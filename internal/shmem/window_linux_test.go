//go:build linux

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

package shmem_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/thomasfire/artiq/internal/shmem"
)

func TestFileWindowSharedBetweenMappings(t *testing.T) {
	name := fmt.Sprintf("test-%d", time.Now().UnixNano())
	opts := smallOptions()

	server, err := shmem.CreateWindow(name, opts)
	if err != nil {
		t.Fatalf("CreateWindow() failed: %v", err)
	}
	t.Cleanup(func() {
		server.Close()
		shmem.RemoveWindow(name)
	})

	client, err := shmem.OpenWindow(name, opts)
	if err != nil {
		t.Fatalf("OpenWindow() failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	server.Word(shmem.MailboxWord).Store(0xdead)
	if got := client.Word(shmem.MailboxWord).Load(); got != 0xdead {
		t.Errorf("client sees mailbox %#x, want 0xdead", got)
	}

	if err := server.Claim(shmem.CommMailbox); err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if !client.Claimed(shmem.CommMailbox) {
		t.Error("claim made through one mapping is not visible through the other")
	}

	if _, err := shmem.CreateWindow(name, opts); err == nil {
		t.Error("CreateWindow() succeeded for an existing name")
	}

	mismatched := opts
	mismatched.FIFOSlotSize = 128
	if _, err := shmem.OpenWindow(name, mismatched); err == nil {
		t.Error("OpenWindow() accepted a mismatched geometry")
	}
}
