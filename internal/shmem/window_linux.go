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

package shmem

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// CreateWindow creates a new file-backed window for the side that owns the
// geometry. An existing window with the same name is an error.
func CreateWindow(name string, opts Options) (*Window, error) {
	path := windowPath(name)

	l, err := CalculateLayout(opts)
	if err != nil {
		return nil, fmt.Errorf("layout calculation failed: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create window file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(l.TotalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize window file: %w", err)
	}

	mem, err := mmapFile(file, int(l.TotalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap window: %w", err)
	}

	w := newWindow(mem, opts, l)
	w.file = file
	w.path = path
	w.header().init(opts, l)
	w.Logger("shmem").WithFields(logrus.Fields{
		"path": path,
		"size": l.TotalSize,
	}).Info("window created")
	return w, nil
}

// OpenWindow maps an existing window created by the peer. The header must
// describe exactly the geometry in opts.
func OpenWindow(name string, opts Options) (*Window, error) {
	path := windowPath(name)

	l, err := CalculateLayout(opts)
	if err != nil {
		return nil, fmt.Errorf("layout calculation failed: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open window file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat window file: %w", err)
	}
	if uint64(info.Size()) != l.TotalSize {
		file.Close()
		return nil, fmt.Errorf("window file is %d bytes, expected %d", info.Size(), l.TotalSize)
	}

	mem, err := mmapFile(file, int(l.TotalSize))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap window: %w", err)
	}

	if err := ValidateHeader((*Header)(unsafe.Pointer(&mem[0])), opts); err != nil {
		munmap(mem)
		file.Close()
		return nil, fmt.Errorf("invalid window header: %w", err)
	}

	w := newWindow(mem, opts, l)
	w.file = file
	w.path = path
	return w, nil
}

// RemoveWindow removes the backing file of a window.
func RemoveWindow(name string) error {
	return os.Remove(windowPath(name))
}

// windowPath generates the file path for a window
func windowPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", "coredev_ipc_"+name)
	}
	return filepath.Join(os.TempDir(), "coredev_ipc_"+name)
}

func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

func munmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
