//go:build !linux

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

import "errors"

// ErrUnsupported is returned by file-backed windows on platforms without
// /dev/shm style shared mappings.
var ErrUnsupported = errors.New("shmem: file-backed windows not supported on this platform")

// CreateWindow is not supported on this platform
func CreateWindow(name string, opts Options) (*Window, error) {
	return nil, ErrUnsupported
}

// OpenWindow is not supported on this platform
func OpenWindow(name string, opts Options) (*Window, error) {
	return nil, ErrUnsupported
}

// RemoveWindow is not supported on this platform
func RemoveWindow(name string) error {
	return ErrUnsupported
}

func munmap(data []byte) error {
	return nil
}
