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

// Command coredev-debug creates a core-device IPC window, runs one kernel
// exception round trip through it and reports the state of every channel.
// With -diag it keeps serving the window state over HTTP until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/thomasfire/artiq/internal/devmap"
	"github.com/thomasfire/artiq/internal/diag"
	"github.com/thomasfire/artiq/internal/proto"
	"github.com/thomasfire/artiq/internal/shmem"
)

type config struct {
	name     string
	chunk    uint64
	slots    int
	slotSize int
	devmap   string
	diag     string
	logLevel string
}

func parseFlags(args []string) (config, error) {
	defaults := shmem.DefaultOptions()
	var cfg config
	fs := flag.NewFlagSet("coredev-debug", flag.ContinueOnError)
	fs.StringVar(&cfg.name, "name", "", "shared-memory window name; empty uses process memory")
	fs.Uint64Var(&cfg.chunk, "chunk", defaults.QueueChunk, "RPC queue chunk size in bytes")
	fs.IntVar(&cfg.slots, "slots", defaults.FIFOSlots, "RPC FIFO slot count")
	fs.IntVar(&cfg.slotSize, "slot-size", defaults.FIFOSlotSize, "RPC FIFO slot size in bytes")
	fs.StringVar(&cfg.devmap, "devmap", "", "msgpack device map file")
	fs.StringVar(&cfg.diag, "diag", "", "serve diagnostics on this address, e.g. :8090")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.logLevel)
	if err != nil {
		logger.WithError(err).Fatal("invalid -log-level")
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithFields(logrus.Fields{"code": proto.Code(err).String()}).WithError(err).Error("coredev-debug failed")
		stop()
		os.Exit(1)
	}
}

func openWindow(cfg config, logger *logrus.Logger) (*shmem.Window, error) {
	opts := shmem.DefaultOptions()
	opts.QueueChunk = cfg.chunk
	opts.FIFOSlots = cfg.slots
	opts.FIFOSlotSize = cfg.slotSize
	opts.Logger = logger
	if cfg.name == "" {
		return shmem.NewHeapWindow(opts)
	}
	// Start from a clean window.
	if err := shmem.RemoveWindow(cfg.name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return shmem.CreateWindow(cfg.name, opts)
}

func loadDevices(path string) (*devmap.Registry, error) {
	var devices devmap.Registry
	if path == "" {
		return &devices, nil
	}
	m, err := devmap.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := devices.Set(m); err != nil {
		return nil, err
	}
	return &devices, nil
}

func run(ctx context.Context, cfg config, logger *logrus.Logger) error {
	w, err := openWindow(cfg, logger)
	if err != nil {
		return fmt.Errorf("open window: %w", err)
	}
	defer func() {
		w.Close()
		if cfg.name != "" {
			shmem.RemoveWindow(cfg.name)
		}
	}()

	devices, err := loadDevices(cfg.devmap)
	if err != nil {
		return err
	}

	srv := diag.NewServer(w, devices)
	diagErr := make(chan error, 1)
	if cfg.diag != "" {
		go func() { diagErr <- srv.ListenAndServe(ctx, cfg.diag) }()
	}

	res, err := roundTrip(ctx, w, devices)
	srv.Report("roundtrip", err)
	if err != nil {
		return err
	}
	report(w, res, devices)

	if cfg.diag == "" {
		return nil
	}
	logger.WithField("addr", cfg.diag).Info("serving diagnostics, interrupt to exit")
	select {
	case <-ctx.Done():
		return <-diagErr
	case err := <-diagErr:
		return err
	}
}
