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

package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/thomasfire/artiq/internal/devmap"
	"github.com/thomasfire/artiq/internal/eh"
	"github.com/thomasfire/artiq/internal/mailbox"
	"github.com/thomasfire/artiq/internal/proto"
	"github.com/thomasfire/artiq/internal/rpcfifo"
	"github.com/thomasfire/artiq/internal/rpcqueue"
	"github.com/thomasfire/artiq/internal/shmem"
)

// Mailbox commands.
const (
	msgRunKernel       = 1
	msgKernelException = 2
)

// Host string keys used by the simulated kernel.
const (
	keyKernelFile = 1
	keyKernelFunc = 2
)

const (
	rtioUnderflowID = 10
	underflowChan   = 1
)

type result struct {
	reply  proto.KernelException
	rpcTag []byte
}

// kernel plays the kernel core: it waits for the run command, raises an
// RTIO underflow, queues the exception record and an RPC tag, then signals
// the comm core.
func kernel(ctx context.Context, w *shmem.Window, devices *devmap.Registry) error {
	mb, err := mailbox.New(w, mailbox.Kernel)
	if err != nil {
		return err
	}
	defer mb.Close()
	qp, err := rpcqueue.NewProducer(w)
	if err != nil {
		return err
	}
	defer qp.Close()
	fp, err := rpcfifo.NewProducer(w)
	if err != nil {
		return err
	}
	defer fp.Close()

	cmd, err := mb.WaitReceive(ctx)
	if err != nil {
		return err
	}
	mb.Acknowledge()
	if cmd != msgRunKernel {
		return fmt.Errorf("kernel: unexpected command %d", cmd)
	}

	exc := eh.Exception{
		ID:       rtioUnderflowID,
		File:     eh.HostText(keyKernelFile),
		Line:     42,
		Column:   8,
		Function: eh.HostText(keyKernelFunc),
	}
	fmt.Fprintf(&exc.Message, "RTIO underflow at channel %d:%s", underflowChan, devices.Resolve(underflowChan))
	err = qp.EnqueueWait(ctx, func(chunk []byte) error {
		_, err := eh.PutRecord(chunk, &exc)
		return err
	})
	if err != nil {
		return err
	}
	if _, err := fp.Push(ctx, []byte("i:n")); err != nil {
		return err
	}
	return mb.Send(msgKernelException)
}

// comm plays the comm core: it starts the kernel and collects what the
// kernel left in the queue and the FIFO.
func comm(ctx context.Context, w *shmem.Window) (*result, error) {
	mb, err := mailbox.New(w, mailbox.Comm)
	if err != nil {
		return nil, err
	}
	defer mb.Close()
	qc, err := rpcqueue.NewConsumer(w)
	if err != nil {
		return nil, err
	}
	defer qc.Close()
	fc, err := rpcfifo.NewConsumer(w)
	if err != nil {
		return nil, err
	}
	defer fc.Close()

	if err := mb.Send(msgRunKernel); err != nil {
		return nil, err
	}
	msg, err := mb.WaitReceive(ctx)
	if err != nil {
		return nil, err
	}
	mb.Acknowledge()
	if msg != msgKernelException {
		return nil, fmt.Errorf("comm: unexpected message %d", msg)
	}

	var exc eh.Exception
	err = qc.DequeueWait(ctx, func(chunk []byte) error {
		var err error
		exc, _, err = eh.DecodeRecord(chunk)
		return err
	})
	if err != nil {
		return nil, err
	}

	slot := make([]byte, fc.SlotSize())
	n, err := fc.Pull(ctx, slot)
	if err != nil {
		return nil, err
	}

	return &result{
		reply: proto.KernelException{
			Exceptions: []eh.Exception{exc},
			StackPointers: []eh.StackPointerBacktrace{
				{StackPointer: 0x4fff_f000, InitialBacktraceSize: 1, CurrentBacktraceSize: 1},
			},
			Backtrace: []eh.BacktraceFrame{
				{Address: 0x4000_1234, StackPointer: 0x4fff_f000},
			},
		},
		rpcTag: slot[:n],
	}, nil
}

// roundTrip runs a RunKernel request from a host over an in-process pipe
// through both cores and returns the exception reply the host decoded.
func roundTrip(ctx context.Context, w *shmem.Window, devices *devmap.Registry) (*result, error) {
	rpcqueue.Init(w)
	if err := rpcfifo.Init(ctx, w); err != nil {
		return nil, err
	}

	log := w.Logger("session")
	hostEnd, deviceEnd := net.Pipe()
	defer hostEnd.Close()
	defer deviceEnd.Close()
	host := proto.NewConn(hostEnd, log.WithField("side", "host"))
	device := proto.NewConn(deviceEnd, log.WithField("side", "device"))

	type hostResult struct {
		rep proto.Reply
		err error
	}
	hostCh := make(chan hostResult, 1)
	go func() {
		var res hostResult
		if res.err = host.Handshake(); res.err == nil {
			if res.err = host.WriteRequest(proto.RunKernel{}); res.err == nil {
				res.rep, res.err = host.ReadReply()
			}
		}
		hostCh <- res
	}()

	if err := device.Accept(); err != nil {
		return nil, err
	}
	req, err := device.ReadRequest()
	if err != nil {
		return nil, err
	}
	if _, ok := req.(proto.RunKernel); !ok {
		return nil, fmt.Errorf("device: unexpected request %T", req)
	}

	var res *result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := kernel(gctx, w, devices); err != nil {
			return fmt.Errorf("kernel: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if res, err = comm(gctx, w); err != nil {
			return fmt.Errorf("comm: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := device.WriteReply(res.reply); err != nil {
		return nil, err
	}
	hr := <-hostCh
	if hr.err != nil {
		return nil, fmt.Errorf("host: %w", hr.err)
	}
	rep, ok := hr.rep.(proto.KernelException)
	if !ok {
		return nil, errors.New("host: reply is not a kernel exception")
	}
	res.reply = rep
	return res, nil
}

func report(w *shmem.Window, res *result, devices *devmap.Registry) {
	o := w.Options()
	l := w.Layout()
	fmt.Printf("=== Window ===\n")
	fmt.Printf("Path: %q\n", w.Path())
	fmt.Printf("Total size: %d bytes\n", l.TotalSize)
	fmt.Printf("Queue: %d chunks of %#x bytes at %#x\n", l.QueueChunks, o.QueueChunk, o.QueueBegin)
	fmt.Printf("FIFO: %d slots of %d bytes\n", o.FIFOSlots, o.FIFOSlotSize)

	fmt.Printf("\n=== Kernel exception ===\n")
	for _, e := range res.reply.Exceptions {
		fmt.Printf("%s\n", e.String())
	}
	for _, f := range res.reply.Backtrace {
		fmt.Printf("  at %#08x (sp %#08x)\n", f.Address, f.StackPointer)
	}
	fmt.Printf("RPC tag from FIFO: %q\n", res.rpcTag)
	fmt.Printf("Channel %d: %s\n", underflowChan, devices.Resolve(underflowChan))

	q := rpcqueue.State(w)
	f := rpcfifo.State(w)
	st := w.DebugState()
	fmt.Printf("\n=== State ===\n")
	fmt.Printf("Queue send/recv: %#x/%#x (%d of %d chunks used)\n", q.Send, q.Recv, q.Used, q.Chunks)
	fmt.Printf("FIFO write/read: %d/%d (%d pending)\n", f.Write, f.Read, f.Pending)
	fmt.Printf("Mailbox: %d, cache flushes: %d\n", st.Mailbox, st.Flushes)
}
