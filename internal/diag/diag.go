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

// Package diag serves read-only JSON snapshots of a shared-memory window
// over HTTP for debugging.
package diag

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sugawarayuuta/sonnet"
	"github.com/valyala/fasthttp"

	"github.com/thomasfire/artiq/internal/devmap"
	"github.com/thomasfire/artiq/internal/proto"
	"github.com/thomasfire/artiq/internal/rpcfifo"
	"github.com/thomasfire/artiq/internal/rpcqueue"
	"github.com/thomasfire/artiq/internal/shmem"
)

// LastError is the most recent error reported to the server.
type LastError struct {
	Component string `json:"component"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// State is the body served at /state.
type State struct {
	Window    shmem.WindowState   `json:"window"`
	Queue     rpcqueue.QueueState `json:"queue"`
	FIFO      rpcfifo.FIFOState   `json:"fifo"`
	LastError *LastError          `json:"last_error,omitempty"`
}

// Channel is one entry served at /devmap.
type Channel struct {
	Channel uint32 `json:"channel"`
	Name    string `json:"name"`
}

// Server answers /state and /devmap.
type Server struct {
	w       *shmem.Window
	devices *devmap.Registry
	log     *logrus.Entry

	mu      sync.Mutex
	lastErr *LastError
	srv     *fasthttp.Server
}

// NewServer returns a server observing w. devices may be nil.
func NewServer(w *shmem.Window, devices *devmap.Registry) *Server {
	s := &Server{
		w:       w,
		devices: devices,
		log:     w.Logger("diag"),
	}
	s.srv = &fasthttp.Server{
		Handler: s.Handle,
		Name:    "coredev-diag",
	}
	return s
}

// Report records err as the last error seen by component. A nil err is
// ignored.
func (s *Server) Report(component string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastErr = &LastError{
		Component: component,
		Code:      proto.Code(err).String(),
		Message:   err.Error(),
	}
	s.mu.Unlock()
}

// Snapshot returns the current window, queue and FIFO state.
func (s *Server) Snapshot() State {
	st := State{
		Window: s.w.DebugState(),
		Queue:  rpcqueue.State(s.w),
		FIFO:   rpcfifo.State(s.w),
	}
	s.mu.Lock()
	if s.lastErr != nil {
		e := *s.lastErr
		st.LastError = &e
	}
	s.mu.Unlock()
	return st
}

// Channels returns the installed device map in channel order.
func (s *Server) Channels() []Channel {
	var m devmap.Map
	if s.devices != nil {
		m = s.devices.Map()
	}
	out := make([]Channel, 0, len(m))
	for _, ch := range m.Channels() {
		out = append(out, Channel{Channel: ch, Name: m[ch]})
	}
	return out
}

// Handle is the fasthttp request handler.
func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	switch string(ctx.Path()) {
	case "/state":
		s.writeJSON(ctx, s.Snapshot())
	case "/devmap":
		s.writeJSON(ctx, s.Channels())
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, v any) {
	b, err := sonnet.Marshal(v)
	if err != nil {
		s.log.WithError(err).Error("encode diagnostics")
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(b)
}

// Serve answers requests on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := s.srv.Shutdown(); err != nil {
				s.log.WithError(err).Warn("diagnostics shutdown")
			}
		case <-done:
		}
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("diagnostics listening")
	return s.srv.Serve(ln)
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
