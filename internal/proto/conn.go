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

package proto

import (
	"bufio"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
)

// Conn is one end of a session over a byte stream. The device side calls
// Accept then alternates ReadRequest and WriteReply; the host side calls
// Handshake then WriteRequest and ReadReply.
type Conn struct {
	r   *Reader
	w   *Writer
	bw  *bufio.Writer
	log *logrus.Entry
}

// NewConn wraps rw. Writes are buffered and flushed once per message.
func NewConn(rw io.ReadWriter, log *logrus.Entry) *Conn {
	bw := bufio.NewWriter(rw)
	return &Conn{
		r:   NewBufferedReader(rw),
		w:   NewWriter(bw),
		bw:  bw,
		log: log,
	}
}

// Reader returns the decoding side, for adjusting MaxBlobLength.
func (c *Conn) Reader() *Reader {
	return c.r
}

// Accept reads the host's handshake.
func (c *Conn) Accept() error {
	if err := ReadMagic(c.r); err != nil {
		c.log.WithError(err).Warn("session handshake failed")
		return err
	}
	c.log.Debug("session accepted")
	return nil
}

// Handshake sends the handshake to the device.
func (c *Conn) Handshake() error {
	if err := WriteMagic(c.w); err != nil {
		return err
	}
	return c.flush()
}

func (c *Conn) flush() error {
	if err := c.bw.Flush(); err != nil {
		return ioError(err)
	}
	return nil
}

// ReadRequest reads the next request. Framing errors are logged; the caller
// decides whether to drop the connection or call again to resynchronize.
func (c *Conn) ReadRequest() (Request, error) {
	req, err := ReadRequest(c.r)
	if err != nil {
		c.logReadError(err, "request")
		return nil, err
	}
	c.log.WithField("tag", req.requestTag()).Debug("request")
	return req, nil
}

// WriteReply writes rep and flushes it.
func (c *Conn) WriteReply(rep Reply) error {
	if err := WriteReply(c.w, rep); err != nil {
		return err
	}
	c.log.WithField("tag", rep.replyTag()).Debug("reply")
	return c.flush()
}

// WriteRequest writes req and flushes it.
func (c *Conn) WriteRequest(req Request) error {
	if err := WriteRequest(c.w, req); err != nil {
		return err
	}
	return c.flush()
}

// ReadReply reads the next reply.
func (c *Conn) ReadReply() (Reply, error) {
	rep, err := ReadReply(c.r)
	if err != nil {
		c.logReadError(err, "reply")
		return nil, err
	}
	return rep, nil
}

func (c *Conn) logReadError(err error, what string) {
	if errors.Is(err, io.EOF) {
		c.log.Debug("session closed by peer")
		return
	}
	c.log.WithFields(logrus.Fields{
		"code": Code(err).String(),
	}).WithError(err).Warnf("malformed %s", what)
}
