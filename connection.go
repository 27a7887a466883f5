// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

package httpring

import (
	"errors"
	"fmt"
	"log"
	"path"
	"runtime"
	"strings"

	"github.com/jacobsa/httpring/internal/buffer"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"
)

// Connection serves one accepted socket: it parses requests, dispatches them
// to handlers, and writes back framed responses, looping until the client
// goes away or a request forces a close. Each connection is owned by exactly
// one task on the worker that accepted it.
type Connection struct {
	server      *Server
	asio        Asio
	fd          int
	routes      *trie
	debugLogger *log.Logger
	errorLogger *log.Logger
	clock       timeutil.Clock

	// A connection id for logging; unrelated to the fd.
	id uint64

	// Hooks for the teardown syscalls, replaceable in tests.
	shutdownWrite func(fd int)
	closeFD       func(fd int)
}

func (s *Server) newConnection(asio Asio, fd int, id uint64) *Connection {
	return &Connection{
		server:      s,
		asio:        asio,
		fd:          fd,
		routes:      s.routes,
		debugLogger: s.cfg.DebugLogger,
		errorLogger: s.cfg.ErrorLogger,
		clock:       s.cfg.Clock,
		id:          id,

		shutdownWrite: func(fd int) { unix.Shutdown(fd, unix.SHUT_WR) },
		closeFD:       func(fd int) { unix.Close(fd) },
	}
}

// Log information for this connection. calldepth is the depth to use when
// recovering file:line information with runtime.Caller.
func (c *Connection) debugLog(
	calldepth int,
	format string,
	v ...interface{}) {
	if c.debugLogger == nil {
		return
	}

	// Get file:line info.
	var file string
	var line int
	var ok bool

	_, file, line, ok = runtime.Caller(calldepth)
	if !ok {
		file = "???"
	}

	fileLine := fmt.Sprintf("%v:%v", path.Base(file), line)

	msg := fmt.Sprintf(
		"Conn 0x%08x %24s] %v",
		c.id,
		fileLine,
		fmt.Sprintf(format, v...))

	c.debugLogger.Println(msg)
}

// wantsClose reports whether the request asked for the connection to be torn
// down: a Connection header (found case-insensitively) whose trimmed,
// lower-cased value contains the token "close". An absent header means
// keep-alive, the HTTP/1.1 default.
func wantsClose(req *RequestData) bool {
	for k, v := range req.Headers {
		if !strings.EqualFold(k, "Connection") {
			continue
		}

		return strings.Contains(strings.ToLower(strings.TrimSpace(v)), "close")
	}

	return false
}

// readRequest parses one full request off the wire, resolving the handler as
// a side effect of walking the path. Any returned error is either an
// *HTTPError to surface to the client or errClientClosed.
func (c *Connection) readRequest(r *reader) (*RequestData, Handler, error) {
	if err := r.skipPadding(); err != nil {
		return nil, nil, err
	}

	req := newRequestData()

	m, err := r.parseMethod()
	if err != nil {
		return nil, nil, err
	}
	req.Method = m

	// The method token must be followed by exactly one space and then the
	// path, which always begins with '/'.
	r.Ensure()
	if r.Peek() != ' ' {
		return nil, nil, badRequest("Invalid request")
	}
	r.Next()

	r.Ensure()
	if !r.Valid() || r.Peek() != '/' {
		return nil, nil, badRequest("Invalid request")
	}

	h, err := c.routes.resolve(req.Method, r, &req.URLVariables)
	if err != nil {
		return nil, nil, err
	}

	if err := r.parseQuery(req); err != nil {
		return nil, nil, err
	}

	if err := r.parseProtocol(); err != nil {
		return nil, nil, err
	}

	if err := r.parseHeaders(req); err != nil {
		return nil, nil, err
	}

	if err := r.parseBody(req); err != nil {
		return nil, nil, err
	}

	return req, h, nil
}

// callHandler invokes the handler, mapping a panic to an internal error so a
// misbehaving handler cannot take down its worker.
func (c *Connection) callHandler(
	h Handler,
	req *RequestData) (resp ResponseData, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("Internal server error")
		}
	}()

	return h(req)
}

// writeResponse frames resp and writes it, suspending on the reactor until
// all bytes are sent. A zero-length write means the connection is gone and
// yields an error.
//
// Framing: status line with reason "OK" for 2xx and "ERROR" otherwise, then
// the handler's headers verbatim (minus any Connection header), then
// Content-Length if the handler did not set one, then the Connection header
// chosen by the server, a blank line, and the body.
func (c *Connection) writeResponse(resp *ResponseData, keepAlive bool) error {
	out := c.server.getOutMessage()
	defer c.server.putOutMessage(out)

	out.AppendString("HTTP/1.1 ")
	out.AppendUint(uint64(resp.Status))
	if resp.Status/100 == 2 {
		out.AppendString(" OK\r\n")
	} else {
		out.AppendString(" ERROR\r\n")
	}

	hasContentLength := false
	for name, value := range resp.Headers {
		if name == "Content-Length" {
			hasContentLength = true
		}
		if name == "Connection" {
			continue
		}

		out.AppendString(name)
		out.AppendString(": ")
		out.AppendString(value)
		out.AppendString("\r\n")
	}

	if !hasContentLength {
		out.AppendString("Content-Length: ")
		out.AppendUint(uint64(len(resp.Body)))
		out.AppendString("\r\n")
	}

	if keepAlive {
		out.AppendString("Connection: keep-alive\r\n")
	} else {
		out.AppendString("Connection: close\r\n")
	}

	out.AppendString("\r\n")
	out.Append(resp.Body)

	buf := out.Bytes()
	sent := 0
	for sent < len(buf) {
		n := c.asio.Write(c.fd, buf[sent:])
		if n == 0 {
			return fmt.Errorf("Short write at offset %d of %d", sent, len(buf))
		}

		sent += n
	}

	return nil
}

// serve runs the request loop for this connection until it is torn down.
func (c *Connection) serve() {
	r := newReader(c.asio, c.fd)

	for {
		var resp ResponseData
		keepAlive := true
		mustClose := false

		start := c.clock.Now()
		req, h, err := c.readRequest(r)
		if err == nil {
			keepAlive = !wantsClose(req)

			// A reader that has seen end of stream cannot deliver another
			// request; this also covers bodies read to EOF, which consume the
			// rest of the stream by definition.
			if r.eof {
				keepAlive = false
			}

			resp, err = c.callHandler(h, req)
		}

		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				resp = ResponseData{
					Status: httpErr.StatusCode,
					Body:   []byte(httpErr.Message),
				}
			} else {
				resp = ResponseData{
					Status: 500,
					Body:   []byte(err.Error()),
				}
			}

			keepAlive = false
			mustClose = true
		}

		// A 400 with an empty body marks a client that closed without sending
		// a request; it gets no response bytes at all.
		if !mustClose || resp.Status != 400 || len(resp.Body) != 0 {
			if werr := c.writeResponse(&resp, keepAlive); werr != nil {
				c.debugLog(2, "writeResponse: %v", werr)
				keepAlive = false
			}

			c.debugLog(
				2,
				"%v -> %d (%v)",
				requestSummary(req),
				resp.Status,
				c.clock.Now().Sub(start))
		}

		if !keepAlive || mustClose {
			c.shutdownWrite(c.fd)
			c.closeFD(c.fd)
			return
		}
	}
}

func requestSummary(req *RequestData) string {
	if req == nil {
		return "<unparsed>"
	}

	return req.Method.String()
}

////////////////////////////////////////////////////////////////////////
// Out-message recycling
////////////////////////////////////////////////////////////////////////

// LOCKS_EXCLUDED(s.mu)
func (s *Server) getOutMessage() *buffer.OutMessage {
	s.mu.Lock()
	x := s.outMessages.Get()
	s.mu.Unlock()

	if x == nil {
		return new(buffer.OutMessage)
	}

	return x.(*buffer.OutMessage)
}

// LOCKS_EXCLUDED(s.mu)
func (s *Server) putOutMessage(m *buffer.OutMessage) {
	m.Reset()

	s.mu.Lock()
	s.outMessages.Put(m)
	s.mu.Unlock()
}
