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
	"strconv"
	"strings"
)

// The size of a connection's read window. Each refill is one kernel read of
// at most this many bytes.
const readWindowSize = 256

// reader is a small byte window over a connection fd, refilled by suspending
// on the reactor's Read primitive. It exposes the byteSource surface the
// router matches against, plus the parse stages for one HTTP/1.1 request.
//
// A reader lives for the whole connection: bytes read past one request's
// body terminator stay in the window for the next request.
type reader struct {
	asio Asio
	fd   int

	buf [readWindowSize]byte
	pos int
	n   int
	eof bool
}

func newReader(asio Asio, fd int) *reader {
	return &reader{
		asio: asio,
		fd:   fd,
	}
}

// Ensure refills the window if it has been exhausted, suspending on the
// reactor. A zero-byte read marks end of stream.
func (r *reader) Ensure() {
	if r.eof || r.pos < r.n {
		return
	}

	r.n = r.asio.Read(r.fd, r.buf[:])
	r.pos = 0
	if r.n == 0 {
		r.eof = true
	}
}

// Valid reports whether the current byte exists and is not '\0'.
func (r *reader) Valid() bool {
	return r.pos < r.n && r.buf[r.pos] != 0
}

// Peek returns the current byte without consuming it, or '\0' past end of
// stream.
func (r *reader) Peek() byte {
	if r.pos >= r.n {
		return 0
	}

	return r.buf[r.pos]
}

// Next consumes one byte. Any needed refill happens at the following Ensure.
func (r *reader) Next() {
	r.pos++
}

// skip consumes n bytes within the current window.
func (r *reader) skip(n int) {
	r.pos += n
}

// available returns the bytes remaining in the current window.
func (r *reader) available() int {
	return r.n - r.pos
}

// window returns a view of the remaining bytes in the current window.
func (r *reader) window() []byte {
	return r.buf[r.pos:r.n]
}

////////////////////////////////////////////////////////////////////////
// Parse stages
////////////////////////////////////////////////////////////////////////

// skipPadding discards stray CR/LF bytes left between keep-alive requests.
// End of stream before the first byte of a new request yields errClientClosed
// so the caller can close without writing a response.
func (r *reader) skipPadding() error {
	for {
		r.Ensure()
		if !r.Valid() {
			return errClientClosed
		}

		if c := r.Peek(); c != '\r' && c != '\n' {
			return nil
		}

		r.Next()
	}
}

// The longest supported method token.
const maxMethodLen = len("DELETE")

// parseMethod reads the method token, leaving the terminating space for the
// path stage.
func (r *reader) parseMethod() (Method, error) {
	var tok [maxMethodLen]byte
	n := 0

	for n < len(tok) {
		r.Ensure()
		if !r.Valid() || r.Peek() == ' ' {
			break
		}

		tok[n] = r.Peek()
		n++
		r.Next()
	}

	switch string(tok[:n]) {
	case "GET":
		return GET, nil
	case "PUT":
		return PUT, nil
	case "POST":
		return POST, nil
	case "PATCH":
		return PATCH, nil
	case "DELETE":
		return DELETE, nil
	}

	return 0, badRequest("Invalid request")
}

// parseQuery parses an optional "?name=value&..." block, stopping at the
// unconsumed space before the protocol. A pair without '=' accumulates a name
// that is discarded at '&' or at the end; such flag-style parameters are not
// captured.
func (r *reader) parseQuery(req *RequestData) error {
	r.Ensure()
	if c := r.Peek(); c != '?' && c != ' ' {
		return badRequest("Invalid request")
	}

	if r.Peek() != '?' {
		return nil
	}
	r.Next()

	inValue := false
	var name, value []byte

	flush := func() {
		if inValue {
			req.Params[string(name)] = string(value)
		}
		name = name[:0]
		value = value[:0]
		inValue = false
	}

	for {
		r.Ensure()
		if !r.Valid() {
			return badRequest("Empty parameter name")
		}

		c := r.Peek()
		if c == ' ' {
			break
		}

		switch {
		case !inValue && c == '=':
			if len(name) == 0 {
				return badRequest("Empty parameter name")
			}
			inValue = true

		case c == '&':
			flush()

		case inValue:
			value = append(value, c)

		default:
			name = append(name, c)
		}

		r.Next()
	}

	flush()
	return nil
}

// parseProtocol consumes the space after the path or query, then the
// protocol token up to and including the newline ending the request line.
// Anything but HTTP/1.1 is rejected.
func (r *reader) parseProtocol() error {
	r.Next() // the space before the protocol

	var proto []byte
	for {
		r.Ensure()
		if !r.Valid() {
			return badRequest("Invalid request")
		}

		c := r.Peek()
		if c == '\n' {
			break
		}

		if c != '\r' {
			proto = append(proto, c)
		}
		r.Next()
	}
	r.Next() // the newline ending the request line

	if string(proto) != "HTTP/1.1" {
		return badRequest("Invalid request")
	}

	return nil
}

// parseHeaders parses "Name: value" lines until the blank line ending the
// header block. CR bytes are skipped; names and values are stored verbatim,
// with no trimming. The request line's newline counts as the first of the
// two consecutive newlines that terminate a headerless block.
func (r *reader) parseHeaders(req *RequestData) error {
	inValue := false
	var name, value []byte
	last := byte('\n')

	for {
		r.Ensure()
		if !r.Valid() {
			return badRequest("Invalid message")
		}

		c := r.Peek()
		if c == '\r' {
			r.Next()
			continue
		}

		if c == '\n' && last == '\n' {
			break
		}

		if !inValue {
			if c == ':' {
				if len(name) == 0 {
					return badRequest("Empty header name")
				}
				inValue = true
			} else {
				name = append(name, c)
			}
		} else {
			if c == '\n' {
				req.Headers[string(name)] = string(value)
				name = name[:0]
				value = value[:0]
				inValue = false
			} else {
				value = append(value, c)
			}
		}

		last = c
		r.Next()
	}

	r.Next() // the terminator's second newline
	return nil
}

// parseBody reads the request body per the framing headers:
//
//   - Content-Length (case-sensitive): exactly that many bytes, or until end
//     of stream, whichever comes first. An unparseable length means no body.
//   - Transfer-Encoding chunked: unsupported; the body is left empty.
//   - Otherwise GET and DELETE carry no body; any other method reads until
//     end of stream.
//
// Bytes are moved out of the window in bulk rather than one at a time.
func (r *reader) parseBody(req *RequestData) error {
	if v, ok := req.Headers["Content-Length"]; ok {
		length, err := strconv.ParseUint(strings.TrimSpace(v), 10, 63)
		if err != nil {
			return nil
		}

		remaining := int(length)
		for remaining > 0 {
			r.Ensure()
			if r.available() == 0 {
				break
			}

			take := r.available()
			if take > remaining {
				take = remaining
			}

			req.Body = append(req.Body, r.window()[:take]...)
			r.skip(take)
			remaining -= take
		}

		return nil
	}

	if v, ok := req.Headers["Transfer-Encoding"]; ok && strings.TrimSpace(v) == "chunked" {
		return nil
	}

	if req.Method == GET || req.Method == DELETE {
		return nil
	}

	for {
		r.Ensure()
		if r.available() == 0 {
			return nil
		}

		req.Body = append(req.Body, r.window()...)
		r.skip(r.available())
	}
}
