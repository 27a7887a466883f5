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

package httpring

import (
	"errors"
	"strconv"
	"strings"
	"testing"
)

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// newTestServer builds an unstarted server with the given routes, suitable
// for serving connections over a fakeAsio.
func newTestServer(t *testing.T, register func(b *ServerBuilder)) *Server {
	t.Helper()

	b := NewServerBuilder()
	register(b)

	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	return s
}

func registerEchoRoutes(b *ServerBuilder) {
	b.AddRequest(POST, "/echo", func(req *RequestData) (ResponseData, error) {
		return ResponseData{Status: 200, Body: req.Body}, nil
	})

	b.AddRequest(GET, "/echo", func(req *RequestData) (ResponseData, error) {
		return ResponseData{Status: 200, Body: []byte(req.Params["msg"])}, nil
	})

	b.AddRequest(GET, "/echo/*/echo", func(req *RequestData) (ResponseData, error) {
		return ResponseData{Status: 200, Body: []byte(req.URLVariables[0])}, nil
	})
}

// serveConn runs a connection's request loop over the given fake, returning
// everything the server wrote and whether the fd was closed.
func serveConn(t *testing.T, s *Server, fake *fakeAsio) (wrote string, closed bool) {
	t.Helper()

	c := s.newConnection(fake, 99, 1)
	c.shutdownWrite = func(fd int) {}
	c.closeFD = func(fd int) { closed = true }

	c.serve()
	return fake.wrote.String(), closed
}

// parsedResponse is one framed response decoded from the wire, with headers
// in a map since the server writes them in unspecified order.
type parsedResponse struct {
	Status  int
	Headers map[string]string
	Body    string
}

// parseResponse decodes one response off the front of data, returning it and
// the remaining bytes (for pipelined responses).
func parseResponse(t *testing.T, data string) (*parsedResponse, string) {
	t.Helper()

	end := strings.Index(data, "\r\n\r\n")
	if end < 0 {
		t.Fatalf("no header terminator in %q", data)
	}

	lines := strings.Split(data[:end], "\r\n")
	statusFields := strings.SplitN(lines[0], " ", 3)
	if len(statusFields) < 3 || statusFields[0] != "HTTP/1.1" {
		t.Fatalf("malformed status line %q", lines[0])
	}

	status, err := strconv.Atoi(statusFields[1])
	if err != nil {
		t.Fatalf("malformed status in %q: %v", lines[0], err)
	}

	resp := &parsedResponse{
		Status:  status,
		Headers: make(map[string]string),
	}

	for _, line := range lines[1:] {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			t.Fatalf("malformed header line %q", line)
		}

		resp.Headers[line[:colon]] = strings.TrimPrefix(line[colon+1:], " ")
	}

	rest := data[end+4:]
	length, err := strconv.Atoi(resp.Headers["Content-Length"])
	if err != nil {
		t.Fatalf("missing Content-Length in %v: %v", resp.Headers, err)
	}

	if len(rest) < length {
		t.Fatalf("body truncated: have %d bytes, want %d", len(rest), length)
	}

	resp.Body = rest[:length]
	return resp, rest[length:]
}

////////////////////////////////////////////////////////////////////////
// End-to-end scenarios
////////////////////////////////////////////////////////////////////////

func TestPostEcho(t *testing.T) {
	s := newTestServer(t, registerEchoRoutes)
	fake := newFakeAsio("POST /echo HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello", 0)

	wrote, closed := serveConn(t, s, fake)
	resp, rest := parseResponse(t, wrote)

	if resp.Status != 200 {
		t.Errorf("status = %d, want 200", resp.Status)
	}
	if resp.Body != "hello" {
		t.Errorf("body = %q, want %q", resp.Body, "hello")
	}
	if resp.Headers["Content-Length"] != "5" {
		t.Errorf("Content-Length = %q, want %q", resp.Headers["Content-Length"], "5")
	}
	if rest != "" {
		t.Errorf("unexpected trailing bytes %q", rest)
	}
	if !closed {
		t.Error("connection left open")
	}
}

func TestGetEchoQueryParam(t *testing.T) {
	s := newTestServer(t, registerEchoRoutes)
	fake := newFakeAsio("GET /echo?msg=world HTTP/1.1\r\n\r\n", 0)

	wrote, _ := serveConn(t, s, fake)
	resp, _ := parseResponse(t, wrote)

	if resp.Status != 200 || resp.Body != "world" {
		t.Errorf("response = %d %q, want 200 %q", resp.Status, resp.Body, "world")
	}
}

func TestGetEchoWildcard(t *testing.T) {
	s := newTestServer(t, registerEchoRoutes)
	fake := newFakeAsio("GET /echo/captured/echo HTTP/1.1\r\n\r\n", 0)

	wrote, _ := serveConn(t, s, fake)
	resp, _ := parseResponse(t, wrote)

	if resp.Status != 200 || resp.Body != "captured" {
		t.Errorf("response = %d %q, want 200 %q", resp.Status, resp.Body, "captured")
	}
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t, registerEchoRoutes)
	fake := newFakeAsio("GET /nope HTTP/1.1\r\n\r\n", 0)

	wrote, closed := serveConn(t, s, fake)
	resp, _ := parseResponse(t, wrote)

	if resp.Status != 404 || resp.Body != "Not found" {
		t.Errorf("response = %d %q, want 404 %q", resp.Status, resp.Body, "Not found")
	}
	if resp.Headers["Connection"] != "close" {
		t.Errorf("Connection = %q, want close", resp.Headers["Connection"])
	}
	if !closed {
		t.Error("connection left open")
	}
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t, registerEchoRoutes)
	fake := newFakeAsio("BOGUS /echo HTTP/1.1\r\n\r\n", 0)

	wrote, closed := serveConn(t, s, fake)
	resp, _ := parseResponse(t, wrote)

	if resp.Status != 400 {
		t.Errorf("status = %d, want 400", resp.Status)
	}
	if !closed {
		t.Error("connection left open")
	}
}

func TestPipelinedRequests(t *testing.T) {
	s := newTestServer(t, registerEchoRoutes)
	fake := newFakeAsio(
		"GET /echo?msg=a HTTP/1.1\r\n\r\n"+
			"GET /echo?msg=b HTTP/1.1\r\nConnection: close\r\n\r\n",
		0)

	wrote, closed := serveConn(t, s, fake)

	first, rest := parseResponse(t, wrote)
	if first.Status != 200 || first.Body != "a" {
		t.Errorf("first response = %d %q, want 200 %q", first.Status, first.Body, "a")
	}
	if first.Headers["Connection"] != "keep-alive" {
		t.Errorf("first Connection = %q, want keep-alive", first.Headers["Connection"])
	}

	second, rest := parseResponse(t, rest)
	if second.Status != 200 || second.Body != "b" {
		t.Errorf("second response = %d %q, want 200 %q", second.Status, second.Body, "b")
	}
	if second.Headers["Connection"] != "close" {
		t.Errorf("second Connection = %q, want close", second.Headers["Connection"])
	}

	if rest != "" {
		t.Errorf("unexpected trailing bytes %q", rest)
	}
	if !closed {
		t.Error("connection left open")
	}
}

////////////////////////////////////////////////////////////////////////
// Laws
////////////////////////////////////////////////////////////////////////

func TestIdleCloseSilence(t *testing.T) {
	// A client that connects and closes without sending a byte gets no
	// response bytes at all.
	s := newTestServer(t, registerEchoRoutes)
	fake := newFakeAsio("", 0)

	wrote, closed := serveConn(t, s, fake)

	if wrote != "" {
		t.Errorf("wrote %q, want nothing", wrote)
	}
	if !closed {
		t.Error("connection left open")
	}
}

func TestIdleCloseAfterStrayCRLF(t *testing.T) {
	// Stray newlines between keep-alive requests are tolerated; closing after
	// them is still silent.
	s := newTestServer(t, registerEchoRoutes)
	fake := newFakeAsio("\r\n\r\n", 0)

	wrote, _ := serveConn(t, s, fake)

	if wrote != "" {
		t.Errorf("wrote %q, want nothing", wrote)
	}
}

func TestKeepAliveCaseInsensitive(t *testing.T) {
	s := newTestServer(t, registerEchoRoutes)
	fake := newFakeAsio("GET /echo?msg=x HTTP/1.1\r\nconnection:  CLOSE \r\n\r\n", 0)

	wrote, closed := serveConn(t, s, fake)
	resp, _ := parseResponse(t, wrote)

	if resp.Headers["Connection"] != "close" {
		t.Errorf("Connection = %q, want close", resp.Headers["Connection"])
	}
	if !closed {
		t.Error("connection left open")
	}
}

func TestStreamedParse(t *testing.T) {
	// The same request delivered one byte per read must parse identically to
	// the request delivered in one read.
	const raw = "POST /echo HTTP/1.1\r\nContent-Length: 11\r\n\r\nhello world"

	s := newTestServer(t, registerEchoRoutes)

	whole, _ := serveConn(t, s, newFakeAsio(raw, 0))
	bytewise, _ := serveConn(t, s, newFakeAsio(raw, 1))

	wholeResp, _ := parseResponse(t, whole)
	bytewiseResp, _ := parseResponse(t, bytewise)

	if wholeResp.Status != bytewiseResp.Status || wholeResp.Body != bytewiseResp.Body {
		t.Errorf(
			"responses differ: %d %q vs %d %q",
			wholeResp.Status, wholeResp.Body,
			bytewiseResp.Status, bytewiseResp.Body)
	}

	if bytewiseResp.Body != "hello world" {
		t.Errorf("body = %q, want %q", bytewiseResp.Body, "hello world")
	}
}

func TestBodyFramingAcrossChunks(t *testing.T) {
	// With Content-Length N, exactly N bytes reach the handler regardless of
	// chunk boundaries, and the remainder feeds the next request.
	raw := "POST /echo HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc" +
		"GET /echo?msg=next HTTP/1.1\r\nConnection: close\r\n\r\n"

	for _, chunkSize := range []int{0, 1, 5, 64} {
		s := newTestServer(t, registerEchoRoutes)
		wrote, _ := serveConn(t, s, newFakeAsio(raw, chunkSize))

		first, rest := parseResponse(t, wrote)
		if first.Body != "abc" {
			t.Errorf("first body (chunkSize=%d) = %q, want %q", chunkSize, first.Body, "abc")
		}

		second, _ := parseResponse(t, rest)
		if second.Body != "next" {
			t.Errorf("second body (chunkSize=%d) = %q, want %q", chunkSize, second.Body, "next")
		}
	}
}

func TestReadToEOFBodyForcesClose(t *testing.T) {
	// A body without Content-Length on a non-GET/DELETE method reads to end
	// of stream, which cannot coexist with keep-alive.
	s := newTestServer(t, registerEchoRoutes)
	fake := newFakeAsio("POST /echo HTTP/1.1\r\n\r\nunbounded body", 0)

	wrote, closed := serveConn(t, s, fake)
	resp, _ := parseResponse(t, wrote)

	if resp.Body != "unbounded body" {
		t.Errorf("body = %q, want %q", resp.Body, "unbounded body")
	}
	if resp.Headers["Connection"] != "close" {
		t.Errorf("Connection = %q, want close", resp.Headers["Connection"])
	}
	if !closed {
		t.Error("connection left open")
	}
}

func TestHandlerError(t *testing.T) {
	s := newTestServer(t, func(b *ServerBuilder) {
		b.AddRequest(GET, "/fail", func(req *RequestData) (ResponseData, error) {
			return ResponseData{}, errors.New("database on fire")
		})
	})

	fake := newFakeAsio("GET /fail HTTP/1.1\r\n\r\n", 0)
	wrote, closed := serveConn(t, s, fake)
	resp, _ := parseResponse(t, wrote)

	if resp.Status != 500 {
		t.Errorf("status = %d, want 500", resp.Status)
	}
	if resp.Body != "database on fire" {
		t.Errorf("body = %q, want the handler's message", resp.Body)
	}
	if !closed {
		t.Error("connection left open")
	}
}

func TestHandlerPanic(t *testing.T) {
	s := newTestServer(t, func(b *ServerBuilder) {
		b.AddRequest(GET, "/boom", func(req *RequestData) (ResponseData, error) {
			panic("unexpected")
		})
	})

	fake := newFakeAsio("GET /boom HTTP/1.1\r\n\r\n", 0)
	wrote, _ := serveConn(t, s, fake)
	resp, _ := parseResponse(t, wrote)

	if resp.Status != 500 {
		t.Errorf("status = %d, want 500", resp.Status)
	}
	if resp.Body != "Internal server error" {
		t.Errorf("body = %q, want generic message", resp.Body)
	}
}

func TestHandlerHeadersPreserved(t *testing.T) {
	s := newTestServer(t, func(b *ServerBuilder) {
		b.AddRequest(GET, "/headers", func(req *RequestData) (ResponseData, error) {
			return ResponseData{
				Status: 200,
				Headers: map[string]string{
					"X-Custom":       "yes",
					"Content-Length": "2",
					"Connection":     "upgrade", // must be overridden
				},
				Body: []byte("ok"),
			}, nil
		})
	})

	fake := newFakeAsio("GET /headers HTTP/1.1\r\n\r\n", 0)
	wrote, _ := serveConn(t, s, fake)
	resp, _ := parseResponse(t, wrote)

	if resp.Headers["X-Custom"] != "yes" {
		t.Errorf("X-Custom = %q, want yes", resp.Headers["X-Custom"])
	}
	if resp.Headers["Content-Length"] != "2" {
		t.Errorf("Content-Length = %q, want the handler's value", resp.Headers["Content-Length"])
	}
	if resp.Headers["Connection"] != "keep-alive" {
		t.Errorf("Connection = %q, want the server's choice", resp.Headers["Connection"])
	}
}

func TestShortWrites(t *testing.T) {
	// The write loop must keep going until the whole response is out, even
	// when each kernel write takes only a few bytes.
	s := newTestServer(t, registerEchoRoutes)
	fake := newFakeAsio("POST /echo HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello", 0)
	fake.writeLimit = 7

	wrote, _ := serveConn(t, s, fake)
	resp, _ := parseResponse(t, wrote)

	if resp.Body != "hello" {
		t.Errorf("body = %q, want %q", resp.Body, "hello")
	}

	if fake.writeCalls < 2 {
		t.Errorf("writeCalls = %d, expected several short writes", fake.writeCalls)
	}
}

func TestBadProtocol(t *testing.T) {
	s := newTestServer(t, registerEchoRoutes)

	for _, proto := range []string{"HTTP/1.0", "HTTP/2", "junk"} {
		fake := newFakeAsio("GET /echo?msg=x "+proto+"\r\n\r\n", 0)
		wrote, _ := serveConn(t, s, fake)
		resp, _ := parseResponse(t, wrote)

		if resp.Status != 400 {
			t.Errorf("status(%q) = %d, want 400", proto, resp.Status)
		}
	}
}
