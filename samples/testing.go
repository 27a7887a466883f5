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

package samples

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jacobsa/httpring"
	"github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
)

// A struct that implements common behavior needed by tests in the samples/
// directory. Use it as an embedded field in your test fixture, calling its
// SetUp method from your SetUp method after setting the Builder field.
type SampleTest struct {
	// The routes and configuration under test. Must be set by the user of this
	// type before calling SetUp; all the other fields below are set by SetUp
	// itself.
	Builder *httpring.ServerBuilder

	// A context object that can be used for long-running operations.
	Ctx context.Context

	// A clock with a fixed initial time. The test's set up method may use this
	// to wire the server with a clock, if desired.
	Clock timeutil.SimulatedClock

	// The address the server is listening on.
	Addr string

	srv *httpring.Server
}

// Build the configured server and start it on an ephemeral port, then
// initialize the other exported fields of the struct. Panics on error.
//
// REQUIRES: t.Builder has been set.
func (t *SampleTest) SetUp(ti *ogletest.TestInfo) {
	err := t.initialize()
	if err != nil {
		panic(err)
	}
}

// Like SetUp, but doesn't panic.
func (t *SampleTest) initialize() (err error) {
	// Initialize the context.
	t.Ctx = context.Background()

	// Initialize the clock.
	t.Clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.Local))

	// Build and start the server on an ephemeral port.
	t.Builder.SetPort(0)

	t.srv, err = t.Builder.Build()
	if err != nil {
		err = fmt.Errorf("Build: %v", err)
		return
	}

	if err = t.srv.Start(); err != nil {
		err = fmt.Errorf("Start: %v", err)
		return
	}

	t.Addr = fmt.Sprintf("127.0.0.1:%d", t.srv.Port())
	return
}

// Shut the server down and clean up. Panics on error.
func (t *SampleTest) TearDown() {
	err := t.destroy()
	if err != nil {
		panic(err)
	}
}

// Like TearDown, but doesn't panic.
func (t *SampleTest) destroy() (err error) {
	// Was the server started?
	if t.srv == nil {
		return
	}

	t.srv.Shutdown()

	if err = t.srv.Join(t.Ctx); err != nil {
		err = fmt.Errorf("Server.Join: %v", err)
		return
	}

	return
}

// Dial opens a client connection to the server under test.
//
// These helpers are free functions rather than SampleTest methods so that
// ogletest does not mistake them for test cases on embedding fixtures.
func Dial(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, 5*time.Second)
}

// RoundTrip writes raw to a fresh connection, closes the write side, and
// returns everything the server sends back before closing.
func RoundTrip(addr string, raw string) (string, error) {
	conn, err := Dial(addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, raw); err != nil {
		return "", err
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var sb strings.Builder
	if _, err := io.Copy(&sb, conn); err != nil {
		return sb.String(), err
	}

	return sb.String(), nil
}

// Response is one parsed server response, as read off the wire by
// ReadResponse.
type Response struct {
	Status  int
	Headers map[string]string
	Body    string
}

// ReadResponse reads exactly one framed response from br, using its
// Content-Length header to bound the body. This allows reading several
// responses off one keep-alive connection.
func ReadResponse(br *bufio.Reader) (*Response, error) {
	statusLine, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading status line: %v", err)
	}

	fields := strings.SplitN(strings.TrimRight(statusLine, "\r\n"), " ", 3)
	if len(fields) < 2 {
		return nil, fmt.Errorf("malformed status line: %q", statusLine)
	}

	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("malformed status %q: %v", fields[1], err)
	}

	resp := &Response{
		Status:  status,
		Headers: make(map[string]string),
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading header line: %v", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("malformed header line: %q", line)
		}

		resp.Headers[line[:colon]] = strings.TrimSpace(line[colon+1:])
	}

	length, err := strconv.Atoi(resp.Headers["Content-Length"])
	if err != nil {
		return nil, fmt.Errorf("malformed Content-Length: %v", err)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, fmt.Errorf("reading body: %v", err)
	}

	resp.Body = string(body)
	return resp, nil
}
