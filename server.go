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
	"fmt"
	"log"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/net/context"
	"golang.org/x/sys/unix"

	"github.com/jacobsa/httpring/internal/freelist"
	"github.com/jacobsa/timeutil"
)

// ServerConfig is the optional configuration accepted by a ServerBuilder.
type ServerConfig struct {
	// The TCP port to listen on. Zero asks the kernel for an ephemeral port;
	// see Server.Port.
	Port uint16

	// The number of worker threads, each owning its own reactor. Values below
	// one are normalized to one.
	Threads int

	// Error logging destination. May be nil.
	ErrorLogger *log.Logger

	// Debug logging destination. If nil, a process-wide logger gated by the
	// -httpring.debug flag is used.
	DebugLogger *log.Logger

	// The clock used for request-duration debug logging. Defaults to the real
	// clock.
	Clock timeutil.Clock
}

// ServerBuilder registers routes and configuration and produces a Server.
// All registration must happen before Start; the routing trie is shared
// read-only by all workers once the server is running.
type ServerBuilder struct {
	cfg    ServerConfig
	routes *trie
	err    error
}

func NewServerBuilder() *ServerBuilder {
	return &ServerBuilder{
		routes: newTrie(),
	}
}

// SetPort sets the TCP port to listen on.
func (b *ServerBuilder) SetPort(port uint16) {
	b.cfg.Port = port
}

// SetThreads sets the number of worker threads.
func (b *ServerBuilder) SetThreads(n int) {
	b.cfg.Threads = n
}

// SetConfig replaces the whole configuration, including port and threads.
func (b *ServerBuilder) SetConfig(cfg ServerConfig) {
	b.cfg = cfg
}

// AddRequest registers a handler for the given method and path. The path
// must begin with '/' and may contain '*' in place of any single path
// segment's bytes. Returns ErrInvalidRoute for a method outside the
// enumeration.
func (b *ServerBuilder) AddRequest(m Method, path string, h Handler) error {
	err := b.routes.addRequest(m, path, h)
	if err != nil && b.err == nil {
		b.err = err
	}

	return err
}

// Build produces a Server ready to Start. Thread counts below one are
// normalized to one.
func (b *ServerBuilder) Build() (*Server, error) {
	if b.err != nil {
		return nil, b.err
	}

	cfg := b.cfg
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if cfg.DebugLogger == nil {
		cfg.DebugLogger = getLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock()
	}

	s := &Server{
		cfg:                 cfg,
		routes:              b.routes,
		listenFD:            -1,
		joinStatusAvailable: make(chan struct{}),
	}

	return s, nil
}

// Server is a running (or runnable) HTTP/1.1 server. Create one with
// ServerBuilder.Build, run it with Start, and tear it down with Shutdown.
type Server struct {
	cfg    ServerConfig
	routes *trie

	listenFD int
	port     uint16

	// Set once to make every worker wind down.
	stopFlag uint32

	// Worker threads, and the request tasks they have spawned.
	workerWG sync.WaitGroup
	connWG   sync.WaitGroup

	// The next connection id to hand out, for logging.
	nextConnID uint64

	// The result to return from Join. Not valid until the channel is closed.
	joinStatus          error
	joinStatusAvailable chan struct{}
	shutdownOnce        sync.Once

	mu sync.Mutex

	// Recycled response out-messages, serviced by connection.go.
	//
	// GUARDED_BY(mu)
	outMessages freelist.Freelist
}

// recordServeError stashes the first unexpected worker failure for Join.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Server) recordServeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.joinStatus == nil {
		s.joinStatus = err
	}
}

// Start opens the listening socket and spawns the configured number of
// workers, each owning its own reactor. SIGPIPE is ignored process-wide so
// that writes to half-closed sockets surface as errors rather than signals.
func (s *Server) Start() error {
	signal.Ignore(syscall.SIGPIPE)

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %v", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("setsockopt(SO_REUSEADDR): %v", err)
	}

	// INADDR_ANY.
	sa := &unix.SockaddrInet4{Port: int(s.cfg.Port)}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind: %v", err)
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %v", err)
	}

	// Recover the port actually bound, for the ephemeral-port case.
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("getsockname: %v", err)
	}
	if inet4, ok := bound.(*unix.SockaddrInet4); ok {
		s.port = uint16(inet4.Port)
	}

	s.listenFD = fd

	for i := 0; i < s.cfg.Threads; i++ {
		s.workerWG.Add(1)
		go s.workerLoop(i)
	}

	return nil
}

// Port returns the TCP port the server is listening on. Valid after Start.
func (s *Server) Port() uint16 {
	return s.port
}

func (s *Server) stopping() bool {
	return atomic.LoadUint32(&s.stopFlag) != 0
}

func (s *Server) errorLogf(format string, v ...interface{}) {
	if s.cfg.ErrorLogger == nil {
		return
	}

	s.cfg.ErrorLogger.Printf(format, v...)
}

// workerLoop builds this worker's reactor, runs its accept task, and polls
// until the stop flag is set. A reactor failure (e.g. a submit error) is
// fatal to this worker only; the others keep serving.
func (s *Server) workerLoop(id int) {
	defer s.workerWG.Done()

	reactor, err := NewReactor()
	if err != nil {
		s.errorLogf("worker %d: NewReactor: %v", id, err)
		s.recordServeError(fmt.Errorf("worker %d: NewReactor: %v", id, err))
		return
	}

	acceptDone := make(chan struct{})
	go s.acceptLoop(reactor, acceptDone)

	for !s.stopping() {
		if err := reactor.Poll(); err != nil {
			s.errorLogf("worker %d: Poll: %v", id, err)
			s.recordServeError(fmt.Errorf("worker %d: Poll: %v", id, err))
			break
		}

		// Rebuild the accept task if it returned while we are still serving.
		select {
		case <-acceptDone:
			if !s.stopping() {
				acceptDone = make(chan struct{})
				go s.acceptLoop(reactor, acceptDone)
			}
		default:
		}
	}

	// Resume any parked tasks with failure results so their connections can
	// unwind, then wait for the accept task.
	reactor.Close()
	<-acceptDone
}

// acceptLoop is the worker's accept task: it suspends on Accept for the
// listening fd and spawns one request task per accepted connection. Transient
// accept errors are tolerated; the loop exits when the server is stopping or
// the reactor has been shut down.
func (s *Server) acceptLoop(reactor *Reactor, done chan struct{}) {
	defer close(done)

	for {
		fd := reactor.Accept(s.listenFD)
		if fd < 0 {
			if s.stopping() || fd == -int(unix.ECANCELED) {
				return
			}

			continue
		}

		id := atomic.AddUint64(&s.nextConnID, 1)
		c := s.newConnection(reactor, fd, id)

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			c.serve()
		}()
	}
}

// Shutdown stops the server: the listening socket is shut down (surfacing as
// an accept error on every worker), workers exit their poll loops, parked
// tasks are resumed with failure results, and all request tasks are joined.
// Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		atomic.StoreUint32(&s.stopFlag, 1)

		if s.listenFD >= 0 {
			unix.Shutdown(s.listenFD, unix.SHUT_RDWR)
			unix.Close(s.listenFD)
			s.listenFD = -1
		}

		s.workerWG.Wait()
		s.connWG.Wait()

		close(s.joinStatusAvailable)
	})
}

// Join blocks until the server has been shut down or the context is
// canceled. The return value reflects anything unexpected that happened
// while serving. May be called multiple times.
func (s *Server) Join(ctx context.Context) error {
	select {
	case <-s.joinStatusAvailable:
		return s.joinStatus
	case <-ctx.Done():
		return ctx.Err()
	}
}
