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

// Package httpring is a multi-threaded HTTP/1.1 server core built on Linux
// io_uring. It accepts TCP connections, parses requests incrementally as
// bytes arrive from the kernel, dispatches each request to a user-registered
// handler selected by method and path (including single-segment wildcard
// variables), and writes back a framed response, all without blocking worker
// threads on individual sockets.
//
// The primary elements of interest are:
//
//   - The Handler type, a pure function from RequestData to ResponseData.
//
//   - ServerBuilder, which registers routes and produces a Server.
//
//   - Server.Start, which opens the listening socket and spawns one worker
//     per configured thread, each owning its own Reactor.
//
// Each worker owns one submission/completion ring. Connections are served by
// per-connection tasks that suspend on the reactor's Accept, Read and Write
// primitives; the reactor batches submissions, waits for completions, and
// resumes exactly the task that issued each operation.
//
// Requires Linux 5.11 or newer (timed completion waits use
// IORING_ENTER_EXT_ARG).
package httpring
