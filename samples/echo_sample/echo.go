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

// A small program that serves the echo routes until interrupted. Useful for
// poking at the server with curl.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"

	"golang.org/x/net/context"

	"github.com/jacobsa/httpring/samples/echoserver"
)

var fPort = flag.Uint("port", 8080, "TCP port to listen on.")
var fThreads = flag.Int("threads", 1, "Number of worker threads.")

func main() {
	flag.Parse()

	b, err := echoserver.NewEchoBuilder()
	if err != nil {
		log.Fatalf("NewEchoBuilder: %v", err)
	}

	b.SetPort(uint16(*fPort))
	b.SetThreads(*fThreads)

	srv, err := b.Build()
	if err != nil {
		log.Fatalf("Build: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Start: %v", err)
	}

	log.Printf("Listening on port %d.", srv.Port())

	// Shut down on SIGINT.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		<-c
		srv.Shutdown()
	}()

	if err := srv.Join(context.Background()); err != nil {
		log.Fatalf("Join: %v", err)
	}
}
