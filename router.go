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
	"github.com/jacobsa/syncutil"
)

// A source of request bytes, as seen by the router while matching a path.
// Ensure refills the underlying window when it has been exhausted, Peek
// returns the current byte without consuming it ('\0' at end of stream), and
// Next consumes one byte. Valid reports whether the current byte exists and is
// not '\0'.
//
// Resolve consumes bytes through this interface so that a path can be matched
// directly out of a connection's read window, suspending for refills as
// needed.
type byteSource interface {
	Ensure()
	Valid() bool
	Peek() byte
	Next()
}

// A node in the routing trie. Each node maps literal bytes to children and
// may additionally accept a variable segment of non-'/' bytes (the any flag,
// set by '*' in a registered path). The segment is not required to be
// non-empty: since '*' adds no node, a path that skips the segment reaches the
// same node. Handlers are stored per method at the node reached by the final
// byte of the registered path.
type trieNode struct {
	children map[byte]*trieNode
	any      bool
	handlers [numMethods]Handler
}

// step returns the node for the next byte of a path being registered,
// creating it if absent. '*' sets the any flag and stays on the same node.
func (n *trieNode) step(c byte) *trieNode {
	if c == '*' {
		n.any = true
		return n
	}

	if n.children == nil {
		n.children = make(map[byte]*trieNode)
	}

	child, ok := n.children[c]
	if !ok {
		child = &trieNode{}
		n.children[c] = child
	}

	return child
}

// A routing trie mapping (method, path) to a handler. Built incrementally by
// addRequest before the server starts; read-only and shared by all workers
// afterward.
type trie struct {
	// INVARIANT: every child pointer is non-nil.
	//
	// GUARDED_BY(mu)
	root *trieNode

	mu syncutil.InvariantMutex
}

func newTrie() *trie {
	t := &trie{
		root: &trieNode{},
	}

	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *trie) checkInvariants() {
	var check func(n *trieNode)
	check = func(n *trieNode) {
		for c, child := range n.children {
			if child == nil {
				panic("nil child for byte " + string(rune(c)))
			}

			check(child)
		}
	}

	check(t.root)
}

// addRequest registers a handler for the given method and path. Bytes of the
// path descend the trie; '*' marks the current node as accepting a variable
// segment. Returns ErrInvalidRoute if the method is outside the enumeration.
//
// Registering the same (method, path) twice overwrites the earlier handler.
func (t *trie) addRequest(m Method, path string, h Handler) error {
	if m < 0 || m >= numMethods {
		return ErrInvalidRoute
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for i := 0; i < len(path); i++ {
		n = n.step(path[i])
	}

	n.handlers[m] = h
	return nil
}

// resolve consumes path bytes from src until the first ' ' or '?' (which is
// left unconsumed for the caller) and returns the handler registered at the
// terminal node for the given method.
//
// At each node a literal child wins over the wildcard. The wildcard never
// takes a '/' byte. A byte with neither a literal child nor a wildcard that
// accepts it, or a terminal node without a handler for the method, yields
// errNotFound. End of stream mid-path yields a 400.
//
// Captured wildcard segments are appended to *vars in left to right order. A
// wildcard position matched by an empty segment appends nothing.
func (t *trie) resolve(m Method, src byteSource, vars *[]string) (Handler, error) {
	n := t.root

	inVariable := false
	var capture []byte

	commit := func() {
		if inVariable {
			*vars = append(*vars, string(capture))
			capture = capture[:0]
			inVariable = false
		}
	}

	for {
		src.Ensure()
		if !src.Valid() {
			return nil, badRequest("Invalid request")
		}

		c := src.Peek()
		if c == ' ' || c == '?' {
			break
		}

		if child, ok := n.children[c]; ok {
			commit()
			n = child
		} else if n.any && c != '/' {
			inVariable = true
			capture = append(capture, c)
		} else {
			return nil, errNotFound
		}

		src.Next()
	}

	commit()

	h := n.handlers[m]
	if h == nil {
		return nil, errNotFound
	}

	return h, nil
}
