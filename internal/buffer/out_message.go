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

// Package buffer provides the out-message buffer used to frame responses.
package buffer

import (
	"strconv"
)

// OutMessage accumulates the bytes of one framed response: status line,
// header lines, blank line, body. The backing storage is retained across
// Reset so that a recycled message does not reallocate for responses of
// similar size.
//
// The buffer handed out by Bytes is shared with any in-flight kernel write;
// callers must not Reset until the write completes.
type OutMessage struct {
	buf []byte
}

// Reset empties the message, retaining its storage.
func (m *OutMessage) Reset() {
	m.buf = m.buf[:0]
}

// Append appends src to the message.
func (m *OutMessage) Append(src []byte) {
	m.buf = append(m.buf, src...)
}

// AppendString appends s to the message.
func (m *OutMessage) AppendString(s string) {
	m.buf = append(m.buf, s...)
}

// AppendUint appends the decimal representation of n, as used for status
// codes and Content-Length values.
func (m *OutMessage) AppendUint(n uint64) {
	m.buf = strconv.AppendUint(m.buf, n, 10)
}

// Len returns the current size of the message.
func (m *OutMessage) Len() int {
	return len(m.buf)
}

// Bytes returns a reference to the current contents of the message. The
// reference is invalidated by any further Append or Reset.
func (m *OutMessage) Bytes() []byte {
	return m.buf
}
