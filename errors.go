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
	"fmt"
)

// HTTPError is a request failure that is surfaced to the client as a response
// with the given status and the message as the body. The connection is closed
// after the response is written.
type HTTPError struct {
	StatusCode uint16
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// ErrInvalidRoute is returned by AddRequest when the method is outside the
// supported enumeration.
var ErrInvalidRoute = errors.New("invalid route")

func badRequest(msg string) *HTTPError {
	return &HTTPError{StatusCode: 400, Message: msg}
}

var (
	// No handler for the resolved path and method, or no matching path.
	errNotFound = &HTTPError{StatusCode: 404, Message: "Not found"}

	// The client closed its side before sending any byte of a new request.
	// Recognized by status 400 with an empty message: no response is written.
	errClientClosed = &HTTPError{StatusCode: 400, Message: ""}
)
