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

package echoserver

import (
	"github.com/jacobsa/httpring"
)

// NewEchoBuilder returns a ServerBuilder with a small set of echo routes
// registered:
//
//	POST /echo           echoes the request body
//	GET  /echo           echoes the "msg" query parameter
//	GET  /echo/*/echo    echoes the captured path segment
//
// The caller sets port and threads before building.
func NewEchoBuilder() (*httpring.ServerBuilder, error) {
	b := httpring.NewServerBuilder()

	err := b.AddRequest(
		httpring.POST,
		"/echo",
		func(req *httpring.RequestData) (httpring.ResponseData, error) {
			return httpring.ResponseData{
				Status: 200,
				Body:   req.Body,
			}, nil
		})
	if err != nil {
		return nil, err
	}

	err = b.AddRequest(
		httpring.GET,
		"/echo",
		func(req *httpring.RequestData) (httpring.ResponseData, error) {
			return httpring.ResponseData{
				Status: 200,
				Body:   []byte(req.Params["msg"]),
			}, nil
		})
	if err != nil {
		return nil, err
	}

	err = b.AddRequest(
		httpring.GET,
		"/echo/*/echo",
		func(req *httpring.RequestData) (httpring.ResponseData, error) {
			return httpring.ResponseData{
				Status: 200,
				Body:   []byte(req.URLVariables[0]),
			}, nil
		})
	if err != nil {
		return nil, err
	}

	return b, nil
}
