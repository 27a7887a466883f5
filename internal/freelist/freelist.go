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

// Package freelist provides a simple freelist of recycled objects.
package freelist

// Freelist recycles arbitrary objects. The zero value is an empty list.
//
// Not safe for concurrent access; the user must synchronize externally.
type Freelist struct {
	list []interface{}
}

// Get pops an object from the list, or returns nil if it is empty.
func (fl *Freelist) Get() interface{} {
	l := len(fl.list)
	if l == 0 {
		return nil
	}

	x := fl.list[l-1]
	fl.list[l-1] = nil
	fl.list = fl.list[:l-1]

	return x
}

// Put adds an object to the list.
func (fl *Freelist) Put(x interface{}) {
	fl.list = append(fl.list, x)
}
