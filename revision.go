// Copyright (c) 2021 - The Event Horizon authors.
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

package eventdecider

import "strconv"

// ExpectedRevision is the optimistic concurrency precondition of an append.
// It is one of Any, NoStream, StreamExists or StreamRevision.
type ExpectedRevision interface {
	isExpectedRevision()

	// Check returns true if the precondition holds for a stream. The current
	// revision is only valid if exists is true.
	Check(current uint64, exists bool) bool

	String() string
}

// Any means the append should not be checked against the stream.
type Any struct{}

// NoStream means the stream being appended to must not yet exist.
type NoStream struct{}

// StreamExists means the stream being appended to must exist.
type StreamExists struct{}

// StreamRevision means the last revision of the stream must be exactly Value.
type StreamRevision struct {
	Value uint64
}

// Revision returns the exact revision precondition.
func Revision(value uint64) StreamRevision {
	return StreamRevision{Value: value}
}

func (Any) isExpectedRevision()            {}
func (NoStream) isExpectedRevision()       {}
func (StreamExists) isExpectedRevision()   {}
func (StreamRevision) isExpectedRevision() {}

// Check implements the Check method of the ExpectedRevision interface.
func (Any) Check(uint64, bool) bool { return true }

// Check implements the Check method of the ExpectedRevision interface.
func (NoStream) Check(_ uint64, exists bool) bool { return !exists }

// Check implements the Check method of the ExpectedRevision interface.
func (StreamExists) Check(_ uint64, exists bool) bool { return exists }

// Check implements the Check method of the ExpectedRevision interface.
func (r StreamRevision) Check(current uint64, exists bool) bool {
	return exists && current == r.Value
}

func (Any) String() string          { return "any" }
func (NoStream) String() string     { return "no stream" }
func (StreamExists) String() string { return "stream exists" }
func (r StreamRevision) String() string {
	return "revision " + strconv.FormatUint(r.Value, 10)
}
