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

// Reserved metadata keys, always set on appended events.
const (
	CorrelationIDKey = "$correlationId"
	CausationIDKey   = "$causationId"
)

// Metadata is the metadata stored with each appended event.
type Metadata map[string]string

// Clone returns a copy of the metadata that is never nil.
func (m Metadata) Clone() Metadata {
	c := make(Metadata, len(m)+2)
	for k, v := range m {
		c[k] = v
	}

	return c
}

// Options is the per dispatch configuration.
type Options struct {
	// Metadata is merged into the metadata of every appended event.
	Metadata Metadata
	// CorrelationID overrides the correlation ID from the context.
	CorrelationID string
	// CausationID overrides the causation ID from the context.
	CausationID string
	// ExpectedRevision overrides the revision read during the dispatch.
	ExpectedRevision ExpectedRevision
}

// DecisionResult is the outcome of a dispatch.
type DecisionResult[E any] struct {
	// StreamID is the stream the command was handled on.
	StreamID string
	// NextExpectedRevision is the revision of the last appended event, or the
	// last read revision if nothing was appended.
	NextExpectedRevision uint64
	// Events are the decided events, in order.
	Events []E
	// Appended is false if the command decided no events.
	Appended bool
}
