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

package tracing

import (
	"context"
	"errors"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	ed "github.com/looplab/eventdecider"
)

// EventStore is an eventdecider.EventStore that adds tracing with Open Tracing.
type EventStore struct {
	ed.EventStore
}

// NewEventStore creates a new EventStore.
func NewEventStore(eventStore ed.EventStore) *EventStore {
	if eventStore == nil {
		return nil
	}

	return &EventStore{
		EventStore: eventStore,
	}
}

// ReadStream implements the ReadStream method of the eventdecider.EventStore interface.
// The span only covers opening the stream, not the iteration.
func (s *EventStore) ReadStream(ctx context.Context, streamID string) (ed.RecordIterator, error) {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "EventStore.ReadStream")

	it, err := s.EventStore.ReadStream(ctx, streamID)

	sp.SetTag("ed.stream_id", streamID)
	if err != nil && !errors.Is(err, ed.ErrStreamNotFound) {
		ext.LogError(sp, err)
	}
	sp.Finish()

	return it, err
}

// Append implements the Append method of the eventdecider.EventStore interface.
func (s *EventStore) Append(ctx context.Context, streamID string, expected ed.ExpectedRevision, events []ed.ProposedEvent) (ed.AppendResult, error) {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "EventStore.Append")

	res, err := s.EventStore.Append(ctx, streamID, expected, events)

	sp.SetTag("ed.stream_id", streamID)
	sp.SetTag("ed.events", len(events))
	if expected != nil {
		sp.SetTag("ed.expected_revision", expected.String())
	}
	// Use the first event for tracing metadata.
	if len(events) > 0 {
		sp.SetTag("ed.event_type", events[0].EventType)
	}
	if err != nil {
		ext.LogError(sp, err)
	} else {
		sp.SetTag("ed.revision", res.NextExpectedRevision)
	}
	sp.Finish()

	return res, err
}
