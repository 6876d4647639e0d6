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

import "errors"

// ErrUnknownEventType is when an event type tag has no registered decoder.
var ErrUnknownEventType = errors.New("unknown event type")

// EventCodec marshals domain events to and from bytes, keyed by a stable
// event type tag.
type EventCodec[E any] interface {
	// EventType returns the type tag of an event. It must never fail.
	EventType(event E) string

	// MarshalEvent marshals an event into its type tag and payload.
	MarshalEvent(event E) (string, []byte, error)

	// UnmarshalEvent unmarshals a payload of a type tag into an event.
	// Returns an error wrapping ErrUnknownEventType for unknown tags.
	UnmarshalEvent(eventType string, data []byte) (E, error)
}

// StreamIDFunc derives the stream ID of a command. Commands for the same
// logical entity must yield the same ID.
type StreamIDFunc[C any] func(command C) string

// EventSourcingDecider is a Decider bound to a stream and an event codec, so
// that its state can be stored as events in a stream.
type EventSourcingDecider[S, C, E any] interface {
	Decider[S, C, E]
	EventCodec[E]

	// StreamID returns the stream a command is handled on.
	StreamID(command C) string
}

// NewEventSourcingDecider binds a decider to stream ID derivation and an
// event codec.
func NewEventSourcingDecider[S, C, E any](
	decider Decider[S, C, E],
	streamID StreamIDFunc[C],
	codec EventCodec[E],
) EventSourcingDecider[S, C, E] {
	if decider == nil {
		panic("eventdecider: decider is nil")
	}
	if streamID == nil {
		panic("eventdecider: stream ID func is nil")
	}
	if codec == nil {
		panic("eventdecider: event codec is nil")
	}

	return &eventSourcingDecider[S, C, E]{
		Decider:    decider,
		EventCodec: codec,
		streamID:   streamID,
	}
}

type eventSourcingDecider[S, C, E any] struct {
	Decider[S, C, E]
	EventCodec[E]

	streamID StreamIDFunc[C]
}

// StreamID implements the StreamID method of the EventSourcingDecider interface.
func (d *eventSourcingDecider[S, C, E]) StreamID(command C) string {
	return d.streamID(command)
}
