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

package codec

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/kr/pretty"

	ed "github.com/looplab/eventdecider"
)

const (
	// EventType is the type tag for EventData.
	EventType = "test.codec.codec.v1.EventData"
	// EmptyEventType is the type tag for EmptyEvent.
	EmptyEventType = "test.codec.codec.v1.EmptyEvent"
)

// Event is the event type used by the acceptance test.
type Event interface {
	isCodecEvent()
}

// RegistryCodec is an event codec backed by a Registry.
type RegistryCodec[E any] interface {
	ed.EventCodec[E]

	Register(eventType string, factory func() E) error
}

// EventCodecAcceptanceTest is the acceptance test that all implementations of
// a registry codec should pass. It should manually be called from a test case
// in each implementation:
//
//	func TestEventCodec(t *testing.T) {
//	    c, _ := NewCodec[codec.Event]()
//	    expectedBytes = []byte("")
//	    codec.EventCodecAcceptanceTest(t, c, expectedBytes)
//	}
//
// The encoded bytes are not checked if expectedBytes is nil.
func EventCodecAcceptanceTest(t *testing.T, c RegistryCodec[Event], expectedBytes []byte) {
	if err := c.Register(EventType, func() Event { return EventData{} }); err != nil {
		t.Fatal("there should be no error:", err)
	}
	if err := c.Register(EmptyEventType, func() Event { return &EmptyEvent{} }); err != nil {
		t.Fatal("there should be no error:", err)
	}

	// Marshaling.
	timestamp := time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC)
	event := EventData{
		Bool:    true,
		String:  "string",
		Number:  42.0,
		Slice:   []string{"a", "b"},
		Map:     map[string]interface{}{"key": "value"}, // NOTE: Just one key to avoid compare issues.
		Time:    timestamp,
		TimeRef: &timestamp,
		Struct: Nested{
			Bool:   true,
			String: "string",
			Number: 42.0,
		},
		StructRef: &Nested{
			Bool:   true,
			String: "string",
			Number: 42.0,
		},
	}

	if eventType := c.EventType(event); eventType != EventType {
		t.Error("the event type should be correct:", eventType)
	}

	eventType, b, err := c.MarshalEvent(event)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if eventType != EventType {
		t.Error("the marshaled event type should be correct:", eventType)
	}

	if expectedBytes != nil && string(b) != string(expectedBytes) {
		t.Error("the encoded bytes should be correct:", string(b))
	}

	// Unmarshaling.
	decoded, err := c.UnmarshalEvent(eventType, b)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if !reflect.DeepEqual(decoded, Event(event)) {
		t.Error("the decoded event was incorrect:")
		t.Log(pretty.Diff(decoded, Event(event)))
	}

	// Pointer events.
	eventType, b, err = c.MarshalEvent(&EmptyEvent{})
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	decoded, err = c.UnmarshalEvent(eventType, b)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if _, ok := decoded.(*EmptyEvent); !ok {
		t.Errorf("the decoded event should be a pointer: %T", decoded)
	}

	// Unknown types.
	if _, err := c.UnmarshalEvent("test.codec.codec.v1.Unknown", b); !errors.Is(err, ed.ErrUnknownEventType) {
		t.Error("the error should be correct:", err)
	}

	if _, _, err := c.MarshalEvent(unregisteredEvent{}); !errors.Is(err, ed.ErrUnknownEventType) {
		t.Error("the error should be correct:", err)
	}

	if eventType := c.EventType(unregisteredEvent{}); eventType != "" {
		t.Error("the event type should be empty:", eventType)
	}
}

// EventData is a value event with data of most kinds, useful in testing.
type EventData struct {
	Bool       bool
	String     string
	Number     float64
	Slice      []string
	Map        map[string]interface{}
	Time       time.Time
	TimeRef    *time.Time
	NullTime   *time.Time
	Struct     Nested
	StructRef  *Nested
	NullStruct *Nested
}

func (EventData) isCodecEvent() {}

// Nested is nested event data.
type Nested struct {
	Bool   bool
	String string
	Number float64
}

// EmptyEvent is a pointer event without data.
type EmptyEvent struct{}

func (*EmptyEvent) isCodecEvent() {}

type unregisteredEvent struct{}

func (unregisteredEvent) isCodecEvent() {}
