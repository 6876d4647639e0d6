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

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

type counterCodec struct{}

func (counterCodec) EventType(e counterEvent) string {
	return "test.counter.counter.v1." + e.Type
}

func (c counterCodec) MarshalEvent(e counterEvent) (string, []byte, error) {
	if e.Type == "" {
		return "", nil, errors.New("missing type")
	}

	data, err := json.Marshal(e)

	return c.EventType(e), data, err
}

func (counterCodec) UnmarshalEvent(eventType string, data []byte) (counterEvent, error) {
	var e counterEvent

	switch eventType {
	case "test.counter.counter.v1.Added", "test.counter.counter.v1.Closed":
	default:
		return e, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	err := json.Unmarshal(data, &e)

	return e, err
}

func newCounterEventSourcingDecider() EventSourcingDecider[counterState, counterCommand, counterEvent] {
	return NewEventSourcingDecider(newCounterDecider(),
		func(c counterCommand) string { return "counter:" + c.ID },
		counterCodec{},
	)
}

func TestInProcess(t *testing.T) {
	ctx := context.Background()
	d := InProcess(newCounterEventSourcingDecider())

	id, err := d.StreamID(ctx, counterCommand{ID: "1"})
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	if id != "counter:1" {
		t.Error("the stream ID should be correct:", id)
	}

	s, err := d.InitialState(ctx)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	events, err := d.Decide(ctx, s, counterCommand{Add: 2})
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	if len(events) != 1 {
		t.Fatal("there should be one event:", events)
	}

	eventType, data, err := d.MarshalEvent(ctx, events[0])
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	if eventType != "test.counter.counter.v1.Added" {
		t.Error("the event type should be correct:", eventType)
	}

	decoded, err := d.UnmarshalEvent(ctx, eventType, data)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	if decoded != events[0] {
		t.Error("the event should round trip:", decoded)
	}

	if s, err = d.Evolve(ctx, s, decoded); err != nil {
		t.Fatal("there should be no error:", err)
	}
	if s.Value != 12 {
		t.Error("the state should be correct:", s)
	}

	terminal, err := d.IsTerminal(ctx, s)
	if err != nil || terminal {
		t.Error("the state should not be terminal:", terminal, err)
	}
}

func TestInProcessDomainError(t *testing.T) {
	d := InProcess(newCounterEventSourcingDecider())

	_, err := d.Decide(context.Background(), counterState{Closed: true}, counterCommand{Add: 1})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatal("the error should be a domain error:", err)
	}
	if !errors.Is(err, errCounterClosed) {
		t.Error("the domain error should unwrap to the original error:", err)
	}
	if KindOf(err) != KindDomain {
		t.Error("the kind should be domain:", KindOf(err))
	}
}

func TestInProcessUnknownEventType(t *testing.T) {
	d := InProcess(newCounterEventSourcingDecider())

	_, err := d.UnmarshalEvent(context.Background(), "test.counter.counter.v1.Unknown", []byte("{}"))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Error("the error should be correct:", err)
	}
}

func TestInProcessMarshalError(t *testing.T) {
	d := InProcess(newCounterEventSourcingDecider())

	if _, _, err := d.MarshalEvent(context.Background(), counterEvent{}); err == nil {
		t.Error("there should be an error")
	}
}
