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
	"testing"

	ed "github.com/looplab/eventdecider"
)

func TestRegistryRegister(t *testing.T) {
	r, err := NewRegistry[Event]()
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if err := r.Register("", func() Event { return EventData{} }); !errors.Is(err, ErrEmptyEventType) {
		t.Error("the error should be correct:", err)
	}
	if err := r.Register(EventType, nil); !errors.Is(err, ErrMissingFactory) {
		t.Error("the error should be correct:", err)
	}
	if err := r.Register(EventType, func() Event { return nil }); !errors.Is(err, ErrMissingFactory) {
		t.Error("the error should be correct:", err)
	}

	if err := r.Register(EventType, func() Event { return EventData{} }); err != nil {
		t.Fatal("there should be no error:", err)
	}
	if err := r.Register(EventType, func() Event { return &EmptyEvent{} }); !errors.Is(err, ErrDuplicateEventType) {
		t.Error("the error should be correct:", err)
	}
	if err := r.Register(EmptyEventType, func() Event { return EventData{} }); !errors.Is(err, ErrDuplicateEventType) {
		t.Error("the error should be correct:", err)
	}

	if n := r.EventTypes(); n != 1 {
		t.Error("there should be one event type:", n)
	}
	if eventType := r.EventType(nil); eventType != "" {
		t.Error("the event type of nil should be empty:", eventType)
	}
}

func TestRegistryTypeValidation(t *testing.T) {
	r, err := NewRegistry[Event](WithTypeValidation())
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if err := r.Register("EventData", func() Event { return EventData{} }); !errors.Is(err, ed.ErrInvalidMessageType) {
		t.Error("the error should be correct:", err)
	}
	if err := r.Register(EventType, func() Event { return EventData{} }); err != nil {
		t.Error("there should be no error:", err)
	}
}

func TestRegistryMustRegister(t *testing.T) {
	r, _ := NewRegistry[Event]()
	r.MustRegister(EventType, func() Event { return EventData{} })

	defer func() {
		if recover() == nil {
			t.Error("there should be a panic")
		}
	}()
	r.MustRegister(EventType, func() Event { return EventData{} })
}

func TestRegistryDecodeUnmarshalError(t *testing.T) {
	r, _ := NewRegistry[Event]()
	r.MustRegister(EventType, func() Event { return EventData{} })

	errBad := errors.New("bad data")
	_, err := r.Decode(EventType, []byte("x"), func([]byte, any) error { return errBad })
	if !errors.Is(err, errBad) {
		t.Error("the error should be correct:", err)
	}
}
