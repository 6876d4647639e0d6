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

// Package codec contains the event type registry shared by the event codecs.
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	ed "github.com/looplab/eventdecider"
)

// ErrEmptyEventType is when an event type is registered with an empty tag.
var ErrEmptyEventType = errors.New("empty event type")

// ErrDuplicateEventType is when an event type or Go type is registered twice.
var ErrDuplicateEventType = errors.New("duplicate event type")

// ErrMissingFactory is when an event type is registered without a factory.
var ErrMissingFactory = errors.New("missing factory")

// MarshalFunc marshals a value into bytes.
type MarshalFunc func(v any) ([]byte, error)

// UnmarshalFunc unmarshals bytes into a pointer.
type UnmarshalFunc func(data []byte, v any) error

// Registry maps event type tags to factories for the concrete event types of
// a domain. The concrete types may be values or pointers, but each Go type can
// only be registered for one tag.
type Registry[E any] struct {
	factories     map[string]func() E
	types         map[reflect.Type]string
	mu            sync.RWMutex
	validateTypes bool
}

// Option is an option setter used to configure creation.
type Option func(*Config) error

// Config is the configuration of a registry, set by options.
type Config struct {
	ValidateTypes bool
}

// WithTypeValidation requires registered event types to be valid
// eventdecider.MessageType names.
func WithTypeValidation() Option {
	return func(c *Config) error {
		c.ValidateTypes = true
		return nil
	}
}

// NewRegistry creates a new registry.
func NewRegistry[E any](options ...Option) (*Registry[E], error) {
	c := Config{}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(&c); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	return &Registry[E]{
		factories:     map[string]func() E{},
		types:         map[reflect.Type]string{},
		validateTypes: c.ValidateTypes,
	}, nil
}

// Register registers a factory for an event type. The factory must return a
// new event of the same concrete type every time.
func (r *Registry[E]) Register(eventType string, factory func() E) error {
	if eventType == "" {
		return ErrEmptyEventType
	}

	if factory == nil {
		return fmt.Errorf("%w: %s", ErrMissingFactory, eventType)
	}

	if r.validateTypes {
		if _, err := ed.NewMessageType(eventType); err != nil {
			return err
		}
	}

	t := reflect.TypeOf(factory())
	if t == nil {
		return fmt.Errorf("%w: factory returns nil: %s", ErrMissingFactory, eventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEventType, eventType)
	}

	if other, ok := r.types[t]; ok {
		return fmt.Errorf("%w: %s already registered as %s", ErrDuplicateEventType, t, other)
	}

	r.factories[eventType] = factory
	r.types[t] = eventType

	return nil
}

// MustRegister is like Register but panics on errors. It is meant to be used
// when setting up a codec at package init.
func (r *Registry[E]) MustRegister(eventType string, factory func() E) {
	if err := r.Register(eventType, factory); err != nil {
		panic("codec: " + err.Error())
	}
}

// EventType returns the registered tag of an event, or an empty string for
// unregistered events.
func (r *Registry[E]) EventType(event E) string {
	t := reflect.TypeOf(event)
	if t == nil {
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.types[t]
}

// EventTypes returns the number of registered event types.
func (r *Registry[E]) EventTypes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.factories)
}

// Encode marshals an event with a marshal func.
func (r *Registry[E]) Encode(event E, marshal MarshalFunc) (string, []byte, error) {
	eventType := r.EventType(event)
	if eventType == "" {
		return "", nil, fmt.Errorf("%w: %T", ed.ErrUnknownEventType, event)
	}

	data, err := marshal(event)
	if err != nil {
		return "", nil, fmt.Errorf("could not marshal event data: %w", err)
	}

	return eventType, data, nil
}

// Decode creates an event of a tag and unmarshals the data into it with an
// unmarshal func.
func (r *Registry[E]) Decode(eventType string, data []byte, unmarshal UnmarshalFunc) (E, error) {
	var zero E

	r.mu.RLock()
	factory, ok := r.factories[eventType]
	r.mu.RUnlock()

	if !ok {
		return zero, fmt.Errorf("%w: %s", ed.ErrUnknownEventType, eventType)
	}

	event := factory()

	t := reflect.TypeOf(event)
	if t.Kind() == reflect.Ptr {
		if len(data) > 0 {
			if err := unmarshal(data, event); err != nil {
				return zero, fmt.Errorf("could not unmarshal event data: %w", err)
			}
		}

		return event, nil
	}

	// Value types are decoded through a pointer to a copy.
	ptr := reflect.New(t)
	ptr.Elem().Set(reflect.ValueOf(event))

	if len(data) > 0 {
		if err := unmarshal(data, ptr.Interface()); err != nil {
			return zero, fmt.Errorf("could not unmarshal event data: %w", err)
		}
	}

	decoded, ok := ptr.Elem().Interface().(E)
	if !ok {
		return zero, fmt.Errorf("could not convert %s to the event type", t)
	}

	return decoded, nil
}
