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
	"errors"
	"fmt"
)

// CallableDecider is an EventSourcingDecider seen as a set of calls that can
// block and fail, which is how a dispatcher uses it. In process deciders are
// adapted with InProcess, deciders living behind an isolation boundary
// implement it directly.
//
// Decide must return a *DomainError for rejected commands, any other error is
// treated as an infrastructure fault.
type CallableDecider[S, C, E any] interface {
	StreamID(ctx context.Context, command C) (string, error)
	InitialState(ctx context.Context) (S, error)
	Evolve(ctx context.Context, state S, event E) (S, error)
	IsTerminal(ctx context.Context, state S) (bool, error)
	Decide(ctx context.Context, state S, command C) ([]E, error)
	EventType(ctx context.Context, event E) (string, error)
	MarshalEvent(ctx context.Context, event E) (string, []byte, error)
	UnmarshalEvent(ctx context.Context, eventType string, data []byte) (E, error)
}

// Pinner is implemented by callable deciders whose implementation can change
// between calls, like hot reloaded modules. A dispatch makes all of its calls
// on the decider returned by Pin, then calls release.
type Pinner[S, C, E any] interface {
	Pin(ctx context.Context) (CallableDecider[S, C, E], func(), error)
}

// InProcess adapts an EventSourcingDecider to a CallableDecider. Only Decide,
// MarshalEvent and UnmarshalEvent can fail.
func InProcess[S, C, E any](d EventSourcingDecider[S, C, E]) CallableDecider[S, C, E] {
	if d == nil {
		panic("eventdecider: decider is nil")
	}

	return &inProcess[S, C, E]{d: d}
}

type inProcess[S, C, E any] struct {
	d EventSourcingDecider[S, C, E]
}

// StreamID implements the StreamID method of the CallableDecider interface.
func (p *inProcess[S, C, E]) StreamID(_ context.Context, command C) (string, error) {
	return p.d.StreamID(command), nil
}

// InitialState implements the InitialState method of the CallableDecider interface.
func (p *inProcess[S, C, E]) InitialState(context.Context) (S, error) {
	return p.d.InitialState(), nil
}

// Evolve implements the Evolve method of the CallableDecider interface.
func (p *inProcess[S, C, E]) Evolve(_ context.Context, state S, event E) (S, error) {
	return p.d.Evolve(state, event), nil
}

// IsTerminal implements the IsTerminal method of the CallableDecider interface.
func (p *inProcess[S, C, E]) IsTerminal(_ context.Context, state S) (bool, error) {
	return p.d.IsTerminal(state), nil
}

// Decide implements the Decide method of the CallableDecider interface.
func (p *inProcess[S, C, E]) Decide(_ context.Context, state S, command C) ([]E, error) {
	events, err := p.d.Decide(state, command)
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			return nil, err
		}

		return nil, &DomainError{Err: err}
	}

	return events, nil
}

// EventType implements the EventType method of the CallableDecider interface.
func (p *inProcess[S, C, E]) EventType(_ context.Context, event E) (string, error) {
	return p.d.EventType(event), nil
}

// MarshalEvent implements the MarshalEvent method of the CallableDecider interface.
func (p *inProcess[S, C, E]) MarshalEvent(_ context.Context, event E) (string, []byte, error) {
	eventType, data, err := p.d.MarshalEvent(event)
	if err != nil {
		return "", nil, fmt.Errorf("could not marshal %s: %w", p.d.EventType(event), err)
	}

	return eventType, data, nil
}

// UnmarshalEvent implements the UnmarshalEvent method of the CallableDecider interface.
func (p *inProcess[S, C, E]) UnmarshalEvent(_ context.Context, eventType string, data []byte) (E, error) {
	return p.d.UnmarshalEvent(eventType, data)
}
