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

// Package eventdecider is an event sourced command handling engine built
// around deciders: pure functions that decide which events a command produces
// and evolve state from those events.
package eventdecider

// Decider is the pure functional core of a domain.
//
// A decider should:
//  1. Never perform I/O in any of its methods.
//  2. Return the same events for the same state and command.
//  3. Evolve state deterministically, so that replaying a stream any number
//     of times results in the same state.
type Decider[S, C, E any] interface {
	// InitialState returns the state of a stream that has never been written.
	InitialState() S

	// Decide returns the events a command results in, or a domain error if the
	// command is rejected.
	Decide(state S, command C) ([]E, error)

	// Evolve applies an event to a state and returns the new state.
	Evolve(state S, event E) S

	// IsTerminal returns true if the state accepts no further commands.
	IsTerminal(state S) bool
}

// DecideFunc is the function form of Decider.Decide.
type DecideFunc[S, C, E any] func(state S, command C) ([]E, error)

// EvolveFunc is the function form of Decider.Evolve.
type EvolveFunc[S, E any] func(state S, event E) S

// DeciderOption is an option used when creating a decider from functions.
type DeciderOption[S any] func(*deciderOptions[S])

type deciderOptions[S any] struct {
	initialState func() S
	isTerminal   func(S) bool
}

// WithInitialState sets the function used to create the initial state. The
// zero value of S is used by default.
func WithInitialState[S any](f func() S) DeciderOption[S] {
	return func(o *deciderOptions[S]) {
		o.initialState = f
	}
}

// WithIsTerminal sets the terminal state predicate. No state is terminal by
// default.
func WithIsTerminal[S any](f func(S) bool) DeciderOption[S] {
	return func(o *deciderOptions[S]) {
		o.isTerminal = f
	}
}

// NewDecider creates a Decider from plain functions. The functions may be
// closures.
//
// An example would be:
//
//	var Decider = eventdecider.NewDecider(decide, evolve,
//	    eventdecider.WithInitialState(initialState),
//	)
func NewDecider[S, C, E any](decide DecideFunc[S, C, E], evolve EvolveFunc[S, E], options ...DeciderOption[S]) Decider[S, C, E] {
	if decide == nil {
		panic("eventdecider: decide func is nil")
	}
	if evolve == nil {
		panic("eventdecider: evolve func is nil")
	}

	o := deciderOptions[S]{}
	for _, option := range options {
		if option != nil {
			option(&o)
		}
	}

	return &funcDecider[S, C, E]{
		decide:       decide,
		evolve:       evolve,
		initialState: o.initialState,
		isTerminal:   o.isTerminal,
	}
}

type funcDecider[S, C, E any] struct {
	decide       DecideFunc[S, C, E]
	evolve       EvolveFunc[S, E]
	initialState func() S
	isTerminal   func(S) bool
}

// InitialState implements the InitialState method of the Decider interface.
func (d *funcDecider[S, C, E]) InitialState() S {
	if d.initialState == nil {
		var zero S
		return zero
	}

	return d.initialState()
}

// Decide implements the Decide method of the Decider interface.
func (d *funcDecider[S, C, E]) Decide(state S, command C) ([]E, error) {
	return d.decide(state, command)
}

// Evolve implements the Evolve method of the Decider interface.
func (d *funcDecider[S, C, E]) Evolve(state S, event E) S {
	return d.evolve(state, event)
}

// IsTerminal implements the IsTerminal method of the Decider interface.
func (d *funcDecider[S, C, E]) IsTerminal(state S) bool {
	if d.isTerminal == nil {
		return false
	}

	return d.isTerminal(state)
}

// Fold applies all events in order to a state.
func Fold[S, E any](evolve EvolveFunc[S, E], state S, events []E) S {
	for _, event := range events {
		state = evolve(state, event)
	}

	return state
}

// Replay folds events from the initial state of a decider.
func Replay[S, C, E any](d Decider[S, C, E], events []E) S {
	return Fold(d.Evolve, d.InitialState(), events)
}
