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

// Package decidertest contains a given/when/then harness for testing
// deciders without any storage:
//
//	decidertest.NewTestCase(t, decider).
//	    Given(Started{ID: "1"}).
//	    When(Pause{ID: "1"}).
//	    Then(Paused{ID: "1"}).
//	    Run()
package decidertest

import (
	"errors"
	"reflect"
	"testing"

	"github.com/kr/pretty"

	ed "github.com/looplab/eventdecider"
)

// TestCase is a single decider scenario. A case without Then and Catch
// expects no events and no error.
type TestCase[S, C, E any] struct {
	t       testing.TB
	decider ed.Decider[S, C, E]

	given    []E
	command  C
	hasWhen  bool
	then     []E
	err      error
	state    S
	hasState bool
}

// NewTestCase creates a new test case for a decider.
func NewTestCase[S, C, E any](t testing.TB, decider ed.Decider[S, C, E]) *TestCase[S, C, E] {
	return &TestCase[S, C, E]{
		t:       t,
		decider: decider,
	}
}

// Given sets the events already in the stream.
func (tc *TestCase[S, C, E]) Given(events ...E) *TestCase[S, C, E] {
	tc.given = append(tc.given, events...)
	return tc
}

// When sets the command to decide.
func (tc *TestCase[S, C, E]) When(command C) *TestCase[S, C, E] {
	tc.command = command
	tc.hasWhen = true

	return tc
}

// Then sets the expected events.
func (tc *TestCase[S, C, E]) Then(events ...E) *TestCase[S, C, E] {
	tc.then = append(tc.then, events...)
	return tc
}

// Catch sets the expected error, compared with errors.Is. Commands on a
// terminal state fail with eventdecider.ErrStateIsTerminal.
func (tc *TestCase[S, C, E]) Catch(err error) *TestCase[S, C, E] {
	tc.err = err
	return tc
}

// ThenState sets the expected state after the decided events are applied.
func (tc *TestCase[S, C, E]) ThenState(state S) *TestCase[S, C, E] {
	tc.state = state
	tc.hasState = true

	return tc
}

// Run runs the test case.
func (tc *TestCase[S, C, E]) Run() {
	tc.t.Helper()

	if !tc.hasWhen {
		tc.t.Fatal("the test case has no command")
	}

	state := ed.Replay(tc.decider, tc.given)

	var (
		events []E
		err    error
	)

	if tc.decider.IsTerminal(state) {
		err = ed.ErrStateIsTerminal
	} else {
		events, err = tc.decider.Decide(state, tc.command)
	}

	if tc.err != nil {
		if !errors.Is(err, tc.err) {
			tc.t.Errorf("the error should be %v, got: %v", tc.err, err)
		}

		if len(events) != 0 {
			tc.t.Error("there should be no events with an error:", pretty.Sprint(events))
		}

		return
	}

	if err != nil {
		tc.t.Fatal("there should be no error:", err)
	}

	if len(events) != 0 || len(tc.then) != 0 {
		if !reflect.DeepEqual(events, tc.then) {
			tc.t.Error("the events should be correct:")
			for _, d := range pretty.Diff(tc.then, events) {
				tc.t.Log(d)
			}
		}
	}

	if tc.hasState {
		next := ed.Fold(tc.decider.Evolve, state, events)
		if !reflect.DeepEqual(next, tc.state) {
			tc.t.Error("the state should be correct:")
			for _, d := range pretty.Diff(tc.state, next) {
				tc.t.Log(d)
			}
		}
	}
}
