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

// Package multistep composes a decision out of named steps. Each step decides
// on the state left by the steps before it, and can look at the state recorded
// after any earlier step.
package multistep

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/jinzhu/copier"

	ed "github.com/looplab/eventdecider"
)

// ErrNotCopyable is when a state can not be copied for a snapshot without
// losing data.
var ErrNotCopyable = errors.New("state is not copyable")

// Cloner is a state that copies itself for snapshots. States holding
// unexported reference fields must implement it.
type Cloner[S any] interface {
	Clone() S
}

// StepError is when a step failed, which aborts the run.
type StepError struct {
	// Step is the name of the failed step.
	Step string
	// Index is the position of the failed step, counting every reducer value
	// as a step.
	Index int
	// Err is the error returned by the step.
	Err error
}

// Error implements the Error method of the errors.Error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (%d): %s", e.Step, e.Index, e.Err)
}

// Unwrap implements the errors.Unwrap method.
func (e *StepError) Unwrap() error {
	return e.Err
}

// Snapshots are the states recorded after each named step.
type Snapshots[S any] map[string]S

// Get returns the state recorded after a step.
func (s Snapshots[S]) Get(name string) (S, bool) {
	state, ok := s[name]
	return state, ok
}

// Reducer decides for one value of a list, see Reduce.
type Reducer[T, S, C, E any] func(state S, cmd C, value T, snapshots Snapshots[S]) ([]E, error)

type stepFunc[S, C, E any] func(state S, cmd C, snapshots Snapshots[S]) ([]E, error)

type step[S, C, E any] struct {
	name   string
	decide stepFunc[S, C, E]
}

// Composer runs steps in registration order. Each step gets the running
// state, its events are evolved into the running state before the next step,
// and the resulting state is recorded under the step name.
//
// Steps are registered before running, registering is not safe for
// concurrent use.
type Composer[S, C, E any] struct {
	evolve ed.EvolveFunc[S, E]
	state  S
	steps  []step[S, C, E]

	snapshots   Snapshots[S]
	snapshotsMu sync.RWMutex
}

// New creates a composer that starts at a state.
func New[S, C, E any](evolve ed.EvolveFunc[S, E], state S) *Composer[S, C, E] {
	if evolve == nil {
		panic("multistep: evolve func is nil")
	}

	return &Composer[S, C, E]{
		evolve: evolve,
		state:  state,
	}
}

// Execute adds a step that decides on the running state.
func (c *Composer[S, C, E]) Execute(name string, decide ed.DecideFunc[S, C, E]) *Composer[S, C, E] {
	c.steps = append(c.steps, step[S, C, E]{
		name: name,
		decide: func(state S, cmd C, _ Snapshots[S]) ([]E, error) {
			return decide(state, cmd)
		},
	})

	return c
}

// Reduce adds one step per value, in order, all with the same name. The
// snapshot of the name holds the state after the last value.
func Reduce[T, S, C, E any](c *Composer[S, C, E], name string, values []T, reducer Reducer[T, S, C, E]) *Composer[S, C, E] {
	for _, v := range values {
		value := v

		c.steps = append(c.steps, step[S, C, E]{
			name: name,
			decide: func(state S, cmd C, snapshots Snapshots[S]) ([]E, error) {
				return reducer(state, cmd, value, snapshots)
			},
		})
	}

	return c
}

// Run runs all steps from the initial state of the composer and returns the
// events of all steps in order. No events are returned if any step fails.
func (c *Composer[S, C, E]) Run(cmd C) ([]E, error) {
	events, snapshots, err := c.run(c.state, cmd)

	c.snapshotsMu.Lock()
	c.snapshots = snapshots
	c.snapshotsMu.Unlock()

	return events, err
}

// Snapshots returns the snapshots of the last Run.
func (c *Composer[S, C, E]) Snapshots() Snapshots[S] {
	c.snapshotsMu.RLock()
	defer c.snapshotsMu.RUnlock()

	return c.snapshots
}

// AsDecide returns the composer as a decide func that starts from the given
// state instead of the initial state of the composer. It is safe for
// concurrent use once all steps are registered.
func (c *Composer[S, C, E]) AsDecide() ed.DecideFunc[S, C, E] {
	return func(state S, cmd C) ([]E, error) {
		events, _, err := c.run(state, cmd)
		return events, err
	}
}

func (c *Composer[S, C, E]) run(state S, cmd C) ([]E, Snapshots[S], error) {
	snapshots := Snapshots[S]{}

	// Evolve may change reference fields in place.
	state, err := copyState(state)
	if err != nil {
		return nil, snapshots, err
	}

	var events []E

	for i, s := range c.steps {
		stepEvents, err := s.decide(state, cmd, snapshots)
		if err != nil {
			return nil, snapshots, &StepError{Step: s.name, Index: i, Err: err}
		}

		state = ed.Fold(c.evolve, state, stepEvents)

		snapshot, err := copyState(state)
		if err != nil {
			return nil, snapshots, &StepError{Step: s.name, Index: i, Err: err}
		}

		snapshots[s.name] = snapshot
		events = append(events, stepEvents...)
	}

	return events, snapshots, nil
}

// copyState copies a state without losing data. States implementing Cloner
// copy themselves. States that share no memory are copied plainly, other
// states are deep copied if all of their fields are exported.
func copyState[S any](state S) (S, error) {
	if c, ok := any(state).(Cloner[S]); ok {
		return c.Clone(), nil
	}

	v := reflect.ValueOf(state)
	if !v.IsValid() {
		return state, nil
	}

	t := v.Type()
	if isValue(t) {
		return state, nil
	}

	if t.Kind() == reflect.Ptr {
		if v.IsNil() {
			return state, nil
		}

		if isValue(t.Elem()) {
			dst := reflect.New(t.Elem())
			dst.Elem().Set(v.Elem())

			copied, ok := dst.Interface().(S)
			if !ok {
				return state, fmt.Errorf("%w: %T", ErrNotCopyable, state)
			}

			return copied, nil
		}
	}

	if err := checkExported(t, map[reflect.Type]bool{}); err != nil {
		var zero S
		return zero, fmt.Errorf("%w: %s, implement Clone", ErrNotCopyable, err)
	}

	switch t.Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice:
		var dst S
		if err := copier.CopyWithOption(&dst, &state, copier.Option{DeepCopy: true}); err != nil {
			return dst, fmt.Errorf("could not copy state: %w", err)
		}

		return dst, nil
	case reflect.Ptr:
		dst := reflect.New(t.Elem())
		if err := copier.CopyWithOption(dst.Interface(), v.Interface(), copier.Option{DeepCopy: true}); err != nil {
			return state, fmt.Errorf("could not copy state: %w", err)
		}

		copied, ok := dst.Interface().(S)
		if !ok {
			return state, fmt.Errorf("%w: %T", ErrNotCopyable, state)
		}

		return copied, nil
	default:
		return state, fmt.Errorf("%w: %T", ErrNotCopyable, state)
	}
}

var timeType = reflect.TypeOf(time.Time{})

// isValue is true for types whose plain copies share no memory.
func isValue(t reflect.Type) bool {
	if t == timeType {
		return true
	}

	switch t.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface,
		reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return false
	case reflect.Array:
		return isValue(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !isValue(t.Field(i).Type) {
				return false
			}
		}

		return true
	default:
		return true
	}
}

// checkExported returns an error for types with fields a deep copy would
// drop.
func checkExported(t reflect.Type, seen map[reflect.Type]bool) error {
	if seen[t] || isValue(t) {
		return nil
	}

	seen[t] = true

	switch t.Kind() {
	case reflect.Ptr, reflect.Slice, reflect.Array:
		return checkExported(t.Elem(), seen)
	case reflect.Map:
		if err := checkExported(t.Key(), seen); err != nil {
			return err
		}

		return checkExported(t.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				return fmt.Errorf("field %s of %s is unexported", f.Name, t)
			}

			if err := checkExported(f.Type, seen); err != nil {
				return err
			}
		}
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return fmt.Errorf("%s can not be copied", t)
	}

	return nil
}
