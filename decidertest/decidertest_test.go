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

package decidertest

import (
	"errors"
	"fmt"
	"runtime"
	"testing"

	ed "github.com/looplab/eventdecider"
)

var errLocked = errors.New("door is locked")

type door struct {
	Open   bool
	Locked bool
	Broken bool
}

type doorCmd string

type doorEvent string

var decider = ed.NewDecider(
	func(s door, c doorCmd) ([]doorEvent, error) {
		switch c {
		case "open":
			if s.Locked {
				return nil, errLocked
			}
			if s.Open {
				return nil, nil
			}
			return []doorEvent{"opened"}, nil
		case "lock":
			return []doorEvent{"locked"}, nil
		case "break":
			return []doorEvent{"broken"}, nil
		}

		return nil, fmt.Errorf("unknown command: %s", c)
	},
	func(s door, e doorEvent) door {
		switch e {
		case "opened":
			s.Open = true
		case "locked":
			s.Locked = true
		case "broken":
			s.Broken = true
		}

		return s
	},
	ed.WithIsTerminal(func(s door) bool { return s.Broken }),
)

func TestTestCase(t *testing.T) {
	NewTestCase(t, decider).
		When("open").
		Then("opened").
		ThenState(door{Open: true}).
		Run()

	NewTestCase(t, decider).
		Given("opened").
		When("open").
		Run()

	NewTestCase(t, decider).
		Given("locked").
		When("open").
		Catch(errLocked).
		Run()

	NewTestCase(t, decider).
		Given("broken").
		When("lock").
		Catch(ed.ErrStateIsTerminal).
		Run()
}

// recorder is a testing.TB that records failures.
type recorder struct {
	testing.TB

	failed bool
}

func (r *recorder) Helper()                           {}
func (r *recorder) Log(args ...any)                   {}
func (r *recorder) Error(args ...any)                 { r.failed = true }
func (r *recorder) Errorf(format string, args ...any) { r.failed = true }
func (r *recorder) Fatal(args ...any) {
	r.failed = true
	runtime.Goexit()
}

func run(tc func(tb testing.TB)) bool {
	r := &recorder{}
	done := make(chan struct{})

	go func() {
		defer close(done)
		tc(r)
	}()
	<-done

	return r.failed
}

func TestTestCaseFailures(t *testing.T) {
	testCases := map[string]func(tb testing.TB){
		"wrong events": func(tb testing.TB) {
			NewTestCase(tb, decider).When("open").Then("locked").Run()
		},
		"missing events": func(tb testing.TB) {
			NewTestCase(tb, decider).Given("opened").When("open").Then("opened").Run()
		},
		"wrong error": func(tb testing.TB) {
			NewTestCase(tb, decider).When("open").Catch(errLocked).Run()
		},
		"unexpected error": func(tb testing.TB) {
			NewTestCase(tb, decider).When("fly").Run()
		},
		"wrong state": func(tb testing.TB) {
			NewTestCase(tb, decider).When("lock").Then("locked").ThenState(door{}).Run()
		},
		"no command": func(tb testing.TB) {
			NewTestCase(tb, decider).Then("opened").Run()
		},
	}

	for name, tc := range testCases {
		if !run(tc) {
			t.Errorf("%s: the test case should fail", name)
		}
	}
}
