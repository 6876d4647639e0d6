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

// Package sandbox runs deciders behind an isolation boundary. A decider is a
// Module that answers one JSON request per operation with a versioned JSON
// envelope. A Bridge turns a Module into an eventdecider.CallableDecider.
package sandbox

import (
	"context"
	"errors"
)

// ErrMalformedResponse is when a module returned a response that does not
// match the call contract.
var ErrMalformedResponse = errors.New("malformed response")

// ErrBudgetExceeded is when a call used more than its instruction or time
// budget. The module discards its state before the next call.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ErrGuestFault is when the guest code failed with a runtime error.
var ErrGuestFault = errors.New("guest fault")

// ErrPayloadTooLarge is when a request or response exceeds the payload limit.
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrModuleClosed is when a closed module is called.
var ErrModuleClosed = errors.New("module closed")

// ErrModuleNotFound is when a source has no module with a name.
var ErrModuleNotFound = errors.New("module not found")

// CodeUnknownEventType is the guest error code for an event type tag the
// module does not know. Any operation taking an event may answer with it.
const CodeUnknownEventType = "UnknownEventType"

// Operations of the call contract.
const (
	OpStreamID       = "stream_id"
	OpInitialState   = "initial_state"
	OpEvolve         = "evolve"
	OpIsTerminal     = "is_terminal"
	OpDecide         = "decide"
	OpEventType      = "event_type"
	OpMarshalEvent   = "marshal_event"
	OpUnmarshalEvent = "unmarshal_event"
)

// Ops are all operations a module must implement.
var Ops = []string{
	OpStreamID,
	OpInitialState,
	OpEvolve,
	OpIsTerminal,
	OpDecide,
	OpEventType,
	OpMarshalEvent,
	OpUnmarshalEvent,
}

// Module is a decider running behind an isolation boundary.
type Module interface {
	// Call calls an operation with a JSON request and returns the JSON
	// response envelope.
	Call(ctx context.Context, op string, in []byte) ([]byte, error)

	// Close releases the module.
	Close() error
}

// Acquirer is a Module whose code can change between calls. Acquire returns
// the current module, which stays usable until release is called.
type Acquirer interface {
	Acquire(ctx context.Context) (Module, func(), error)
}

// GuestError is an error returned by guest code in an error envelope.
type GuestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the Error method of the errors.Error interface.
func (e *GuestError) Error() string {
	if e.Message == "" {
		return e.Code
	}

	return e.Code + ": " + e.Message
}
