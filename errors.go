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
)

// ErrStateIsTerminal is when the replayed state of a stream accepts no
// further commands.
var ErrStateIsTerminal = errors.New("state is terminal")

// DomainError is when a decider rejected a command. The wrapped error is the
// domain error returned by Decide, unchanged.
type DomainError struct {
	Err error
}

// Error implements the Error method of the errors.Error interface.
func (e *DomainError) Error() string {
	if e.Err == nil {
		return "command rejected"
	}

	return e.Err.Error()
}

// Unwrap implements the errors.Unwrap method.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Op is the dispatch operation an error happened in.
type Op string

// Dispatch operations.
const (
	OpGuard          Op = "guard"
	OpPin            Op = "pin decider"
	OpStreamID       Op = "stream id"
	OpInitialState   Op = "initial state"
	OpReadStream     Op = "read stream"
	OpUnmarshalEvent Op = "unmarshal event"
	OpEvolve         Op = "evolve"
	OpIsTerminal     Op = "is terminal"
	OpDecide         Op = "decide"
	OpMarshalEvent   Op = "marshal event"
	OpAppend         Op = "append"
	OpPublish        Op = "publish"
)

// DispatchError is an infrastructure error during a dispatch, with the
// operation and stream it happened for.
type DispatchError struct {
	// Err is the error.
	Err error
	// Op is the operation for the error.
	Op Op
	// StreamID is the stream of the dispatch, if known.
	StreamID string
	// Revision is the revision of the record being processed, if any.
	Revision *uint64
}

// Error implements the Error method of the errors.Error interface.
func (e *DispatchError) Error() string {
	str := string(e.Op) + ": "

	if e.Err != nil {
		str += e.Err.Error()
	} else {
		str += "unknown error"
	}

	if e.StreamID != "" {
		str += " (" + e.StreamID + ")"
	}

	return str
}

// Unwrap implements the errors.Unwrap method.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// CallError is when a call to a decider across an isolation boundary failed,
// for example a sandboxed module that faulted or ran out of its budget. It is
// a transport failure whatever operation the call was made for.
type CallError struct {
	Err error
}

// Error implements the Error method of the errors.Error interface.
func (e *CallError) Error() string {
	if e.Err == nil {
		return "call failed"
	}

	return e.Err.Error()
}

// Unwrap implements the errors.Unwrap method.
func (e *CallError) Unwrap() error {
	return e.Err
}

// Kind is the category of an error returned from a dispatch, used by
// transports to map errors to responses uniformly across domains.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindStateIsTerminal
	KindDomain
	KindMarshal
	KindConcurrency
	KindTransport
	KindPublish
)

// String implements the Stringer interface.
func (k Kind) String() string {
	switch k {
	case KindStateIsTerminal:
		return "state_is_terminal"
	case KindDomain:
		return "domain"
	case KindMarshal:
		return "marshal"
	case KindConcurrency:
		return "concurrency"
	case KindTransport:
		return "transport"
	case KindPublish:
		return "publish"
	default:
		return "unknown"
	}
}

// KindOf returns the kind of an error returned from a dispatch.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, ErrStateIsTerminal) {
		return KindStateIsTerminal
	}

	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return KindDomain
	}

	if errors.Is(err, ErrWrongExpectedRevision) {
		return KindConcurrency
	}

	if errors.Is(err, ErrUnknownEventType) {
		return KindMarshal
	}

	var callErr *CallError
	if errors.As(err, &callErr) {
		return KindTransport
	}

	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) {
		switch dispatchErr.Op {
		case OpMarshalEvent, OpUnmarshalEvent:
			return KindMarshal
		case OpPublish:
			return KindPublish
		default:
			return KindTransport
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}

	var storeErr *EventStoreError
	if errors.As(err, &storeErr) {
		return KindTransport
	}

	return KindUnknown
}
