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

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	ed "github.com/looplab/eventdecider"
)

// Bridge is an eventdecider.CallableDecider backed by a Module. States,
// commands and events are opaque JSON values.
//
// Decide may answer with an error envelope, which becomes a
// *eventdecider.DomainError wrapping a *GuestError. The other operations may
// only fail with CodeUnknownEventType, which wraps
// eventdecider.ErrUnknownEventType. Any other contract violation is an
// infrastructure error wrapping ErrMalformedResponse. Failed module calls are
// returned as *eventdecider.CallError.
type Bridge struct {
	module Module
}

var (
	_ ed.CallableDecider[json.RawMessage, json.RawMessage, json.RawMessage] = (*Bridge)(nil)
	_ ed.Pinner[json.RawMessage, json.RawMessage, json.RawMessage]          = (*Bridge)(nil)
)

// NewBridge creates a new bridge to a module.
func NewBridge(module Module) *Bridge {
	if module == nil {
		panic("sandbox: module is nil")
	}

	return &Bridge{module: module}
}

// Pin implements the Pin method of the eventdecider.Pinner interface. A module
// implementing Acquirer is pinned to its current revision.
func (b *Bridge) Pin(ctx context.Context) (ed.CallableDecider[json.RawMessage, json.RawMessage, json.RawMessage], func(), error) {
	a, ok := b.module.(Acquirer)
	if !ok {
		return b, func() {}, nil
	}

	module, release, err := a.Acquire(ctx)
	if err != nil {
		return nil, nil, &ed.CallError{Err: fmt.Errorf("could not acquire module: %w", err)}
	}

	return &Bridge{module: module}, release, nil
}

// StreamID implements the StreamID method of the eventdecider.CallableDecider interface.
func (b *Bridge) StreamID(ctx context.Context, command json.RawMessage) (string, error) {
	var id string
	if err := b.call(ctx, OpStreamID, command, &id); err != nil {
		return "", err
	}

	return id, nil
}

// InitialState implements the InitialState method of the eventdecider.CallableDecider interface.
func (b *Bridge) InitialState(ctx context.Context) (json.RawMessage, error) {
	var state json.RawMessage
	if err := b.call(ctx, OpInitialState, json.RawMessage("null"), &state); err != nil {
		return nil, err
	}

	return state, nil
}

// Evolve implements the Evolve method of the eventdecider.CallableDecider interface.
func (b *Bridge) Evolve(ctx context.Context, state, event json.RawMessage) (json.RawMessage, error) {
	req := struct {
		State json.RawMessage `json:"state"`
		Event json.RawMessage `json:"event"`
	}{nullIfEmpty(state), nullIfEmpty(event)}

	var next json.RawMessage
	if err := b.call(ctx, OpEvolve, req, &next); err != nil {
		return nil, err
	}

	return next, nil
}

// IsTerminal implements the IsTerminal method of the eventdecider.CallableDecider interface.
func (b *Bridge) IsTerminal(ctx context.Context, state json.RawMessage) (bool, error) {
	var terminal bool
	if err := b.call(ctx, OpIsTerminal, nullIfEmpty(state), &terminal); err != nil {
		return false, err
	}

	return terminal, nil
}

// Decide implements the Decide method of the eventdecider.CallableDecider interface.
func (b *Bridge) Decide(ctx context.Context, state, command json.RawMessage) ([]json.RawMessage, error) {
	req := struct {
		State   json.RawMessage `json:"state"`
		Command json.RawMessage `json:"command"`
	}{nullIfEmpty(state), nullIfEmpty(command)}

	ok, guestErr, err := b.roundTrip(ctx, OpDecide, req)
	if err != nil {
		return nil, err
	}

	if guestErr != nil {
		return nil, &ed.DomainError{Err: guestErr}
	}

	var events []json.RawMessage
	if err := decodeStrict(ok, &events); err != nil || events == nil {
		return nil, fmt.Errorf("%s: %w: want an array of events: %s", OpDecide, ErrMalformedResponse, ok)
	}

	return events, nil
}

// EventType implements the EventType method of the eventdecider.CallableDecider interface.
func (b *Bridge) EventType(ctx context.Context, event json.RawMessage) (string, error) {
	var eventType string
	if err := b.call(ctx, OpEventType, nullIfEmpty(event), &eventType); err != nil {
		return "", err
	}

	if eventType == "" {
		return "", fmt.Errorf("%s: %w: empty event type", OpEventType, ErrMalformedResponse)
	}

	return eventType, nil
}

// MarshalEvent implements the MarshalEvent method of the eventdecider.CallableDecider interface.
func (b *Bridge) MarshalEvent(ctx context.Context, event json.RawMessage) (string, []byte, error) {
	eventType, err := b.EventType(ctx, event)
	if err != nil {
		return "", nil, err
	}

	var payload string
	if err := b.call(ctx, OpMarshalEvent, nullIfEmpty(event), &payload); err != nil {
		return "", nil, err
	}

	return eventType, []byte(payload), nil
}

// UnmarshalEvent implements the UnmarshalEvent method of the eventdecider.CallableDecider interface.
func (b *Bridge) UnmarshalEvent(ctx context.Context, eventType string, data []byte) (json.RawMessage, error) {
	req := struct {
		EventType string `json:"event_type"`
		Payload   string `json:"payload"`
	}{eventType, string(data)}

	var event json.RawMessage
	if err := b.call(ctx, OpUnmarshalEvent, req, &event); err != nil {
		return nil, err
	}

	return event, nil
}

// call calls an operation that may not fail with a guest error, decoding the
// ok value into v.
func (b *Bridge) call(ctx context.Context, op string, req any, v any) error {
	ok, guestErr, err := b.roundTrip(ctx, op, req)
	if err != nil {
		return err
	}

	if guestErr != nil && guestErr.Code == CodeUnknownEventType {
		return fmt.Errorf("%s: %w: %s", op, ed.ErrUnknownEventType, guestErr.Message)
	} else if guestErr != nil {
		return fmt.Errorf("%s: %w: error from a non decide operation: %s", op, ErrMalformedResponse, guestErr)
	}

	if err := decodeStrict(ok, v); err != nil {
		return fmt.Errorf("%s: %w: %s", op, ErrMalformedResponse, err)
	}

	return nil
}

func (b *Bridge) roundTrip(ctx context.Context, op string, req any) (json.RawMessage, *GuestError, error) {
	in, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: could not marshal request: %w", op, err)
	}

	out, err := b.module.Call(ctx, op, in)
	if err != nil {
		return nil, nil, &ed.CallError{Err: fmt.Errorf("%s: %w", op, err)}
	}

	ok, guestErr, err := DecodeEnvelope(out)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	return ok, guestErr, nil
}

// decodeStrict decodes a JSON value without the lenient conversions of
// encoding/json: null is only accepted for raw values.
func decodeStrict(data json.RawMessage, v any) error {
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append(json.RawMessage(nil), data...)
		return nil
	}

	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return fmt.Errorf("unexpected null")
	}

	return json.Unmarshal(data, v)
}

func nullIfEmpty(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}

	return v
}
