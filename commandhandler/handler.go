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

// Package commandhandler dispatches commands to deciders, storing the decided
// events in an event store.
package commandhandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ed "github.com/looplab/eventdecider"
	"github.com/looplab/eventdecider/uuid"
)

// ErrNilDecider is when a handler is created with a nil decider.
var ErrNilDecider = errors.New("decider is nil")

// ErrNilEventStore is when a handler is created with a nil event store.
var ErrNilEventStore = errors.New("event store is nil")

// CommandHandler handles commands, returning the decision.
type CommandHandler[C, E any] interface {
	HandleCommand(ctx context.Context, cmd C, options ...DispatchOption) (*ed.DecisionResult[E], error)
}

// Guard is a check run before a command is dispatched. It is the place for
// side effects a decider can not do, like checking a uniqueness constraint in
// another service. Return a *eventdecider.DomainError to reject the command.
type Guard[C any] func(ctx context.Context, cmd C) error

// Handler dispatches commands to a decider.
//
// The dispatch process is as follows:
//  1. The stream ID is derived from the command. A decider implementing
//     eventdecider.Pinner is pinned for the whole dispatch.
//  2. The stream is read and replayed onto the initial state.
//  3. Terminal states reject the command with ErrStateIsTerminal.
//  4. The decider decides which events the command results in.
//  5. The events are marshaled and metadata is attached.
//  6. The events are appended, expecting the last revision read.
//  7. The appended events are published, if there is a publisher.
//
// A Handler has no mutable state, it can be used concurrently for any number
// of streams.
type Handler[S, C, E any] struct {
	decider     ed.CallableDecider[S, C, E]
	store       ed.EventStore
	guards      []Guard[C]
	logger      *slog.Logger
	newID       func() string
	publisher   ed.EventPublisher
	now         func() time.Time
	contentType string
}

var _ CommandHandler[any, any] = (*Handler[any, any, any])(nil)

// NewHandler creates a new Handler.
func NewHandler[S, C, E any](decider ed.CallableDecider[S, C, E], store ed.EventStore, options ...Option) (*Handler[S, C, E], error) {
	if decider == nil {
		return nil, ErrNilDecider
	}

	if store == nil {
		return nil, ErrNilEventStore
	}

	c := Config{
		logger:      slog.New(slog.DiscardHandler),
		newID:       uuid.NewString,
		now:         time.Now,
		contentType: "application/json",
	}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(&c); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	return &Handler[S, C, E]{
		decider:     decider,
		store:       store,
		logger:      c.logger,
		newID:       c.newID,
		publisher:   c.publisher,
		now:         c.now,
		contentType: c.contentType,
	}, nil
}

// AddGuard adds guards that are run in order before every dispatch. It must
// not be called concurrently with HandleCommand.
func (h *Handler[S, C, E]) AddGuard(guards ...Guard[C]) {
	for _, g := range guards {
		if g != nil {
			h.guards = append(h.guards, g)
		}
	}
}

// HandleCommand handles a command. A rejected command returns a
// *eventdecider.DomainError, a concurrent write to the stream returns an error
// wrapping eventdecider.ErrWrongExpectedRevision. There are no retries.
//
// If publishing fails after a successful append both the result and the
// publish error are returned.
func (h *Handler[S, C, E]) HandleCommand(ctx context.Context, cmd C, options ...DispatchOption) (*ed.DecisionResult[E], error) {
	start := h.now()
	o := DispatchOptions(options...)

	for _, g := range h.guards {
		if err := g(ctx, cmd); err != nil {
			var domainErr *ed.DomainError
			if errors.As(err, &domainErr) {
				return nil, err
			}

			return nil, &ed.DispatchError{Err: err, Op: ed.OpGuard}
		}
	}

	d := h.decider
	if p, ok := d.(ed.Pinner[S, C, E]); ok {
		pinned, release, err := p.Pin(ctx)
		if err != nil {
			return nil, &ed.DispatchError{Err: err, Op: ed.OpPin}
		}
		defer release()

		d = pinned
	}

	streamID, err := d.StreamID(ctx, cmd)
	if err != nil {
		return nil, &ed.DispatchError{Err: err, Op: ed.OpStreamID}
	}

	if streamID == "" {
		return nil, &ed.DispatchError{Err: ed.ErrMissingStreamID, Op: ed.OpStreamID}
	}

	logger := h.logger.With(slog.String("stream_id", streamID))

	state, last, exists, err := h.load(ctx, d, streamID)
	if err != nil {
		logger.DebugContext(ctx, "could not load stream", slog.Any("error", err))

		return nil, err
	}

	terminal, err := d.IsTerminal(ctx, state)
	if err != nil {
		return nil, &ed.DispatchError{Err: err, Op: ed.OpIsTerminal, StreamID: streamID}
	}

	if terminal {
		return nil, &ed.DispatchError{Err: ed.ErrStateIsTerminal, Op: ed.OpIsTerminal, StreamID: streamID}
	}

	events, err := d.Decide(ctx, state, cmd)
	if err != nil {
		var domainErr *ed.DomainError
		if errors.As(err, &domainErr) {
			logger.DebugContext(ctx, "command rejected", slog.Any("error", err))

			return nil, err
		}

		return nil, &ed.DispatchError{Err: err, Op: ed.OpDecide, StreamID: streamID}
	}

	if len(events) == 0 {
		logger.DebugContext(ctx, "no events decided", slog.Uint64("revision", last))

		return &ed.DecisionResult[E]{
			StreamID:             streamID,
			NextExpectedRevision: last,
			Events:               []E{},
		}, nil
	}

	proposed, err := h.propose(ctx, d, o, events)
	if err != nil {
		return nil, &ed.DispatchError{Err: err, Op: ed.OpMarshalEvent, StreamID: streamID}
	}

	expected := o.ExpectedRevision
	if expected == nil {
		if exists {
			expected = ed.Revision(last)
		} else {
			expected = ed.NoStream{}
		}
	}

	res, err := h.store.Append(ctx, streamID, expected, proposed)
	if err != nil {
		logger.InfoContext(ctx, "could not append events",
			slog.String("expected", expected.String()),
			slog.Any("error", err),
		)

		return nil, &ed.DispatchError{Err: err, Op: ed.OpAppend, StreamID: streamID}
	}

	result := &ed.DecisionResult[E]{
		StreamID:             streamID,
		NextExpectedRevision: res.NextExpectedRevision,
		Events:               events,
		Appended:             true,
	}

	logger.DebugContext(ctx, "events appended",
		slog.Int("events", len(events)),
		slog.Uint64("revision", res.NextExpectedRevision),
		slog.Duration("duration", h.now().Sub(start)),
	)

	if h.publisher != nil {
		records := h.recorded(streamID, res.NextExpectedRevision, proposed)
		if err := h.publisher.Publish(ctx, streamID, records); err != nil {
			logger.WarnContext(ctx, "could not publish events", slog.Any("error", err))

			return result, &ed.DispatchError{Err: err, Op: ed.OpPublish, StreamID: streamID}
		}
	}

	return result, nil
}

// load reads and replays a stream. A stream that does not exist returns the
// initial state.
func (h *Handler[S, C, E]) load(ctx context.Context, d ed.CallableDecider[S, C, E], streamID string) (state S, last uint64, exists bool, err error) {
	if state, err = d.InitialState(ctx); err != nil {
		return state, 0, false, &ed.DispatchError{Err: err, Op: ed.OpInitialState, StreamID: streamID}
	}

	it, err := h.store.ReadStream(ctx, streamID)
	if errors.Is(err, ed.ErrStreamNotFound) {
		return state, 0, false, nil
	} else if err != nil {
		return state, 0, false, &ed.DispatchError{Err: err, Op: ed.OpReadStream, StreamID: streamID}
	}

	defer it.Close(ctx)

	for it.Next(ctx) {
		record := it.Record()
		revision := record.Revision

		event, err := d.UnmarshalEvent(ctx, record.EventType, record.Data)
		if err != nil {
			return state, 0, false, &ed.DispatchError{
				Err:      err,
				Op:       ed.OpUnmarshalEvent,
				StreamID: streamID,
				Revision: &revision,
			}
		}

		if state, err = d.Evolve(ctx, state, event); err != nil {
			return state, 0, false, &ed.DispatchError{
				Err:      err,
				Op:       ed.OpEvolve,
				StreamID: streamID,
				Revision: &revision,
			}
		}

		last = revision
		exists = true
	}

	if err := it.Err(); errors.Is(err, ed.ErrStreamNotFound) && !exists {
		return state, 0, false, nil
	} else if err != nil {
		return state, 0, false, &ed.DispatchError{Err: err, Op: ed.OpReadStream, StreamID: streamID}
	}

	return state, last, exists, nil
}

// propose marshals events and attaches the metadata of the dispatch.
func (h *Handler[S, C, E]) propose(ctx context.Context, d ed.CallableDecider[S, C, E], o ed.Options, events []E) ([]ed.ProposedEvent, error) {
	correlationID := o.CorrelationID
	if correlationID == "" {
		correlationID, _ = ed.CorrelationIDFromContext(ctx)
	}

	if correlationID == "" {
		correlationID = h.newID()
	}

	causationID := o.CausationID
	if causationID == "" {
		causationID, _ = ed.CausationIDFromContext(ctx)
	}

	if causationID == "" {
		causationID = h.newID()
	}

	proposed := make([]ed.ProposedEvent, 0, len(events))

	for _, event := range events {
		eventType, data, err := d.MarshalEvent(ctx, event)
		if err != nil {
			return nil, err
		}

		metadata := ed.Metadata(ed.MarshalContext(ctx))
		for k, v := range o.Metadata {
			metadata[k] = v
		}
		metadata[ed.CorrelationIDKey] = correlationID
		metadata[ed.CausationIDKey] = causationID

		proposed = append(proposed, ed.ProposedEvent{
			EventID:     h.newID(),
			EventType:   eventType,
			ContentType: h.contentType,
			Data:        data,
			Metadata:    metadata,
		})
	}

	return proposed, nil
}

// recorded returns the appended events as records, the last one having the
// revision returned by the append.
func (h *Handler[S, C, E]) recorded(streamID string, last uint64, proposed []ed.ProposedEvent) []ed.RecordedEvent {
	now := h.now()
	first := last + 1 - uint64(len(proposed))
	records := make([]ed.RecordedEvent, len(proposed))

	for i, p := range proposed {
		records[i] = ed.RecordedEvent{
			EventID:     p.EventID,
			StreamID:    streamID,
			Revision:    first + uint64(i),
			EventType:   p.EventType,
			ContentType: p.ContentType,
			Data:        p.Data,
			Metadata:    p.Metadata,
			Timestamp:   now,
		}
	}

	return records
}
