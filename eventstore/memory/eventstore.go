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

// Package memory is an in-memory event store, useful in tests and for
// single process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	ed "github.com/looplab/eventdecider"
)

// EventStore is an eventdecider.EventStore that keeps all streams in memory.
// Appends are atomic per stream.
type EventStore struct {
	streams   map[string][]ed.RecordedEvent
	streamsMu sync.RWMutex
	now       func() time.Time
}

var _ ed.EventStore = (*EventStore)(nil)

// NewEventStore creates a new EventStore.
func NewEventStore(options ...Option) (*EventStore, error) {
	s := &EventStore{
		streams: map[string][]ed.RecordedEvent{},
		now:     time.Now,
	}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(s); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	return s, nil
}

// Option is an option setter used to configure creation.
type Option func(*EventStore) error

// WithClock sets the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *EventStore) error {
		if now == nil {
			return fmt.Errorf("missing clock")
		}

		s.now = now

		return nil
	}
}

// ReadStream implements the ReadStream method of the eventdecider.EventStore interface.
func (s *EventStore) ReadStream(ctx context.Context, streamID string) (ed.RecordIterator, error) {
	if streamID == "" {
		return nil, &ed.EventStoreError{
			Err: ed.ErrMissingStreamID,
			Op:  ed.EventStoreOpRead,
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, &ed.EventStoreError{
			Err:      err,
			Op:       ed.EventStoreOpRead,
			StreamID: streamID,
		}
	}

	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()

	records, ok := s.streams[streamID]
	if !ok {
		return nil, &ed.EventStoreError{
			Err:      ed.ErrStreamNotFound,
			Op:       ed.EventStoreOpRead,
			StreamID: streamID,
		}
	}

	copied := make([]ed.RecordedEvent, len(records))
	for i, r := range records {
		copied[i] = copyRecord(r)
	}

	return ed.NewSliceIterator(copied), nil
}

// Append implements the Append method of the eventdecider.EventStore interface.
func (s *EventStore) Append(ctx context.Context, streamID string, expected ed.ExpectedRevision, events []ed.ProposedEvent) (ed.AppendResult, error) {
	if err := ed.CheckAppend(streamID, expected, events); err != nil {
		return ed.AppendResult{}, err
	}

	if err := ctx.Err(); err != nil {
		return ed.AppendResult{}, &ed.EventStoreError{
			Err:      err,
			Op:       ed.EventStoreOpAppend,
			StreamID: streamID,
		}
	}

	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()

	records, exists := s.streams[streamID]

	var current uint64
	if exists {
		current = records[len(records)-1].Revision
	}

	if !expected.Check(current, exists) {
		return ed.AppendResult{}, &ed.EventStoreError{
			Err:      ed.ErrWrongExpectedRevision,
			Op:       ed.EventStoreOpAppend,
			StreamID: streamID,
			Expected: expected,
		}
	}

	next := uint64(len(records))
	now := s.now()

	for i, e := range events {
		records = append(records, copyRecord(ed.RecordedEvent{
			EventID:     e.EventID,
			StreamID:    streamID,
			Revision:    next + uint64(i),
			EventType:   e.EventType,
			ContentType: e.ContentType,
			Data:        e.Data,
			Metadata:    e.Metadata,
			Timestamp:   now,
		}))
	}

	s.streams[streamID] = records

	return ed.AppendResult{NextExpectedRevision: records[len(records)-1].Revision}, nil
}

// Streams returns the IDs of all streams, in no particular order.
func (s *EventStore) Streams() []string {
	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()

	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}

	return ids
}

func copyRecord(r ed.RecordedEvent) ed.RecordedEvent {
	if r.Data != nil {
		r.Data = append([]byte(nil), r.Data...)
	}

	if r.Metadata != nil {
		metadata := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}

		r.Metadata = metadata
	}

	return r
}
