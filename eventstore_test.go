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
	"testing"
)

type notFoundStore struct {
	iteratorErr bool
}

func (s notFoundStore) ReadStream(ctx context.Context, streamID string) (RecordIterator, error) {
	if s.iteratorErr {
		return &errIterator{err: ErrStreamNotFound}, nil
	}

	return nil, &EventStoreError{Err: ErrStreamNotFound, Op: EventStoreOpRead, StreamID: streamID}
}

func (s notFoundStore) Append(context.Context, string, ExpectedRevision, []ProposedEvent) (AppendResult, error) {
	return AppendResult{}, errors.New("not implemented")
}

type errIterator struct {
	err error
}

func (it *errIterator) Next(context.Context) bool   { return false }
func (it *errIterator) Record() RecordedEvent       { return RecordedEvent{} }
func (it *errIterator) Err() error                  { return it.err }
func (it *errIterator) Close(context.Context) error { return nil }

type sliceStore []RecordedEvent

func (s sliceStore) ReadStream(context.Context, string) (RecordIterator, error) {
	return NewSliceIterator(s), nil
}

func (s sliceStore) Append(context.Context, string, ExpectedRevision, []ProposedEvent) (AppendResult, error) {
	return AppendResult{}, errors.New("not implemented")
}

func TestReadAllNotFound(t *testing.T) {
	ctx := context.Background()

	for _, store := range []EventStore{notFoundStore{}, notFoundStore{iteratorErr: true}} {
		records, err := ReadAll(ctx, store, "counter:1")
		if err != nil {
			t.Error("there should be no error:", err)
		}
		if len(records) != 0 {
			t.Error("there should be no records:", records)
		}
	}
}

func TestReadAll(t *testing.T) {
	store := sliceStore{
		{StreamID: "counter:1", Revision: 0, EventType: "a"},
		{StreamID: "counter:1", Revision: 1, EventType: "b"},
	}

	records, err := ReadAll(context.Background(), store, "counter:1")
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	if len(records) != 2 || records[1].Revision != 1 {
		t.Error("the records should be correct:", records)
	}
}

func TestSliceIteratorCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	it := NewSliceIterator([]RecordedEvent{{Revision: 0}})
	if it.Next(ctx) {
		t.Error("there should be no next record")
	}
	if !errors.Is(it.Err(), context.Canceled) {
		t.Error("the error should be correct:", it.Err())
	}
}

func TestCheckAppend(t *testing.T) {
	events := []ProposedEvent{{EventType: "test.eventdecider.test.v1.Event"}}

	if err := CheckAppend("stream", NoStream{}, events); err != nil {
		t.Error("there should be no error:", err)
	}

	testCases := map[string]struct {
		streamID string
		expected ExpectedRevision
		events   []ProposedEvent
		err      error
	}{
		"missing stream ID": {"", NoStream{}, events, ErrMissingStreamID},
		"missing revision":  {"stream", nil, events, ErrMissingExpectedRevision},
		"missing events":    {"stream", Any{}, nil, ErrMissingEvents},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			err := CheckAppend(tc.streamID, tc.expected, tc.events)

			var storeErr *EventStoreError
			if !errors.As(err, &storeErr) || storeErr.Op != EventStoreOpAppend {
				t.Error("there should be an append event store error:", err)
			}

			if !errors.Is(err, tc.err) {
				t.Error("the error should be correct:", err)
			}
		})
	}
}
