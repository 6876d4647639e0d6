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

package eventstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kr/pretty"
	"github.com/stretchr/testify/assert"

	ed "github.com/looplab/eventdecider"
	"github.com/looplab/eventdecider/uuid"
)

// AcceptanceTest is the acceptance test that all implementations of EventStore
// should pass. It should manually be called from a test case in each
// implementation:
//
//	func TestEventStore(t *testing.T) {
//	    store, _ := NewEventStore()
//	    eventstore.AcceptanceTest(t, store, context.Background())
//	}
//
// Streams are created with random IDs so that the test can be run against a
// shared database.
func AcceptanceTest(t *testing.T, store ed.EventStore, ctx context.Context) {
	streamID := "test-" + uuid.NewString()

	// Read a stream that does not exist.
	records, err := ed.ReadAll(ctx, store, streamID)
	if err != nil {
		t.Error("there should be no error:", err)
	}
	if len(records) != 0 {
		t.Error("there should be no records:", records)
	}

	it, err := store.ReadStream(ctx, streamID)
	if err == nil {
		for it.Next(ctx) {
			t.Error("there should be no records:", it.Record())
		}
		err = it.Err()
		it.Close(ctx)
	}
	if !errors.Is(err, ed.ErrStreamNotFound) {
		t.Error("there should be a stream not found error:", err)
	}

	// Append no events.
	eventStoreErr := &ed.EventStoreError{}

	_, err = store.Append(ctx, streamID, ed.NoStream{}, nil)
	if !errors.As(err, &eventStoreErr) || !errors.Is(err, ed.ErrMissingEvents) {
		t.Error("there should be a missing events error:", err)
	}

	// Append to a stream that must exist.
	_, err = store.Append(ctx, streamID, ed.StreamExists{}, proposedEvents("event0"))
	if !errors.Is(err, ed.ErrWrongExpectedRevision) {
		t.Error("there should be a wrong expected revision error:", err)
	}

	_, err = store.Append(ctx, streamID, ed.Revision(0), proposedEvents("event0"))
	if !errors.Is(err, ed.ErrWrongExpectedRevision) {
		t.Error("there should be a wrong expected revision error:", err)
	}

	// Create the stream.
	event0 := proposedEvents("event0")
	event0[0].Metadata = map[string]string{
		ed.CorrelationIDKey: "corr",
		ed.CausationIDKey:   "cause",
		"meta":              "data",
	}

	res, err := store.Append(ctx, streamID, ed.NoStream{}, event0)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	if res.NextExpectedRevision != 0 {
		t.Error("the next expected revision should be 0:", res.NextExpectedRevision)
	}

	// Create it again.
	_, err = store.Append(ctx, streamID, ed.NoStream{}, proposedEvents("event1"))
	if !errors.As(err, &eventStoreErr) || !errors.Is(err, ed.ErrWrongExpectedRevision) {
		t.Error("there should be a wrong expected revision error:", err)
	}

	// Append multiple events at an exact revision.
	events12 := proposedEvents("event1", "event2")

	res, err = store.Append(ctx, streamID, ed.Revision(0), events12)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	if res.NextExpectedRevision != 2 {
		t.Error("the next expected revision should be 2:", res.NextExpectedRevision)
	}

	// Append at a stale revision.
	_, err = store.Append(ctx, streamID, ed.Revision(0), proposedEvents("event3"))
	if !errors.Is(err, ed.ErrWrongExpectedRevision) {
		t.Error("there should be a wrong expected revision error:", err)
	}

	// Append at a future revision.
	_, err = store.Append(ctx, streamID, ed.Revision(5), proposedEvents("event3"))
	if !errors.Is(err, ed.ErrWrongExpectedRevision) {
		t.Error("there should be a wrong expected revision error:", err)
	}

	// Append without checks.
	event3 := proposedEvents("event3")

	res, err = store.Append(ctx, streamID, ed.Any{}, event3)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	if res.NextExpectedRevision != 3 {
		t.Error("the next expected revision should be 3:", res.NextExpectedRevision)
	}

	event4 := proposedEvents("event4")
	event4[0].Data = nil

	res, err = store.Append(ctx, streamID, ed.StreamExists{}, event4)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	if res.NextExpectedRevision != 4 {
		t.Error("the next expected revision should be 4:", res.NextExpectedRevision)
	}

	// Read all of it.
	var appended []ed.ProposedEvent
	appended = append(appended, event0...)
	appended = append(appended, events12...)
	appended = append(appended, event3...)
	appended = append(appended, event4...)

	records, err = ed.ReadAll(ctx, store, streamID)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	if len(records) != len(appended) {
		t.Fatal("there should be 5 records:", len(records))
	}

	for i, r := range records {
		e := appended[i]

		assert.Equal(t, uint64(i), r.Revision, "the revision should be correct")
		assert.Equal(t, streamID, r.StreamID, "the stream ID should be correct")
		assert.Equal(t, e.EventID, r.EventID, "the event ID should be correct")
		assert.Equal(t, e.EventType, r.EventType, "the event type should be correct")
		assert.Equal(t, e.ContentType, r.ContentType, "the content type should be correct")
		assert.Equal(t, string(e.Data), string(r.Data), "the data should be correct")
		assert.False(t, r.Timestamp.IsZero(), "the timestamp should be set")

		if len(e.Metadata) != 0 || len(r.Metadata) != 0 {
			if diff := pretty.Diff(e.Metadata, r.Metadata); len(diff) != 0 {
				t.Error("the metadata should be correct:", diff)
			}
		}
	}

	// Other streams are not affected.
	otherID := "test-" + uuid.NewString()

	if _, err := store.Append(ctx, otherID, ed.NoStream{}, proposedEvents("other")); err != nil {
		t.Fatal("there should be no error:", err)
	}

	records, err = ed.ReadAll(ctx, store, otherID)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	if len(records) != 1 || records[0].Revision != 0 {
		t.Error("the other stream should have one record:", records)
	}

	ConcurrencyAcceptanceTest(t, store, ctx)
}

// ConcurrencyAcceptanceTest checks that only one of many concurrent appends
// to the same revision succeeds.
func ConcurrencyAcceptanceTest(t *testing.T, store ed.EventStore, ctx context.Context) {
	streamID := "test-" + uuid.NewString()

	const writers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)

	for i := 0; i < writers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := store.Append(ctx, streamID, ed.NoStream{}, proposedEvents("racer"))

			mu.Lock()
			defer mu.Unlock()

			if err == nil {
				successes++
			} else if errors.Is(err, ed.ErrWrongExpectedRevision) {
				conflicts++
			} else {
				t.Error("there should be no other error:", err)
			}
		}()
	}

	wg.Wait()

	if successes != 1 {
		t.Error("exactly one append should succeed:", successes)
	}
	if conflicts != writers-1 {
		t.Error("all other appends should conflict:", conflicts)
	}

	records, err := ed.ReadAll(ctx, store, streamID)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	if len(records) != 1 {
		t.Error("there should be one record:", len(records))
	}
}

// IsolationAcceptanceTest checks that records can not be modified through
// values passed to or returned from the store.
func IsolationAcceptanceTest(t *testing.T, store ed.EventStore, ctx context.Context) {
	streamID := "test-" + uuid.NewString()

	events := proposedEvents("event0")
	events[0].Metadata = map[string]string{"key": "value"}

	if _, err := store.Append(ctx, streamID, ed.NoStream{}, events); err != nil {
		t.Fatal("there should be no error:", err)
	}

	events[0].Data[0] = 'X'
	events[0].Metadata["key"] = "changed"

	records, err := ed.ReadAll(ctx, store, streamID)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	records[0].Data[0] = 'Y'
	records[0].Metadata["key"] = "changed"

	records, err = ed.ReadAll(ctx, store, streamID)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	assert.Equal(t, `{"content":"event0"}`, string(records[0].Data))
	assert.Equal(t, "value", records[0].Metadata["key"])
}

func proposedEvents(contents ...string) []ed.ProposedEvent {
	events := make([]ed.ProposedEvent, len(contents))

	for i, c := range contents {
		events[i] = ed.ProposedEvent{
			EventID:     uuid.NewString(),
			EventType:   "test.eventstore.test.v1.Event",
			ContentType: "application/json",
			Data:        []byte(`{"content":"` + c + `"}`),
		}
	}

	return events
}
