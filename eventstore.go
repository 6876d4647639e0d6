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
	"time"
)

// ErrStreamNotFound is when a stream has never been appended to.
var ErrStreamNotFound = errors.New("stream not found")

// ErrWrongExpectedRevision is when the expected revision of an append does
// not match the actual revision of the stream.
var ErrWrongExpectedRevision = errors.New("wrong expected revision")

// ErrMissingStreamID is when an operation is called with an empty stream ID.
var ErrMissingStreamID = errors.New("missing stream ID")

// ErrMissingEvents is when there are no events to append.
var ErrMissingEvents = errors.New("missing events")

// ErrMissingExpectedRevision is when an append has no expected revision.
var ErrMissingExpectedRevision = errors.New("missing expected revision")

// EventStoreOperation is the operation done when an error happened.
type EventStoreOperation string

// Event store operations.
const (
	EventStoreOpRead   EventStoreOperation = "read"
	EventStoreOpAppend EventStoreOperation = "append"
)

// EventStoreError is an error in the event store.
type EventStoreError struct {
	// Err is the error.
	Err error
	// BaseErr is an optional underlying error, for example from the DB driver.
	BaseErr error
	// Op is the operation for the error.
	Op EventStoreOperation
	// StreamID is the stream for the error.
	StreamID string
	// Expected is the expected revision of a failed append, if any.
	Expected ExpectedRevision
}

// Error implements the Error method of the errors.Error interface.
func (e *EventStoreError) Error() string {
	str := "event store: "

	if e.Op != "" {
		str += string(e.Op) + ": "
	}

	if e.Err != nil {
		str += e.Err.Error()
	} else {
		str += "unknown error"
	}

	if e.BaseErr != nil {
		str += ": " + e.BaseErr.Error()
	}

	if e.Expected != nil {
		str += ", expected " + e.Expected.String()
	}

	if e.StreamID != "" {
		str += " (" + e.StreamID + ")"
	}

	return str
}

// Unwrap implements the errors.Unwrap method.
func (e *EventStoreError) Unwrap() error {
	return e.Err
}

// Cause implements the github.com/pkg/errors Unwrap method.
func (e *EventStoreError) Cause() error {
	return e.Unwrap()
}

// RecordedEvent is an event as stored in a stream.
type RecordedEvent struct {
	EventID     string
	StreamID    string
	Revision    uint64
	EventType   string
	ContentType string
	Data        []byte
	Metadata    map[string]string
	Timestamp   time.Time
}

// ProposedEvent is an event to be appended to a stream.
type ProposedEvent struct {
	// EventID is a unique ID for the event, used by stores that support
	// de-duplication of appends.
	EventID     string
	EventType   string
	ContentType string
	Data        []byte
	Metadata    map[string]string
}

// AppendResult is the result of a successful append.
type AppendResult struct {
	// NextExpectedRevision is the revision of the last appended event.
	NextExpectedRevision uint64
}

// RecordIterator iterates the records of a stream in ascending revision
// order. It is used like a database cursor:
//
//	for it.Next(ctx) {
//	    record := it.Record()
//	}
//	if err := it.Err(); err != nil {
//	}
type RecordIterator interface {
	// Next advances to the next record, returning false when there are no
	// more records or an error happened.
	Next(ctx context.Context) bool

	// Record returns the current record.
	Record() RecordedEvent

	// Err returns the error that stopped the iteration, if any. A stream that
	// does not exist is reported as ErrStreamNotFound.
	Err() error

	// Close releases the resources of the iterator.
	Close(ctx context.Context) error
}

// EventStore is an append-only log of streams.
type EventStore interface {
	// ReadStream reads a stream forwards from its first record. A stream that
	// does not exist is reported as ErrStreamNotFound, either directly or by
	// the iterator.
	ReadStream(ctx context.Context, streamID string) (RecordIterator, error)

	// Append appends all events to a stream atomically if the expected
	// revision matches the stream. Returns an error wrapping
	// ErrWrongExpectedRevision if it does not.
	Append(ctx context.Context, streamID string, expected ExpectedRevision, events []ProposedEvent) (AppendResult, error)
}

// CheckAppend checks the arguments of an Append call, returning an
// EventStoreError for missing ones. Implementations call it before any I/O.
func CheckAppend(streamID string, expected ExpectedRevision, events []ProposedEvent) error {
	var err error

	switch {
	case streamID == "":
		err = ErrMissingStreamID
	case expected == nil:
		err = ErrMissingExpectedRevision
	case len(events) == 0:
		err = ErrMissingEvents
	default:
		return nil
	}

	return &EventStoreError{
		Err:      err,
		Op:       EventStoreOpAppend,
		StreamID: streamID,
	}
}

// ReadAll reads all records of a stream, returning no records if the stream
// does not exist.
func ReadAll(ctx context.Context, store EventStore, streamID string) ([]RecordedEvent, error) {
	it, err := store.ReadStream(ctx, streamID)
	if errors.Is(err, ErrStreamNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	defer it.Close(ctx)

	var records []RecordedEvent
	for it.Next(ctx) {
		records = append(records, it.Record())
	}

	if err := it.Err(); errors.Is(err, ErrStreamNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return records, nil
}

// NewSliceIterator returns a RecordIterator over records already in memory.
// An empty slice iterates no records without an error.
func NewSliceIterator(records []RecordedEvent) RecordIterator {
	return &sliceIterator{records: records, pos: -1}
}

type sliceIterator struct {
	records []RecordedEvent
	pos     int
	err     error
}

// Next implements the Next method of the RecordIterator interface.
func (it *sliceIterator) Next(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		it.err = err
		return false
	}

	if it.pos+1 >= len(it.records) {
		return false
	}

	it.pos++

	return true
}

// Record implements the Record method of the RecordIterator interface.
func (it *sliceIterator) Record() RecordedEvent {
	if it.pos < 0 || it.pos >= len(it.records) {
		return RecordedEvent{}
	}

	return it.records[it.pos]
}

// Err implements the Err method of the RecordIterator interface.
func (it *sliceIterator) Err() error {
	return it.err
}

// Close implements the Close method of the RecordIterator interface.
func (it *sliceIterator) Close(context.Context) error {
	return nil
}
