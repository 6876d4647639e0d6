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

package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoOptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	ed "github.com/looplab/eventdecider"
	"github.com/looplab/eventdecider/mongoutils"
)

// EventStore is an eventdecider.EventStore for MongoDB, using one collection
// for all events and another to keep track of the revision of all streams.
// Appends run in a transaction, which requires a replica set.
type EventStore struct {
	client          *mongo.Client
	clientOwnership clientOwnership
	events          *mongo.Collection
	streams         *mongo.Collection
	now             func() time.Time
}

var _ ed.EventStore = (*EventStore)(nil)

type clientOwnership int

const (
	internalClient clientOwnership = iota
	externalClient
)

// NewEventStore creates a new EventStore with a MongoDB URI: `mongodb://hostname`.
func NewEventStore(uri, dbName string, options ...Option) (*EventStore, error) {
	opts := mongoOptions.Client().ApplyURI(uri)
	opts.SetWriteConcern(writeconcern.Majority())
	opts.SetReadConcern(readconcern.Majority())
	opts.SetReadPreference(readpref.Primary())

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("could not connect to DB: %w", err)
	}

	return newEventStoreWithClient(client, internalClient, dbName, options...)
}

// NewEventStoreWithClient creates a new EventStore with a client.
func NewEventStoreWithClient(client *mongo.Client, dbName string, options ...Option) (*EventStore, error) {
	return newEventStoreWithClient(client, externalClient, dbName, options...)
}

func newEventStoreWithClient(client *mongo.Client, clientOwnership clientOwnership, dbName string, options ...Option) (*EventStore, error) {
	if client == nil {
		return nil, fmt.Errorf("missing DB client")
	}

	if err := mongoutils.CheckDatabaseName(dbName); err != nil {
		return nil, err
	}

	db := client.Database(dbName)
	s := &EventStore{
		client:          client,
		clientOwnership: clientOwnership,
		events:          db.Collection("events"),
		streams:         db.Collection("streams"),
		now:             time.Now,
	}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(s); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("could not connect to MongoDB: %w", err)
	}

	if _, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "stream_id", Value: 1}, {Key: "revision", Value: 1}},
		Options: mongoOptions.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("could not ensure events index: %w", err)
	}

	return s, nil
}

// Option is an option setter used to configure creation.
type Option func(*EventStore) error

// WithCollectionNames uses different collections from the default "events" and "streams" collections.
// Will return an error if provided parameters are equal.
func WithCollectionNames(eventsColl, streamsColl string) Option {
	return func(s *EventStore) error {
		if err := mongoutils.CheckCollectionName(eventsColl); err != nil {
			return fmt.Errorf("events collection: %w", err)
		} else if err := mongoutils.CheckCollectionName(streamsColl); err != nil {
			return fmt.Errorf("streams collection: %w", err)
		} else if eventsColl == streamsColl {
			return fmt.Errorf("custom collection names are equal")
		}

		db := s.events.Database()
		s.events = db.Collection(eventsColl)
		s.streams = db.Collection(streamsColl)

		return nil
	}
}

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

	opts := mongoOptions.Find().SetSort(bson.D{{Key: "revision", Value: 1}})

	cursor, err := s.events.Find(ctx, bson.M{"stream_id": streamID}, opts)
	if err != nil {
		return nil, &ed.EventStoreError{
			Err:      fmt.Errorf("could not find events: %w", err),
			Op:       ed.EventStoreOpRead,
			StreamID: streamID,
		}
	}

	return &iterator{cursor: cursor, streamID: streamID}, nil
}

// Append implements the Append method of the eventdecider.EventStore interface.
func (s *EventStore) Append(ctx context.Context, streamID string, expected ed.ExpectedRevision, events []ed.ProposedEvent) (ed.AppendResult, error) {
	if err := ed.CheckAppend(streamID, expected, events); err != nil {
		return ed.AppendResult{}, err
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return ed.AppendResult{}, &ed.EventStoreError{
			Err:      fmt.Errorf("could not start transaction: %w", err),
			Op:       ed.EventStoreOpAppend,
			StreamID: streamID,
		}
	}

	defer sess.EndSession(ctx)

	result, err := sess.WithTransaction(ctx, func(txCtx context.Context) (interface{}, error) {
		var strm stream

		exists := true
		if err := s.streams.FindOne(txCtx, bson.M{"_id": streamID}).Decode(&strm); errors.Is(err, mongo.ErrNoDocuments) {
			exists = false
		} else if err != nil {
			return nil, fmt.Errorf("could not find stream: %w", err)
		}

		if !expected.Check(strm.Revision, exists) {
			return nil, ed.ErrWrongExpectedRevision
		}

		var next uint64
		if exists {
			next = strm.Revision + 1
		}

		now := s.now()
		docs := make([]interface{}, len(events))

		for i, e := range events {
			docs[i] = &evt{
				EventID:     e.EventID,
				StreamID:    streamID,
				Revision:    next + uint64(i),
				EventType:   e.EventType,
				ContentType: e.ContentType,
				Data:        e.Data,
				Metadata:    e.Metadata,
				Timestamp:   now,
			}
		}

		if _, err := s.events.InsertMany(txCtx, docs); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, ed.ErrWrongExpectedRevision
			}

			return nil, fmt.Errorf("could not insert events: %w", err)
		}

		last := next + uint64(len(events)) - 1

		if !exists {
			if _, err := s.streams.InsertOne(txCtx, &stream{
				ID:        streamID,
				Revision:  last,
				UpdatedAt: now,
			}); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return nil, ed.ErrWrongExpectedRevision
				}

				return nil, fmt.Errorf("could not insert stream: %w", err)
			}
		} else {
			r, err := s.streams.UpdateOne(txCtx,
				bson.M{
					"_id":      streamID,
					"revision": strm.Revision,
				},
				bson.M{
					"$set": bson.M{
						"revision":   last,
						"updated_at": now,
					},
				},
			)
			if err != nil {
				return nil, fmt.Errorf("could not update stream: %w", err)
			} else if r.MatchedCount == 0 {
				return nil, ed.ErrWrongExpectedRevision
			}
		}

		return last, nil
	})
	if err != nil {
		storeErr := &ed.EventStoreError{
			Err:      err,
			Op:       ed.EventStoreOpAppend,
			StreamID: streamID,
		}

		if errors.Is(err, ed.ErrWrongExpectedRevision) {
			storeErr.Err = ed.ErrWrongExpectedRevision
			storeErr.Expected = expected
		} else if isWriteConflict(err) {
			storeErr.Err = ed.ErrWrongExpectedRevision
			storeErr.BaseErr = err
			storeErr.Expected = expected
		}

		return ed.AppendResult{}, storeErr
	}

	last, ok := result.(uint64)
	if !ok {
		return ed.AppendResult{}, &ed.EventStoreError{
			Err:      fmt.Errorf("unexpected transaction result %T", result),
			Op:       ed.EventStoreOpAppend,
			StreamID: streamID,
		}
	}

	return ed.AppendResult{NextExpectedRevision: last}, nil
}

// Close implements the Close method of the eventdecider.EventStore interface.
func (s *EventStore) Close() error {
	if s.clientOwnership == externalClient {
		// Don't close a client we don't own.
		return nil
	}

	return s.client.Disconnect(context.Background())
}

// isWriteConflict is true for transactions aborted by a concurrent write to
// the same stream document, after the driver gave up retrying them.
func isWriteConflict(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.HasErrorLabel("TransientTransactionError") || cmdErr.Code == 112
	}

	return false
}

// stream tracks the last revision of a stream of events.
type stream struct {
	ID        string    `bson:"_id"`
	Revision  uint64    `bson:"revision"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// evt is the internal event record for the MongoDB event store used
// to save and load events from the DB.
type evt struct {
	EventID     string            `bson:"_id"`
	StreamID    string            `bson:"stream_id"`
	Revision    uint64            `bson:"revision"`
	EventType   string            `bson:"event_type"`
	ContentType string            `bson:"content_type,omitempty"`
	Data        []byte            `bson:"data,omitempty"`
	Metadata    map[string]string `bson:"metadata,omitempty"`
	Timestamp   time.Time         `bson:"timestamp"`
}

// iterator is a RecordIterator over a cursor of events, reporting an empty
// stream as not found.
type iterator struct {
	cursor   *mongo.Cursor
	streamID string
	record   ed.RecordedEvent
	count    int
	err      error
}

// Next implements the Next method of the eventdecider.RecordIterator interface.
func (it *iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}

	if !it.cursor.Next(ctx) {
		if err := it.cursor.Err(); err != nil {
			it.err = &ed.EventStoreError{
				Err:      fmt.Errorf("could not read events: %w", err),
				Op:       ed.EventStoreOpRead,
				StreamID: it.streamID,
			}
		} else if it.count == 0 {
			it.err = &ed.EventStoreError{
				Err:      ed.ErrStreamNotFound,
				Op:       ed.EventStoreOpRead,
				StreamID: it.streamID,
			}
		}

		return false
	}

	var e evt
	if err := it.cursor.Decode(&e); err != nil {
		it.err = &ed.EventStoreError{
			Err:      fmt.Errorf("could not decode event: %w", err),
			Op:       ed.EventStoreOpRead,
			StreamID: it.streamID,
		}

		return false
	}

	it.count++
	it.record = ed.RecordedEvent{
		EventID:     e.EventID,
		StreamID:    e.StreamID,
		Revision:    e.Revision,
		EventType:   e.EventType,
		ContentType: e.ContentType,
		Data:        e.Data,
		Metadata:    e.Metadata,
		Timestamp:   e.Timestamp,
	}

	return true
}

// Record implements the Record method of the eventdecider.RecordIterator interface.
func (it *iterator) Record() ed.RecordedEvent {
	return it.record
}

// Err implements the Err method of the eventdecider.RecordIterator interface.
func (it *iterator) Err() error {
	return it.err
}

// Close implements the Close method of the eventdecider.RecordIterator interface.
func (it *iterator) Close(ctx context.Context) error {
	return it.cursor.Close(ctx)
}
