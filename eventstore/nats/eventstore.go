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

// Package nats is an event store on a NATS JetStream stream. Every stream of
// events is a subject of the JetStream stream, and every append is a single
// message holding all appended events, so appends are atomic. Concurrent
// appends are guarded with the expected last subject sequence.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	ed "github.com/looplab/eventdecider"
)

// Message headers of an append.
const (
	RevisionHeader = "Eventdecider-Revision"
	CountHeader    = "Eventdecider-Count"
)

// DefaultFetchBatch is the max number of messages fetched at once on reads.
const DefaultFetchBatch = 256

// Appends with Any are retried when another append wins the race.
const anyAttempts = 5

// ErrInvalidStreamID is when a stream ID can not be used as a subject token.
var ErrInvalidStreamID = errors.New("invalid stream ID")

// EventStore is an eventdecider.EventStore using NATS JetStream.
type EventStore struct {
	conn          *nats.Conn
	connOwnership connOwnership
	connOpts      []nats.Option
	js            jetstream.JetStream
	stream        jetstream.Stream
	config        jetstream.StreamConfig
	fetchBatch    int
}

var _ ed.EventStore = (*EventStore)(nil)

type connOwnership int

const (
	internalConn connOwnership = iota
	externalConn
)

// NewEventStore creates a new EventStore with a NATS URL, creating or updating
// the JetStream stream.
func NewEventStore(url, streamName string, options ...Option) (*EventStore, error) {
	s := &EventStore{connOwnership: internalConn}

	if err := s.apply(streamName, options); err != nil {
		return nil, err
	}

	conn, err := nats.Connect(url, s.connOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not connect to NATS: %w", err)
	}

	s.conn = conn

	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// NewEventStoreWithConn creates a new EventStore with a connection.
func NewEventStoreWithConn(conn *nats.Conn, streamName string, options ...Option) (*EventStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("missing NATS connection")
	}

	s := &EventStore{conn: conn, connOwnership: externalConn}

	if err := s.apply(streamName, options); err != nil {
		return nil, err
	}

	if err := s.init(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *EventStore) apply(streamName string, options []Option) error {
	if streamName == "" || strings.ContainsAny(streamName, " .*>") {
		return fmt.Errorf("invalid stream name %q", streamName)
	}

	s.config.Name = streamName
	s.fetchBatch = DefaultFetchBatch

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(s); err != nil {
			return fmt.Errorf("error while applying option: %w", err)
		}
	}

	s.config.Name = streamName
	s.config.Subjects = []string{streamName + ".>"}

	return nil
}

func (s *EventStore) init() error {
	js, err := jetstream.New(s.conn)
	if err != nil {
		return fmt.Errorf("could not create JetStream context: %w", err)
	}

	s.js = js

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, s.config)
	if err != nil {
		return fmt.Errorf("could not create stream %s: %w", s.config.Name, err)
	}

	s.stream = stream

	return nil
}

// Option is an option setter used to configure creation.
type Option func(*EventStore) error

// WithNATSOptions adds the NATS options to the underlying client.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(s *EventStore) error {
		s.connOpts = opts
		return nil
	}
}

// WithStreamConfig sets the config of the JetStream stream. The name and
// subjects are always set by the store.
func WithStreamConfig(config jetstream.StreamConfig) Option {
	return func(s *EventStore) error {
		s.config = config
		return nil
	}
}

// WithFetchBatch sets the max number of messages fetched at once on reads.
func WithFetchBatch(n int) Option {
	return func(s *EventStore) error {
		if n <= 0 {
			return fmt.Errorf("fetch batch must be positive")
		}

		s.fetchBatch = n

		return nil
	}
}

// ReadStream implements the ReadStream method of the eventdecider.EventStore interface.
func (s *EventStore) ReadStream(ctx context.Context, streamID string) (ed.RecordIterator, error) {
	subject, err := s.subject(streamID)
	if err != nil {
		return nil, &ed.EventStoreError{
			Err:      err,
			Op:       ed.EventStoreOpRead,
			StreamID: streamID,
		}
	}

	cons, err := s.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, &ed.EventStoreError{
			Err:      fmt.Errorf("could not create consumer: %w", err),
			Op:       ed.EventStoreOpRead,
			StreamID: streamID,
		}
	}

	if cons.CachedInfo().NumPending == 0 {
		return nil, &ed.EventStoreError{
			Err:      ed.ErrStreamNotFound,
			Op:       ed.EventStoreOpRead,
			StreamID: streamID,
		}
	}

	var records []ed.RecordedEvent

	for done := false; !done; {
		batch, err := cons.Fetch(s.fetchBatch, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			return nil, &ed.EventStoreError{
				Err:      fmt.Errorf("could not fetch messages: %w", err),
				Op:       ed.EventStoreOpRead,
				StreamID: streamID,
			}
		}

		n := 0

		for msg := range batch.Messages() {
			n++

			md, err := msg.Metadata()
			if err != nil {
				return nil, &ed.EventStoreError{
					Err:      fmt.Errorf("could not read message metadata: %w", err),
					Op:       ed.EventStoreOpRead,
					StreamID: streamID,
				}
			}

			rs, err := decodeMessage(streamID, msg.Headers(), msg.Data(), md.Timestamp)
			if err != nil {
				return nil, &ed.EventStoreError{
					Err:      err,
					Op:       ed.EventStoreOpRead,
					StreamID: streamID,
				}
			}

			records = append(records, rs...)

			if md.NumPending == 0 {
				done = true
			}
		}

		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, &ed.EventStoreError{
				Err:      fmt.Errorf("could not fetch messages: %w", err),
				Op:       ed.EventStoreOpRead,
				StreamID: streamID,
			}
		}

		if n == 0 {
			if err := ctx.Err(); err != nil {
				return nil, &ed.EventStoreError{
					Err:      err,
					Op:       ed.EventStoreOpRead,
					StreamID: streamID,
				}
			}
		}
	}

	return ed.NewSliceIterator(records), nil
}

// Append implements the Append method of the eventdecider.EventStore interface.
func (s *EventStore) Append(ctx context.Context, streamID string, expected ed.ExpectedRevision, events []ed.ProposedEvent) (ed.AppendResult, error) {
	if err := ed.CheckAppend(streamID, expected, events); err != nil {
		return ed.AppendResult{}, err
	}

	subject, err := s.subject(streamID)
	if err != nil {
		return ed.AppendResult{}, &ed.EventStoreError{
			Err:      err,
			Op:       ed.EventStoreOpAppend,
			StreamID: streamID,
		}
	}

	attempts := 1
	if _, ok := expected.(ed.Any); ok {
		attempts = anyAttempts
	}

	for i := 0; ; i++ {
		res, err := s.append(ctx, subject, streamID, expected, events)
		if errors.Is(err, ed.ErrWrongExpectedRevision) && i+1 < attempts {
			continue
		}

		return res, err
	}
}

func (s *EventStore) append(ctx context.Context, subject, streamID string, expected ed.ExpectedRevision, events []ed.ProposedEvent) (ed.AppendResult, error) {
	var (
		lastSeq  uint64
		current  uint64
		exists   bool
		revision uint64
	)

	last, err := s.stream.GetLastMsgForSubject(ctx, subject)
	switch {
	case errors.Is(err, jetstream.ErrMsgNotFound):
	case err != nil:
		return ed.AppendResult{}, &ed.EventStoreError{
			Err:      fmt.Errorf("could not get last message: %w", err),
			Op:       ed.EventStoreOpAppend,
			StreamID: streamID,
		}
	default:
		first, count, err := revisions(last.Header)
		if err != nil {
			return ed.AppendResult{}, &ed.EventStoreError{
				Err:      err,
				Op:       ed.EventStoreOpAppend,
				StreamID: streamID,
			}
		}

		lastSeq = last.Sequence
		current = first + count - 1
		exists = true
		revision = current + 1
	}

	if !expected.Check(current, exists) {
		return ed.AppendResult{}, &ed.EventStoreError{
			Err:      ed.ErrWrongExpectedRevision,
			Op:       ed.EventStoreOpAppend,
			StreamID: streamID,
			Expected: expected,
		}
	}

	msg, err := encodeMessage(subject, revision, events)
	if err != nil {
		return ed.AppendResult{}, &ed.EventStoreError{
			Err:      err,
			Op:       ed.EventStoreOpAppend,
			StreamID: streamID,
		}
	}

	// Zero expects no message on the subject.
	msg.Header.Set(nats.ExpectedLastSubjSeqHdr, strconv.FormatUint(lastSeq, 10))

	if events[0].EventID != "" {
		msg.Header.Set(nats.MsgIdHdr, events[0].EventID)
	}

	if _, err := s.js.PublishMsg(ctx, msg, jetstream.WithExpectStream(s.config.Name)); err != nil {
		if isWrongLastSequence(err) {
			return ed.AppendResult{}, &ed.EventStoreError{
				Err:      ed.ErrWrongExpectedRevision,
				BaseErr:  err,
				Op:       ed.EventStoreOpAppend,
				StreamID: streamID,
				Expected: expected,
			}
		}

		return ed.AppendResult{}, &ed.EventStoreError{
			Err:      fmt.Errorf("could not publish events: %w", err),
			Op:       ed.EventStoreOpAppend,
			StreamID: streamID,
		}
	}

	return ed.AppendResult{NextExpectedRevision: revision + uint64(len(events)) - 1}, nil
}

// Close closes the NATS connection if it is owned by the store.
func (s *EventStore) Close() error {
	if s.connOwnership == externalConn {
		return nil
	}

	return s.conn.Drain()
}

func (s *EventStore) subject(streamID string) (string, error) {
	if streamID == "" {
		return "", ed.ErrMissingStreamID
	}

	if strings.ContainsAny(streamID, " \t\r\n*>") ||
		strings.HasPrefix(streamID, ".") ||
		strings.HasSuffix(streamID, ".") ||
		strings.Contains(streamID, "..") {
		return "", ErrInvalidStreamID
	}

	return s.config.Name + "." + streamID, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}

	return strings.Contains(err.Error(), "wrong last sequence")
}

// record is an appended event in a message.
type record struct {
	EventID     string            `json:"event_id"`
	EventType   string            `json:"event_type"`
	ContentType string            `json:"content_type,omitempty"`
	Data        []byte            `json:"data,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func encodeMessage(subject string, revision uint64, events []ed.ProposedEvent) (*nats.Msg, error) {
	records := make([]record, len(events))
	for i, e := range events {
		records[i] = record{
			EventID:     e.EventID,
			EventType:   e.EventType,
			ContentType: e.ContentType,
			Data:        e.Data,
			Metadata:    e.Metadata,
		}
	}

	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("could not marshal events: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(RevisionHeader, strconv.FormatUint(revision, 10))
	msg.Header.Set(CountHeader, strconv.Itoa(len(events)))

	return msg, nil
}

func decodeMessage(streamID string, header nats.Header, data []byte, timestamp time.Time) ([]ed.RecordedEvent, error) {
	first, count, err := revisions(header)
	if err != nil {
		return nil, err
	}

	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("could not unmarshal events: %w", err)
	}

	if uint64(len(records)) != count {
		return nil, fmt.Errorf("message has %d events, expected %d", len(records), count)
	}

	events := make([]ed.RecordedEvent, len(records))
	for i, r := range records {
		events[i] = ed.RecordedEvent{
			EventID:     r.EventID,
			StreamID:    streamID,
			Revision:    first + uint64(i),
			EventType:   r.EventType,
			ContentType: r.ContentType,
			Data:        r.Data,
			Metadata:    r.Metadata,
			Timestamp:   timestamp,
		}
	}

	return events, nil
}

func revisions(header nats.Header) (first, count uint64, err error) {
	first, err = strconv.ParseUint(header.Get(RevisionHeader), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid %s header: %w", RevisionHeader, err)
	}

	count, err = strconv.ParseUint(header.Get(CountHeader), 10, 64)
	if err != nil || count == 0 {
		return 0, 0, fmt.Errorf("invalid %s header: %q", CountHeader, header.Get(CountHeader))
	}

	return first, count, nil
}
