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

// Package redis is an event store on Redis. Every stream of events is a list
// of JSON records, the index of a record is its revision. Appends are checked
// and written by a server side script, so they are atomic.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	ed "github.com/looplab/eventdecider"
)

// DefaultPageSize is the number of records read at once.
const DefaultPageSize = 512

// appendScript appends ARGV[3:] to the list in KEYS[1] if the expectation in
// ARGV[1] and ARGV[2] holds. Returns the last revision, or -1 on a conflict.
var appendScript = redis.NewScript(`
local len = redis.call("LLEN", KEYS[1])
local kind = ARGV[1]
if kind == "no_stream" and len > 0 then
  return -1
elseif kind == "stream_exists" and len == 0 then
  return -1
elseif kind == "revision" and (len == 0 or ARGV[2] ~= tostring(len - 1)) then
  return -1
end
for i = 3, #ARGV do
  redis.call("RPUSH", KEYS[1], ARGV[i])
end
return len + #ARGV - 3
`)

// EventStore is an eventdecider.EventStore for Redis.
type EventStore struct {
	client          *redis.Client
	clientOpts      *redis.Options
	clientOwnership clientOwnership
	prefix          string
	pageSize        int64
	now             func() time.Time
}

var _ ed.EventStore = (*EventStore)(nil)

type clientOwnership int

const (
	internalClient clientOwnership = iota
	externalClient
)

// NewEventStore creates a new EventStore with a Redis address.
func NewEventStore(addr string, options ...Option) (*EventStore, error) {
	s := newEventStore(internalClient)

	if err := s.apply(options); err != nil {
		return nil, err
	}

	// Default client options.
	if s.clientOpts == nil {
		s.clientOpts = &redis.Options{
			Addr: addr,
		}
	}

	s.client = redis.NewClient(s.clientOpts)

	if err := s.ping(); err != nil {
		s.client.Close()
		return nil, err
	}

	return s, nil
}

// NewEventStoreWithClient creates a new EventStore with a client.
func NewEventStoreWithClient(client *redis.Client, options ...Option) (*EventStore, error) {
	if client == nil {
		return nil, fmt.Errorf("missing Redis client")
	}

	s := newEventStore(externalClient)
	s.client = client

	if err := s.apply(options); err != nil {
		return nil, err
	}

	if err := s.ping(); err != nil {
		return nil, err
	}

	return s, nil
}

func newEventStore(ownership clientOwnership) *EventStore {
	return &EventStore{
		clientOwnership: ownership,
		prefix:          "eventdecider",
		pageSize:        DefaultPageSize,
		now:             time.Now,
	}
}

func (s *EventStore) apply(options []Option) error {
	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(s); err != nil {
			return fmt.Errorf("error while applying option: %w", err)
		}
	}

	return nil
}

func (s *EventStore) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if res, err := s.client.Ping(ctx).Result(); err != nil || res != "PONG" {
		return fmt.Errorf("could not check Redis server: %w", err)
	}

	return nil
}

// Option is an option setter used to configure creation.
type Option func(*EventStore) error

// WithRedisOptions uses the Redis options for the underlying client, instead of the defaults.
func WithRedisOptions(opts *redis.Options) Option {
	return func(s *EventStore) error {
		s.clientOpts = opts
		return nil
	}
}

// WithPrefix sets the prefix of all keys, "eventdecider" by default.
func WithPrefix(prefix string) Option {
	return func(s *EventStore) error {
		if prefix == "" {
			return fmt.Errorf("missing prefix")
		}

		s.prefix = prefix

		return nil
	}
}

// WithPageSize sets the number of records read at once.
func WithPageSize(n int) Option {
	return func(s *EventStore) error {
		if n <= 0 {
			return fmt.Errorf("page size must be positive")
		}

		s.pageSize = int64(n)

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

	return &iterator{
		client:   s.client,
		key:      s.key(streamID),
		streamID: streamID,
		pageSize: s.pageSize,
		pos:      -1,
	}, nil
}

// Append implements the Append method of the eventdecider.EventStore interface.
func (s *EventStore) Append(ctx context.Context, streamID string, expected ed.ExpectedRevision, events []ed.ProposedEvent) (ed.AppendResult, error) {
	if err := ed.CheckAppend(streamID, expected, events); err != nil {
		return ed.AppendResult{}, err
	}

	args := make([]interface{}, 0, len(events)+2)

	switch e := expected.(type) {
	case ed.NoStream:
		args = append(args, "no_stream", "")
	case ed.StreamExists:
		args = append(args, "stream_exists", "")
	case ed.StreamRevision:
		args = append(args, "revision", strconv.FormatUint(e.Value, 10))
	default:
		args = append(args, "any", "")
	}

	now := s.now()

	for _, e := range events {
		data, err := json.Marshal(record{
			EventID:     e.EventID,
			EventType:   e.EventType,
			ContentType: e.ContentType,
			Data:        e.Data,
			Metadata:    e.Metadata,
			Timestamp:   now,
		})
		if err != nil {
			return ed.AppendResult{}, &ed.EventStoreError{
				Err:      fmt.Errorf("could not marshal event: %w", err),
				Op:       ed.EventStoreOpAppend,
				StreamID: streamID,
			}
		}

		args = append(args, data)
	}

	last, err := appendScript.Run(ctx, s.client, []string{s.key(streamID)}, args...).Int64()
	if err != nil {
		return ed.AppendResult{}, &ed.EventStoreError{
			Err:      fmt.Errorf("could not append events: %w", err),
			Op:       ed.EventStoreOpAppend,
			StreamID: streamID,
		}
	}

	if last < 0 {
		return ed.AppendResult{}, &ed.EventStoreError{
			Err:      ed.ErrWrongExpectedRevision,
			Op:       ed.EventStoreOpAppend,
			StreamID: streamID,
			Expected: expected,
		}
	}

	return ed.AppendResult{NextExpectedRevision: uint64(last)}, nil
}

// Close closes the Redis client if it is owned by the store.
func (s *EventStore) Close() error {
	if s.clientOwnership == externalClient {
		return nil
	}

	return s.client.Close()
}

func (s *EventStore) key(streamID string) string {
	return s.prefix + ":stream:" + streamID
}

// record is the internal event record stored in a list.
type record struct {
	EventID     string            `json:"event_id"`
	EventType   string            `json:"event_type"`
	ContentType string            `json:"content_type,omitempty"`
	Data        []byte            `json:"data,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// iterator reads a list page by page.
type iterator struct {
	client   *redis.Client
	key      string
	streamID string
	pageSize int64

	page   []string
	offset int64
	pos    int
	record ed.RecordedEvent
	done   bool
	err    error
}

// Next implements the Next method of the eventdecider.RecordIterator interface.
func (it *iterator) Next(ctx context.Context) bool {
	if it.err != nil || it.done && it.pos+1 >= len(it.page) {
		return false
	}

	if it.pos+1 >= len(it.page) {
		if !it.fetch(ctx) {
			return false
		}
	}

	it.pos++

	var r record
	if err := json.Unmarshal([]byte(it.page[it.pos]), &r); err != nil {
		it.err = &ed.EventStoreError{
			Err:      fmt.Errorf("could not unmarshal event: %w", err),
			Op:       ed.EventStoreOpRead,
			StreamID: it.streamID,
		}

		return false
	}

	it.record = ed.RecordedEvent{
		EventID:     r.EventID,
		StreamID:    it.streamID,
		Revision:    uint64(it.offset - int64(len(it.page)) + int64(it.pos)),
		EventType:   r.EventType,
		ContentType: r.ContentType,
		Data:        r.Data,
		Metadata:    r.Metadata,
		Timestamp:   r.Timestamp,
	}

	return true
}

func (it *iterator) fetch(ctx context.Context) bool {
	page, err := it.client.LRange(ctx, it.key, it.offset, it.offset+it.pageSize-1).Result()
	if err != nil {
		it.err = &ed.EventStoreError{
			Err:      fmt.Errorf("could not read events: %w", err),
			Op:       ed.EventStoreOpRead,
			StreamID: it.streamID,
		}

		return false
	}

	if len(page) == 0 && it.offset == 0 {
		it.err = &ed.EventStoreError{
			Err:      ed.ErrStreamNotFound,
			Op:       ed.EventStoreOpRead,
			StreamID: it.streamID,
		}

		return false
	}

	it.page = page
	it.pos = -1
	it.offset += int64(len(page))
	it.done = int64(len(page)) < it.pageSize

	return len(page) > 0
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
func (it *iterator) Close(context.Context) error {
	return nil
}
