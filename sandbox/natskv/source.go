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

// Package natskv distributes sandbox modules through a NATS JetStream key
// value bucket. The revision of a module is the revision of its entry. The
// bucket is watched, fetches are answered from the watched entries.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/looplab/eventdecider/sandbox"
)

// Source is a sandbox.Source reading modules from a key value bucket.
type Source struct {
	conn          *nats.Conn
	connOwnership connOwnership
	connOpts      []nats.Option
	config        jetstream.KeyValueConfig
	create        bool
	kv            jetstream.KeyValue

	watcher jetstream.KeyWatcher
	cancel  context.CancelFunc
	done    chan struct{}

	entries   map[string]sandbox.Artifact
	entriesMu sync.RWMutex
}

var _ sandbox.Source = (*Source)(nil)

type connOwnership int

const (
	internalConn connOwnership = iota
	externalConn
)

// NewSource creates a new Source with a NATS URL and a bucket.
func NewSource(url, bucket string, options ...Option) (*Source, error) {
	s := &Source{connOwnership: internalConn}

	if err := s.apply(bucket, options); err != nil {
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

// NewSourceWithConn creates a new Source with a connection.
func NewSourceWithConn(conn *nats.Conn, bucket string, options ...Option) (*Source, error) {
	if conn == nil {
		return nil, fmt.Errorf("missing NATS connection")
	}

	s := &Source{conn: conn, connOwnership: externalConn}

	if err := s.apply(bucket, options); err != nil {
		return nil, err
	}

	if err := s.init(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Source) apply(bucket string, options []Option) error {
	if bucket == "" {
		return fmt.Errorf("missing bucket")
	}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(s); err != nil {
			return fmt.Errorf("error while applying option: %w", err)
		}
	}

	s.config.Bucket = bucket

	return nil
}

func (s *Source) init() error {
	js, err := jetstream.New(s.conn)
	if err != nil {
		return fmt.Errorf("could not create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.create {
		s.kv, err = js.CreateOrUpdateKeyValue(ctx, s.config)
	} else {
		s.kv, err = js.KeyValue(ctx, s.config.Bucket)
	}

	if err != nil {
		return fmt.Errorf("could not open bucket %s: %w", s.config.Bucket, err)
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())

	s.watcher, err = s.kv.WatchAll(watchCtx)
	if err != nil {
		watchCancel()
		return fmt.Errorf("could not watch bucket %s: %w", s.config.Bucket, err)
	}

	s.cancel = watchCancel
	s.entries = map[string]sandbox.Artifact{}
	s.done = make(chan struct{})

	go s.watch(watchCtx)

	return nil
}

// watch keeps the latest entry of every key.
func (s *Source) watch(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-s.watcher.Updates():
			if !ok {
				return
			}

			// A nil entry marks the end of the initial values.
			if entry == nil {
				continue
			}

			s.entriesMu.Lock()
			switch entry.Operation() {
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				delete(s.entries, entry.Key())
			default:
				s.entries[entry.Key()] = sandbox.Artifact{
					Name:     entry.Key(),
					Revision: entry.Revision(),
					Code:     entry.Value(),
				}
			}
			s.entriesMu.Unlock()
		}
	}
}

// Option is an option setter used to configure creation.
type Option func(*Source) error

// WithNATSOptions adds the NATS options to the underlying client.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(s *Source) error {
		s.connOpts = opts
		return nil
	}
}

// WithCreateBucket creates the bucket, or updates its config, instead of
// requiring an existing one.
func WithCreateBucket(config jetstream.KeyValueConfig) Option {
	return func(s *Source) error {
		s.config = config
		s.create = true

		return nil
	}
}

// Fetch implements the Fetch method of the sandbox.Source interface. Watched
// entries are returned without a round trip.
func (s *Source) Fetch(ctx context.Context, name string) (sandbox.Artifact, error) {
	s.entriesMu.RLock()
	artifact, ok := s.entries[name]
	s.entriesMu.RUnlock()

	if ok {
		return artifact, nil
	}

	entry, err := s.kv.Get(ctx, name)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return sandbox.Artifact{}, fmt.Errorf("%w: %s", sandbox.ErrModuleNotFound, name)
	} else if err != nil {
		return sandbox.Artifact{}, fmt.Errorf("could not get module %s: %w", name, err)
	}

	return sandbox.Artifact{
		Name:     name,
		Revision: entry.Revision(),
		Code:     entry.Value(),
	}, nil
}

// Put stores a new revision of a module.
func (s *Source) Put(ctx context.Context, name string, code []byte) (uint64, error) {
	revision, err := s.kv.Put(ctx, name, code)
	if err != nil {
		return 0, fmt.Errorf("could not put module %s: %w", name, err)
	}

	return revision, nil
}

// Close stops the watch and closes the NATS connection if it is owned by the
// source.
func (s *Source) Close() error {
	err := s.watcher.Stop()
	s.cancel()
	<-s.done

	if s.connOwnership == externalConn {
		return err
	}

	return errors.Join(err, s.conn.Drain())
}
