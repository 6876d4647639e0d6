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

package commandhandler

import (
	"fmt"
	"log/slog"
	"time"

	ed "github.com/looplab/eventdecider"
)

// Config is the configuration of a Handler, set by options.
type Config struct {
	logger      *slog.Logger
	newID       func() string
	publisher   ed.EventPublisher
	now         func() time.Time
	contentType string
}

// Option is an option setter used to configure creation.
type Option func(*Config) error

// WithLogger sets the logger used for dispatches. Nothing is logged by default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("missing logger")
		}

		c.logger = logger

		return nil
	}
}

// WithIDGenerator sets the generator of event, correlation and causation IDs.
// Random UUIDs are used by default.
func WithIDGenerator(newID func() string) Option {
	return func(c *Config) error {
		if newID == nil {
			return fmt.Errorf("missing ID generator")
		}

		c.newID = newID

		return nil
	}
}

// WithEventPublisher sets a publisher that is called with the appended
// records after every successful append.
func WithEventPublisher(publisher ed.EventPublisher) Option {
	return func(c *Config) error {
		c.publisher = publisher
		return nil
	}
}

// WithClock sets the clock used for timestamps of published records and
// dispatch durations.
func WithClock(now func() time.Time) Option {
	return func(c *Config) error {
		if now == nil {
			return fmt.Errorf("missing clock")
		}

		c.now = now

		return nil
	}
}

// WithContentType sets the content type of appended events, it should match
// the event codec of the decider. The default is "application/json".
func WithContentType(contentType string) Option {
	return func(c *Config) error {
		c.contentType = contentType
		return nil
	}
}

// DispatchOption is an option for a single dispatch.
type DispatchOption func(*ed.Options)

// WithMetadata adds metadata to every appended event. The reserved
// correlation and causation keys are always overwritten.
func WithMetadata(metadata map[string]string) DispatchOption {
	return func(o *ed.Options) {
		if o.Metadata == nil {
			o.Metadata = ed.Metadata{}
		}

		for k, v := range metadata {
			o.Metadata[k] = v
		}
	}
}

// WithCorrelationID sets the correlation ID of appended events.
func WithCorrelationID(id string) DispatchOption {
	return func(o *ed.Options) {
		o.CorrelationID = id
	}
}

// WithCausationID sets the causation ID of appended events.
func WithCausationID(id string) DispatchOption {
	return func(o *ed.Options) {
		o.CausationID = id
	}
}

// WithExpectedRevision overrides the expected revision of the append, which
// by default is the last revision read.
func WithExpectedRevision(expected ed.ExpectedRevision) DispatchOption {
	return func(o *ed.Options) {
		o.ExpectedRevision = expected
	}
}

// WithOptions sets all options of a dispatch at once.
func WithOptions(options ed.Options) DispatchOption {
	return func(o *ed.Options) {
		metadata := o.Metadata
		*o = options
		o.Metadata = metadata

		WithMetadata(options.Metadata)(o)
	}
}

// DispatchOptions applies dispatch options to empty options.
func DispatchOptions(options ...DispatchOption) ed.Options {
	o := ed.Options{}

	for _, option := range options {
		if option != nil {
			option(&o)
		}
	}

	return o
}
