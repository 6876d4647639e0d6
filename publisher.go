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
)

// EventPublisher is notified of events after they have been appended to a
// stream. Publishing happens after the append is committed, a failed publish
// never rolls back an append.
type EventPublisher interface {
	// Publish publishes the appended records of a stream, in order.
	Publish(ctx context.Context, streamID string, records []RecordedEvent) error

	// Close closes the publisher.
	Close() error
}

// EventPublisherFunc is a function that can be used as an event publisher.
type EventPublisherFunc func(ctx context.Context, streamID string, records []RecordedEvent) error

// Publish implements the Publish method of the EventPublisher interface.
func (f EventPublisherFunc) Publish(ctx context.Context, streamID string, records []RecordedEvent) error {
	return f(ctx, streamID, records)
}

// Close implements the Close method of the EventPublisher interface.
func (f EventPublisherFunc) Close() error {
	return nil
}

// Publishers fans out to several publishers in order. All publishers are
// called, the errors are joined.
type Publishers []EventPublisher

// Publish implements the Publish method of the EventPublisher interface.
func (p Publishers) Publish(ctx context.Context, streamID string, records []RecordedEvent) error {
	var errs []error

	for _, pub := range p {
		if err := pub.Publish(ctx, streamID, records); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Close implements the Close method of the EventPublisher interface.
func (p Publishers) Close() error {
	var errs []error

	for _, pub := range p {
		if err := pub.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
