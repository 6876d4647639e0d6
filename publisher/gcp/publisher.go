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

// Package gcp publishes appended events to a Google Cloud Pub/Sub topic, with
// the stream ID as ordering key.
package gcp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	ed "github.com/looplab/eventdecider"
)

// Message attributes of a published event. Metadata entries are prefixed
// with MetadataAttributePrefix.
const (
	StreamIDAttribute       = "stream_id"
	EventIDAttribute        = "event_id"
	EventTypeAttribute      = "event_type"
	ContentTypeAttribute    = "content_type"
	RevisionAttribute       = "revision"
	TimestampAttribute      = "timestamp"
	MetadataAttributePrefix = "meta_"
)

// EventPublisher is an eventdecider.EventPublisher writing to Pub/Sub.
type EventPublisher struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	clientOpts []option.ClientOption
}

var _ ed.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates an EventPublisher, creating the topic if needed.
func NewEventPublisher(projectID, topicID string, options ...Option) (*EventPublisher, error) {
	if topicID == "" {
		return nil, fmt.Errorf("missing topic")
	}

	p := &EventPublisher{}

	for _, opt := range options {
		if opt == nil {
			continue
		}

		if err := opt(p); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	ctx := context.Background()

	client, err := pubsub.NewClient(ctx, projectID, p.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not create Pub/Sub client: %w", err)
	}

	// Get or create the topic.
	topic := client.Topic(topicID)
	if ok, err := topic.Exists(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not check topic: %w", err)
	} else if !ok {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("could not create topic: %w", err)
		}
	}

	topic.EnableMessageOrdering = true

	p.client = client
	p.topic = topic

	return p, nil
}

// Option is an option setter used to configure creation.
type Option func(*EventPublisher) error

// WithClientOptions adds the options to the underlying client, for example
// credentials or an endpoint.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(p *EventPublisher) error {
		p.clientOpts = append(p.clientOpts, opts...)
		return nil
	}
}

// Publish implements the Publish method of the eventdecider.EventPublisher
// interface. All messages are sent before waiting for the results.
func (p *EventPublisher) Publish(ctx context.Context, streamID string, records []ed.RecordedEvent) error {
	results := make([]*pubsub.PublishResult, len(records))

	for i, r := range records {
		results[i] = p.topic.Publish(ctx, &pubsub.Message{
			Data:        r.Data,
			Attributes:  Attributes(streamID, r),
			OrderingKey: streamID,
		})
	}

	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			// Publishing for an ordering key is paused after an error.
			p.topic.ResumePublish(streamID)

			return fmt.Errorf("could not publish events: %w", err)
		}
	}

	return nil
}

// Close implements the Close method of the eventdecider.EventPublisher interface.
func (p *EventPublisher) Close() error {
	p.topic.Stop()

	return p.client.Close()
}

// Attributes builds the message attributes of an appended record.
func Attributes(streamID string, r ed.RecordedEvent) map[string]string {
	attrs := map[string]string{
		StreamIDAttribute:  streamID,
		EventIDAttribute:   r.EventID,
		EventTypeAttribute: r.EventType,
		RevisionAttribute:  strconv.FormatUint(r.Revision, 10),
		TimestampAttribute: r.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	if r.ContentType != "" {
		attrs[ContentTypeAttribute] = r.ContentType
	}

	for k, v := range r.Metadata {
		attrs[MetadataAttributePrefix+k] = v
	}

	return attrs
}
