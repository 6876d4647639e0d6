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

// Package kafka publishes appended events to a Kafka topic. The stream ID is
// the message key, so the events of a stream keep their order within a
// partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	ed "github.com/looplab/eventdecider"
)

// Message headers of a published event. Metadata entries are prefixed with
// MetadataHeaderPrefix.
const (
	EventIDHeader        = "event_id"
	EventTypeHeader      = "event_type"
	ContentTypeHeader    = "content_type"
	RevisionHeader       = "revision"
	TimestampHeader      = "timestamp"
	MetadataHeaderPrefix = "meta_"
)

// EventPublisher is an eventdecider.EventPublisher writing to Kafka.
type EventPublisher struct {
	addr       string
	topic      string
	partitions int
	writer     *kafka.Writer
}

var _ ed.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates an EventPublisher, creating the topic if needed.
func NewEventPublisher(addr, topic string, options ...Option) (*EventPublisher, error) {
	if topic == "" {
		return nil, fmt.Errorf("missing topic")
	}

	p := &EventPublisher{
		addr:       addr,
		topic:      topic,
		partitions: 1,
	}

	// Apply configuration options.
	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(p); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	if err := p.createTopic(context.Background()); err != nil {
		return nil, err
	}

	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(addr),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}

	return p, nil
}

// Option is an option setter used to configure creation.
type Option func(*EventPublisher) error

// WithPartitions sets the number of partitions of a created topic.
func WithPartitions(n int) Option {
	return func(p *EventPublisher) error {
		if n <= 0 {
			return fmt.Errorf("partitions must be positive")
		}

		p.partitions = n

		return nil
	}
}

func (p *EventPublisher) createTopic(ctx context.Context) error {
	client := &kafka.Client{
		Addr: kafka.TCP(p.addr),
	}

	var (
		resp *kafka.CreateTopicsResponse
		err  error
	)

	for i := 0; i < 10; i++ {
		resp, err = client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
			Topics: []kafka.TopicConfig{{
				Topic:             p.topic,
				NumPartitions:     p.partitions,
				ReplicationFactor: 1,
			}},
		})
		if errors.Is(err, kafka.BrokerNotAvailable) {
			time.Sleep(5 * time.Second)
			continue
		} else if err != nil {
			return fmt.Errorf("error creating Kafka topic: %w", err)
		}

		break
	}

	if resp == nil {
		return fmt.Errorf("could not get/create Kafka topic in time: %w", err)
	}

	if topicErr, ok := resp.Errors[p.topic]; ok && topicErr != nil {
		if !errors.Is(topicErr, kafka.TopicAlreadyExists) {
			return fmt.Errorf("invalid Kafka topic: %w", topicErr)
		}
	}

	return nil
}

// Publish implements the Publish method of the eventdecider.EventPublisher interface.
func (p *EventPublisher) Publish(ctx context.Context, streamID string, records []ed.RecordedEvent) error {
	if len(records) == 0 {
		return nil
	}

	if err := p.writer.WriteMessages(ctx, Messages(streamID, records)...); err != nil {
		return fmt.Errorf("could not publish events: %w", err)
	}

	return nil
}

// Close implements the Close method of the eventdecider.EventPublisher interface.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}

// Messages builds the Kafka messages of appended records.
func Messages(streamID string, records []ed.RecordedEvent) []kafka.Message {
	msgs := make([]kafka.Message, len(records))

	for i, r := range records {
		headers := []kafka.Header{
			{Key: EventIDHeader, Value: []byte(r.EventID)},
			{Key: EventTypeHeader, Value: []byte(r.EventType)},
			{Key: ContentTypeHeader, Value: []byte(r.ContentType)},
			{Key: RevisionHeader, Value: []byte(strconv.FormatUint(r.Revision, 10))},
			{Key: TimestampHeader, Value: []byte(r.Timestamp.UTC().Format(time.RFC3339Nano))},
		}

		for k, v := range r.Metadata {
			headers = append(headers, kafka.Header{Key: MetadataHeaderPrefix + k, Value: []byte(v)})
		}

		msgs[i] = kafka.Message{
			Key:     []byte(streamID),
			Value:   r.Data,
			Headers: headers,
			Time:    r.Timestamp,
		}
	}

	return msgs
}
