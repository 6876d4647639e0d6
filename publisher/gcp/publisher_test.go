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

package gcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"

	ed "github.com/looplab/eventdecider"
)

func TestAttributes(t *testing.T) {
	now := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

	attrs := Attributes("monitoring:1", ed.RecordedEvent{
		EventID:   "id-1",
		Revision:  7,
		EventType: "test.gcp.test.v1.Event",
		Metadata:  map[string]string{ed.CausationIDKey: "cause"},
		Timestamp: now,
	})

	assert.Equal(t, map[string]string{
		StreamIDAttribute:  "monitoring:1",
		EventIDAttribute:   "id-1",
		EventTypeAttribute: "test.gcp.test.v1.Event",
		RevisionAttribute:  "7",
		TimestampAttribute: "2021-06-01T12:00:00Z",
		MetadataAttributePrefix + ed.CausationIDKey: "cause",
	}, attrs)
}

func TestEventPublisherIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	// Connect to localhost if not running inside docker
	if os.Getenv("PUBSUB_EMULATOR_HOST") == "" {
		os.Setenv("PUBSUB_EMULATOR_HOST", "localhost:8793")
	}

	// Get a random topic ID.
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}

	topicID := "test-" + hex.EncodeToString(b)

	publisher, err := NewEventPublisher("project_id", topicID)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	defer publisher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sub, err := publisher.client.CreateSubscription(ctx, topicID+"-sub", pubsub.SubscriptionConfig{
		Topic:                 publisher.topic,
		AckDeadline:           10 * time.Second,
		EnableMessageOrdering: true,
	})
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	defer sub.Delete(context.Background())

	records := []ed.RecordedEvent{
		{EventID: "id-1", Revision: 0, EventType: "test.gcp.test.v1.Event", Data: []byte(`{"n":1}`), Timestamp: time.Now()},
		{EventID: "id-2", Revision: 1, EventType: "test.gcp.test.v1.Event", Data: []byte(`{"n":2}`), Timestamp: time.Now()},
	}

	if err := publisher.Publish(ctx, "stream-1", records); err != nil {
		t.Fatal("there should be no error:", err)
	}

	var (
		mu       sync.Mutex
		received []string
	)

	recvCtx, stop := context.WithCancel(ctx)

	if err := sub.Receive(recvCtx, func(ctx context.Context, msg *pubsub.Message) {
		msg.Ack()

		mu.Lock()
		defer mu.Unlock()

		received = append(received, msg.Attributes[EventIDAttribute])
		if len(received) == len(records) {
			stop()
		}
	}); err != nil {
		t.Fatal("there should be no error:", err)
	}

	assert.Equal(t, []string{"id-1", "id-2"}, received)
}
