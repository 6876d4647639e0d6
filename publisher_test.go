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
	"testing"
)

func TestPublishers(t *testing.T) {
	var calls []string
	errDown := errors.New("down")

	p := Publishers{
		EventPublisherFunc(func(ctx context.Context, streamID string, records []RecordedEvent) error {
			calls = append(calls, "first")
			return errDown
		}),
		EventPublisherFunc(func(ctx context.Context, streamID string, records []RecordedEvent) error {
			calls = append(calls, "second")
			return nil
		}),
	}

	err := p.Publish(context.Background(), "counter:1", []RecordedEvent{{Revision: 0}})
	if !errors.Is(err, errDown) {
		t.Error("the error should be correct:", err)
	}
	if len(calls) != 2 {
		t.Error("all publishers should be called:", calls)
	}
	if err := p.Close(); err != nil {
		t.Error("there should be no error:", err)
	}
}
