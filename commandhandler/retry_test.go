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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ed "github.com/looplab/eventdecider"
)

// conflictingStore makes the first appends conflict by writing to the stream
// just before appending.
type conflictingStore struct {
	*recordingStore

	conflicts int
}

func (s *conflictingStore) Append(ctx context.Context, streamID string, expected ed.ExpectedRevision, events []ed.ProposedEvent) (ed.AppendResult, error) {
	if s.conflicts > 0 {
		s.conflicts--

		if _, err := s.recordingStore.EventStore.Append(ctx, streamID, ed.Any{}, []ed.ProposedEvent{{
			EventType: "test.counter.counter.v1.Added",
			Data:      []byte(`{"delta":10}`),
		}}); err != nil {
			return ed.AppendResult{}, err
		}
	}

	return s.recordingStore.Append(ctx, streamID, expected, events)
}

func TestRetryOnConflict(t *testing.T) {
	h, decider, store := createHandler(t)
	conflicting := &conflictingStore{recordingStore: store, conflicts: 2}
	h.store = conflicting

	r := NewRetryOnConflict[counterCmd, counterEvent](h, 5)
	r.Min, r.Max = time.Millisecond, time.Millisecond

	result, err := r.HandleCommand(context.Background(), counterCmd{ID: "1", Add: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result.NextExpectedRevision)
	assert.Equal(t, int32(3), decider.decides.Load())
	assert.Equal(t, 3, store.appends())
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	h, _, store := createHandler(t)
	h.store = &conflictingStore{recordingStore: store, conflicts: 5}

	r := NewRetryOnConflict[counterCmd, counterEvent](h, 2)
	r.Min, r.Max = time.Millisecond, time.Millisecond

	_, err := r.HandleCommand(context.Background(), counterCmd{ID: "1", Add: 1})
	if !errors.Is(err, ed.ErrWrongExpectedRevision) {
		t.Error("there should be a wrong expected revision error:", err)
	}
	assert.Equal(t, 2, store.appends())
}

func TestRetryOnConflictExplicitRevision(t *testing.T) {
	h, decider, _ := createHandler(t)

	r := NewRetryOnConflict[counterCmd, counterEvent](h, 5)

	_, err := r.HandleCommand(context.Background(), counterCmd{ID: "1", Add: 1}, WithExpectedRevision(ed.Revision(7)))
	assert.ErrorIs(t, err, ed.ErrWrongExpectedRevision)
	assert.Equal(t, int32(1), decider.decides.Load())
}
