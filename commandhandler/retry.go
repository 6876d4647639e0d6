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
	"time"

	"github.com/jpillora/backoff"

	ed "github.com/looplab/eventdecider"
)

// RetryOnConflict is a CommandHandler that re-runs the whole dispatch when the
// append conflicted with a concurrent write. Every attempt re-reads the stream
// and decides again on the new state. Dispatches with an explicit expected
// revision are never retried.
type RetryOnConflict[C, E any] struct {
	CommandHandler[C, E]

	// Attempts is the maximum number of attempts, including the first one.
	Attempts int
	// Min and Max bound the delay between attempts.
	Min, Max time.Duration
}

// NewRetryOnConflict wraps a handler with a retry policy.
func NewRetryOnConflict[C, E any](h CommandHandler[C, E], attempts int) *RetryOnConflict[C, E] {
	return &RetryOnConflict[C, E]{
		CommandHandler: h,
		Attempts:       attempts,
		Min:            10 * time.Millisecond,
		Max:            time.Second,
	}
}

// HandleCommand implements the HandleCommand method of the CommandHandler interface.
func (r *RetryOnConflict[C, E]) HandleCommand(ctx context.Context, cmd C, options ...DispatchOption) (*ed.DecisionResult[E], error) {
	if DispatchOptions(options...).ExpectedRevision != nil {
		return r.CommandHandler.HandleCommand(ctx, cmd, options...)
	}

	delay := &backoff.Backoff{
		Min:    r.Min,
		Max:    r.Max,
		Jitter: true,
	}

	for attempt := 1; ; attempt++ {
		result, err := r.CommandHandler.HandleCommand(ctx, cmd, options...)
		if err == nil || ed.KindOf(err) != ed.KindConcurrency || attempt >= r.Attempts {
			return result, err
		}

		select {
		case <-time.After(delay.Duration()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
