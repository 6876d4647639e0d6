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

package tracing

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	ed "github.com/looplab/eventdecider"
	"github.com/looplab/eventdecider/commandhandler"
)

// CommandHandler is a commandhandler.CommandHandler that adds tracing with
// Open Tracing.
type CommandHandler[C, E any] struct {
	commandhandler.CommandHandler[C, E]

	name string
}

// NewCommandHandler creates a new CommandHandler. The name is used in the
// operation name of the spans, for example the command name.
func NewCommandHandler[C, E any](h commandhandler.CommandHandler[C, E], name string) *CommandHandler[C, E] {
	if h == nil {
		return nil
	}

	return &CommandHandler[C, E]{
		CommandHandler: h,
		name:           name,
	}
}

// HandleCommand implements the HandleCommand method of the
// commandhandler.CommandHandler interface.
func (h *CommandHandler[C, E]) HandleCommand(ctx context.Context, cmd C, options ...commandhandler.DispatchOption) (*ed.DecisionResult[E], error) {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "Command("+h.name+")")

	result, err := h.CommandHandler.HandleCommand(ctx, cmd, options...)

	if result != nil {
		sp.SetTag("ed.stream_id", result.StreamID)
		sp.SetTag("ed.revision", result.NextExpectedRevision)
		sp.SetTag("ed.events", len(result.Events))
	}
	if err != nil {
		sp.SetTag("ed.error_kind", ed.KindOf(err).String())
		ext.LogError(sp, err)
	}
	sp.Finish()

	return result, err
}
