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
	"errors"
	"testing"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"

	ed "github.com/looplab/eventdecider"
	"github.com/looplab/eventdecider/commandhandler"
	"github.com/looplab/eventdecider/eventstore"
	"github.com/looplab/eventdecider/eventstore/memory"
	"github.com/looplab/eventdecider/sandbox"
)

func init() {
	RegisterContext()
}

func newTracer() *mocktracer.MockTracer {
	tracer := mocktracer.New()
	opentracing.SetGlobalTracer(tracer)

	return tracer
}

// NOTE: Not named "Integration" to enable running with the unit tests.
func TestEventStore(t *testing.T) {
	newTracer()

	innerStore, err := memory.NewEventStore()
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	store := NewEventStore(innerStore)
	if store == nil {
		t.Fatal("there should be a store")
	}

	eventstore.AcceptanceTest(t, store, context.Background())

	if NewEventStore(nil) != nil {
		t.Error("there should be no store")
	}
}

func TestEventStoreSpans(t *testing.T) {
	tracer := newTracer()

	innerStore, _ := memory.NewEventStore()
	store := NewEventStore(innerStore)
	ctx := context.Background()

	if _, err := store.ReadStream(ctx, "stream-1"); !errors.Is(err, ed.ErrStreamNotFound) {
		t.Error("there should be a stream not found error:", err)
	}

	res, err := store.Append(ctx, "stream-1", ed.NoStream{}, []ed.ProposedEvent{
		{EventID: "1", EventType: "test.tracing.stream.v1.Created", Data: []byte(`{}`)},
		{EventID: "2", EventType: "test.tracing.stream.v1.Updated", Data: []byte(`{}`)},
	})
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	assert.Equal(t, uint64(1), res.NextExpectedRevision)

	if _, err := store.Append(ctx, "stream-1", ed.NoStream{}, []ed.ProposedEvent{
		{EventID: "3", EventType: "test.tracing.stream.v1.Created"},
	}); !errors.Is(err, ed.ErrWrongExpectedRevision) {
		t.Error("there should be a wrong expected revision error:", err)
	}

	spans := tracer.FinishedSpans()
	if len(spans) != 3 {
		t.Fatal("there should be 3 spans:", len(spans))
	}

	assert.Equal(t, "EventStore.ReadStream", spans[0].OperationName)
	assert.Equal(t, "stream-1", spans[0].Tag("ed.stream_id"))
	assert.Nil(t, spans[0].Tag("error"), "a missing stream is not an error")

	assert.Equal(t, "EventStore.Append", spans[1].OperationName)
	assert.Equal(t, 2, spans[1].Tag("ed.events"))
	assert.Equal(t, "no stream", spans[1].Tag("ed.expected_revision"))
	assert.Equal(t, "test.tracing.stream.v1.Created", spans[1].Tag("ed.event_type"))
	assert.Equal(t, uint64(1), spans[1].Tag("ed.revision"))

	assert.Equal(t, true, spans[2].Tag("error"))
	assert.Nil(t, spans[2].Tag("ed.revision"))
}

type module struct {
	out []byte
	err error
}

func (m *module) Call(ctx context.Context, op string, in []byte) ([]byte, error) {
	return m.out, m.err
}

func (m *module) Close() error {
	return nil
}

func TestModule(t *testing.T) {
	tracer := newTracer()
	ctx := context.Background()

	if NewModule(nil, "test") != nil {
		t.Error("there should be no module")
	}

	m := NewModule(&module{out: []byte(`{"v":1,"ok":"a"}`)}, "test.lua")

	out, err := m.Call(ctx, "stream_id", []byte(`{}`))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	assert.Equal(t, `{"v":1,"ok":"a"}`, string(out))

	callErr := errors.New("budget exceeded")
	m = NewModule(&module{err: callErr}, "test.lua")

	if _, err := m.Call(ctx, "decide", []byte(`{}`)); !errors.Is(err, callErr) {
		t.Error("the error should be the call error:", err)
	}

	spans := tracer.FinishedSpans()
	if len(spans) != 2 {
		t.Fatal("there should be 2 spans:", len(spans))
	}

	assert.Equal(t, "Module.Call(stream_id)", spans[0].OperationName)
	assert.Equal(t, "test.lua", spans[0].Tag("ed.module"))
	assert.Equal(t, "stream_id", spans[0].Tag("ed.op"))
	assert.Equal(t, 2, spans[0].Tag("ed.request_size"))
	assert.Equal(t, 16, spans[0].Tag("ed.response_size"))
	assert.Nil(t, spans[0].Tag("error"))

	assert.Equal(t, "Module.Call(decide)", spans[1].OperationName)
	assert.Equal(t, true, spans[1].Tag("error"))
}

type acquirer struct {
	module
	released bool
}

func (a *acquirer) Acquire(ctx context.Context) (sandbox.Module, func(), error) {
	return &a.module, func() { a.released = true }, nil
}

func TestModuleAcquire(t *testing.T) {
	tracer := newTracer()
	ctx := context.Background()

	inner := &acquirer{module: module{out: []byte(`{"v":1,"ok":"a"}`)}}
	m := NewModule(inner, "test.lua")

	acquired, release, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if _, err := acquired.Call(ctx, "stream_id", []byte(`{}`)); err != nil {
		t.Fatal("there should be no error:", err)
	}

	release()
	assert.True(t, inner.released)

	spans := tracer.FinishedSpans()
	if len(spans) != 2 {
		t.Fatal("there should be 2 spans:", len(spans))
	}

	assert.Equal(t, "Module.Acquire", spans[0].OperationName)
	assert.Equal(t, "Module.Call(stream_id)", spans[1].OperationName, "the acquired module should be traced")

	// Modules that can not be acquired are used as they are.
	plain := NewModule(&module{}, "test.lua")

	same, release, err := plain.Acquire(ctx)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	release()
	assert.Same(t, plain, same)
}

type handler struct {
	result *ed.DecisionResult[string]
	err    error
	ctx    context.Context
}

func (h *handler) HandleCommand(ctx context.Context, cmd string, options ...commandhandler.DispatchOption) (*ed.DecisionResult[string], error) {
	h.ctx = ctx
	return h.result, h.err
}

func TestCommandHandler(t *testing.T) {
	tracer := newTracer()
	ctx := context.Background()

	inner := &handler{result: &ed.DecisionResult[string]{
		StreamID:             "stream-1",
		NextExpectedRevision: 3,
		Events:               []string{"a", "b"},
		Appended:             true,
	}}

	h := NewCommandHandler[string, string](inner, "Create")

	result, err := h.HandleCommand(ctx, "cmd")
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	assert.Equal(t, inner.result, result)
	assert.NotNil(t, opentracing.SpanFromContext(inner.ctx), "the span should be in the context")

	inner = &handler{err: ed.ErrStateIsTerminal}
	h = NewCommandHandler[string, string](inner, "Pause")

	if _, err := h.HandleCommand(ctx, "cmd"); !errors.Is(err, ed.ErrStateIsTerminal) {
		t.Error("the error should be state is terminal:", err)
	}

	spans := tracer.FinishedSpans()
	if len(spans) != 2 {
		t.Fatal("there should be 2 spans:", len(spans))
	}

	assert.Equal(t, "Command(Create)", spans[0].OperationName)
	assert.Equal(t, "stream-1", spans[0].Tag("ed.stream_id"))
	assert.Equal(t, uint64(3), spans[0].Tag("ed.revision"))
	assert.Equal(t, 2, spans[0].Tag("ed.events"))

	assert.Equal(t, "Command(Pause)", spans[1].OperationName)
	assert.Equal(t, "state_is_terminal", spans[1].Tag("ed.error_kind"))
	assert.Equal(t, true, spans[1].Tag("error"))
}

func TestRegisterContext(t *testing.T) {
	tracer := newTracer()

	sp := tracer.StartSpan("parent")
	ctx := opentracing.ContextWithSpan(context.Background(), sp)

	vals := ed.MarshalContext(ctx)
	if vals[tracingSpanKey] == "" {
		t.Fatal("there should be a marshaled span")
	}

	unmarshaled := ed.UnmarshalContext(context.Background(), vals)

	child := opentracing.SpanFromContext(unmarshaled)
	if child == nil {
		t.Fatal("there should be a span in the context")
	}

	childCtx := child.Context().(mocktracer.MockSpanContext)
	parentCtx := sp.Context().(mocktracer.MockSpanContext)
	assert.Equal(t, parentCtx.TraceID, childCtx.TraceID)

	if _, ok := ed.MarshalContext(context.Background())[tracingSpanKey]; ok {
		t.Error("there should be no marshaled span without a span")
	}
}
