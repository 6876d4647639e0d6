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

// Package tracing adds Open Tracing spans to event stores, sandboxed modules
// and command handlers.
package tracing

import (
	"context"
	"encoding/json"
	"log"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	ed "github.com/looplab/eventdecider"
)

// The metadata key to marshal the span context.
const (
	tracingSpanKey = "$tracingSpan"
)

// RegisterContext registers the tracing span to be marshaled/unmarshaled on
// the context. The span context is then stored in the metadata of appended
// events and propagated from the metadata of incoming commands, for tracers
// that support it (like Jaeger).
func RegisterContext() {
	ed.RegisterContextMarshaler(func(ctx context.Context, vals map[string]string) {
		if span := opentracing.SpanFromContext(ctx); span != nil {
			tracer := opentracing.GlobalTracer()

			carrier := opentracing.TextMapCarrier{}
			if err := tracer.Inject(span.Context(), opentracing.TextMap, carrier); err != nil {
				log.Printf("eventdecider: could not inject tracing span: %s", err)

				return
			}

			js, err := json.Marshal(carrier)
			if err != nil {
				log.Printf("eventdecider: could not marshal tracing span: %s", err)

				return
			}

			vals[tracingSpanKey] = string(js)
		}
	})
	ed.RegisterContextUnmarshaler(func(ctx context.Context, vals map[string]string) context.Context {
		if js, ok := vals[tracingSpanKey]; ok && js != "" {
			tracer := opentracing.GlobalTracer()

			carrier := opentracing.TextMapCarrier{}
			if err := json.Unmarshal([]byte(js), &carrier); err != nil {
				log.Printf("eventdecider: could not unmarshal tracing span: %s", err)

				return ctx
			}

			parentSpanContext, err := tracer.Extract(opentracing.TextMap, carrier)
			if err != nil && err != opentracing.ErrSpanContextNotFound {
				log.Printf("eventdecider: could not extract tracing span: %s", err)

				return ctx
			}

			span := tracer.StartSpan("command", ext.RPCServerOption(parentSpanContext))
			ctx = opentracing.ContextWithSpan(ctx, span)
		}

		return ctx
	})
}
