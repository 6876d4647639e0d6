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
	"sync"
)

func init() {
	// Register the trace IDs, using the reserved metadata keys.
	RegisterContextMarshaler(func(ctx context.Context, vals map[string]string) {
		if id, ok := CorrelationIDFromContext(ctx); ok {
			vals[CorrelationIDKey] = id
		}
		if id, ok := CausationIDFromContext(ctx); ok {
			vals[CausationIDKey] = id
		}
	})
	RegisterContextUnmarshaler(func(ctx context.Context, vals map[string]string) context.Context {
		if id, ok := vals[CorrelationIDKey]; ok && id != "" {
			ctx = NewContextWithCorrelationID(ctx, id)
		}
		if id, ok := vals[CausationIDKey]; ok && id != "" {
			ctx = NewContextWithCausationID(ctx, id)
		}
		return ctx
	})
}

type contextKey int

// Context keys for trace IDs.
const (
	correlationIDKey contextKey = iota
	causationIDKey
)

// CorrelationIDFromContext returns the correlation ID from the context.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDKey).(string)
	return id, ok && id != ""
}

// NewContextWithCorrelationID sets the correlation ID to use in the context.
func NewContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CausationIDFromContext returns the causation ID from the context.
func CausationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(causationIDKey).(string)
	return id, ok && id != ""
}

// NewContextWithCausationID sets the causation ID to use in the context.
func NewContextWithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationIDKey, id)
}

// Private context marshaling funcs.
var (
	contextMarshalFuncs   = []ContextMarshalFunc{}
	contextMarshalFuncsMu = sync.RWMutex{}

	contextUnmarshalFuncs   = []ContextUnmarshalFunc{}
	contextUnmarshalFuncsMu = sync.RWMutex{}
)

// ContextMarshalFunc is a function that marshals any context values to a map,
// used for storing context in event metadata and sending it on the wire.
type ContextMarshalFunc func(context.Context, map[string]string)

// RegisterContextMarshaler registers a marshaler function used by MarshalContext.
func RegisterContextMarshaler(f ContextMarshalFunc) {
	contextMarshalFuncsMu.Lock()
	defer contextMarshalFuncsMu.Unlock()

	contextMarshalFuncs = append(contextMarshalFuncs, f)
}

// MarshalContext marshals a context into a map.
func MarshalContext(ctx context.Context) map[string]string {
	contextMarshalFuncsMu.RLock()
	defer contextMarshalFuncsMu.RUnlock()

	allVals := map[string]string{}

	for _, f := range contextMarshalFuncs {
		vals := map[string]string{}
		f(ctx, vals)

		for key, val := range vals {
			if _, ok := allVals[key]; ok {
				panic("duplicate context entry for: " + key)
			}

			allVals[key] = val
		}
	}

	return allVals
}

// ContextUnmarshalFunc is a function that unmarshals context values from a map.
type ContextUnmarshalFunc func(context.Context, map[string]string) context.Context

// RegisterContextUnmarshaler registers an unmarshaler function used by UnmarshalContext.
func RegisterContextUnmarshaler(f ContextUnmarshalFunc) {
	contextUnmarshalFuncsMu.Lock()
	defer contextUnmarshalFuncsMu.Unlock()

	contextUnmarshalFuncs = append(contextUnmarshalFuncs, f)
}

// UnmarshalContext unmarshals context values from a map onto a context.
func UnmarshalContext(ctx context.Context, vals map[string]string) context.Context {
	contextUnmarshalFuncsMu.RLock()
	defer contextUnmarshalFuncsMu.RUnlock()

	if vals == nil {
		return ctx
	}

	for _, f := range contextUnmarshalFuncs {
		ctx = f(ctx, vals)
	}

	return ctx
}
