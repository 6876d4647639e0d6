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
	"fmt"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	"github.com/looplab/eventdecider/sandbox"
)

// Module is a sandbox.Module that adds tracing with Open Tracing.
type Module struct {
	sandbox.Module

	name string
}

// NewModule creates a new Module, the name is used as a tag.
func NewModule(module sandbox.Module, name string) *Module {
	if module == nil {
		return nil
	}

	return &Module{
		Module: module,
		name:   name,
	}
}

// Acquire implements the Acquire method of the sandbox.Acquirer interface. The
// acquired module is traced too. Modules that can not be acquired are
// returned as they are.
func (m *Module) Acquire(ctx context.Context) (sandbox.Module, func(), error) {
	a, ok := m.Module.(sandbox.Acquirer)
	if !ok {
		return m, func() {}, nil
	}

	sp, ctx := opentracing.StartSpanFromContext(ctx, "Module.Acquire")
	defer sp.Finish()

	sp.SetTag("ed.module", m.name)

	module, release, err := a.Acquire(ctx)
	if err != nil {
		ext.LogError(sp, err)
		return nil, nil, err
	}

	return NewModule(module, m.name), release, nil
}

// Call implements the Call method of the sandbox.Module interface.
func (m *Module) Call(ctx context.Context, op string, in []byte) ([]byte, error) {
	opName := fmt.Sprintf("Module.Call(%s)", op)
	sp, ctx := opentracing.StartSpanFromContext(ctx, opName)

	out, err := m.Module.Call(ctx, op, in)

	sp.SetTag("ed.module", m.name)
	sp.SetTag("ed.op", op)
	sp.SetTag("ed.request_size", len(in))
	sp.SetTag("ed.response_size", len(out))
	if err != nil {
		ext.LogError(sp, err)
	}
	sp.Finish()

	return out, err
}
