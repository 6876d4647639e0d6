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

// Package lua runs deciders written in Lua as sandbox modules. Each module
// owns one interpreter with only the base, string, table and math libraries,
// without file, OS, load or pcall access. Every call has an instruction and
// time budget.
//
// A module defines a global function per operation. The function gets the
// decoded JSON request and returns an envelope built with ok(value) or
// fail(code, message):
//
//	function decide(req)
//	  if req.state.status ~= "new" then
//	    return fail("AlreadyExists", "monitoring already exists")
//	  end
//	  return ok(json.array({ { type = "MonitoringStarted", id = req.command.id } }))
//	end
//
// JSON null is json.null. Tables decoded from JSON arrays are marked as
// arrays, empty tables built by the guest encode as objects unless wrapped
// with json.array.
package lua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	golua "github.com/Shopify/go-lua"

	"github.com/looplab/eventdecider/sandbox"
)

// Defaults of the call budget.
const (
	DefaultInstructionLimit = 10_000_000
	DefaultTimeout          = time.Second
	DefaultMaxPayload       = 1 << 20
)

// The hook runs every hookInterval instructions.
const hookInterval = 1000

const prelude = `
function ok(value)
  if value == nil then
    value = json.null
  end
  return { v = 1, ok = value }
end

function fail(code, message)
  return { v = 1, error = { code = tostring(code), message = tostring(message or "") } }
end
`

var removedGlobals = []string{
	"collectgarbage",
	"dofile",
	"load",
	"loadfile",
	"loadstring",
	"pcall",
	"require",
	"xpcall",
}

// Module is a sandbox.Module running Lua code. Calls are serialized. The
// interpreter is rebuilt after a call that faulted or ran out of budget.
type Module struct {
	name string
	code string

	instructionLimit int
	timeout          time.Duration
	maxPayload       int
	logger           *slog.Logger

	state  *golua.State
	budget budget
	closed bool
	mu     sync.Mutex
}

var _ sandbox.Module = (*Module)(nil)

type budget struct {
	active   bool
	ctx      context.Context
	used     int
	limit    int
	deadline time.Time
	exceeded string
}

// Option is an option setter used to configure creation.
type Option func(*Module) error

// WithInstructionLimit sets the max number of VM instructions per call,
// counted in steps of 1000. Zero disables the limit.
func WithInstructionLimit(limit int) Option {
	return func(m *Module) error {
		if limit < 0 {
			return fmt.Errorf("negative instruction limit")
		}

		m.instructionLimit = limit

		return nil
	}
}

// WithTimeout sets the max wall time per call. Zero disables the timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(m *Module) error {
		if timeout < 0 {
			return fmt.Errorf("negative timeout")
		}

		m.timeout = timeout

		return nil
	}
}

// WithMaxPayload sets the max size in bytes of requests, responses and
// strings built with string.rep.
func WithMaxPayload(size int) Option {
	return func(m *Module) error {
		if size <= 0 {
			return fmt.Errorf("max payload must be positive")
		}

		m.maxPayload = size

		return nil
	}
}

// WithLogger sets the logger used for print calls of the guest.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Module) error {
		if logger == nil {
			return fmt.Errorf("missing logger")
		}

		m.logger = logger

		return nil
	}
}

// New compiles a module. The code must define a function for every operation.
func New(name string, code []byte, options ...Option) (*Module, error) {
	m := &Module{
		name:             name,
		code:             string(code),
		instructionLimit: DefaultInstructionLimit,
		timeout:          DefaultTimeout,
		maxPayload:       DefaultMaxPayload,
		logger:           slog.New(slog.DiscardHandler),
	}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(m); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	m.logger = m.logger.With(slog.String("module", name))

	state, err := m.newState(context.Background())
	if err != nil {
		return nil, err
	}

	m.state = state

	return m, nil
}

// Compile returns a sandbox.CompileFunc creating modules with options.
func Compile(options ...Option) sandbox.CompileFunc {
	return func(artifact sandbox.Artifact) (sandbox.Module, error) {
		return New(artifact.Name, artifact.Code, options...)
	}
}

// Call implements the Call method of the sandbox.Module interface.
func (m *Module) Call(ctx context.Context, op string, in []byte) ([]byte, error) {
	if len(in) > m.maxPayload {
		return nil, fmt.Errorf("%w: request of %d bytes", sandbox.ErrPayloadTooLarge, len(in))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, sandbox.ErrModuleClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if m.state == nil {
		state, err := m.newState(ctx)
		if err != nil {
			return nil, err
		}

		m.state = state
	}

	l := m.state
	l.SetTop(0)

	l.Global(op)

	if l.TypeOf(-1) != golua.TypeFunction {
		l.SetTop(0)
		return nil, fmt.Errorf("%w: unknown operation %q", sandbox.ErrGuestFault, op)
	}

	if err := pushJSON(l, in); err != nil {
		l.SetTop(0)
		return nil, fmt.Errorf("could not decode request: %w", err)
	}

	if err := m.protectedCall(ctx, l, 1, 1); err != nil {
		m.discard()
		return nil, err
	}

	out, err := encodeValue(l, -1, m.maxPayload)
	l.SetTop(0)

	if errors.Is(err, sandbox.ErrPayloadTooLarge) {
		return nil, fmt.Errorf("%s: %w", op, err)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrMalformedResponse, err)
	}

	return out, nil
}

// Close implements the Close method of the sandbox.Module interface.
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.state = nil

	return nil
}

func (m *Module) discard() {
	m.logger.Debug("discarding interpreter")
	m.state = nil
}

// protectedCall calls the function below argCount values on the stack within
// the call budget.
func (m *Module) protectedCall(ctx context.Context, l *golua.State, argCount, resultCount int) error {
	m.budget = budget{
		active: true,
		ctx:    ctx,
		limit:  m.instructionLimit,
	}
	if m.timeout > 0 {
		m.budget.deadline = time.Now().Add(m.timeout)
	}

	defer func() { m.budget = budget{} }()

	err := l.ProtectedCall(argCount, resultCount, 0)
	if err == nil {
		return nil
	}

	if m.budget.exceeded != "" {
		return fmt.Errorf("%w: %s", sandbox.ErrBudgetExceeded, m.budget.exceeded)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return fmt.Errorf("%w: %s", sandbox.ErrGuestFault, err.Error())
}

func (m *Module) hook(l *golua.State, _ golua.Debug) {
	b := &m.budget
	if !b.active {
		return
	}

	b.used += hookInterval

	switch {
	case b.limit > 0 && b.used > b.limit:
		b.exceeded = fmt.Sprintf("more than %d instructions", b.limit)
	case !b.deadline.IsZero() && time.Now().After(b.deadline):
		b.exceeded = fmt.Sprintf("more than %s", m.timeout)
	case b.ctx.Err() != nil:
		golua.Errorf(l, "%s", b.ctx.Err().Error())
	default:
		return
	}

	golua.Errorf(l, "%s", b.exceeded)
}

func (m *Module) newState(ctx context.Context) (*golua.State, error) {
	l := golua.NewState()

	for _, lib := range []golua.RegistryFunction{
		{Name: "_G", Function: golua.BaseOpen},
		{Name: "string", Function: golua.StringOpen},
		{Name: "table", Function: golua.TableOpen},
		{Name: "math", Function: golua.MathOpen},
	} {
		golua.Require(l, lib.Name, lib.Function, true)
		l.Pop(1)
	}

	for _, name := range removedGlobals {
		l.PushNil()
		l.SetGlobal(name)
	}

	// Deciders must be deterministic.
	l.Global("math")
	l.PushNil()
	l.SetField(-2, "random")
	l.PushNil()
	l.SetField(-2, "randomseed")
	l.Pop(1)

	l.Global("string")
	l.PushGoFunction(m.rep)
	l.SetField(-2, "rep")
	l.Pop(1)

	l.Register("print", m.print)

	openJSON(l, m.maxPayload)

	golua.SetDebugHook(l, m.hook, golua.MaskCount, hookInterval)

	if err := golua.LoadBuffer(l, prelude, "=prelude", "t"); err != nil {
		return nil, fmt.Errorf("could not load prelude: %w", err)
	}

	if err := m.protectedCall(ctx, l, 0, 0); err != nil {
		return nil, fmt.Errorf("could not run prelude: %w", err)
	}

	if err := golua.LoadBuffer(l, m.code, "="+m.name, "t"); err != nil {
		return nil, fmt.Errorf("%w: could not load %s: %s", sandbox.ErrGuestFault, m.name, err.Error())
	}

	if err := m.protectedCall(ctx, l, 0, 0); err != nil {
		return nil, fmt.Errorf("could not run %s: %w", m.name, err)
	}

	var missing []string

	for _, op := range sandbox.Ops {
		l.Global(op)
		if l.TypeOf(-1) != golua.TypeFunction {
			missing = append(missing, op)
		}
		l.Pop(1)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s does not define %s", sandbox.ErrGuestFault, m.name, strings.Join(missing, ", "))
	}

	return l, nil
}

func (m *Module) print(l *golua.State) int {
	n := l.Top()
	parts := make([]string, 0, n)

	for i := 1; i <= n; i++ {
		switch l.TypeOf(i) {
		case golua.TypeString, golua.TypeNumber:
			s, _ := l.ToString(i)
			parts = append(parts, s)
		case golua.TypeBoolean:
			parts = append(parts, fmt.Sprint(l.ToBoolean(i)))
		default:
			parts = append(parts, golua.TypeNameOf(l, i))
		}
	}

	m.logger.Debug(strings.Join(parts, "\t"))

	return 0
}

func (m *Module) rep(l *golua.State) int {
	s := golua.CheckString(l, 1)
	n := golua.CheckInteger(l, 2)
	sep := golua.OptString(l, 3, "")

	if n <= 0 {
		l.PushString("")
		return 1
	}

	if size := len(s)*n + len(sep)*(n-1); n > m.maxPayload || size > m.maxPayload {
		golua.Errorf(l, "string.rep result larger than %d bytes", m.maxPayload)
	}

	parts := make([]string, n)
	for i := range parts {
		parts[i] = s
	}

	l.PushString(strings.Join(parts, sep))

	return 1
}
