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

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ed "github.com/looplab/eventdecider"
	"github.com/looplab/eventdecider/commandhandler"
	"github.com/looplab/eventdecider/eventstore/memory"
)

// revisionSource has a new revision of every module on each fetch.
type revisionSource struct {
	mu      sync.Mutex
	fetches int
}

func (s *revisionSource) Fetch(ctx context.Context, name string) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches++

	return Artifact{Name: name, Revision: uint64(s.fetches)}, nil
}

// recordingModule answers a complete dispatch and records the revision of
// every call.
type recordingModule struct {
	revision uint64
	calls    *[]string
	closed   bool
}

var recordedResponses = map[string]string{
	OpStreamID:       `{"v":1,"ok":"counter:1"}`,
	OpInitialState:   `{"v":1,"ok":{}}`,
	OpEvolve:         `{"v":1,"ok":{}}`,
	OpIsTerminal:     `{"v":1,"ok":false}`,
	OpDecide:         `{"v":1,"ok":[{"type":"Incremented"}]}`,
	OpEventType:      `{"v":1,"ok":"Incremented"}`,
	OpMarshalEvent:   `{"v":1,"ok":"{}"}`,
	OpUnmarshalEvent: `{"v":1,"ok":{"type":"Incremented"}}`,
}

func (m *recordingModule) Call(ctx context.Context, op string, in []byte) ([]byte, error) {
	if m.closed {
		return nil, ErrModuleClosed
	}

	*m.calls = append(*m.calls, fmt.Sprintf("%s@%d", op, m.revision))

	return []byte(recordedResponses[op]), nil
}

func (m *recordingModule) Close() error {
	m.closed = true
	return nil
}

func TestBridgePinsModuleForDispatch(t *testing.T) {
	source := &revisionSource{}

	var (
		calls    []string
		compiled []*recordingModule
	)

	loader, err := NewLoader(source, func(a Artifact) (Module, error) {
		m := &recordingModule{revision: a.Revision, calls: &calls}
		compiled = append(compiled, m)

		return m, nil
	})
	require.NoError(t, err)

	defer loader.Close()

	store, err := memory.NewEventStore()
	require.NoError(t, err)

	h, err := commandhandler.NewHandler(NewBridge(loader.Bind("counter.lua")), store)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = h.HandleCommand(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	// Replays the first event.
	_, err = h.HandleCommand(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.Equal(t, 2, source.fetches, "there should be one fetch per dispatch")
	assert.Equal(t, []string{
		"stream_id@1", "initial_state@1", "is_terminal@1", "decide@1",
		"event_type@1", "marshal_event@1",
		"stream_id@2", "initial_state@2", "unmarshal_event@2", "evolve@2",
		"is_terminal@2", "decide@2", "event_type@2", "marshal_event@2",
	}, calls)

	require.Len(t, compiled, 2)
	assert.True(t, compiled[0].closed, "the released revision should be closed")
	assert.False(t, compiled[1].closed)
}

func TestLoaderAcquire(t *testing.T) {
	fsys := fstest.MapFS{
		"monitoring.lua": &fstest.MapFile{Data: []byte("v1"), ModTime: time.Unix(1, 0)},
	}

	var compiled []*compiledModule

	loader, err := NewLoader(NewFSSource(fsys), func(a Artifact) (Module, error) {
		m := &compiledModule{artifact: a}
		compiled = append(compiled, m)

		return m, nil
	})
	require.NoError(t, err)

	a, ok := loader.Bind("monitoring.lua").(Acquirer)
	require.True(t, ok, "a bound module should be an acquirer")

	ctx := context.Background()

	pinned, release, err := a.Acquire(ctx)
	require.NoError(t, err)

	fsys["monitoring.lua"] = &fstest.MapFile{Data: []byte("v2"), ModTime: time.Unix(2, 0)}

	latest, err := loader.Load(ctx, "monitoring.lua")
	require.NoError(t, err)

	out, err := latest.Call(ctx, OpInitialState, []byte("null"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"ok":"v2"}`, string(out))

	// The acquired revision stays usable after the reload.
	out, err = pinned.Call(ctx, OpInitialState, []byte("null"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"ok":"v1"}`, string(out))
	assert.False(t, compiled[0].closed)

	release()
	assert.True(t, compiled[0].closed, "the old revision should be closed on release")

	release()

	require.NoError(t, loader.Close())
	assert.True(t, compiled[1].closed)
}

func TestBridgePinWithoutAcquirer(t *testing.T) {
	b := NewBridge(&scriptedModule{})

	d, release, err := b.Pin(context.Background())
	require.NoError(t, err)
	assert.Same(t, b, d)

	release()
}

func TestBridgePinError(t *testing.T) {
	loader, err := NewLoader(NewFSSource(fstest.MapFS{}), func(Artifact) (Module, error) { return nil, nil })
	require.NoError(t, err)

	_, _, err = NewBridge(loader.Bind("missing.lua")).Pin(context.Background())
	assert.ErrorIs(t, err, ErrModuleNotFound)
	assert.Equal(t, ed.KindTransport, ed.KindOf(err))
}
