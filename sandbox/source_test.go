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
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type compiledModule struct {
	artifact Artifact
	closed   bool
}

func (m *compiledModule) Call(ctx context.Context, op string, in []byte) ([]byte, error) {
	if m.closed {
		return nil, ErrModuleClosed
	}

	return OK(string(m.artifact.Code))
}

func (m *compiledModule) Close() error {
	m.closed = true
	return nil
}

func TestFileSource(t *testing.T) {
	modTime := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	fsys := fstest.MapFS{
		"monitoring.lua": &fstest.MapFile{Data: []byte("v1"), ModTime: modTime},
	}
	source := NewFSSource(fsys)

	artifact, err := source.Fetch(context.Background(), "monitoring.lua")
	require.NoError(t, err)
	assert.Equal(t, "monitoring.lua", artifact.Name)
	assert.Equal(t, uint64(modTime.UnixNano()), artifact.Revision)
	assert.Equal(t, "v1", string(artifact.Code))

	_, err = source.Fetch(context.Background(), "missing.lua")
	assert.ErrorIs(t, err, ErrModuleNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = source.Fetch(ctx, "monitoring.lua")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoader(t *testing.T) {
	fsys := fstest.MapFS{
		"monitoring.lua": &fstest.MapFile{Data: []byte("v1"), ModTime: time.Unix(1, 0)},
	}

	var compiled []*compiledModule

	compile := func(a Artifact) (Module, error) {
		m := &compiledModule{artifact: a}
		compiled = append(compiled, m)

		return m, nil
	}

	loader, err := NewLoader(NewFSSource(fsys), compile)
	require.NoError(t, err)

	bound := loader.Bind("monitoring.lua")
	ctx := context.Background()

	out, err := bound.Call(ctx, OpInitialState, []byte("null"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"ok":"v1"}`, string(out))

	// The same revision is not compiled again.
	_, err = bound.Call(ctx, OpInitialState, []byte("null"))
	require.NoError(t, err)
	assert.Len(t, compiled, 1)

	fsys["monitoring.lua"] = &fstest.MapFile{Data: []byte("v2"), ModTime: time.Unix(2, 0)}

	out, err = bound.Call(ctx, OpInitialState, []byte("null"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"ok":"v2"}`, string(out))
	require.Len(t, compiled, 2)
	assert.True(t, compiled[0].closed, "the old revision should be closed")
	assert.False(t, compiled[1].closed)

	require.NoError(t, bound.Close())
	assert.False(t, compiled[1].closed, "a bound module does not own the module")

	require.NoError(t, loader.Close())
	assert.True(t, compiled[1].closed)

	_, err = loader.Bind("missing.lua").Call(ctx, OpInitialState, []byte("null"))
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestLoaderCompileError(t *testing.T) {
	fsys := fstest.MapFS{
		"broken.lua": &fstest.MapFile{Data: []byte("("), ModTime: time.Unix(1, 0)},
	}
	compileErr := errors.New("syntax error")

	loader, err := NewLoader(NewFSSource(fsys), func(Artifact) (Module, error) {
		return nil, compileErr
	})
	require.NoError(t, err)

	_, err = loader.Load(context.Background(), "broken.lua")
	assert.ErrorIs(t, err, compileErr)
	assert.EqualError(t, err, "could not compile module broken.lua@1000000000: syntax error")
}

func TestNewLoaderErrors(t *testing.T) {
	_, err := NewLoader(nil, func(Artifact) (Module, error) { return nil, nil })
	assert.EqualError(t, err, "missing source")

	_, err = NewLoader(NewFSSource(fstest.MapFS{}), nil)
	assert.EqualError(t, err, "missing compile func")

	_, err = NewLoader(NewFSSource(fstest.MapFS{}), func(Artifact) (Module, error) { return nil, nil }, WithLoaderLogger(nil))
	assert.EqualError(t, err, "error while applying option: missing logger")
}
