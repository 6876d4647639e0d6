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

package natskv

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looplab/eventdecider/sandbox"
)

func TestSourceIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	// Use NATS in Docker with fallback to localhost.
	addr := os.Getenv("NATS_ADDR")
	if addr == "" {
		addr = "localhost:4222"
	}

	conn, err := nats.Connect("nats://" + addr)
	require.NoError(t, err, "there should be no error")

	defer conn.Close()

	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}

	bucket := "test-" + hex.EncodeToString(b)

	source, err := NewSourceWithConn(conn, bucket, WithCreateBucket(jetstream.KeyValueConfig{History: 2}))
	require.NoError(t, err, "there should be no error")

	defer func() {
		js, err := jetstream.New(conn)
		require.NoError(t, err)
		assert.NoError(t, js.DeleteKeyValue(context.Background(), bucket))
	}()

	ctx := context.Background()

	_, err = source.Fetch(ctx, "monitoring.lua")
	assert.ErrorIs(t, err, sandbox.ErrModuleNotFound)

	rev1, err := source.Put(ctx, "monitoring.lua", []byte("v1"))
	require.NoError(t, err)

	artifact, err := source.Fetch(ctx, "monitoring.lua")
	require.NoError(t, err)
	assert.Equal(t, sandbox.Artifact{Name: "monitoring.lua", Revision: rev1, Code: []byte("v1")}, artifact)

	rev2, err := source.Put(ctx, "monitoring.lua", []byte("v2"))
	require.NoError(t, err)
	assert.Greater(t, rev2, rev1)

	// The watch picks up the new revision.
	assert.Eventually(t, func() bool {
		artifact, err := source.Fetch(ctx, "monitoring.lua")
		return err == nil && artifact.Revision == rev2
	}, 5*time.Second, 10*time.Millisecond)

	var compiled []string

	loader, err := sandbox.NewLoader(source, func(a sandbox.Artifact) (sandbox.Module, error) {
		compiled = append(compiled, string(a.Code))
		return &echoModule{}, nil
	})
	require.NoError(t, err)

	defer loader.Close()

	_, err = loader.Load(ctx, "monitoring.lua")
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, compiled)

	require.NoError(t, source.Close(), "an external connection is not closed")
	assert.False(t, conn.IsClosed())
}

func TestNewSourceErrors(t *testing.T) {
	if _, err := NewSourceWithConn(nil, "modules"); err == nil {
		t.Error("there should be an error")
	}

	if _, err := NewSource("nats://localhost:4222", ""); err == nil {
		t.Error("there should be an error")
	}
}

type echoModule struct{}

func (m *echoModule) Call(ctx context.Context, op string, in []byte) ([]byte, error) {
	return in, nil
}

func (m *echoModule) Close() error { return nil }
