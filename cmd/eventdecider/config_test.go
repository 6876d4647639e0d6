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

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looplab/eventdecider/logging"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVICE_NAME", "checks")
	t.Setenv("EVENTDECIDER_STORE", "nats")
	t.Setenv("EVENTDECIDER_DECIDER", "lua")
	t.Setenv("MODULE_BUCKET", "modules")
	t.Setenv("SANDBOX_TIMEOUT", "250ms")
	t.Setenv("SANDBOX_INSTRUCTIONS", "1000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "checks", cfg.ServiceName)
	assert.Equal(t, StoreNATS, cfg.Store)
	assert.Equal(t, DeciderLua, cfg.Decider)
	assert.Equal(t, "modules", cfg.ModuleBucket)
	assert.Equal(t, "monitoring.lua", cfg.ModuleName)
	assert.Equal(t, 250*time.Millisecond, cfg.SandboxTimeout)
	assert.Equal(t, 1000, cfg.SandboxInstructions)
	assert.Equal(t, logging.Config{Level: "debug", Format: "text"}, cfg.Logging)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Setenv("SANDBOX_TIMEOUT", "soon")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "parse env:")
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Store:               StoreMemory,
		Decider:             DeciderGo,
		SandboxTimeout:      time.Second,
		SandboxInstructions: 1,
		RequestTimeout:      time.Second,
	}

	require.NoError(t, valid.Validate())

	testCases := map[string]struct {
		modify func(*Config)
		err    string
	}{
		"store": {
			modify: func(c *Config) { c.Store = "postgres" },
			err:    "unknown event store: postgres",
		},
		"decider": {
			modify: func(c *Config) { c.Decider = "wasm" },
			err:    "unknown decider: wasm",
		},
		"module sources": {
			modify: func(c *Config) { c.ModuleBucket, c.ModuleFile = "modules", "monitoring.lua" },
			err:    "only one of MODULE_BUCKET and MODULE_FILE can be set",
		},
		"sandbox timeout": {
			modify: func(c *Config) { c.SandboxTimeout = 0 },
			err:    "invalid sandbox timeout: 0s",
		},
		"sandbox instructions": {
			modify: func(c *Config) { c.SandboxInstructions = -1 },
			err:    "invalid sandbox instruction limit: -1",
		},
		"request timeout": {
			modify: func(c *Config) { c.RequestTimeout = 0 },
			err:    "invalid request timeout: 0s",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			c := valid
			tc.modify(&c)
			assert.EqualError(t, c.Validate(), tc.err)
		})
	}
}
