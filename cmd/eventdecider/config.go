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
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/looplab/eventdecider/logging"
)

// Event stores.
const (
	StoreMemory  = "memory"
	StoreMongoDB = "mongodb"
	StoreRedis   = "redis"
	StoreNATS    = "nats"
)

// Deciders.
const (
	DeciderGo  = "go"
	DeciderLua = "lua"
)

// Config is the configuration of the process, read from the environment.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"monitoring"`
	Store       string `env:"EVENTDECIDER_STORE" envDefault:"memory"`
	Decider     string `env:"EVENTDECIDER_DECIDER" envDefault:"go"`

	MongoDBURI  string `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017"`
	MongoDBName string `env:"MONGODB_DB" envDefault:"eventdecider"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSStream  string `env:"NATS_STREAM" envDefault:"events"`

	KafkaAddr  string `env:"KAFKA_ADDR"`
	KafkaTopic string `env:"KAFKA_TOPIC" envDefault:"events"`
	GCPProject string `env:"GCP_PROJECT"`
	GCPTopic   string `env:"GCP_TOPIC" envDefault:"events"`

	ZipkinHost string `env:"ZIPKIN_HOST"`

	ModuleBucket        string        `env:"MODULE_BUCKET"`
	ModuleName          string        `env:"MODULE_NAME" envDefault:"monitoring.lua"`
	ModuleFile          string        `env:"MODULE_FILE"`
	SandboxTimeout      time.Duration `env:"SANDBOX_TIMEOUT" envDefault:"1s"`
	SandboxInstructions int           `env:"SANDBOX_INSTRUCTIONS" envDefault:"10000000"`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`

	Logging logging.Config
}

// LoadConfig reads and validates the configuration.
func LoadConfig() (Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreMongoDB, StoreRedis, StoreNATS:
	default:
		return fmt.Errorf("unknown event store: %s", c.Store)
	}

	switch c.Decider {
	case DeciderGo, DeciderLua:
	default:
		return fmt.Errorf("unknown decider: %s", c.Decider)
	}

	if c.ModuleBucket != "" && c.ModuleFile != "" {
		return fmt.Errorf("only one of MODULE_BUCKET and MODULE_FILE can be set")
	}

	if c.SandboxTimeout <= 0 {
		return fmt.Errorf("invalid sandbox timeout: %s", c.SandboxTimeout)
	}

	if c.SandboxInstructions <= 0 {
		return fmt.Errorf("invalid sandbox instruction limit: %d", c.SandboxInstructions)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request timeout: %s", c.RequestTimeout)
	}

	return nil
}
