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

// Command eventdecider runs the monitoring domain as a NATS micro service,
// with the decider either in Go or in a sandboxed Lua module.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nats-io/nats.go"

	ed "github.com/looplab/eventdecider"
	"github.com/looplab/eventdecider/commandhandler"
	"github.com/looplab/eventdecider/eventstore/memory"
	"github.com/looplab/eventdecider/eventstore/mongodb"
	natsstore "github.com/looplab/eventdecider/eventstore/nats"
	"github.com/looplab/eventdecider/eventstore/redis"
	"github.com/looplab/eventdecider/examples/monitoring"
	"github.com/looplab/eventdecider/logging"
	"github.com/looplab/eventdecider/publisher/gcp"
	"github.com/looplab/eventdecider/publisher/kafka"
	"github.com/looplab/eventdecider/sandbox"
	"github.com/looplab/eventdecider/sandbox/lua"
	"github.com/looplab/eventdecider/sandbox/natskv"
	"github.com/looplab/eventdecider/tracing"
	transport "github.com/looplab/eventdecider/transport/nats"
)

// Attempts of a dispatch that conflicted with a concurrent write.
const conflictAttempts = 3

func main() {
	if err := run(); err != nil {
		log.Fatal("eventdecider: ", err)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(os.Stderr, cfg.Logging)
	if err != nil {
		return err
	}

	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ZipkinHost != "" {
		closer, err := NewTracer(cfg.ServiceName, cfg.ZipkinHost)
		if err != nil {
			return err
		}

		defer closer.Close()

		tracing.RegisterContext()
	}

	conn, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
	if err != nil {
		return fmt.Errorf("could not connect to NATS: %w", err)
	}

	defer conn.Close()

	store, closeStore, err := newEventStore(cfg, conn)
	if err != nil {
		return err
	}

	defer closeStore()

	publishers, err := newPublishers(cfg)
	if err != nil {
		return err
	}

	defer publishers.Close()

	options := []commandhandler.Option{
		commandhandler.WithLogger(logger),
	}
	if len(publishers) > 0 {
		options = append(options, commandhandler.WithEventPublisher(publishers))
	}

	// The module is closed after the service has stopped.
	var module sandbox.Module
	if cfg.Decider == DeciderLua {
		if module, err = newModule(cfg, conn, logger); err != nil {
			return err
		}

		defer module.Close()
	}

	svc, err := transport.NewServiceWithConn(conn, cfg.ServiceName,
		transport.WithLogger(logger),
		transport.WithRequestTimeout(cfg.RequestTimeout),
	)
	if err != nil {
		return err
	}

	defer svc.Close()

	switch cfg.Decider {
	case DeciderGo:
		err = addEndpoints(svc, tracing.NewEventStore(store), options)
	case DeciderLua:
		err = addSandboxEndpoints(svc, tracing.NewEventStore(store), tracing.NewModule(module, cfg.ModuleName), options)
	}

	if err != nil {
		return err
	}

	logger.Info("service started",
		slog.String("service", cfg.ServiceName),
		slog.String("store", cfg.Store),
		slog.String("decider", cfg.Decider),
	)

	<-ctx.Done()

	logger.Info("service stopping")

	return nil
}

// newEventStore creates the configured event store and a func to close it.
func newEventStore(cfg Config, conn *nats.Conn) (ed.EventStore, func(), error) {
	switch cfg.Store {
	case StoreMongoDB:
		s, err := mongodb.NewEventStore(cfg.MongoDBURI, cfg.MongoDBName)
		if err != nil {
			return nil, nil, fmt.Errorf("could not create MongoDB event store: %w", err)
		}

		return s, func() { s.Close() }, nil
	case StoreRedis:
		s, err := redis.NewEventStore(cfg.RedisAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("could not create Redis event store: %w", err)
		}

		return s, func() { s.Close() }, nil
	case StoreNATS:
		s, err := natsstore.NewEventStoreWithConn(conn, cfg.NATSStream)
		if err != nil {
			return nil, nil, fmt.Errorf("could not create NATS event store: %w", err)
		}

		return s, func() { s.Close() }, nil
	default:
		s, err := memory.NewEventStore()
		if err != nil {
			return nil, nil, fmt.Errorf("could not create memory event store: %w", err)
		}

		return s, func() {}, nil
	}
}

// newPublishers creates the configured publishers, if any.
func newPublishers(cfg Config) (ed.Publishers, error) {
	var publishers ed.Publishers

	if cfg.KafkaAddr != "" {
		p, err := kafka.NewEventPublisher(cfg.KafkaAddr, cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("could not create Kafka publisher: %w", err)
		}

		publishers = append(publishers, p)
	}

	if cfg.GCPProject != "" {
		p, err := gcp.NewEventPublisher(cfg.GCPProject, cfg.GCPTopic)
		if err != nil {
			publishers.Close()
			return nil, fmt.Errorf("could not create Pub/Sub publisher: %w", err)
		}

		publishers = append(publishers, p)
	}

	return publishers, nil
}

// newModule creates the Lua module, from a NATS key/value bucket, a file or
// the embedded monitoring module.
func newModule(cfg Config, conn *nats.Conn, logger *slog.Logger) (sandbox.Module, error) {
	options := []lua.Option{
		lua.WithTimeout(cfg.SandboxTimeout),
		lua.WithInstructionLimit(cfg.SandboxInstructions),
		lua.WithLogger(logger),
	}

	var (
		source sandbox.Source
		name   = cfg.ModuleName
	)

	switch {
	case cfg.ModuleBucket != "":
		s, err := natskv.NewSourceWithConn(conn, cfg.ModuleBucket)
		if err != nil {
			return nil, fmt.Errorf("could not create module source: %w", err)
		}

		source = s
	case cfg.ModuleFile != "":
		source = sandbox.NewFileSource(filepath.Dir(cfg.ModuleFile))
		name = filepath.Base(cfg.ModuleFile)
	default:
		return lua.New(monitoring.ModuleName, monitoring.Module, options...)
	}

	loader, err := sandbox.NewLoader(source, lua.Compile(options...), sandbox.WithLoaderLogger(logger))
	if err != nil {
		return nil, err
	}

	m := &loaderModule{Module: loader.Bind(name), loader: loader, source: source, name: name}

	// Fail early on a missing or broken module.
	if _, err := loader.Load(context.Background(), name); err != nil {
		m.Close()
		return nil, err
	}

	return m, nil
}

// loaderModule closes the loader with the module. Dispatches acquire one
// revision for all of their calls.
type loaderModule struct {
	sandbox.Module

	loader *sandbox.Loader
	source sandbox.Source
	name   string
}

func (m *loaderModule) Acquire(ctx context.Context) (sandbox.Module, func(), error) {
	return m.loader.Acquire(ctx, m.name)
}

func (m *loaderModule) Close() error {
	err := errors.Join(m.Module.Close(), m.loader.Close())

	if c, ok := m.source.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}

	return err
}

func addEndpoints(svc *transport.Service, store ed.EventStore, options []commandhandler.Option) error {
	codec, err := monitoring.NewJSONCodec()
	if err != nil {
		return err
	}

	h, err := commandhandler.NewHandler(ed.InProcess(monitoring.NewEventSourcingDecider(codec)), store, options...)
	if err != nil {
		return err
	}

	retry := commandhandler.NewRetryOnConflict[monitoring.Command, monitoring.Event](h, conflictAttempts)

	for name, unmarshal := range map[string]transport.UnmarshalFunc[monitoring.Command]{
		monitoring.CreateCommand: monitoring.UnmarshalCommand[monitoring.Create],
		monitoring.PauseCommand:  monitoring.UnmarshalCommand[monitoring.Pause],
		monitoring.ResumeCommand: monitoring.UnmarshalCommand[monitoring.Resume],
	} {
		traced := tracing.NewCommandHandler[monitoring.Command, monitoring.Event](retry, name)
		if err := svc.AddEndpoint(name, transport.Dispatch[monitoring.Command, monitoring.Event](traced, unmarshal)); err != nil {
			return err
		}
	}

	return nil
}

func addSandboxEndpoints(svc *transport.Service, store ed.EventStore, module sandbox.Module, options []commandhandler.Option) error {
	h, err := commandhandler.NewHandler(sandbox.NewBridge(module), store, options...)
	if err != nil {
		return err
	}

	retry := commandhandler.NewRetryOnConflict[json.RawMessage, json.RawMessage](h, conflictAttempts)

	for _, name := range []string{
		monitoring.CreateCommand,
		monitoring.PauseCommand,
		monitoring.ResumeCommand,
	} {
		traced := tracing.NewCommandHandler[json.RawMessage, json.RawMessage](retry, name)
		if err := svc.AddEndpoint(name, transport.Dispatch[json.RawMessage, json.RawMessage](traced, transport.TypedCommand(name))); err != nil {
			return err
		}
	}

	return nil
}
