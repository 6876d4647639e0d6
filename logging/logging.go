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

// Package logging configures the structured logger of a process and provides
// log values for the errors of a dispatch.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"

	ed "github.com/looplab/eventdecider"
)

// Formats of the log output.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config is the logger configuration, read from the environment.
type Config struct {
	Level     string `env:"LOG_LEVEL" envDefault:"info"`
	Format    string `env:"LOG_FORMAT" envDefault:"json"`
	AddSource bool   `env:"LOG_ADD_SOURCE"`
}

// ConfigFromEnv reads the logger configuration from the environment.
func ConfigFromEnv() (Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("could not parse logging config: %w", err)
	}

	return c, nil
}

// ParseLevel parses a level name, case insensitive. "warning" is an alias of
// "warn".
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %s", level)
	}
}

// New creates a logger writing to w.
func New(w io.Writer, c Config) (*slog.Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: c.AddSource,
	}

	var handler slog.Handler

	switch strings.ToLower(c.Format) {
	case FormatText:
		handler = slog.NewTextHandler(w, opts)
	case "", FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", c.Format)
	}

	return slog.New(handler), nil
}

// Discard returns a logger that logs nothing, the default of all components.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Error returns an attribute describing an error returned from a dispatch,
// with its kind and, for infrastructure errors, the failed operation.
func Error(err error) slog.Attr {
	return slog.Any("error", errorValuer{err: err})
}

type errorValuer struct {
	err error
}

// LogValue implements the slog.LogValuer interface.
func (v errorValuer) LogValue() slog.Value {
	if v.err == nil {
		return slog.StringValue("<nil>")
	}

	attrs := []slog.Attr{
		slog.String("message", v.err.Error()),
		slog.String("kind", ed.KindOf(v.err).String()),
	}

	var dispatchErr *ed.DispatchError
	if errors.As(v.err, &dispatchErr) {
		attrs = append(attrs, slog.String("op", string(dispatchErr.Op)))

		if dispatchErr.StreamID != "" {
			attrs = append(attrs, slog.String("stream_id", dispatchErr.StreamID))
		}

		if dispatchErr.Revision != nil {
			attrs = append(attrs, slog.Uint64("revision", *dispatchErr.Revision))
		}
	}

	return slog.GroupValue(attrs...)
}
