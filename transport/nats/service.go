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

// Package nats receives commands as requests to a NATS micro service. Every
// command is an endpoint on the subject svc.<service>.<command>.
//
// The request body carries the command and the metadata of the caller:
//
//	{"metadata": {"$correlationId": "..."}, "payload": {...}}
//
// A successful dispatch responds with {"nextExpectedVersion": n}. Failures are
// service errors with a status code by error kind and a JSON body
// {"kind": "...", "message": "..."}.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	ed "github.com/looplab/eventdecider"
	"github.com/looplab/eventdecider/commandhandler"
	"github.com/looplab/eventdecider/logging"
	"github.com/looplab/eventdecider/sandbox"
)

// SubjectPrefix is the first token of all command subjects.
const SubjectPrefix = "svc"

// DefaultRequestTimeout is the max duration of a dispatch.
const DefaultRequestTimeout = 10 * time.Second

// Status codes of failed requests.
const (
	StatusBadRequest    = "400"
	StatusConflict      = "409"
	StatusUnprocessable = "422"
	StatusInternal      = "500"
	StatusUnavailable   = "503"
)

// Request is the body of a command request.
type Request struct {
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  json.RawMessage   `json:"payload"`
}

// Response is the body of a successful command request.
type Response struct {
	NextExpectedVersion uint64 `json:"nextExpectedVersion"`
}

// ErrorBody is the body of a failed command request. NextExpectedVersion is
// set when the events were appended but not published.
type ErrorBody struct {
	Kind                string  `json:"kind"`
	Message             string  `json:"message"`
	NextExpectedVersion *uint64 `json:"nextExpectedVersion,omitempty"`
}

// Failure is a failed request, sent as a service error.
type Failure struct {
	Code        string
	Description string
	Body        ErrorBody
}

// Handler dispatches a request, returning the next expected revision of the
// stream. A publish error is returned with the revision of the append.
type Handler func(ctx context.Context, req Request) (uint64, error)

// UnmarshalFunc unmarshals the payload of a request into a command.
type UnmarshalFunc[C any] func(data []byte) (C, error)

// Service is a NATS micro service for command intake.
type Service struct {
	conn          *nats.Conn
	connOwnership connOwnership
	connOpts      []nats.Option
	svc           micro.Service
	group         micro.Group
	name          string
	version       string
	timeout       time.Duration
	logger        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type connOwnership int

const (
	internalConn connOwnership = iota
	externalConn
)

// NewService creates a new Service with a NATS URL.
func NewService(url, name string, options ...Option) (*Service, error) {
	s := &Service{connOwnership: internalConn}

	if err := s.apply(name, options); err != nil {
		return nil, err
	}

	conn, err := nats.Connect(url, s.connOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not connect to NATS: %w", err)
	}

	s.conn = conn

	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// NewServiceWithConn creates a new Service with a connection.
func NewServiceWithConn(conn *nats.Conn, name string, options ...Option) (*Service, error) {
	if conn == nil {
		return nil, fmt.Errorf("missing NATS connection")
	}

	s := &Service{conn: conn, connOwnership: externalConn}

	if err := s.apply(name, options); err != nil {
		return nil, err
	}

	if err := s.init(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) apply(name string, options []Option) error {
	if name == "" || strings.ContainsAny(name, " .*>") {
		return fmt.Errorf("invalid service name %q", name)
	}

	s.name = name
	s.version = "1.0.0"
	s.timeout = DefaultRequestTimeout
	s.logger = logging.Discard()

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(s); err != nil {
			return fmt.Errorf("error while applying option: %w", err)
		}
	}

	return nil
}

func (s *Service) init() error {
	svc, err := micro.AddService(s.conn, micro.Config{
		Name:        s.name,
		Version:     s.version,
		Description: "command intake of " + s.name,
	})
	if err != nil {
		return fmt.Errorf("could not add service: %w", err)
	}

	s.svc = svc
	s.group = svc.AddGroup(SubjectPrefix + "." + s.name)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return nil
}

// Option is an option setter used to configure creation.
type Option func(*Service) error

// WithNATSOptions adds the NATS options to the underlying client.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(s *Service) error {
		s.connOpts = append(s.connOpts, opts...)
		return nil
	}
}

// WithVersion sets the semantic version of the service, "1.0.0" by default.
func WithVersion(version string) Option {
	return func(s *Service) error {
		s.version = version
		return nil
	}
}

// WithRequestTimeout sets the max duration of a dispatch.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(s *Service) error {
		if timeout <= 0 {
			return fmt.Errorf("invalid request timeout: %s", timeout)
		}

		s.timeout = timeout

		return nil
	}
}

// WithLogger sets the logger for failed requests.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		if logger == nil {
			return fmt.Errorf("missing logger")
		}

		s.logger = logger

		return nil
	}
}

// Subject returns the subject of a command endpoint.
func (s *Service) Subject(command string) string {
	return SubjectPrefix + "." + s.name + "." + command
}

// AddEndpoint adds an endpoint for a command.
func (s *Service) AddEndpoint(command string, h Handler) error {
	if h == nil {
		return fmt.Errorf("missing handler for %s", command)
	}

	if command == "" || strings.ContainsAny(command, " .*>") {
		return fmt.Errorf("invalid command name %q", command)
	}

	logger := s.logger.With(slog.String("command", command))

	handler := micro.ContextHandler(s.ctx, func(ctx context.Context, req micro.Request) {
		s.wg.Add(1)
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		data, failure := Process(ctx, h, req.Data())
		if failure != nil {
			logger.InfoContext(ctx, "command failed",
				slog.String("code", failure.Code),
				slog.String("kind", failure.Body.Kind),
				slog.String("message", failure.Body.Message),
			)

			body, _ := json.Marshal(failure.Body)
			if err := req.Error(failure.Code, failure.Description, body); err != nil {
				logger.WarnContext(ctx, "could not respond", slog.Any("error", err))
			}

			return
		}

		if err := req.Respond(data); err != nil {
			logger.WarnContext(ctx, "could not respond", slog.Any("error", err))
		}
	})

	if err := s.group.AddEndpoint(command, handler); err != nil {
		return fmt.Errorf("could not add endpoint %s: %w", command, err)
	}

	return nil
}

// Close stops the service, waiting for running requests to finish.
func (s *Service) Close() error {
	err := s.svc.Stop()

	s.cancel()
	s.wg.Wait()

	if s.connOwnership == internalConn {
		s.conn.Close()
	}

	if err != nil {
		return fmt.Errorf("could not stop service: %w", err)
	}

	return nil
}

// Dispatch returns a Handler that unmarshals the payload into a command and
// dispatches it to a command handler. The request metadata is set on the
// context, so that correlation and causation IDs are propagated, and added to
// the metadata of the appended events.
func Dispatch[C, E any](h commandhandler.CommandHandler[C, E], unmarshal UnmarshalFunc[C]) Handler {
	return func(ctx context.Context, req Request) (uint64, error) {
		cmd, err := unmarshal(req.Payload)
		if err != nil {
			return 0, &requestError{err: err}
		}

		ctx = ed.UnmarshalContext(ctx, req.Metadata)

		metadata := map[string]string{}
		for k, v := range req.Metadata {
			// Reserved keys travel in the context.
			if !strings.HasPrefix(k, "$") {
				metadata[k] = v
			}
		}

		result, err := h.HandleCommand(ctx, cmd, commandhandler.WithMetadata(metadata))
		if err != nil && result != nil && ed.KindOf(err) == ed.KindPublish {
			return result.NextExpectedRevision, err
		} else if err != nil {
			return 0, err
		}

		return result.NextExpectedRevision, nil
	}
}

// JSONCommand is an UnmarshalFunc for JSON commands of a concrete type.
func JSONCommand[C any](data []byte) (C, error) {
	var cmd C
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, err
	}

	return cmd, nil
}

// RawCommand is an UnmarshalFunc passing the payload as is, for sandboxed
// deciders.
func RawCommand(data []byte) (json.RawMessage, error) {
	if len(data) == 0 {
		return nil, errors.New("missing payload")
	}

	return json.RawMessage(data), nil
}

// TypedCommand returns an UnmarshalFunc for sandboxed deciders, setting the
// "type" field of a JSON object payload to the command name of the endpoint.
func TypedCommand(commandType string) UnmarshalFunc[json.RawMessage] {
	return func(data []byte) (json.RawMessage, error) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}

		if fields == nil {
			return nil, errors.New("payload is not an object")
		}

		fields["type"], _ = json.Marshal(commandType)

		return json.Marshal(fields)
	}
}

// requestError is when the request can not be turned into a command.
type requestError struct {
	err error
}

func (e *requestError) Error() string {
	return "invalid request: " + e.err.Error()
}

func (e *requestError) Unwrap() error {
	return e.err
}

// Process decodes a request body and dispatches it, returning either the
// response body or the failure to send.
func Process(ctx context.Context, h Handler, data []byte) ([]byte, *Failure) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, failure(&requestError{err: err})
	}

	if len(req.Payload) == 0 {
		return nil, failure(&requestError{err: errors.New("missing payload")})
	}

	revision, err := h(ctx, req)
	if err != nil {
		f := failure(err)

		// The append is committed, retrying would conflict.
		if ed.KindOf(err) == ed.KindPublish {
			f.Body.NextExpectedVersion = &revision
		}

		return nil, f
	}

	body, err := json.Marshal(Response{NextExpectedVersion: revision})
	if err != nil {
		return nil, failure(err)
	}

	return body, nil
}

// failure maps an error to a service error by its kind.
func failure(err error) *Failure {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return &Failure{
			Code:        StatusBadRequest,
			Description: "bad_request",
			Body:        ErrorBody{Kind: "bad_request", Message: err.Error()},
		}
	}

	kind := ed.KindOf(err)
	f := &Failure{
		Code:        StatusInternal,
		Description: kind.String(),
		Body:        ErrorBody{Kind: kind.String(), Message: err.Error()},
	}

	switch kind {
	case ed.KindStateIsTerminal:
		f.Code = StatusConflict
		f.Description = "state_is_terminal"
	case ed.KindDomain:
		f.Code = StatusUnprocessable
		f.Description = "domain_error"

		var guestErr *sandbox.GuestError
		if errors.As(err, &guestErr) && guestErr.Code != "" {
			f.Description = guestErr.Code
		}
	case ed.KindConcurrency:
		f.Code = StatusConflict
		f.Description = "wrong_expected_revision"
	case ed.KindTransport:
		f.Code = StatusUnavailable
	}

	return f
}
