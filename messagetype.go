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

package eventdecider

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidMessageType is when a message type is not of the form
// <namespace>.<domain>.<stream>.<version>.<name>.
var ErrInvalidMessageType = errors.New("invalid message type")

var messageTypeChars = regexp.MustCompile(`^[a-zA-Z0-9]+(?:[._][a-zA-Z0-9]+)*$`)

// MessageType is a fully qualified name of a command or event, for example
// "acme.banking.account.v1.AccountOpened".
type MessageType string

// NewMessageType validates and returns a message type.
func NewMessageType(s string) (MessageType, error) {
	if !messageTypeChars.MatchString(s) {
		return "", fmt.Errorf("%w: invalid characters: %q", ErrInvalidMessageType, s)
	}

	if n := strings.Count(s, ".") + 1; n != 5 {
		return "", fmt.Errorf("%w: want 5 dot separated tokens, got %d: %q", ErrInvalidMessageType, n, s)
	}

	return MessageType(s), nil
}

// MustMessageType is like NewMessageType but panics on invalid input. It is
// meant for package level declarations.
func MustMessageType(s string) MessageType {
	t, err := NewMessageType(s)
	if err != nil {
		panic(err)
	}

	return t
}

// String implements the Stringer interface.
func (t MessageType) String() string {
	return string(t)
}

// Namespace returns the first token of the message type.
func (t MessageType) Namespace() string { return t.token(0) }

// Domain returns the second token of the message type.
func (t MessageType) Domain() string { return t.token(1) }

// Stream returns the third token of the message type.
func (t MessageType) Stream() string { return t.token(2) }

// Version returns the fourth token of the message type.
func (t MessageType) Version() string { return t.token(3) }

// Name returns the last token of the message type.
func (t MessageType) Name() string { return t.token(4) }

func (t MessageType) token(i int) string {
	tokens := strings.Split(string(t), ".")
	if i >= len(tokens) {
		return ""
	}

	return tokens[i]
}
