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

package bson

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/looplab/eventdecider/codec"
)

// ContentType is the content type of events encoded by the codec.
const ContentType = "application/bson"

// Codec is a codec for marshaling and unmarshaling events to and from bytes
// in BSON format. Event types must be registered before use.
type Codec[E any] struct {
	*codec.Registry[E]
}

// NewCodec creates a new codec.
func NewCodec[E any](options ...codec.Option) (*Codec[E], error) {
	r, err := codec.NewRegistry[E](options...)
	if err != nil {
		return nil, err
	}

	return &Codec[E]{Registry: r}, nil
}

// WithTypeValidation requires registered event types to be valid message
// type names.
func WithTypeValidation() codec.Option {
	return codec.WithTypeValidation()
}

// MarshalEvent marshals an event into its type tag and bytes in BSON format.
func (c *Codec[E]) MarshalEvent(event E) (string, []byte, error) {
	return c.Encode(event, bson.Marshal)
}

// UnmarshalEvent unmarshals an event of a type tag from bytes in BSON format.
func (c *Codec[E]) UnmarshalEvent(eventType string, data []byte) (E, error) {
	return c.Decode(eventType, data, bson.Unmarshal)
}

// ContentType returns the content type of encoded events.
func (c *Codec[E]) ContentType() string {
	return ContentType
}
