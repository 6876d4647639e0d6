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

package json

import (
	"testing"

	"github.com/looplab/eventdecider/codec"
)

func TestEventCodec(t *testing.T) {
	c, err := NewCodec[codec.Event]()
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	expectedBytes := []byte(`{"Bool":true,"String":"string","Number":42,"Slice":["a","b"],"Map":{"key":"value"},"Time":"2009-11-10T23:00:00Z","TimeRef":"2009-11-10T23:00:00Z","NullTime":null,"Struct":{"Bool":true,"String":"string","Number":42},"StructRef":{"Bool":true,"String":"string","Number":42},"NullStruct":null}`)

	codec.EventCodecAcceptanceTest(t, c, expectedBytes)
}

func TestContentType(t *testing.T) {
	c, _ := NewCodec[codec.Event](WithTypeValidation())
	if c.ContentType() != "application/json" {
		t.Error("the content type should be correct:", c.ContentType())
	}
}
