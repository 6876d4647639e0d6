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
	"bytes"
	"encoding/json"
	"fmt"
)

// EnvelopeVersion is the version of the response envelope.
const EnvelopeVersion = 1

// Envelope is the response of a module call. Exactly one of OK and Error is
// set.
type Envelope struct {
	V     int             `json:"v"`
	OK    json.RawMessage `json:"ok,omitempty"`
	Error *GuestError     `json:"error,omitempty"`
}

// OK returns a success envelope for a value.
func OK(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Envelope{V: EnvelopeVersion, OK: data})
}

// Fail returns an error envelope.
func Fail(code, message string) ([]byte, error) {
	return json.Marshal(Envelope{V: EnvelopeVersion, Error: &GuestError{Code: code, Message: message}})
}

// DecodeEnvelope checks the schema of a response envelope and returns either
// the ok value or the guest error.
func DecodeEnvelope(data []byte) (json.RawMessage, *GuestError, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid JSON: %s", ErrMalformedResponse, err)
	}

	if fields == nil {
		return nil, nil, fmt.Errorf("%w: not an object", ErrMalformedResponse)
	}

	var version int
	if err := json.Unmarshal(fields["v"], &version); err != nil || version != EnvelopeVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %s", ErrMalformedResponse, fields["v"])
	}

	ok, hasOK := fields["ok"]
	rawErr, hasErr := fields["error"]

	for k := range fields {
		if k != "v" && k != "ok" && k != "error" {
			return nil, nil, fmt.Errorf("%w: unknown field %q", ErrMalformedResponse, k)
		}
	}

	switch {
	case hasOK && hasErr:
		return nil, nil, fmt.Errorf("%w: both ok and error", ErrMalformedResponse)
	case hasOK:
		return ok, nil, nil
	case hasErr:
		var guestErr GuestError

		dec := json.NewDecoder(bytes.NewReader(rawErr))
		dec.DisallowUnknownFields()

		if err := dec.Decode(&guestErr); err != nil || guestErr.Code == "" {
			return nil, nil, fmt.Errorf("%w: invalid error: %s", ErrMalformedResponse, rawErr)
		}

		return nil, &guestErr, nil
	default:
		return nil, nil, fmt.Errorf("%w: neither ok nor error", ErrMalformedResponse)
	}
}
