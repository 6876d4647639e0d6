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

package mongoutils

import (
	"errors"
	"testing"
)

func TestCheckCollectionName(t *testing.T) {
	tests := []struct {
		name string
		arg  string
		err  error
	}{
		{"empty name", "", ErrMissingCollectionName},
		{"valid name", "events", nil},
		{"with spaces", "invalid name", ErrInvalidCharInCollectionName},
		{"with dollar", "events$", ErrInvalidCharInCollectionName},
		{"system", "system.streams", ErrReservedCollectionName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := CheckCollectionName(tt.arg); !errors.Is(err, tt.err) {
				t.Errorf("CheckCollectionName() error = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestCheckDatabaseName(t *testing.T) {
	tests := []struct {
		name string
		arg  string
		err  error
	}{
		{"empty name", "", ErrMissingDatabaseName},
		{"valid name", "test-1a2b3c4d", nil},
		{"with dot", "test.db", ErrInvalidCharInDatabaseName},
		{"with slash", "test/db", ErrInvalidCharInDatabaseName},
		{"too long", "a123456789b123456789c123456789d123456789e123456789f123456789g123", ErrInvalidCharInDatabaseName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := CheckDatabaseName(tt.arg); !errors.Is(err, tt.err) {
				t.Errorf("CheckDatabaseName() error = %v, want %v", err, tt.err)
			}
		})
	}
}
