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

// Package mongoutils checks names used by the MongoDB event store.
package mongoutils

import (
	"errors"
	"strings"
)

var (
	ErrMissingCollectionName       = errors.New("missing collection name")
	ErrInvalidCharInCollectionName = errors.New("invalid char in collection name")
	ErrReservedCollectionName      = errors.New("reserved collection name")
	ErrMissingDatabaseName         = errors.New("missing database name")
	ErrInvalidCharInDatabaseName   = errors.New("invalid char in database name")
)

// CheckCollectionName checks if a collection name is valid for mongodb.
// Spaces are rejected too since they are hard to see by humans.
func CheckCollectionName(name string) error {
	switch {
	case name == "":
		return ErrMissingCollectionName
	case strings.ContainsAny(name, " $\x00"):
		return ErrInvalidCharInCollectionName
	case strings.HasPrefix(name, "system."):
		return ErrReservedCollectionName
	}

	return nil
}

// CheckDatabaseName checks if a database name is valid for mongodb.
func CheckDatabaseName(name string) error {
	switch {
	case name == "":
		return ErrMissingDatabaseName
	case len(name) > 63 || strings.ContainsAny(name, " /\\.\"$*<>:|?\x00"):
		return ErrInvalidCharInDatabaseName
	}

	return nil
}
