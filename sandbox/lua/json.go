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

package lua

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	golua "github.com/Shopify/go-lua"

	"github.com/looplab/eventdecider/sandbox"
)

// Registry names of the JSON marker metatables and the null sentinel.
const (
	arrayMetaTable  = "eventdecider.json.array"
	objectMetaTable = "eventdecider.json.object"
	nullMetaTable   = "eventdecider.json.null"
	nullRegistryKey = "eventdecider.json.nullvalue"

	jsonTypeField = "__jsontype"
	maxDepth      = 64
)

var errTooDeep = errors.New("nesting too deep")

// openJSON registers the json global: null, array, object, encode and decode.
func openJSON(l *golua.State, maxPayload int) {
	for name, jsonType := range map[string]string{
		arrayMetaTable:  "array",
		objectMetaTable: "object",
		nullMetaTable:   "null",
	} {
		golua.NewMetaTable(l, name)
		l.PushString(jsonType)
		l.SetField(-2, jsonTypeField)
		l.Pop(1)
	}

	l.NewTable()
	golua.SetMetaTableNamed(l, nullMetaTable)
	l.SetField(golua.RegistryIndex, nullRegistryKey)

	golua.NewLibrary(l, []golua.RegistryFunction{
		{Name: "array", Function: markTable(arrayMetaTable)},
		{Name: "object", Function: markTable(objectMetaTable)},
		{Name: "encode", Function: func(l *golua.State) int {
			golua.CheckAny(l, 1)

			data, err := encodeValue(l, 1, maxPayload)
			if err != nil {
				golua.Errorf(l, "json.encode: %s", err.Error())
			}

			l.PushString(string(data))

			return 1
		}},
		{Name: "decode", Function: func(l *golua.State) int {
			s := golua.CheckString(l, 1)
			if err := pushJSON(l, []byte(s)); err != nil {
				golua.Errorf(l, "json.decode: %s", err.Error())
			}

			return 1
		}},
	})
	l.Field(golua.RegistryIndex, nullRegistryKey)
	l.SetField(-2, "null")
	l.SetGlobal("json")
}

func markTable(metaTable string) golua.Function {
	return func(l *golua.State) int {
		if l.IsNoneOrNil(1) {
			l.SetTop(0)
			l.NewTable()
		} else {
			golua.CheckType(l, 1, golua.TypeTable)
			l.SetTop(1)
		}

		golua.SetMetaTableNamed(l, metaTable)

		return 1
	}
}

// pushJSON decodes a JSON document and pushes it as a Lua value. Arrays are
// marked so they encode back as arrays when empty, null is the json.null
// sentinel.
func pushJSON(l *golua.State, data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if dec.More() {
		return fmt.Errorf("invalid JSON: trailing data")
	}

	return pushValue(l, v, 0)
}

func pushValue(l *golua.State, v any, depth int) error {
	if depth > maxDepth {
		return errTooDeep
	}

	if !l.CheckStack(2) {
		return errTooDeep
	}

	switch v := v.(type) {
	case nil:
		l.Field(golua.RegistryIndex, nullRegistryKey)
	case bool:
		l.PushBoolean(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return fmt.Errorf("invalid number %s: %w", v, err)
		}

		l.PushNumber(f)
	case string:
		l.PushString(v)
	case []any:
		l.CreateTable(len(v), 0)

		for i, e := range v {
			if err := pushValue(l, e, depth+1); err != nil {
				return err
			}

			l.RawSetInt(-2, i+1)
		}

		golua.SetMetaTableNamed(l, arrayMetaTable)
	case map[string]any:
		l.CreateTable(0, len(v))

		for k, e := range v {
			if err := pushValue(l, e, depth+1); err != nil {
				return err
			}

			l.SetField(-2, k)
		}
	default:
		return fmt.Errorf("unsupported JSON value %T", v)
	}

	return nil
}

// encodeValue encodes the Lua value at an index as JSON.
func encodeValue(l *golua.State, index int, maxPayload int) ([]byte, error) {
	e := &encoder{l: l, maxPayload: maxPayload}
	e.enc = json.NewEncoder(&e.buf)
	e.enc.SetEscapeHTML(false)

	if err := e.value(l.AbsIndex(index), 0); err != nil {
		return nil, err
	}

	if maxPayload > 0 && e.buf.Len() > maxPayload {
		return nil, sandbox.ErrPayloadTooLarge
	}

	return e.buf.Bytes(), nil
}

type encoder struct {
	l          *golua.State
	buf        bytes.Buffer
	enc        *json.Encoder
	maxPayload int
}

func (e *encoder) value(index, depth int) error {
	if depth > maxDepth {
		return errTooDeep
	}

	if e.maxPayload > 0 && e.buf.Len() > e.maxPayload {
		return sandbox.ErrPayloadTooLarge
	}

	l := e.l

	switch l.TypeOf(index) {
	case golua.TypeNil:
		e.buf.WriteString("null")
	case golua.TypeBoolean:
		e.buf.WriteString(strconv.FormatBool(l.ToBoolean(index)))
	case golua.TypeNumber:
		f, _ := l.ToNumber(index)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("unsupported number %v", f)
		}

		if f == math.Trunc(f) && math.Abs(f) < 1e15 {
			e.buf.WriteString(strconv.FormatInt(int64(f), 10))
		} else {
			e.buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
		}
	case golua.TypeString:
		s, _ := l.ToString(index)
		e.str(s)
	case golua.TypeTable:
		return e.table(index, depth)
	default:
		return fmt.Errorf("unsupported %s value", golua.TypeNameOf(l, index))
	}

	return nil
}

func (e *encoder) str(s string) {
	// Encode appends a newline.
	_ = e.enc.Encode(s)
	e.buf.Truncate(e.buf.Len() - 1)
}

func (e *encoder) table(index, depth int) error {
	l := e.l

	if !l.CheckStack(3) {
		return errTooDeep
	}

	jsonType := ""
	if golua.MetaField(l, index, jsonTypeField) {
		jsonType, _ = l.ToString(-1)
		l.Pop(1)
	}

	if jsonType == "null" {
		e.buf.WriteString("null")
		return nil
	}

	var (
		keys    []string
		count   int
		isArray = jsonType != "object"
	)

	l.PushNil()

	for l.Next(index) {
		count++

		switch l.TypeOf(-2) {
		case golua.TypeString:
			k, _ := l.ToString(-2)
			keys = append(keys, k)
			isArray = false
		case golua.TypeNumber:
			if f, _ := l.ToNumber(-2); f != math.Trunc(f) || f < 1 {
				l.Pop(2)
				return fmt.Errorf("unsupported table key %v", f)
			}
		default:
			t := golua.TypeNameOf(l, -2)
			l.Pop(2)

			return fmt.Errorf("unsupported %s table key", t)
		}

		l.Pop(1)
	}

	if jsonType == "array" && len(keys) != 0 {
		return fmt.Errorf("array has string keys")
	}

	if len(keys) != 0 && len(keys) != count {
		return fmt.Errorf("table mixes array and object keys")
	}

	// An unmarked empty table is an object.
	if count == 0 && jsonType == "" {
		isArray = false
	}

	if isArray {
		if jsonType == "object" || l.RawLength(index) != count {
			return fmt.Errorf("array has holes")
		}

		e.buf.WriteByte('[')

		for i := 1; i <= count; i++ {
			if i > 1 {
				e.buf.WriteByte(',')
			}

			l.RawGetInt(index, i)
			err := e.value(l.AbsIndex(-1), depth+1)
			l.Pop(1)

			if err != nil {
				return err
			}
		}

		e.buf.WriteByte(']')

		return nil
	}

	if len(keys) != count {
		return fmt.Errorf("object has non string keys")
	}

	sort.Strings(keys)
	e.buf.WriteByte('{')

	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}

		e.str(k)
		e.buf.WriteByte(':')

		l.PushString(k)
		l.RawGet(index)
		err := e.value(l.AbsIndex(-1), depth+1)
		l.Pop(1)

		if err != nil {
			return err
		}
	}

	e.buf.WriteByte('}')

	return nil
}
