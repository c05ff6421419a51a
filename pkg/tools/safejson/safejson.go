// Copyright 2025 UMH Systems GmbH
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


// Package safejson encodes with goccy/go-json and falls back to the
// standard library whenever goccy panics on an unusual value.
package safejson

import (
	"encoding/base64"
	jsonstd "encoding/json"
	"errors"
	"reflect"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

var ErrNotPointer = errors.New("decoded must be a non-nil pointer")

func Unmarshal(val []byte, decoded any) (err error) {
	rv := reflect.ValueOf(decoded)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return ErrNotPointer
	}

	defer func() {
		if r := recover(); r != nil {
			zap.S().Warnf("goccy failed to decode, falling back to stdlib: %v (payload: %s)", r, base64.StdEncoding.EncodeToString(val))
			err = jsonstd.Unmarshal(val, decoded)
		}
	}()

	return json.Unmarshal(val, decoded)
}

func Marshal(val any) (encoded []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Warnf("goccy failed to encode, falling back to stdlib: %v", r)
			encoded, err = jsonstd.Marshal(val)
		}
	}()

	return json.Marshal(val)
}

func MarshalIndent(val any, prefix, indent string) (encoded []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Warnf("goccy failed to encode, falling back to stdlib: %v", r)
			encoded, err = jsonstd.MarshalIndent(val, prefix, indent)
		}
	}()

	return json.MarshalIndent(val, prefix, indent)
}

// MustMarshal panics if val cannot be encoded.
func MustMarshal(val any) []byte {
	encoded, err := Marshal(val)
	if err != nil {
		panic(err)
	}
	return encoded
}

// IsNull reports whether raw is empty or the JSON literal null.
func IsNull(raw []byte) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case 'n':
			return string(trimSpace(raw)) == "null"
		default:
			return false
		}
	}
	return true
}

func trimSpace(raw []byte) []byte {
	start, end := 0, len(raw)
	for start < end && isSpace(raw[start]) {
		start++
	}
	for end > start && isSpace(raw[end-1]) {
		end--
	}
	return raw[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
