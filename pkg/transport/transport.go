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


// Package transport carries emits, acks and push events between the
// client and the admin server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/united-manufacturing-hub/adminsync/pkg/tools/safejson"
)

// EventName names an inbound push event.
type EventName string

const (
	EventConnect         EventName = "connect"
	EventReconnect       EventName = "reconnect"
	EventDisconnect      EventName = "disconnect"
	EventReauthenticate  EventName = "reauthenticate"
	EventError           EventName = "error"
	EventPermissionError EventName = "permissionError"
	EventObjectChange    EventName = "objectChange"
	EventStateChange     EventName = "stateChange"
	EventInstanceMessage EventName = "im"
	EventFileChange      EventName = "fileChange"
	EventCmdStdout       EventName = "cmdStdout"
	EventCmdStderr       EventName = "cmdStderr"
	EventCmdExit         EventName = "cmdExit"
	EventLog             EventName = "log"
	EventReload          EventName = "reload"
)

var (
	// ErrNotConnected is returned for emits without a live session and
	// for emits still pending when the session drops.
	ErrNotConnected = errors.New("not connected")

	// ErrReauthenticationRequired means the server no longer accepts the
	// session credentials.
	ErrReauthenticationRequired = errors.New("reauthentication required")

	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("transport closed")
)

// Handler receives the arguments of a push event.
type Handler func(args []json.RawMessage)

// Transport is the capability the connection needs from the wire.
type Transport interface {
	// Connect starts supervising the session and waits for the first
	// successful handshake or ctx to end. Supervision continues in the
	// background either way until Close.
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	On(event EventName, h Handler) (off func())
	// Emit sends command and waits for its ack. When ctx ends first the
	// pending ack is dropped, so a late reply is discarded.
	Emit(ctx context.Context, command string, args ...any) (Reply, error)
}

// Reply holds the arguments of an ack. Acks are error first: index 0 is
// null or an error message, results follow.
type Reply []json.RawMessage

// Err returns the error slot as a message, or "" when it is null or missing.
func (r Reply) Err() string {
	if len(r) == 0 || safejson.IsNull(r[0]) {
		return ""
	}
	var msg string
	if err := safejson.Unmarshal(r[0], &msg); err == nil {
		return msg
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := safejson.Unmarshal(r[0], &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(r[0])
}

// Result returns result i, counting after the error slot, or nil.
func (r Reply) Result(i int) json.RawMessage {
	if i+1 >= len(r) {
		return nil
	}
	return r[i+1]
}

// Decode unmarshals result i into v. A missing or null result leaves v
// untouched.
func (r Reply) Decode(i int, v any) error {
	raw := r.Result(i)
	if safejson.IsNull(raw) {
		return nil
	}
	if err := safejson.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode result %d: %w", i, err)
	}
	return nil
}

// Args encodes values into an argument list.
func Args(values ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		if raw, ok := v.(json.RawMessage); ok {
			out[i] = raw
			continue
		}
		encoded, err := safejson.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument %d: %w", i, err)
		}
		out[i] = encoded
	}
	return out, nil
}
