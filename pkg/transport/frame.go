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


package transport

import (
	"encoding/json"
	"fmt"

	"github.com/united-manufacturing-hub/adminsync/pkg/encoding"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/safejson"
)

// Frame kinds.
const (
	FrameEmit  = "emit"
	FrameAck   = "ack"
	FrameEvent = "event"
)

// Frame is the envelope of every websocket message.
type Frame struct {
	T  string            `json:"t"`
	ID uint64            `json:"id,omitempty"`
	N  string            `json:"n,omitempty"`
	A  []json.RawMessage `json:"a"`
}

// EncodeFrame serialises f. Payloads of at least threshold bytes are
// compressed and must be sent as binary messages.
func EncodeFrame(f Frame, threshold int) (data []byte, binary bool, err error) {
	if f.A == nil {
		f.A = []json.RawMessage{}
	}
	encoded, err := safejson.Marshal(f)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode %s frame %q: %w", f.T, f.N, err)
	}
	if threshold <= 0 {
		return encoded, false, nil
	}
	data, binary = encoding.Compress(encoded, threshold)
	return data, binary, nil
}

// DecodeFrame parses a received message, inflating it first when it is a
// compressed binary message.
func DecodeFrame(data []byte, binary bool) (Frame, error) {
	var f Frame
	if binary {
		inflated, err := encoding.Decompress(data)
		if err != nil {
			return f, fmt.Errorf("failed to decompress frame: %w", err)
		}
		data = inflated
	}
	if err := safejson.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to decode frame: %w", err)
	}
	switch f.T {
	case FrameEmit, FrameAck, FrameEvent:
	default:
		return f, fmt.Errorf("unknown frame type %q", f.T)
	}
	return f, nil
}
