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

package connection

import (
	"errors"
	"fmt"

	"github.com/united-manufacturing-hub/adminsync/pkg/backoff"
	"github.com/united-manufacturing-hub/adminsync/pkg/transport"
)

var (
	// ErrNotConnected is returned by every operation while the
	// connection is connecting or the transport is down.
	ErrNotConnected = transport.ErrNotConnected

	// ErrReauthenticationRequired means the session must be established
	// again with fresh credentials. The connection does not retry it.
	ErrReauthenticationRequired = transport.ErrReauthenticationRequired

	ErrPermissionDenied = errors.New("permission denied")
	ErrTimeout          = errors.New("timeout")
	ErrNotSupported     = errors.New("not supported for this role")
	ErrClosed           = errors.New("connection closed")
)

// OpError annotates a failure with the operation and the resource it
// was about.
type OpError struct {
	Op  string
	ID  string
	Err error
}

func (e *OpError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.ID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Category makes OpError usable with backoff.Retry.
func (e *OpError) Category() backoff.ErrorCategory {
	switch {
	case errors.Is(e.Err, ErrReauthenticationRequired),
		errors.Is(e.Err, ErrClosed),
		errors.Is(e.Err, transport.ErrClosed),
		errors.Is(e.Err, ErrNotSupported):
		return backoff.CategoryPermanent
	default:
		return backoff.CategoryOf(e.Err)
	}
}

// PermissionError is returned when the server refused an operation for
// lack of rights. It matches ErrPermissionDenied.
type PermissionError struct {
	Op   string
	Type string
	ID   string
}

func (e *PermissionError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: permission denied for %s", e.Op, e.Type)
	}
	return fmt.Sprintf("%s %s: permission denied for %s", e.Op, e.ID, e.Type)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

func (e *PermissionError) Category() backoff.ErrorCategory {
	return backoff.CategoryPermanent
}

// RemoteError carries the message the server put into the error slot of
// an ack.
type RemoteError struct {
	Op      string
	ID      string
	Message string
}

func (e *RemoteError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.ID, e.Message)
}

func (e *RemoteError) Category() backoff.ErrorCategory {
	return backoff.CategoryPermanent
}
