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
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/united-manufacturing-hub/adminsync/pkg/constants"
	"github.com/united-manufacturing-hub/adminsync/pkg/metrics"
	"github.com/united-manufacturing-hub/adminsync/pkg/requestcache"
	"github.com/united-manufacturing-hub/adminsync/pkg/sentry"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/safejson"
	"github.com/united-manufacturing-hub/adminsync/pkg/transport"
)

// callOpts describes one remote call for error annotation.
type callOpts struct {
	op string
	// typ is the resource type named in permission errors.
	typ string
	id  string
	// timeout guards the call when positive.
	timeout time.Duration
}

// CallOption adjusts a timeout guarded call.
type CallOption func(*callOpts)

// WithTimeout overrides Options.InfoTimeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOpts) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func (c *Connection) guarded(op, typ, id string, opts []CallOption) callOpts {
	o := callOpts{op: op, typ: typ, id: id, timeout: c.opts.InfoTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// gate rejects calls while there is no usable session.
func (c *Connection) gate() error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if c.Status() == StatusConnecting || !c.t.Connected() {
		return ErrNotConnected
	}
	return nil
}

// emit issues exactly one wire call and maps the ack onto the error
// taxonomy.
func (c *Connection) emit(ctx context.Context, o callOpts, command string, args ...any) (transport.Reply, error) {
	start := time.Now()
	reply, err := c.emitOnce(ctx, o, command, args...)
	metrics.ObserveRPC(command, resultLabel(err), time.Since(start))
	return reply, err
}

func (c *Connection) emitOnce(ctx context.Context, o callOpts, command string, args ...any) (transport.Reply, error) {
	if err := c.gate(); err != nil {
		return nil, &OpError{Op: o.op, ID: o.id, Err: err}
	}

	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	reply, err := c.t.Emit(callCtx, command, args...)
	if err != nil {
		switch {
		case o.timeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			err = ErrTimeout
		case errors.Is(err, transport.ErrClosed):
			err = ErrClosed
		case errors.Is(err, transport.ErrNotConnected),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
		default:
			sentry.ReportConnectionError(c.log, o.op, o.id, err)
		}
		return nil, &OpError{Op: o.op, ID: o.id, Err: err}
	}

	if isPermissionSentinel(reply) {
		return nil, &PermissionError{Op: o.op, Type: o.typ, ID: o.id}
	}
	if msg := reply.Err(); msg != "" {
		return nil, &RemoteError{Op: o.op, ID: o.id, Message: msg}
	}
	return reply, nil
}

// decode emits command and unmarshals result 0 into T.
func decode[T any](ctx context.Context, c *Connection, o callOpts, command string, args ...any) (T, error) {
	var out T
	reply, err := c.emit(ctx, o, command, args...)
	if err != nil {
		return out, err
	}
	if err := reply.Decode(0, &out); err != nil {
		return out, &OpError{Op: o.op, ID: o.id, Err: err}
	}
	return out, nil
}

// cached runs fn through the request cache under key. update drops the
// cached result first. fn runs on the cache context, not on ctx.
func cached[T any](ctx context.Context, c *Connection, o callOpts, key string, update bool, fn func(ctx context.Context) (T, error), opts ...requestcache.Option) (T, error) {
	if err := c.gate(); err != nil {
		var zero T
		return zero, &OpError{Op: o.op, ID: o.id, Err: err}
	}
	if update {
		c.cache.Invalidate(key)
	}
	out, err := requestcache.Do(ctx, c.cache, key, fn, opts...)
	return out, annotate(o, err)
}

// annotate wraps errors that carry no operation yet.
func annotate(o callOpts, err error) error {
	if err == nil {
		return nil
	}
	var (
		opErr     *OpError
		permErr   *PermissionError
		remoteErr *RemoteError
	)
	if errors.As(err, &opErr) || errors.As(err, &permErr) || errors.As(err, &remoteErr) {
		return err
	}
	return &OpError{Op: o.op, ID: o.id, Err: err}
}

func isPermissionSentinel(reply transport.Reply) bool {
	if reply.Err() == constants.PermissionErrorSentinel {
		return true
	}
	var result string
	raw := reply.Result(0)
	return len(raw) > 0 && raw[0] == '"' && safejson.Unmarshal(raw, &result) == nil && result == constants.PermissionErrorSentinel
}

func resultLabel(err error) string {
	var remoteErr *RemoteError
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrPermissionDenied):
		return metrics.ResultPermission
	case errors.As(err, &remoteErr):
		return metrics.ResultRemoteError
	case errors.Is(err, ErrTimeout):
		return metrics.ResultTimeout
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrClosed):
		return metrics.ResultNotConnected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.ResultCancelled
	default:
		return metrics.ResultError
	}
}

// optional sends "" as null.
func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// rawResult returns result 0 of reply, or nil for a missing result.
func rawResult(reply transport.Reply) json.RawMessage {
	raw := reply.Result(0)
	if safejson.IsNull(raw) {
		return nil
	}
	return raw
}
