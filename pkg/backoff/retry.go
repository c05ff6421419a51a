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


package backoff

import (
	"context"
	"time"

	cbackoff "github.com/cenkalti/backoff"
)

// Policy configures an exponential backoff.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	// MaxRetries caps the retries after the first attempt. Zero means unbounded.
	MaxRetries uint64
}

// NewExponential returns a jittered exponential backoff between initial
// and max that never gives up on elapsed time.
func NewExponential(initial, max time.Duration) *cbackoff.ExponentialBackOff {
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Retry runs op until it succeeds, returns a permanent or ignored error,
// the retry budget is spent or ctx ends. notify, when set, sees every
// failed attempt together with the delay before the next one.
func Retry(ctx context.Context, p Policy, op func(ctx context.Context) error, notify func(err error, next time.Duration)) error {
	var b cbackoff.BackOff = NewExponential(p.Initial, p.Max)
	if p.MaxRetries > 0 {
		b = cbackoff.WithMaxRetries(b, p.MaxRetries)
	}

	return cbackoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return cbackoff.Permanent(err)
		}

		err := op(ctx)
		switch {
		case err == nil:
			return nil
		case IsIgnoredError(err):
			return nil
		case IsPermanentError(err):
			return cbackoff.Permanent(err)
		default:
			return err
		}
	}, cbackoff.WithContext(b, ctx), notify)
}
