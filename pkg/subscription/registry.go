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


// Package subscription keeps the listeners registered for wildcard
// patterns and fans notifications out to them.
//
// A Registry only tracks local interest. Issuing the matching wire
// subscribe and unsubscribe calls is up to the owner, which learns
// through the created and emptied results of Add and Remove when a
// pattern needs to go on or off the wire.
package subscription

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/adminsync/pkg/logger"
	"github.com/united-manufacturing-hub/adminsync/pkg/metrics"
	"github.com/united-manufacturing-hub/adminsync/pkg/pattern"
	"github.com/united-manufacturing-hub/adminsync/pkg/sentry"
)

// Callback receives the id of the changed resource and its new payload.
type Callback[T any] func(id string, payload T)

// Listener is a registration handle. Two registrations are the same
// exactly when they use the same *Listener.
type Listener[T any] struct {
	fn Callback[T]
}

// NewListener wraps fn into a handle that can be added to and removed
// from registries.
func NewListener[T any](fn Callback[T]) *Listener[T] {
	return &Listener[T]{fn: fn}
}

type entry[T any] struct {
	pattern   string
	matcher   *pattern.Matcher
	listeners []*Listener[T]
}

// Registry maps patterns to listeners. It is safe for concurrent use.
type Registry[T any] struct {
	name string
	log  *zap.SugaredLogger

	mu      sync.RWMutex
	entries []*entry[T]
	byKey   map[string]*entry[T]
}

// New creates an empty registry. name labels logs and metrics.
func New[T any](name string, log *zap.SugaredLogger) *Registry[T] {
	return &Registry[T]{
		name:  name,
		log:   logger.OrNop(log).With("registry", name),
		byKey: make(map[string]*entry[T]),
	}
}

func (r *Registry[T]) Name() string {
	return r.name
}

// Add registers listener for pattern. created is true when the pattern
// was not registered before. Adding the same listener twice is a no-op.
func (r *Registry[T]) Add(p string, listener *Listener[T]) (created bool) {
	if listener == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byKey[p]
	if !ok {
		e = &entry[T]{pattern: p, matcher: pattern.Compile(p)}
		r.byKey[p] = e
		r.entries = append(r.entries, e)
		created = true
		metrics.SetSubscriptions(r.name, len(r.entries))
	}

	for _, l := range e.listeners {
		if l == listener {
			return created
		}
	}
	e.listeners = append(e.listeners, listener)
	return created
}

// Remove drops listener from pattern, or every listener of pattern when
// listener is nil. emptied is true when the pattern was deleted as a
// result.
func (r *Registry[T]) Remove(p string, listener *Listener[T]) (emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byKey[p]
	if !ok {
		return false
	}

	if listener == nil {
		e.listeners = nil
	} else {
		for i, l := range e.listeners {
			if l == listener {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				break
			}
		}
	}

	if len(e.listeners) > 0 {
		return false
	}

	delete(r.byKey, p)
	for i, other := range r.entries {
		if other == e {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			break
		}
	}
	metrics.SetSubscriptions(r.name, len(r.entries))
	return true
}

// Dispatch invokes every listener whose pattern matches id and returns
// the number of invocations. Listeners run outside the lock, so they may
// add or remove registrations; such changes apply from the next dispatch.
func (r *Registry[T]) Dispatch(id string, payload T) int {
	targets := r.snapshot(id)
	for _, l := range targets {
		Invoke(r.name, r.log, l, id, payload)
	}
	metrics.AddDispatched(r.name, len(targets))
	return len(targets)
}

// Deliver invokes one listener with the same panic isolation as Dispatch.
func (r *Registry[T]) Deliver(listener *Listener[T], id string, payload T) bool {
	metrics.AddDispatched(r.name, 1)
	return Invoke(r.name, r.log, listener, id, payload)
}

func (r *Registry[T]) snapshot(id string) []*Listener[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []*Listener[T]
	for _, e := range r.entries {
		if e.matcher.Match(id) {
			targets = append(targets, e.listeners...)
		}
	}
	return targets
}

// Patterns returns the registered patterns in creation order.
func (r *Registry[T]) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.pattern
	}
	return out
}

// Has reports whether any listener is registered for pattern.
func (r *Registry[T]) Has(p string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byKey[p]
	return ok
}

// Contains reports whether listener is registered for pattern.
func (r *Registry[T]) Contains(p string, listener *Listener[T]) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byKey[p]
	if !ok {
		return false
	}
	for _, l := range e.listeners {
		if l == listener {
			return true
		}
	}
	return false
}

// Len is the number of registered patterns.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Listeners returns a copy of the listeners of pattern in registration order.
func (r *Registry[T]) Listeners(p string) []*Listener[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byKey[p]
	if !ok {
		return nil
	}
	return append([]*Listener[T](nil), e.listeners...)
}

// Invoke calls listener and recovers a panic. It reports false when the
// listener panicked. registry names the caller in logs, metrics and
// sentry reports.
func Invoke[T any](registry string, log *zap.SugaredLogger, listener *Listener[T], id string, payload T) (ok bool) {
	if listener == nil || listener.fn == nil {
		return true
	}

	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			metrics.IncCallbackPanic(registry)
			log = logger.OrNop(log)
			log.Warnw("Listener panicked", "id", id, "panic", fmt.Sprint(rec))
			sentry.ReportCallbackPanic(log, registry, id, rec)
		}
	}()

	listener.fn(id, payload)
	return true
}
