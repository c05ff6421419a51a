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
	"errors"
	"sort"
	"strings"

	"github.com/united-manufacturing-hub/adminsync/pkg/metrics"
	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/subscription"
)

// wireKind holds the wire verbs of one registry.
type wireKind struct {
	registry    string
	subscribe   string
	unsubscribe string
}

var (
	stateWire  = wireKind{registry: metrics.RegistryState, subscribe: "subscribe", unsubscribe: "unsubscribe"}
	objectWire = wireKind{registry: metrics.RegistryObject, subscribe: "subscribeObjects", unsubscribe: "unsubscribeObjects"}
	fileWire   = wireKind{registry: metrics.RegistryFile, subscribe: "subscribeFiles", unsubscribe: "unsubscribeFiles"}
)

func (w wireKind) args(p string) []any {
	if w.registry != metrics.RegistryFile {
		return []any{p}
	}
	adapter, path := splitFilePattern(p)
	return []any{adapter, path}
}

// splitFilePattern splits "adapter/path" at the first slash. A bare
// adapter watches all of its files.
func splitFilePattern(p string) (adapter, path string) {
	adapter, path, ok := strings.Cut(p, "/")
	if !ok || path == "" {
		return adapter, "*"
	}
	return adapter, path
}

func (c *Connection) wireSubscribe(ctx context.Context, w wireKind, p string) error {
	_, err := c.emit(ctx, callOpts{op: w.subscribe, typ: w.registry, id: p}, w.subscribe, w.args(p)...)
	return err
}

func (c *Connection) wireUnsubscribe(ctx context.Context, w wireKind, p string) error {
	_, err := c.emit(ctx, callOpts{op: w.unsubscribe, typ: w.registry, id: p}, w.unsubscribe, w.args(p)...)
	return err
}

type fetchFunc[T any] func(ctx context.Context, patterns []string) (map[string]T, error)

// subscribe registers listener for patterns. Patterns new to the
// registry go on the wire once the session is wired, and a new listener
// receives the current values of its pattern. A pattern the server
// refuses is taken back out of the registry.
func subscribe[T any](ctx context.Context, c *Connection, reg *subscription.Registry[T], w wireKind, patterns []string, listener *subscription.Listener[T], fetch fetchFunc[T]) error {
	if listener == nil {
		return errors.New("listener is required")
	}

	var errs []error
	for _, p := range patterns {
		entry := wireEntry{registry: w.registry, pattern: p}

		c.wireMu.Lock()
		known := reg.Contains(p, listener)
		created := reg.Add(p, listener)
		wired, epoch := c.wired.Load(), c.ledger.epoch
		send := created && !c.sentLocked(entry)
		c.wireMu.Unlock()
		if known || !wired {
			continue
		}

		if send {
			if err := c.wireSubscribe(ctx, w, p); err != nil {
				if c.currentEpoch() != epoch {
					// the next session resubscribes the pattern
					continue
				}
				c.wireMu.Lock()
				reg.Remove(p, listener)
				if reg.Has(p) {
					c.log.Warnw("Pattern stays unwired until the next session", "registry", w.registry, "pattern", p)
				}
				c.wireMu.Unlock()
				errs = append(errs, err)
				continue
			}
			c.markSent(entry, epoch)
		}
		if fetch == nil {
			continue
		}

		values, err := fetch(ctx, []string{p})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.enqueue(func() {
			for _, id := range sortedKeys(values) {
				reg.Deliver(listener, id, values[id])
			}
		})
	}
	return errors.Join(errs...)
}

// unsubscribe removes listener, or every listener when nil. A pattern
// that empties goes off the wire.
func unsubscribe[T any](ctx context.Context, c *Connection, reg *subscription.Registry[T], w wireKind, patterns []string, listener *subscription.Listener[T]) error {
	var errs []error
	for _, p := range patterns {
		c.wireMu.Lock()
		emptied := reg.Remove(p, listener)
		wired := c.wired.Load()
		if emptied {
			delete(c.ledger.sent, wireEntry{registry: w.registry, pattern: p})
		}
		c.wireMu.Unlock()
		if !emptied || !wired {
			continue
		}
		if err := c.wireUnsubscribe(ctx, w, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SubscribeState registers listener for state changes matching patterns.
func (c *Connection) SubscribeState(ctx context.Context, patterns []string, listener *subscription.Listener[*models.State]) error {
	return subscribe(ctx, c, c.states, stateWire, patterns, listener, c.fetchStates)
}

func (c *Connection) UnsubscribeState(ctx context.Context, patterns []string, listener *subscription.Listener[*models.State]) error {
	return unsubscribe(ctx, c, c.states, stateWire, patterns, listener)
}

// SubscribeObject registers listener for object changes matching patterns.
func (c *Connection) SubscribeObject(ctx context.Context, patterns []string, listener *subscription.Listener[*models.Object]) error {
	return subscribe(ctx, c, c.objects, objectWire, patterns, listener, c.fetchObjects)
}

func (c *Connection) UnsubscribeObject(ctx context.Context, patterns []string, listener *subscription.Listener[*models.Object]) error {
	return unsubscribe(ctx, c, c.objects, objectWire, patterns, listener)
}

// SubscribeFiles registers listener for file changes. Patterns are
// written "adapter/path-pattern"; payload ids are "adapter/path".
func (c *Connection) SubscribeFiles(ctx context.Context, patterns []string, listener *subscription.Listener[*models.FileChange]) error {
	return subscribe(ctx, c, c.files, fileWire, patterns, listener, nil)
}

func (c *Connection) UnsubscribeFiles(ctx context.Context, patterns []string, listener *subscription.Listener[*models.FileChange]) error {
	return unsubscribe(ctx, c, c.files, fileWire, patterns, listener)
}

// reconcileStates fetches the current values of patterns and dispatches
// them to every matching listener.
func (c *Connection) reconcileStates(ctx context.Context, patterns []string) error {
	values, err := c.fetchStates(ctx, patterns)
	if err != nil {
		return err
	}
	c.enqueue(func() {
		for _, id := range sortedKeys(values) {
			c.states.Dispatch(id, values[id])
		}
	})
	return nil
}

func (c *Connection) reconcileObjects(ctx context.Context, patterns []string) error {
	values, err := c.fetchObjects(ctx, patterns)
	if err != nil {
		return err
	}
	c.enqueue(func() {
		for _, id := range sortedKeys(values) {
			c.objects.Dispatch(id, values[id])
		}
	})
	return nil
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
