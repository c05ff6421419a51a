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


// Package requestcache coalesces concurrent remote calls for the same
// resource into one call whose result every caller shares.
package requestcache

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/adminsync/pkg/logger"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/safejson"
)

// Factory produces the value for a key. ctx is the cache's context, not
// the context of whichever caller happened to arrive first.
type Factory func(ctx context.Context) (any, error)

// Pending is the shared handle of one call.
type Pending struct {
	done  chan struct{}
	value any
	err   error
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the result. It must only be called after Done is closed.
func (p *Pending) Result() (any, error) {
	return p.value, p.err
}

// Wait blocks until the result is available or ctx ends. A waiter that
// gives up does not affect the shared call.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type entry struct {
	pending           *Pending
	evictAfterResolve bool
	keepErrors        bool
}

// Option tunes a single GetOrCreate.
type Option func(*entry)

// EvictAfterResolve drops the key as soon as the call resolves, so only
// callers that overlap with it share the result.
func EvictAfterResolve() Option {
	return func(e *entry) { e.evictAfterResolve = true }
}

// KeepErrors keeps a failed result cached. Failures are evicted by default.
func KeepErrors() Option {
	return func(e *entry) { e.keepErrors = true }
}

// Cache maps keys to pending calls.
type Cache struct {
	ctx     context.Context
	mu      sync.Mutex
	entries map[string]*entry
	logger  *zap.SugaredLogger
}

// New returns a Cache whose factories run under ctx.
func New(ctx context.Context, log *zap.SugaredLogger) *Cache {
	return &Cache{
		ctx:     ctx,
		entries: make(map[string]*entry),
		logger:  logger.OrNop(log),
	}
}

// GetOrCreate returns the live handle for key, or starts factory and
// stores its handle. Options only apply when a new call is started.
func (c *Cache) GetOrCreate(key string, factory Factory, opts ...Option) *Pending {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		c.logger.Debugf("joining pending request %s", key)
		return e.pending
	}

	e := &entry{pending: &Pending{done: make(chan struct{})}}
	for _, opt := range opts {
		opt(e)
	}
	c.entries[key] = e
	c.mu.Unlock()

	go c.run(key, e, factory)
	return e.pending
}

func (c *Cache) run(key string, e *entry, factory Factory) {
	defer func() {
		if r := recover(); r != nil {
			e.pending.err = fmt.Errorf("request %s panicked: %v", key, r)
		}
		close(e.pending.done)

		if e.evictAfterResolve || (e.pending.err != nil && !e.keepErrors) {
			c.evict(key, e)
		}
	}()

	e.pending.value, e.pending.err = factory(c.ctx)
}

// evict removes key only if it still points at e; a newer call that
// replaced it stays.
func (c *Cache) evict(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.entries[key]; ok && current == e {
		delete(c.entries, key)
	}
}

// Invalidate forgets key. Callers already waiting keep their handle.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateAll forgets every key.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Do is the typed form of GetOrCreate followed by Wait.
func Do[T any](ctx context.Context, c *Cache, key string, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var zero T

	p := c.GetOrCreate(key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts...)

	v, err := p.Wait(ctx)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok && v != nil {
		return zero, fmt.Errorf("request %s resolved to %T, want %T", key, v, zero)
	}
	return typed, nil
}

// Key derives a stable cache key for a parameterised query.
func Key(verb string, args ...any) string {
	if len(args) == 0 {
		return verb
	}
	encoded, err := safejson.Marshal(args)
	if err != nil {
		// unencodable args never share a key
		return verb + ":" + strconv.FormatUint(xxhash.Sum64String(fmt.Sprintf("%#v", args)), 16)
	}
	var sum [8]byte
	d := xxhash.New()
	_, _ = d.Write(encoded)
	return verb + ":" + hex.EncodeToString(d.Sum(sum[:0]))
}
