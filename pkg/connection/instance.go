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
	"sync"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/adminsync/pkg/backoff"
	"github.com/united-manufacturing-hub/adminsync/pkg/metrics"
	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/subscription"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/safejson"
)

type instanceKey struct {
	target  string
	msgType string
}

type instanceEntry struct {
	data      json.RawMessage
	listeners []*subscription.Listener[*models.InstanceMessage]
}

// instanceChannel tracks accepted subscriptions on adapter instances,
// keyed by target instance and message type.
type instanceChannel struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	entries map[instanceKey]*instanceEntry
	order   []instanceKey
}

func newInstanceChannel(log *zap.SugaredLogger) *instanceChannel {
	return &instanceChannel{log: log, entries: make(map[instanceKey]*instanceEntry)}
}

func (ch *instanceChannel) add(key instanceKey, data json.RawMessage, listener *subscription.Listener[*models.InstanceMessage]) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	e, ok := ch.entries[key]
	if !ok {
		e = &instanceEntry{}
		ch.entries[key] = e
		ch.order = append(ch.order, key)
	}
	e.data = data
	for _, l := range e.listeners {
		if l == listener {
			return
		}
	}
	e.listeners = append(e.listeners, listener)
}

// remove drops listener, or all listeners when nil, and reports whether
// key has no listeners left.
func (ch *instanceChannel) remove(key instanceKey, listener *subscription.Listener[*models.InstanceMessage]) (emptied bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	e, ok := ch.entries[key]
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
	ch.dropLocked(key)
	return true
}

func (ch *instanceChannel) dropLocked(key instanceKey) {
	delete(ch.entries, key)
	for i, k := range ch.order {
		if k == key {
			ch.order = append(ch.order[:i:i], ch.order[i+1:]...)
			break
		}
	}
}

func (ch *instanceChannel) len() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.entries)
}

func (ch *instanceChannel) dispatch(msg *models.InstanceMessage) int {
	ch.mu.Lock()
	var targets []*subscription.Listener[*models.InstanceMessage]
	if e, ok := ch.entries[instanceKey{target: msg.Source, msgType: msg.Type}]; ok {
		targets = append(targets, e.listeners...)
	}
	ch.mu.Unlock()

	for _, l := range targets {
		subscription.Invoke(metrics.RegistryInstance, ch.log, l, msg.Source, msg)
	}
	metrics.AddDispatched(metrics.RegistryInstance, len(targets))
	return len(targets)
}

type pendingInstance struct {
	key  instanceKey
	data json.RawMessage
}

func (k instanceKey) entry() wireEntry {
	return wireEntry{registry: metrics.RegistryInstance, pattern: k.target, msgType: k.msgType}
}

// unsentLocked lists the pairs the server does not hold yet. The caller
// holds c.wireMu.
func (ch *instanceChannel) unsentLocked(c *Connection) []pendingInstance {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	out := make([]pendingInstance, 0, len(ch.order))
	for _, key := range ch.order {
		if c.sentLocked(key.entry()) {
			continue
		}
		out = append(out, pendingInstance{key: key, data: ch.entries[key].data})
	}
	return out
}

// resubscribe subscribes every pending pair once. Pairs the instance
// now rejects are dropped and reported.
func (ch *instanceChannel) resubscribe(ctx context.Context, c *Connection, pending []pendingInstance, epoch uint64) error {
	for _, p := range pending {
		result, err := c.clientSubscribe(ctx, p.key, p.data)
		if err == nil && result.Accepted {
			c.markSent(p.key.entry(), epoch)
			continue
		}
		if err == nil {
			err = &RemoteError{Op: "SubscribeOnInstance", ID: p.key.target, Message: result.Error}
		} else if !backoff.IsPermanentError(err) {
			return err
		}

		ch.log.Warnw("Instance subscription dropped", "target", p.key.target, "type", p.key.msgType, "error", err)
		ch.mu.Lock()
		ch.dropLocked(p.key)
		ch.mu.Unlock()
		c.reportError(err)
	}
	return nil
}

func (c *Connection) clientSubscribe(ctx context.Context, key instanceKey, data json.RawMessage) (models.InstanceSubscribeResult, error) {
	return decode[models.InstanceSubscribeResult](ctx, c, callOpts{op: "SubscribeOnInstance", typ: "instance", id: key.target}, "clientSubscribe", key.target, key.msgType, data)
}

// SubscribeOnInstance asks target to send messages of msgType to this
// client. listener is kept only when the instance accepts; a rejection
// returns a *RemoteError carrying the reason.
func (c *Connection) SubscribeOnInstance(ctx context.Context, target, msgType string, data any, listener *subscription.Listener[*models.InstanceMessage]) (models.InstanceSubscribeResult, error) {
	encoded, err := safejson.Marshal(data)
	if err != nil {
		return models.InstanceSubscribeResult{}, &OpError{Op: "SubscribeOnInstance", ID: target, Err: err}
	}

	key := instanceKey{target: target, msgType: msgType}
	epoch := c.currentEpoch()
	result, err := c.clientSubscribe(ctx, key, encoded)
	if err != nil {
		return result, err
	}
	if !result.Accepted {
		return result, &RemoteError{Op: "SubscribeOnInstance", ID: target, Message: result.Error}
	}
	if listener != nil {
		c.wireMu.Lock()
		c.instances.add(key, encoded, listener)
		if c.ledger.epoch == epoch {
			c.ledger.sent[key.entry()] = struct{}{}
		}
		c.wireMu.Unlock()
	}
	return result, nil
}

// UnsubscribeFromInstance removes listener, or every listener when nil.
// The server is told only once no listener for the pair remains.
func (c *Connection) UnsubscribeFromInstance(ctx context.Context, target, msgType string, listener *subscription.Listener[*models.InstanceMessage]) error {
	key := instanceKey{target: target, msgType: msgType}

	c.wireMu.Lock()
	emptied := c.instances.remove(key, listener)
	wired := c.wired.Load()
	if emptied {
		delete(c.ledger.sent, key.entry())
	}
	c.wireMu.Unlock()
	if !emptied || !wired {
		return nil
	}
	_, err := c.emit(ctx, callOpts{op: "UnsubscribeFromInstance", typ: "instance", id: target}, "clientUnsubscribe", target, msgType)
	return err
}
