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

// Package connection keeps a live view of an admin server. It drives the
// session lifecycle over a transport, mirrors the interest of local
// listeners onto the server and exposes the server's remote calls.
//
// A Connection owns one dispatcher goroutine. Push events, lifecycle
// transitions and every listener or Options callback run on it, in the
// order the transport delivered them.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/adminsync/internal/fsm"
	"github.com/united-manufacturing-hub/adminsync/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/adminsync/pkg/logger"
	"github.com/united-manufacturing-hub/adminsync/pkg/metrics"
	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/requestcache"
	"github.com/united-manufacturing-hub/adminsync/pkg/sentry"
	"github.com/united-manufacturing-hub/adminsync/pkg/subscription"
	"github.com/united-manufacturing-hub/adminsync/pkg/transport"
)

type latencyReporter interface {
	Latency() models.Latency
}

// Connection is a client session against one admin server.
type Connection struct {
	opts     Options
	strategy strategy
	t        transport.Transport
	log      *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	queue   *taskQueue
	machine *fsm.Machine
	cache   *requestcache.Cache

	states    *subscription.Registry[*models.State]
	objects   *subscription.Registry[*models.Object]
	files     *subscription.Registry[*models.FileChange]
	cmds      *subscription.Registry[*models.CmdOutput]
	instances *instanceChannel
	keepAlive *subscription.Listener[*models.State]

	objectsMu   sync.RWMutex
	objectCache map[string]*models.Object

	statusMu sync.Mutex
	status   Status
	statusCh chan struct{}

	// wired is true while the registries are mirrored on the server.
	wired     atomic.Bool
	wireMu    sync.Mutex
	ledger    wireLedger
	lifecycle *ctxmutex.CtxMutex

	sessionMu     sync.Mutex
	generation    uint64
	sessionCancel context.CancelFunc
	everReady     bool
	reloadPending bool
	version       string
	user          string

	infoMu       sync.RWMutex
	systemConfig *models.Object
	permissions  *models.Permissions

	offs      []func()
	started   atomic.Bool
	closeOnce sync.Once
}

// New creates a Connection on top of t. Nothing happens on the wire
// until Start.
func New(t transport.Transport, opts Options) (*Connection, error) {
	if t == nil {
		return nil, errors.New("transport is required")
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}

	log := opts.Logger.With("client", opts.Name)
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		opts:        opts,
		strategy:    strategyFor(opts.Role),
		t:           t,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
		queue:       newTaskQueue(log),
		machine:     fsm.NewMachine(opts.Name, log),
		cache:       requestcache.New(ctx, logger.For(logger.ComponentRequestCache)),
		states:      subscription.New[*models.State](metrics.RegistryState, log),
		objects:     subscription.New[*models.Object](metrics.RegistryObject, log),
		files:       subscription.New[*models.FileChange](metrics.RegistryFile, log),
		cmds:        subscription.New[*models.CmdOutput]("cmd", log),
		instances:   newInstanceChannel(log),
		keepAlive:   subscription.NewListener(func(string, *models.State) {}),
		objectCache: make(map[string]*models.Object),
		status:      StatusConnecting,
		statusCh:    make(chan struct{}),
		lifecycle:   ctxmutex.NewCtxMutex(),
		ledger:      wireLedger{sent: make(map[wireEntry]struct{})},
	}

	for _, state := range []string{fsm.StateConnecting, fsm.StateConnected, fsm.StateObjectsLoaded, fsm.StateStatesLoaded, fsm.StateReady} {
		c.machine.OnEnter(state, func(from string) {
			c.setStatus(Status(from), Status(state))
		})
	}
	for _, p := range opts.AutoSubscribes {
		c.states.Add(p, c.keepAlive)
	}
	return c, nil
}

// Start registers the push handlers, starts the dispatcher and connects
// the transport. It returns once the first handshake completed or ctx
// ended; the transport keeps reconnecting in the background either way.
func (c *Connection) Start(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("connection already started")
	}

	c.register()
	go c.queue.run(c.ctx, c.opts.Watchdog, c.opts.Name, c.opts.QueueWarnDepth)

	if err := c.t.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Close stops the dispatcher and the transport. Pending calls fail and
// waiters return ErrClosed.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.queue.close()
		for _, off := range c.offs {
			off()
		}
		c.endSession()
		c.unwire()
		c.cache.InvalidateAll()
		err = c.t.Close()
	})
	return err
}

func (c *Connection) register() {
	on := func(event transport.EventName, h transport.Handler) {
		off := c.t.On(event, func(args []json.RawMessage) {
			c.enqueue(func() { h(args) })
		})
		c.offs = append(c.offs, off)
	}

	on(transport.EventConnect, func([]json.RawMessage) { c.onConnected(false) })
	on(transport.EventReconnect, func([]json.RawMessage) { c.onConnected(true) })
	on(transport.EventDisconnect, c.onDisconnected)
	on(transport.EventReauthenticate, func([]json.RawMessage) { c.onReauthenticate() })
	on(transport.EventReload, func([]json.RawMessage) { c.onReload() })
	on(transport.EventError, c.onRemoteError)
	on(transport.EventPermissionError, c.onPermissionError)
	on(transport.EventStateChange, c.onStateChange)
	on(transport.EventObjectChange, c.onObjectChange)
	on(transport.EventFileChange, c.onFileChange)
	on(transport.EventInstanceMessage, c.onInstanceMessage)
	on(transport.EventCmdStdout, c.onCmdOutput(transport.EventCmdStdout))
	on(transport.EventCmdStderr, c.onCmdOutput(transport.EventCmdStderr))
	on(transport.EventCmdExit, c.onCmdOutput(transport.EventCmdExit))
	on(transport.EventLog, c.onLog)
}

// enqueue defers t to the dispatcher goroutine.
func (c *Connection) enqueue(t task) {
	if !c.queue.push(t) {
		c.log.Debug("Dropping task after close")
	}
}

// callback runs a user supplied Options callback with panic isolation.
func (c *Connection) callback(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.IncCallbackPanic(dispatcherRegistry)
			c.log.Warnw("Callback panicked", "callback", name, "panic", fmt.Sprint(rec))
			sentry.ReportCallbackPanic(c.log, dispatcherRegistry, name, rec)
		}
	}()
	fn()
}

// reportError hands err to Options.OnError on the dispatcher.
func (c *Connection) reportError(err error) {
	if c.opts.OnError == nil {
		return
	}
	c.enqueue(func() {
		c.callback("OnError", func() { c.opts.OnError(err) })
	})
}

func (c *Connection) setStatus(from, to Status) {
	c.statusMu.Lock()
	c.status = to
	close(c.statusCh)
	c.statusCh = make(chan struct{})
	c.statusMu.Unlock()

	metrics.SetConnectionStatus(fsm.Ordinal(string(to)))
	c.log.Infow("Connection status changed", "from", from, "to", to)

	if to == StatusReady {
		c.sessionMu.Lock()
		c.everReady = true
		c.sessionMu.Unlock()
	}
	if c.opts.OnStatusChange != nil {
		c.callback("OnStatusChange", func() { c.opts.OnStatusChange(from, to) })
	}
}

// transition feeds event into the lifecycle machine. Only the
// dispatcher calls it.
func (c *Connection) transition(event string) {
	if err := c.machine.SendEvent(c.ctx, event); err != nil {
		c.log.Debugw("Lifecycle event rejected", "event", event, "error", err)
	}
}

func (c *Connection) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// WaitForStatus blocks until the connection reached target or a later
// status, ctx ends or the connection is closed.
func (c *Connection) WaitForStatus(ctx context.Context, target Status) error {
	if fsm.Ordinal(string(target)) < 0 {
		return fmt.Errorf("unknown status %q", target)
	}
	for {
		c.statusMu.Lock()
		current, changed := c.status, c.statusCh
		c.statusMu.Unlock()

		if current.AtLeast(target) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		}
	}
}

func (c *Connection) WaitReady(ctx context.Context) error {
	return c.WaitForStatus(ctx, StatusReady)
}

// Latency returns emit round trip statistics when the transport keeps
// them, and zeroes otherwise.
func (c *Connection) Latency() models.Latency {
	if lr, ok := c.t.(latencyReporter); ok {
		return lr.Latency()
	}
	return models.Latency{}
}

func (c *Connection) Role() Role {
	return c.strategy.role
}
