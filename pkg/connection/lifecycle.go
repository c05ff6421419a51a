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

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/adminsync/internal/fsm"
	"github.com/united-manufacturing-hub/adminsync/pkg/backoff"
	"github.com/united-manufacturing-hub/adminsync/pkg/constants"
	"github.com/united-manufacturing-hub/adminsync/pkg/metrics"
	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/sentry"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/safejson"
)

var errStaleSession = backoff.NewPermanentError(errors.New("session superseded"))

// newSession cancels the running session setup and starts a new
// generation.
func (c *Connection) newSession() (context.Context, uint64) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.sessionCancel != nil {
		c.sessionCancel()
	}
	c.generation++
	ctx, cancel := context.WithCancel(c.ctx)
	c.sessionCancel = cancel
	return ctx, c.generation
}

func (c *Connection) endSession() {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCancel = nil
	}
	c.generation++
}

func (c *Connection) isCurrent(gen uint64) bool {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.generation == gen
}

// advance moves the lifecycle on the dispatcher, unless gen is stale by then.
func (c *Connection) advance(gen uint64, event string) {
	c.enqueue(func() {
		if c.isCurrent(gen) {
			c.transition(event)
		}
	})
}

func (c *Connection) onConnected(reconnect bool) {
	if reconnect {
		metrics.IncReconnect()
	}
	c.transition(fsm.EventConnect)

	ctx, gen := c.newSession()
	go c.establish(ctx, gen)
}

func (c *Connection) onDisconnected(args []json.RawMessage) {
	var reason string
	if len(args) > 0 {
		_ = safejson.Unmarshal(args[0], &reason)
	}
	c.log.Infow("Transport disconnected", "reason", reason)

	c.unwire()
	c.endSession()
	c.transition(fsm.EventDisconnect)
}

func (c *Connection) onReauthenticate() {
	c.log.Warn("Server requires reauthentication")
	if c.opts.OnReauthenticate != nil {
		c.callback("OnReauthenticate", c.opts.OnReauthenticate)
	}
}

// onReload marks the session for a full bootstrap. A live session is
// set up again right away.
func (c *Connection) onReload() {
	c.sessionMu.Lock()
	c.reloadPending = true
	c.sessionMu.Unlock()

	if c.Status() == StatusConnecting || !c.t.Connected() {
		return
	}
	ctx, gen := c.newSession()
	go c.establish(ctx, gen)
}

// establish brings a freshly connected session to ready through the
// bootstrap, reload or restore path.
func (c *Connection) establish(ctx context.Context, gen uint64) {
	if !c.lifecycle.TryLock() {
		c.log.Debugw("Waiting for the previous session to wind down", "generation", gen)
		if err := c.lifecycle.Lock(ctx); err != nil {
			return
		}
	}
	defer c.lifecycle.Unlock()

	if !c.isCurrent(gen) {
		return
	}

	c.sessionMu.Lock()
	everReady, reload := c.everReady, c.reloadPending
	c.sessionMu.Unlock()

	var err error
	switch {
	case !everReady:
		err = c.retry(ctx, "bootstrap", func(ctx context.Context) error { return c.bootstrap(ctx, gen) })
	case reload || c.versionChanged(ctx):
		c.reload()
		err = c.retry(ctx, "bootstrap", func(ctx context.Context) error { return c.bootstrap(ctx, gen) })
	default:
		err = c.retry(ctx, "restore", func(ctx context.Context) error { return c.restore(ctx, gen) })
	}
	if err != nil {
		c.sessionFailed(ctx, gen, err)
	}
}

// retry runs one attempt per BootstrapTimeout, up to BootstrapAttempts
// times. Only transient errors are retried.
func (c *Connection) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.BootstrapTimeout)
		defer cancel()

		err := fn(attemptCtx)
		if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &OpError{Op: op, Err: ErrTimeout}
		}
		return err
	}

	if c.opts.BootstrapAttempts <= 1 {
		return attempt(ctx)
	}
	policy := backoff.Policy{
		Initial:    constants.BootstrapRetryMin,
		Max:        c.opts.BootstrapTimeout,
		MaxRetries: uint64(c.opts.BootstrapAttempts - 1),
	}
	return backoff.Retry(ctx, policy, attempt, func(err error, next time.Duration) {
		c.log.Warnw("Session setup attempt failed", "op", op, "error", err, "retryIn", next)
	})
}

func (c *Connection) sessionFailed(ctx context.Context, gen uint64, err error) {
	if ctx.Err() != nil || !c.isCurrent(gen) || errors.Is(err, errStaleSession) {
		return
	}
	if errors.Is(err, ErrReauthenticationRequired) {
		c.enqueue(c.onReauthenticate)
		return
	}

	sentry.ReportIssueWithContext(err, sentry.IssueTypeWarning, c.log, map[string]interface{}{
		"component": "connection",
		"operation": "session_setup",
	})
	c.reportError(err)
}

// bootstrap loads the session from scratch and wires every registry.
func (c *Connection) bootstrap(ctx context.Context, gen uint64) error {
	if !c.isCurrent(gen) {
		return errStaleSession
	}

	user, err := c.authEnabled(ctx)
	if err != nil {
		return err
	}
	c.sessionMu.Lock()
	c.user = user
	c.sessionMu.Unlock()

	if c.opts.CheckPermissions {
		if _, err := c.GetUserPermissions(ctx, true); err != nil {
			return err
		}
	}
	if _, err := c.GetSystemConfig(ctx, true); err != nil {
		return err
	}
	c.recordVersion(ctx)

	if c.opts.LoadAllObjects {
		if _, err := c.loadObjects(ctx, c.strategy.bulkVerb, true); err != nil {
			return err
		}
		c.advance(gen, fsm.EventObjectsLoaded)
	}

	if err := c.resubscribeAll(ctx); err != nil {
		return err
	}
	if c.states.Len() > 0 {
		if err := c.reconcileStates(ctx, c.states.Patterns()); err != nil {
			return err
		}
		c.advance(gen, fsm.EventStatesLoaded)
	}
	if c.objects.Len() > 0 {
		if err := c.reconcileObjects(ctx, c.objects.Patterns()); err != nil {
			return err
		}
	}

	c.advance(gen, fsm.EventReady)
	return nil
}

// restore brings a reconnected session back to ready without reloading.
func (c *Connection) restore(ctx context.Context, gen uint64) error {
	if !c.isCurrent(gen) {
		return errStaleSession
	}

	user, err := c.authEnabled(ctx)
	if err != nil {
		return err
	}
	c.sessionMu.Lock()
	previous := c.user
	c.sessionMu.Unlock()
	if user != previous {
		c.log.Warnw("Session user changed", "previous", previous, "current", user)
		return &OpError{Op: "authEnabled", ID: user, Err: ErrReauthenticationRequired}
	}

	if err := c.resubscribeAll(ctx); err != nil {
		return err
	}
	if patterns := c.states.Patterns(); len(patterns) > 0 {
		if err := c.reconcileStates(ctx, patterns); err != nil {
			return err
		}
	}
	if patterns := c.objects.Patterns(); len(patterns) > 0 {
		if err := c.reconcileObjects(ctx, patterns); err != nil {
			return err
		}
	}

	c.advance(gen, fsm.EventReady)
	return nil
}

// reload forgets everything derived from the previous server version.
func (c *Connection) reload() {
	c.log.Info("Server changed, running full bootstrap")

	c.sessionMu.Lock()
	c.reloadPending = false
	c.everReady = false
	c.sessionMu.Unlock()

	c.cache.InvalidateAll()
	c.objectsMu.Lock()
	c.objectCache = make(map[string]*models.Object)
	c.objectsMu.Unlock()

	if c.opts.OnReload != nil {
		c.enqueue(func() { c.callback("OnReload", c.opts.OnReload) })
	}
}

// resubscribeAll marks the session wired and puts every registered
// pattern and instance subscription the server does not hold yet back
// on the wire.
func (c *Connection) resubscribeAll(ctx context.Context) error {
	c.wireMu.Lock()
	c.wired.Store(true)
	epoch := c.ledger.epoch
	states := c.unsentLocked(stateWire, c.states.Patterns())
	objects := c.unsentLocked(objectWire, c.objects.Patterns())
	files := c.unsentLocked(fileWire, c.files.Patterns())
	instances := c.instances.unsentLocked(c)
	c.wireMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.resubscribe(gctx, stateWire, states, epoch) })
	g.Go(func() error { return c.resubscribe(gctx, objectWire, objects, epoch) })
	g.Go(func() error { return c.resubscribe(gctx, fileWire, files, epoch) })
	g.Go(func() error { return c.instances.resubscribe(gctx, c, instances, epoch) })
	return g.Wait()
}

// resubscribe reports permanent per pattern failures and gives up on
// the first transient one.
func (c *Connection) resubscribe(ctx context.Context, w wireKind, patterns []string, epoch uint64) error {
	for _, p := range patterns {
		err := c.wireSubscribe(ctx, w, p)
		if err == nil {
			c.markSent(wireEntry{registry: w.registry, pattern: p}, epoch)
			continue
		}
		if !backoff.IsPermanentError(err) {
			return err
		}
		c.log.Warnw("Resubscribe refused", "registry", w.registry, "pattern", p, "error", err)
		c.reportError(err)
	}
	return nil
}

// authEnabled returns the user the server sees for this session.
func (c *Connection) authEnabled(ctx context.Context) (string, error) {
	reply, err := c.emit(ctx, callOpts{op: "authEnabled"}, "authEnabled")
	if err != nil {
		return "", err
	}
	var user string
	if err := reply.Decode(1, &user); err != nil {
		return "", &OpError{Op: "authEnabled", Err: err}
	}
	return user, nil
}

// recordVersion remembers the server version for reload detection.
// Servers without getVersion are tolerated.
func (c *Connection) recordVersion(ctx context.Context) {
	version, err := c.GetVersion(ctx, true)
	if err != nil {
		c.log.Debugw("Failed to read server version", "error", err)
		return
	}
	c.sessionMu.Lock()
	c.version = version
	c.sessionMu.Unlock()
}

func (c *Connection) versionChanged(ctx context.Context) bool {
	c.sessionMu.Lock()
	seen := c.version
	c.sessionMu.Unlock()

	current, err := c.GetVersion(ctx, true)
	if err != nil {
		c.log.Debugw("Failed to read server version", "error", err)
		return false
	}
	if versionDiffers(seen, current) {
		c.log.Infow("Server version changed", "previous", seen, "current", current)
		return true
	}
	return false
}

func versionDiffers(previous, current string) bool {
	if previous == "" || current == "" {
		return false
	}
	prev, errPrev := semver.NewVersion(previous)
	cur, errCur := semver.NewVersion(current)
	if errPrev != nil || errCur != nil {
		return previous != current
	}
	return !prev.Equal(cur)
}
