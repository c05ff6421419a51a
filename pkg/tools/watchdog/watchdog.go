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


/*
Package watchdog supervises long-running goroutines through heartbeats.

	w := watchdog.New(5*time.Second, nil, log)
	go w.Start(ctx)
	id, err := w.RegisterHeartbeat("dispatcher", 10, 30*time.Second)
	defer w.UnregisterHeartbeat(id)
	for {
		// work
		w.ReportHeartbeatStatus(id, watchdog.HeartbeatStatusOK)
	}

A heartbeat fails when it has not reported within its timeout, when it
reports warningsUntilFailure consecutive warnings, or when it reports an
error. A failed heartbeat is removed and handed to the failure handler.
The default handler reports to sentry; a process that wants the old
crash-on-failure behaviour passes a handler that exits.
*/
package watchdog

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/adminsync/pkg/logger"
	"github.com/united-manufacturing-hub/adminsync/pkg/sentry"
)

// HeartbeatStatus is the status of a heartbeat
type HeartbeatStatus int

const (
	HeartbeatStatusOK HeartbeatStatus = iota
	HeartbeatStatusWarning
	HeartbeatStatusError
)

func (s HeartbeatStatus) String() string {
	switch s {
	case HeartbeatStatusOK:
		return "ok"
	case HeartbeatStatusWarning:
		return "warning"
	case HeartbeatStatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Iface is what supervised goroutines depend on.
type Iface interface {
	RegisterHeartbeat(name string, warningsUntilFailure uint64, timeout time.Duration) (uuid.UUID, error)
	UnregisterHeartbeat(id uuid.UUID)
	ReportHeartbeatStatus(id uuid.UUID, status HeartbeatStatus)
}

// Failure describes a heartbeat that was given up on.
type Failure struct {
	Name   string
	ID     uuid.UUID
	Reason string
	// where RegisterHeartbeat was called
	File string
	Line int
}

func (f Failure) Error() string {
	return fmt.Sprintf("heartbeat %s (%s) failed: %s [registered at %s:%d]", f.Name, f.ID, f.Reason, f.File, f.Line)
}

type heartbeat struct {
	name                 string
	id                   uuid.UUID
	file                 string
	line                 int
	timeout              time.Duration
	warningsUntilFailure uint64
	warnings             uint64
	last                 time.Time
	received             uint64
}

// Watchdog checks registered heartbeats on every tick.
type Watchdog struct {
	mu         sync.Mutex
	heartbeats map[uuid.UUID]*heartbeat
	byName     map[string]uuid.UUID
	interval   time.Duration
	onFailure  func(Failure)
	watchdogID uuid.UUID
	logger     *zap.SugaredLogger
}

var _ Iface = (*Watchdog)(nil)

// New creates a Watchdog. A nil onFailure reports failures to sentry.
func New(interval time.Duration, onFailure func(Failure), log *zap.SugaredLogger) *Watchdog {
	w := &Watchdog{
		heartbeats: make(map[uuid.UUID]*heartbeat),
		byName:     make(map[string]uuid.UUID),
		interval:   interval,
		onFailure:  onFailure,
		watchdogID: uuid.New(),
		logger:     logger.OrNop(log),
	}
	if w.onFailure == nil {
		w.onFailure = func(f Failure) {
			sentry.ReportIssue(f, sentry.IssueTypeError, w.logger)
		}
	}
	return w
}

// Start checks heartbeats until ctx ends.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debugf("[%s] watchdog stopped", w.watchdogID)
			return
		case now := <-ticker.C:
			for _, f := range w.collectOverdue(now) {
				w.onFailure(f)
			}
		}
	}
}

func (w *Watchdog) collectOverdue(now time.Time) []Failure {
	w.mu.Lock()
	defer w.mu.Unlock()

	var failures []Failure
	for id, hb := range w.heartbeats {
		// timeout 0 disables this check
		if hb.timeout == 0 {
			continue
		}
		if overdue := now.Sub(hb.last) - hb.timeout; overdue > 0 {
			failures = append(failures, w.dropLocked(id, fmt.Sprintf("no heartbeat for %s (%d received in total)", now.Sub(hb.last).Round(time.Millisecond), hb.received)))
		}
	}
	return failures
}

func (w *Watchdog) dropLocked(id uuid.UUID, reason string) Failure {
	hb := w.heartbeats[id]
	delete(w.heartbeats, id)
	delete(w.byName, hb.name)
	return Failure{Name: hb.name, ID: id, Reason: reason, File: hb.file, Line: hb.line}
}

// RegisterHeartbeat registers a new heartbeat and returns its id.
// Names are unique while registered.
func (w *Watchdog) RegisterHeartbeat(name string, warningsUntilFailure uint64, timeout time.Duration) (uuid.UUID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.byName[name]; ok {
		return uuid.Nil, fmt.Errorf("heartbeat %s already registered (%s)", name, existing)
	}

	hb := &heartbeat{
		name:                 name,
		id:                   uuid.New(),
		timeout:              timeout,
		warningsUntilFailure: warningsUntilFailure,
		last:                 time.Now(),
	}
	if _, file, line, ok := runtime.Caller(1); ok {
		hb.file, hb.line = file, line
	}

	w.heartbeats[hb.id] = hb
	w.byName[name] = hb.id
	w.logger.Debugf("[%s] registered heartbeat %s (%s)", w.watchdogID, name, hb.id)
	return hb.id, nil
}

// UnregisterHeartbeat removes a heartbeat on normal goroutine exit.
func (w *Watchdog) UnregisterHeartbeat(id uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if hb, ok := w.heartbeats[id]; ok {
		delete(w.heartbeats, id)
		delete(w.byName, hb.name)
	}
}

// ReportHeartbeatStatus refreshes a heartbeat.
func (w *Watchdog) ReportHeartbeatStatus(id uuid.UUID, status HeartbeatStatus) {
	w.mu.Lock()
	hb, ok := w.heartbeats[id]
	if !ok {
		w.mu.Unlock()
		w.logger.Debugf("[%s] heartbeat report for unknown id %s", w.watchdogID, id)
		return
	}

	hb.last = time.Now()
	hb.received++

	var failure *Failure
	switch status {
	case HeartbeatStatusOK:
		hb.warnings = 0
	case HeartbeatStatusWarning:
		hb.warnings++
		if hb.warningsUntilFailure != 0 && hb.warnings >= hb.warningsUntilFailure {
			f := w.dropLocked(id, fmt.Sprintf("%d consecutive warnings", hb.warnings))
			failure = &f
		}
	case HeartbeatStatusError:
		f := w.dropLocked(id, "reported an error")
		failure = &f
	}
	w.mu.Unlock()

	if failure != nil {
		w.onFailure(*failure)
	}
}

// Registered returns the number of live heartbeats.
func (w *Watchdog) Registered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.heartbeats)
}
