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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/adminsync/pkg/constants"
	"github.com/united-manufacturing-hub/adminsync/pkg/logger"
	"github.com/united-manufacturing-hub/adminsync/pkg/metrics"
	"github.com/united-manufacturing-hub/adminsync/pkg/sentry"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/watchdog"
)

const dispatcherRegistry = "dispatcher"

type task func()

// taskQueue is an unbounded FIFO drained by a single dispatcher
// goroutine. push never blocks.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []task
	closed bool
	signal chan struct{}
	log    *zap.SugaredLogger
}

func newTaskQueue(log *zap.SugaredLogger) *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1), log: logger.OrNop(log)}
}

// push appends t. It reports false once the queue is closed.
func (q *taskQueue) push(t task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, t)
	depth := len(q.tasks)
	q.mu.Unlock()

	metrics.SetTaskQueueDepth(depth)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *taskQueue) take() []task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	metrics.SetTaskQueueDepth(0)
	return tasks
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.tasks = nil
}

// run drains the queue until ctx ends. With a watchdog it reports a
// heartbeat every tick, WARNING while more than warnDepth tasks wait.
func (q *taskQueue) run(ctx context.Context, wd watchdog.Iface, name string, warnDepth int) {
	var hb uuid.UUID
	if wd != nil {
		id, err := wd.RegisterHeartbeat("dispatcher-"+name, constants.DefaultDispatcherWarnLimit, constants.DefaultDispatcherTimeout*time.Second)
		if err != nil {
			q.log.Warnf("Failed to register dispatcher heartbeat: %s", err)
			wd = nil
		} else {
			hb = id
			defer wd.UnregisterHeartbeat(hb)
		}
	}

	ticker := time.NewTicker(constants.DefaultWatchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
			for _, t := range q.take() {
				if ctx.Err() != nil {
					return
				}
				q.exec(t)
			}
		case <-ticker.C:
			if wd == nil {
				continue
			}
			status := watchdog.HeartbeatStatusOK
			if q.len() > warnDepth {
				status = watchdog.HeartbeatStatusWarning
			}
			wd.ReportHeartbeatStatus(hb, status)
		}
	}
}

func (q *taskQueue) exec(t task) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.IncCallbackPanic(dispatcherRegistry)
			q.log.Warnw("Dispatcher task panicked", "panic", fmt.Sprint(rec))
			sentry.ReportCallbackPanic(q.log, dispatcherRegistry, "task", rec)
		}
	}()
	t()
}
