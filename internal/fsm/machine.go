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


// Package fsm wraps looplab/fsm into the connection lifecycle machine.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/adminsync/pkg/ctxutil"
	"github.com/united-manufacturing-hub/adminsync/pkg/logger"
)

// MinEventBudget is the least time a deadline must leave before a
// transition is started.
const MinEventBudget = 5 * time.Millisecond

// Machine is the lifecycle machine of one connection. Events must be sent
// from a single goroutine; Current may be read from anywhere.
type Machine struct {
	id string

	fsm *fsm.FSM

	// Registered "enter_<state>" callbacks
	mu        sync.RWMutex
	callbacks map[string]fsm.Callback

	logger *zap.SugaredLogger
}

// NewMachine returns a machine in StateConnecting.
func NewMachine(id string, log *zap.SugaredLogger) *Machine {
	m := &Machine{
		id:        id,
		callbacks: make(map[string]fsm.Callback),
		logger:    logger.OrNop(log),
	}

	everyButConnecting := []string{StateConnected, StateObjectsLoaded, StateStatesLoaded, StateReady}

	m.fsm = fsm.NewFSM(
		StateConnecting,
		fsm.Events{
			{Name: EventConnect, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: EventObjectsLoaded, Src: []string{StateConnected}, Dst: StateObjectsLoaded},
			{Name: EventStatesLoaded, Src: []string{StateConnected, StateObjectsLoaded}, Dst: StateStatesLoaded},
			{Name: EventReady, Src: []string{StateConnected, StateObjectsLoaded, StateStatesLoaded}, Dst: StateReady},
			{Name: EventDisconnect, Src: everyButConnecting, Dst: StateConnecting},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				m.logger.Debugf("Connection %s: %s -> %s (%s)", m.id, e.Src, e.Dst, e.Event)

				m.mu.RLock()
				cb, ok := m.callbacks["enter_"+e.Dst]
				m.mu.RUnlock()
				if ok {
					cb(ctx, e)
				}
			},
		},
	)

	return m
}

// AddCallback registers cb for eventName, which has the form
// "enter_<state>". A later registration replaces an earlier one.
func (m *Machine) AddCallback(eventName string, cb fsm.Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[eventName] = cb
}

// OnEnter registers cb for entering state.
func (m *Machine) OnEnter(state string, cb func(from string)) {
	m.AddCallback("enter_"+state, func(_ context.Context, e *fsm.Event) {
		cb(e.Src)
	})
}

func (m *Machine) Current() string {
	return m.fsm.Current()
}

func (m *Machine) Is(state string) bool {
	return m.fsm.Is(state)
}

func (m *Machine) Can(event string) bool {
	return m.fsm.Can(event)
}

// SetCurrentState forces the state without running callbacks.
// This should only be called in tests
func (m *Machine) SetCurrentState(state string) {
	m.fsm.SetState(state)
}

// SendEvent fires eventName. It refuses to start when ctx is done or its
// deadline leaves less than MinEventBudget, so no transition is left half
// applied. An event that does not apply in the current state is returned
// as a *TransitionError.
func (m *Machine) SendEvent(ctx context.Context, eventName string) error {
	if err := ctxutil.EnsureBudget(ctx, MinEventBudget); err != nil {
		return err
	}

	err := m.fsm.Event(ctx, eventName)

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) && noTransition.Err == nil {
		return nil
	}

	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) {
		return &TransitionError{Event: eventName, State: invalid.State}
	}
	return err
}

// TransitionError reports an event that is not allowed in the current state.
type TransitionError struct {
	Event string
	State string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %s not allowed in state %s", e.Event, e.State)
}
