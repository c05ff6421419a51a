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


package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/safejson"
)

// Responder answers one emit on a Fake.
type Responder func(args []json.RawMessage) (Reply, error)

// Call is an emit recorded by a Fake.
type Call struct {
	Command string
	Args    []json.RawMessage
}

// Arg decodes argument i of the call into v.
func (c Call) Arg(i int, v any) error {
	if i >= len(c.Args) {
		return nil
	}
	return safejson.Unmarshal(c.Args[i], v)
}

// Fake is an in-memory Transport for tests. Commands without a responder
// are acknowledged with OK(). Handlers fire synchronously on the calling
// goroutine of Up, Down and Push.
type Fake struct {
	handlers *handlers
	pending  *pendingAcks
	nextID   atomic.Uint64

	mu         sync.Mutex
	up         bool
	everUp     bool
	closed     bool
	responders map[string]Responder
	hang       map[string]bool
	hung       map[string][]uint64
	calls      []Call
}

var _ Transport = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		handlers:   newHandlers(),
		pending:    newPendingAcks(),
		responders: make(map[string]Responder),
		hang:       make(map[string]bool),
		hung:       make(map[string][]uint64),
	}
}

// OK builds a successful reply carrying values.
func OK(values ...any) Reply {
	reply := Reply{json.RawMessage("null")}
	for _, v := range values {
		reply = append(reply, safejson.MustMarshal(v))
	}
	return reply
}

// Fail builds a reply whose error slot carries message.
func Fail(message string) Reply {
	return Reply{safejson.MustMarshal(message)}
}

// Handle installs r for command, replacing an earlier responder or hang.
func (f *Fake) Handle(command string, r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders[command] = r
	delete(f.hang, command)
}

// Reply installs a responder that always answers with reply.
func (f *Fake) Reply(command string, reply Reply) {
	f.Handle(command, func([]json.RawMessage) (Reply, error) { return reply, nil })
}

// Hang makes emits of command wait until Resolve, Down or their ctx ends.
func (f *Fake) Hang(command string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hang[command] = true
}

// Resolve answers the oldest hanging emit of command. It reports false
// when no caller is waiting any more.
func (f *Fake) Resolve(command string, reply Reply) bool {
	f.mu.Lock()
	ids := f.hung[command]
	if len(ids) == 0 {
		f.mu.Unlock()
		return false
	}
	id := ids[0]
	f.hung[command] = ids[1:]
	f.mu.Unlock()

	return f.pending.resolve(id, reply)
}

// Hanging is the number of emits of command waiting for Resolve.
func (f *Fake) Hanging(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hung[command])
}

// Up brings the session up and fires connect, or reconnect after the first time.
func (f *Fake) Up() {
	f.mu.Lock()
	if f.up || f.closed {
		f.mu.Unlock()
		return
	}
	f.up = true
	event := EventConnect
	if f.everUp {
		event = EventReconnect
	}
	f.everUp = true
	f.mu.Unlock()

	f.handlers.fire(event, nil)
}

// Down drops the session, failing pending emits with ErrNotConnected.
func (f *Fake) Down(reason string) {
	f.mu.Lock()
	if !f.up {
		f.mu.Unlock()
		return
	}
	f.up = false
	f.hung = make(map[string][]uint64)
	f.mu.Unlock()

	f.pending.failAll(ErrNotConnected)
	args, _ := Args(reason)
	f.handlers.fire(EventDisconnect, args)
}

// Push delivers a server event.
func (f *Fake) Push(event EventName, args ...any) {
	encoded, err := Args(args...)
	if err != nil {
		panic(err)
	}
	f.handlers.fire(event, encoded)
}

// Calls returns the recorded emits, optionally only those of commands.
func (f *Fake) Calls(commands ...string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(commands) == 0 {
		return append([]Call(nil), f.calls...)
	}
	var out []Call
	for _, c := range f.calls {
		for _, want := range commands {
			if c.Command == want {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (f *Fake) CallCount(command string) int {
	return len(f.Calls(command))
}

// ResetCalls forgets the recorded emits.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	wasUp := f.up
	f.mu.Unlock()

	if wasUp {
		f.Down("closed")
	}
	return nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up
}

func (f *Fake) On(event EventName, h Handler) func() {
	return f.handlers.on(event, h)
}

func (f *Fake) Latency() models.Latency {
	return models.Latency{}
}

func (f *Fake) Emit(ctx context.Context, command string, args ...any) (Reply, error) {
	encoded, err := Args(args...)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	if !f.up {
		f.mu.Unlock()
		return nil, ErrNotConnected
	}
	f.calls = append(f.calls, Call{Command: command, Args: encoded})

	if f.hang[command] {
		id := f.nextID.Add(1)
		ch := f.pending.add(id)
		f.hung[command] = append(f.hung[command], id)
		f.mu.Unlock()

		select {
		case res := <-ch:
			return res.reply, res.err
		case <-ctx.Done():
			f.pending.remove(id)
			return nil, ctx.Err()
		}
	}

	r := f.responders[command]
	f.mu.Unlock()

	if r == nil {
		return OK(), nil
	}
	return r(encoded)
}
