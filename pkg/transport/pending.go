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

import "sync"

type result struct {
	reply Reply
	err   error
}

// pendingAcks maps emit ids to the callers waiting for their ack.
type pendingAcks struct {
	mu      sync.Mutex
	waiters map[uint64]chan result
}

func newPendingAcks() *pendingAcks {
	return &pendingAcks{waiters: make(map[uint64]chan result)}
}

func (p *pendingAcks) add(id uint64) <-chan result {
	ch := make(chan result, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingAcks) remove(id uint64) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// resolve hands reply to the waiter of id. It reports false when nobody
// waits for id any more.
func (p *pendingAcks) resolve(id uint64, reply Reply) bool {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	delete(p.waiters, id)
	p.mu.Unlock()

	if ok {
		ch <- result{reply: reply}
	}
	return ok
}

func (p *pendingAcks) failAll(err error) int {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[uint64]chan result)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- result{err: err}
	}
	return len(waiters)
}

func (p *pendingAcks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
