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

// wireEntry names one subscription the server holds for this transport
// session. msgType is set for instance subscriptions only.
type wireEntry struct {
	registry string
	pattern  string
	msgType  string
}

// wireLedger records which subscriptions went on the wire since the
// transport last connected. Registry changes and the resubscribe
// snapshot both happen under mu, so a pattern is sent at most once per
// transport session.
type wireLedger struct {
	epoch uint64
	sent  map[wireEntry]struct{}
}

// unwire marks the session unwired and forgets the ledger. Marks still
// in flight for the old epoch are ignored.
func (c *Connection) unwire() {
	c.wireMu.Lock()
	defer c.wireMu.Unlock()

	c.wired.Store(false)
	c.ledger.epoch++
	clear(c.ledger.sent)
}

// markSent records e as held by the server when epoch is still current.
func (c *Connection) markSent(e wireEntry, epoch uint64) {
	c.wireMu.Lock()
	defer c.wireMu.Unlock()

	if c.ledger.epoch == epoch {
		c.ledger.sent[e] = struct{}{}
	}
}

func (c *Connection) sentLocked(e wireEntry) bool {
	_, ok := c.ledger.sent[e]
	return ok
}

// unsentLocked filters patterns of w down to the ones not on the wire.
func (c *Connection) unsentLocked(w wireKind, patterns []string) []string {
	out := patterns[:0]
	for _, p := range patterns {
		if !c.sentLocked(wireEntry{registry: w.registry, pattern: p}) {
			out = append(out, p)
		}
	}
	return out
}

func (c *Connection) currentEpoch() uint64 {
	c.wireMu.Lock()
	defer c.wireMu.Unlock()
	return c.ledger.epoch
}
