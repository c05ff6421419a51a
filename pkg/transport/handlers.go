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
	"encoding/json"
	"sync"
)

type handlerEntry struct {
	h Handler
}

// handlers is the event handler table shared by every Transport
// implementation.
type handlers struct {
	mu    sync.RWMutex
	table map[EventName][]*handlerEntry
}

func newHandlers() *handlers {
	return &handlers{table: make(map[EventName][]*handlerEntry)}
}

func (hs *handlers) on(event EventName, h Handler) func() {
	e := &handlerEntry{h: h}

	hs.mu.Lock()
	hs.table[event] = append(hs.table[event], e)
	hs.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			hs.mu.Lock()
			defer hs.mu.Unlock()
			list := hs.table[event]
			for i, other := range list {
				if other == e {
					hs.table[event] = append(list[:i:i], list[i+1:]...)
					return
				}
			}
		})
	}
}

func (hs *handlers) fire(event EventName, args []json.RawMessage) {
	hs.mu.RLock()
	list := append([]*handlerEntry(nil), hs.table[event]...)
	hs.mu.RUnlock()

	for _, e := range list {
		e.h(args)
	}
}
