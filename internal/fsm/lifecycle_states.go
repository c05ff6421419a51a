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


package fsm

// Lifecycle statuses of a connection, in the order a session walks
// through them.
const (
	StateConnecting    = "connecting"
	StateConnected     = "connected"
	StateObjectsLoaded = "objects_loaded"
	StateStatesLoaded  = "states_loaded"
	StateReady         = "ready"
)

// Lifecycle events.
const (
	EventConnect       = "connect"
	EventObjectsLoaded = "objects_loaded"
	EventStatesLoaded  = "states_loaded"
	EventReady         = "ready"
	EventDisconnect    = "disconnect"
)

var states = []string{
	StateConnecting,
	StateConnected,
	StateObjectsLoaded,
	StateStatesLoaded,
	StateReady,
}

// Ordinal returns the position of state in the lifecycle, or -1 for an
// unknown state.
func Ordinal(state string) int {
	for i, s := range states {
		if s == state {
			return i
		}
	}
	return -1
}

// IsLifecycleState reports whether state is one of the lifecycle statuses.
func IsLifecycleState(state string) bool {
	return Ordinal(state) >= 0
}

// AtLeast reports whether current has progressed as far as target.
func AtLeast(current, target string) bool {
	c, t := Ordinal(current), Ordinal(target)
	return c >= 0 && t >= 0 && c >= t
}
