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

	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/safejson"
)

const typeState = "state"

func (c *Connection) GetState(ctx context.Context, id string) (*models.State, error) {
	return decode[*models.State](ctx, c, callOpts{op: "GetState", typ: typeState, id: id}, "getState", id)
}

// GetStates returns the states whose ids match pattern.
func (c *Connection) GetStates(ctx context.Context, pattern string) (map[string]*models.State, error) {
	states, err := decode[map[string]*models.State](ctx, c, callOpts{op: "GetStates", typ: typeState, id: pattern}, "getStates", pattern)
	if states == nil && err == nil {
		states = map[string]*models.State{}
	}
	return states, err
}

func (c *Connection) fetchStates(ctx context.Context, patterns []string) (map[string]*models.State, error) {
	states, err := decode[map[string]*models.State](ctx, c, callOpts{op: "getStates", typ: typeState}, "getStates", patterns)
	if states == nil && err == nil {
		states = map[string]*models.State{}
	}
	return states, err
}

func (c *Connection) SetState(ctx context.Context, id string, state *models.State) error {
	_, err := c.emit(ctx, callOpts{op: "SetState", typ: typeState, id: id}, "setState", id, state)
	return err
}

// SetStateValue writes val as the new value of id.
func (c *Connection) SetStateValue(ctx context.Context, id string, val any, ack bool) error {
	encoded, err := safejson.Marshal(val)
	if err != nil {
		return &OpError{Op: "SetState", ID: id, Err: err}
	}
	return c.SetState(ctx, id, &models.State{Val: encoded, Ack: ack})
}

func (c *Connection) DeleteState(ctx context.Context, id string) error {
	_, err := c.emit(ctx, callOpts{op: "DeleteState", typ: typeState, id: id}, "delState", id)
	return err
}
