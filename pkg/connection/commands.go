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

	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/subscription"
)

const cmdPattern = "*"

// SendTo sends command with data to an adapter instance and returns its answer.
func (c *Connection) SendTo(ctx context.Context, instance, command string, data any) (json.RawMessage, error) {
	reply, err := c.emit(ctx, callOpts{op: "SendTo", typ: "instance", id: instance}, "sendTo", instance, command, data)
	if err != nil {
		return nil, err
	}
	return rawResult(reply), nil
}

// SendToHost sends command to a host controller. It needs host rights.
func (c *Connection) SendToHost(ctx context.Context, host, command string, data any) (json.RawMessage, error) {
	reply, err := c.emit(ctx, callOpts{op: "SendToHost", typ: typeHost, id: host}, "sendToHost", host, command, data)
	if err != nil {
		return nil, err
	}
	return rawResult(reply), nil
}

// CmdExec starts cmd on host. Its output arrives at the listeners
// registered with RegisterCmdListener, tagged with cmdID.
func (c *Connection) CmdExec(ctx context.Context, host, cmd string, cmdID int) error {
	_, err := c.emit(ctx, callOpts{op: "CmdExec", typ: typeHost, id: host}, "cmdExec", host, cmdID, cmd)
	return err
}

// RegisterCmdListener streams command output to listener until off is called.
func (c *Connection) RegisterCmdListener(listener *subscription.Listener[*models.CmdOutput]) (off func()) {
	c.cmds.Add(cmdPattern, listener)
	return func() {
		c.cmds.Remove(cmdPattern, listener)
	}
}

func (c *Connection) Encrypt(ctx context.Context, text string) (string, error) {
	return decode[string](ctx, c, callOpts{op: "Encrypt", typ: typeSystem}, "encrypt", text)
}

func (c *Connection) Decrypt(ctx context.Context, text string) (string, error) {
	return decode[string](ctx, c, callOpts{op: "Decrypt", typ: typeSystem}, "decrypt", text)
}

// Logout ends the server session and closes the connection.
func (c *Connection) Logout(ctx context.Context) error {
	_, err := c.emit(ctx, callOpts{op: "Logout", typ: typeSystem}, "logout")
	if closeErr := c.Close(); err == nil {
		err = closeErr
	}
	return err
}
