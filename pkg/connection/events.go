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
	"encoding/json"
	"strconv"

	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/safejson"
	"github.com/united-manufacturing-hub/adminsync/pkg/transport"
)

// arg decodes push argument i into v. Missing or null arguments leave v
// untouched and report false.
func arg(args []json.RawMessage, i int, v any) bool {
	if i >= len(args) || safejson.IsNull(args[i]) {
		return false
	}
	return safejson.Unmarshal(args[i], v) == nil
}

// text returns argument i as a string, or its raw JSON when it is not one.
func text(args []json.RawMessage, i int) string {
	if i >= len(args) {
		return ""
	}
	var s string
	if arg(args, i, &s) {
		return s
	}
	return string(args[i])
}

func (c *Connection) onStateChange(args []json.RawMessage) {
	var id string
	if !arg(args, 0, &id) {
		c.log.Debug("Dropping stateChange without id")
		return
	}
	var state *models.State
	arg(args, 1, &state)
	c.states.Dispatch(id, state)
}

func (c *Connection) onObjectChange(args []json.RawMessage) {
	var id string
	if !arg(args, 0, &id) {
		c.log.Debug("Dropping objectChange without id")
		return
	}
	var obj *models.Object
	arg(args, 1, &obj)
	c.updateObjectCache(id, obj)
	c.objects.Dispatch(id, obj)
}

// onFileChange handles fileChange(adapter, path, size). A null size
// means the file was deleted.
func (c *Connection) onFileChange(args []json.RawMessage) {
	change := &models.FileChange{}
	if !arg(args, 0, &change.Adapter) || !arg(args, 1, &change.Path) {
		c.log.Debug("Dropping incomplete fileChange")
		return
	}
	if !arg(args, 2, &change.Size) {
		change.Deleted = true
	}
	c.files.Dispatch(change.Adapter+"/"+change.Path, change)
}

func (c *Connection) onInstanceMessage(args []json.RawMessage) {
	msg := &models.InstanceMessage{}
	if !arg(args, 0, &msg.Type) || !arg(args, 1, &msg.Source) {
		c.log.Debug("Dropping incomplete instance message")
		return
	}
	if len(args) > 2 {
		msg.Data = args[2]
	}
	c.instances.dispatch(msg)
}

func (c *Connection) onCmdOutput(event transport.EventName) transport.Handler {
	stream := map[transport.EventName]string{
		transport.EventCmdStdout: "stdout",
		transport.EventCmdStderr: "stderr",
		transport.EventCmdExit:   "exit",
	}[event]

	return func(args []json.RawMessage) {
		out := &models.CmdOutput{Stream: stream}
		if !arg(args, 0, &out.ID) {
			c.log.Debugw("Dropping command output without id", "stream", stream)
			return
		}
		if event == transport.EventCmdExit {
			arg(args, 1, &out.Code)
		} else {
			out.Data = text(args, 1)
		}
		c.cmds.Dispatch(strconv.Itoa(out.ID), out)
	}
}

func (c *Connection) onLog(args []json.RawMessage) {
	message := text(args, 0)
	c.log.Debugw("Server log", "message", message)
	if c.opts.OnLog != nil {
		c.callback("OnLog", func() { c.opts.OnLog(message) })
	}
}

func (c *Connection) onRemoteError(args []json.RawMessage) {
	err := &RemoteError{Op: "server", Message: transport.Reply(args).Err()}
	c.log.Warnw("Server reported an error", "error", err)
	if c.opts.OnError != nil {
		c.callback("OnError", func() { c.opts.OnError(err) })
	}
}

// onPermissionError handles permissionError({command, type, operation, arg}).
func (c *Connection) onPermissionError(args []json.RawMessage) {
	var detail struct {
		Command   string `json:"command"`
		Type      string `json:"type"`
		Operation string `json:"operation"`
		Arg       any    `json:"arg"`
	}
	arg(args, 0, &detail)

	err := &PermissionError{Op: detail.Command, Type: detail.Type}
	if detail.Operation != "" {
		err.Type = detail.Type + "." + detail.Operation
	}
	if s, ok := detail.Arg.(string); ok {
		err.ID = s
	}
	c.log.Warnw("Server denied an operation", "error", err)
	if c.opts.OnError != nil {
		c.callback("OnError", func() { c.opts.OnError(err) })
	}
}
