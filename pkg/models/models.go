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


// Package models holds the data shapes exchanged with the remote store.
package models

import "encoding/json"

// State is the value of a remote state. Val is kept raw so consumers
// decode it into whatever type the state carries.
type State struct {
	Val    json.RawMessage `json:"val"`
	Ack    bool            `json:"ack"`
	Ts     int64           `json:"ts"`
	Lc     int64           `json:"lc"`
	From   string          `json:"from,omitempty"`
	User   string          `json:"user,omitempty"`
	Q      int             `json:"q,omitempty"`
	C      string          `json:"c,omitempty"`
	Expire int64           `json:"expire,omitempty"`
}

// ObjectType names the kind of a remote object.
type ObjectType string

const (
	ObjectTypeState    ObjectType = "state"
	ObjectTypeChannel  ObjectType = "channel"
	ObjectTypeDevice   ObjectType = "device"
	ObjectTypeFolder   ObjectType = "folder"
	ObjectTypeEnum     ObjectType = "enum"
	ObjectTypeHost     ObjectType = "host"
	ObjectTypeAdapter  ObjectType = "adapter"
	ObjectTypeInstance ObjectType = "instance"
	ObjectTypeMeta     ObjectType = "meta"
	ObjectTypeConfig   ObjectType = "config"
	ObjectTypeUser     ObjectType = "user"
	ObjectTypeGroup    ObjectType = "group"
)

// Object is the metadata record of a remote object. Common and Native
// stay maps because their shape depends on Type.
type Object struct {
	ID     string                 `json:"_id"`
	Type   ObjectType             `json:"type"`
	Common map[string]interface{} `json:"common,omitempty"`
	Native map[string]interface{} `json:"native,omitempty"`
	ACL    *ObjectACL             `json:"acl,omitempty"`
	From   string                 `json:"from,omitempty"`
	User   string                 `json:"user,omitempty"`
	Ts     int64                  `json:"ts,omitempty"`
}

// ObjectACL holds the access bits of an object.
type ObjectACL struct {
	Owner      string `json:"owner,omitempty"`
	OwnerGroup string `json:"ownerGroup,omitempty"`
	Object     int    `json:"object,omitempty"`
	State      int    `json:"state,omitempty"`
	File       int    `json:"file,omitempty"`
}

// Name returns common.name when it is a plain string.
func (o *Object) Name() string {
	if o == nil || o.Common == nil {
		return ""
	}
	if name, ok := o.Common["name"].(string); ok {
		return name
	}
	return ""
}

// FileChange announces a change below a subscribed file pattern.
type FileChange struct {
	Adapter string `json:"adapter"`
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Deleted bool   `json:"deleted,omitempty"`
}

// InstanceMessage is a point-to-point message from an adapter instance.
type InstanceMessage struct {
	Source string          `json:"source"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// CmdOutput is one event of a streamed host command.
type CmdOutput struct {
	ID     int    `json:"id"`
	Stream string `json:"stream"` // stdout, stderr or exit
	Data   string `json:"data,omitempty"`
	Code   int    `json:"code,omitempty"`
}

// FileEntry is one row returned by readDir.
type FileEntry struct {
	File       string `json:"file"`
	IsDir      bool   `json:"isDir"`
	Size       int64  `json:"size,omitempty"`
	ModifiedAt int64  `json:"modifiedAt,omitempty"`
	CreatedAt  int64  `json:"createdAt,omitempty"`
}

// ViewRow is one row of a getObjectView answer.
type ViewRow struct {
	ID    string  `json:"id"`
	Value *Object `json:"value"`
}

// Latency summarises round trip durations in nanoseconds.
type Latency struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Avg float64 `json:"avg"`
}

// Permissions is the answer of getUserPermissions.
type Permissions struct {
	Object   ACLFlags            `json:"object"`
	State    ACLFlags            `json:"state"`
	File     ACLFlags            `json:"file"`
	Users    ACLFlags            `json:"users"`
	Other    map[string]bool     `json:"other,omitempty"`
	Commands map[string]ACLFlags `json:"-"`
	User     string              `json:"user,omitempty"`
	Groups   []string            `json:"groups,omitempty"`
}

// ACLFlags is one row of the permission matrix.
type ACLFlags struct {
	Read   bool `json:"read"`
	Write  bool `json:"write"`
	Create bool `json:"create,omitempty"`
	Delete bool `json:"delete,omitempty"`
	List   bool `json:"list,omitempty"`
}

// InstanceSubscribeResult is the acknowledgement of clientSubscribe.
type InstanceSubscribeResult struct {
	Accepted  bool   `json:"accepted"`
	Heartbeat int    `json:"heartbeat,omitempty"`
	Error     string `json:"error,omitempty"`
}
