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
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/adminsync/internal/fsm"
	"github.com/united-manufacturing-hub/adminsync/pkg/constants"
	"github.com/united-manufacturing-hub/adminsync/pkg/logger"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/watchdog"
)

// Role selects the verbs used for bulk object access.
type Role string

const (
	RoleWeb   Role = "web"
	RoleAdmin Role = "admin"
)

// ParseRole maps "" to RoleWeb and rejects unknown roles.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case "", RoleWeb:
		return RoleWeb, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Status is the lifecycle status of a Connection. Statuses are ordered,
// see AtLeast.
type Status string

const (
	StatusConnecting    Status = fsm.StateConnecting
	StatusConnected     Status = fsm.StateConnected
	StatusObjectsLoaded Status = fsm.StateObjectsLoaded
	StatusStatesLoaded  Status = fsm.StateStatesLoaded
	StatusReady         Status = fsm.StateReady
)

// AtLeast reports whether s is target or a later status.
func (s Status) AtLeast(target Status) bool {
	return fsm.AtLeast(string(s), string(target))
}

// Options configures a Connection. The zero value connects with role web
// and default timeouts.
type Options struct {
	// Name identifies the client towards the server.
	Name string
	Role Role

	// CheckPermissions loads the user permissions during bootstrap.
	CheckPermissions bool
	// LoadAllObjects fills the object cache during bootstrap.
	LoadAllObjects bool
	// AutoSubscribes are state patterns kept subscribed for the whole
	// lifetime of the connection.
	AutoSubscribes []string

	BootstrapTimeout  time.Duration
	BootstrapAttempts int
	InfoTimeout       time.Duration
	QueueWarnDepth    int

	// Watchdog, when set, supervises the dispatcher goroutine.
	Watchdog watchdog.Iface

	// The callbacks below run on the dispatcher goroutine.
	OnStatusChange   func(from, to Status)
	OnError          func(err error)
	OnReload         func()
	OnReauthenticate func()
	OnLog            func(message string)

	Logger *zap.SugaredLogger
}

func (o *Options) applyDefaults() error {
	role, err := ParseRole(string(o.Role))
	if err != nil {
		return err
	}
	o.Role = role

	if o.Name == "" {
		o.Name = "adminsync"
	}
	if o.BootstrapTimeout <= 0 {
		o.BootstrapTimeout = constants.DefaultBootstrapTimeout
	}
	if o.BootstrapAttempts <= 0 {
		o.BootstrapAttempts = constants.DefaultBootstrapAttempts
	}
	if o.InfoTimeout <= 0 {
		o.InfoTimeout = constants.DefaultInfoTimeout
	}
	if o.QueueWarnDepth <= 0 {
		o.QueueWarnDepth = constants.DefaultQueueWarnDepth
	}
	if o.Logger == nil {
		o.Logger = logger.For(logger.ComponentConnection)
	}
	return nil
}
