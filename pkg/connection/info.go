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

	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/adminsync/pkg/constants"
	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/requestcache"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/safejson"
)

const (
	typeHost   = "host"
	typeSystem = "system"

	keySystemConfig = "system.config"
	keyPermissions  = "permissions"
	keyVersion      = "version"
	keyHosts        = "hosts"
	keyAdapters     = "adapters"

	adminGroup = "system.group.administrator"
)

// GetHosts lists the host objects.
func (c *Connection) GetHosts(ctx context.Context, update bool, opts ...CallOption) ([]*models.Object, error) {
	o := c.guarded("GetHosts", typeObject, "", opts)
	return c.viewObjects(ctx, o, keyHosts, "host", "system.host.", update)
}

func (c *Connection) GetAdapters(ctx context.Context, update bool, opts ...CallOption) ([]*models.Object, error) {
	o := c.guarded("GetAdapters", typeObject, "", opts)
	return c.viewObjects(ctx, o, keyAdapters, "adapter", "system.adapter.", update)
}

// GetInstances lists the instances of adapter, or of every adapter when
// adapter is empty.
func (c *Connection) GetInstances(ctx context.Context, adapter string, update bool, opts ...CallOption) ([]*models.Object, error) {
	prefix := "system.adapter."
	if adapter != "" {
		prefix += adapter + "."
	}
	o := c.guarded("GetInstances", typeObject, adapter, opts)
	return c.viewObjects(ctx, o, requestcache.Key("instances", adapter), "instance", prefix, update)
}

// GetVersion returns the server version.
func (c *Connection) GetVersion(ctx context.Context, update bool, opts ...CallOption) (string, error) {
	o := c.guarded("GetVersion", typeSystem, "", opts)
	return cached(ctx, c, o, keyVersion, update, func(ctx context.Context) (string, error) {
		return decode[string](ctx, c, o, "getVersion")
	})
}

// GetSystemConfig returns system.config and keeps it for SystemConfig.
func (c *Connection) GetSystemConfig(ctx context.Context, update bool, opts ...CallOption) (*models.Object, error) {
	o := c.guarded("GetSystemConfig", typeObject, constants.SystemConfigID, opts)
	return cached(ctx, c, o, keySystemConfig, update, func(ctx context.Context) (*models.Object, error) {
		cfg, err := decode[*models.Object](ctx, c, o, "getObject", constants.SystemConfigID)
		if err != nil {
			return nil, err
		}
		c.infoMu.Lock()
		c.systemConfig = cfg
		c.infoMu.Unlock()
		return cfg, nil
	})
}

// GetUserPermissions returns the rights of the session user and keeps
// them for Permissions and IsAdmin.
func (c *Connection) GetUserPermissions(ctx context.Context, update bool, opts ...CallOption) (*models.Permissions, error) {
	o := c.guarded("GetUserPermissions", typeSystem, "", opts)
	return cached(ctx, c, o, keyPermissions, update, func(ctx context.Context) (*models.Permissions, error) {
		perms, err := decode[*models.Permissions](ctx, c, o, "getUserPermissions")
		if err != nil {
			return nil, err
		}
		c.infoMu.Lock()
		c.permissions = perms
		c.infoMu.Unlock()
		return perms, nil
	})
}

func (c *Connection) CheckFeatureSupported(ctx context.Context, feature string, opts ...CallOption) (bool, error) {
	o := c.guarded("CheckFeatureSupported", typeSystem, feature, opts)
	return cached(ctx, c, o, requestcache.Key("checkFeatureSupported", feature), false, func(ctx context.Context) (bool, error) {
		return decode[bool](ctx, c, o, "checkFeatureSupported", feature)
	})
}

// hostQuery runs a guarded sendToHost query through the cache. A forced
// refresh is only coalesced, never kept.
func (c *Connection) hostQuery(ctx context.Context, o callOpts, key string, update bool, host, command string, data any) (json.RawMessage, error) {
	var opts []requestcache.Option
	if update {
		opts = append(opts, requestcache.EvictAfterResolve())
	}
	return cached(ctx, c, o, key, update, func(ctx context.Context) (json.RawMessage, error) {
		reply, err := c.emit(ctx, o, "sendToHost", host, command, data)
		if err != nil {
			return nil, err
		}
		return rawResult(reply), nil
	}, opts...)
}

func decodeRaw[T any](o callOpts, raw json.RawMessage, err error) (T, error) {
	var out T
	if err != nil || raw == nil {
		return out, err
	}
	if err := safejson.Unmarshal(raw, &out); err != nil {
		return out, &OpError{Op: o.op, ID: o.id, Err: err}
	}
	return out, nil
}

// GetHostInfo returns the runtime information of host.
func (c *Connection) GetHostInfo(ctx context.Context, host string, update bool, opts ...CallOption) (map[string]any, error) {
	o := c.guarded("GetHostInfo", typeHost, host, opts)
	raw, err := c.hostQuery(ctx, o, requestcache.Key("getHostInfo", host), update, host, "getHostInfo", nil)
	return decodeRaw[map[string]any](o, raw, err)
}

// GetInstalled returns the adapters installed on host.
func (c *Connection) GetInstalled(ctx context.Context, host string, update bool, opts ...CallOption) (map[string]any, error) {
	o := c.guarded("GetInstalled", typeHost, host, opts)
	raw, err := c.hostQuery(ctx, o, requestcache.Key("getInstalled", host), update, host, "getInstalled", nil)
	return decodeRaw[map[string]any](o, raw, err)
}

// GetRepository returns the adapter repository as seen by host.
func (c *Connection) GetRepository(ctx context.Context, host string, args any, update bool, opts ...CallOption) (map[string]any, error) {
	o := c.guarded("GetRepository", typeHost, host, opts)
	raw, err := c.hostQuery(ctx, o, requestcache.Key("getRepository", host, args), update, host, "getRepository", args)
	return decodeRaw[map[string]any](o, raw, err)
}

// GetLogs returns up to lines log lines of host. Results are not kept.
func (c *Connection) GetLogs(ctx context.Context, host string, lines int, opts ...CallOption) (json.RawMessage, error) {
	o := c.guarded("GetLogs", typeHost, host, opts)
	return c.hostQuery(ctx, o, requestcache.Key("getLogs", host, lines), true, host, "getLogs", lines)
}

// compact runs one of the admin-only compact queries.
func (c *Connection) compact(ctx context.Context, op, key, command string, update bool, opts []CallOption, args ...any) (map[string]json.RawMessage, error) {
	o := c.guarded(op, typeSystem, "", opts)
	if !c.strategy.compactVerb {
		return nil, &OpError{Op: op, Err: ErrNotSupported}
	}
	return cached(ctx, c, o, key, update, func(ctx context.Context) (map[string]json.RawMessage, error) {
		return decode[map[string]json.RawMessage](ctx, c, o, command, args...)
	})
}

func (c *Connection) GetCompactAdapters(ctx context.Context, update bool, opts ...CallOption) (map[string]json.RawMessage, error) {
	return c.compact(ctx, "GetCompactAdapters", "compactAdapters", "getCompactAdapters", update, opts)
}

func (c *Connection) GetCompactInstances(ctx context.Context, update bool, opts ...CallOption) (map[string]json.RawMessage, error) {
	return c.compact(ctx, "GetCompactInstances", "compactInstances", "getCompactInstances", update, opts)
}

func (c *Connection) GetCompactInstalled(ctx context.Context, host string, update bool, opts ...CallOption) (map[string]json.RawMessage, error) {
	return c.compact(ctx, "GetCompactInstalled", requestcache.Key("compactInstalled", host), "getCompactInstalled", update, opts, host)
}

func (c *Connection) GetCompactSystemRepositories(ctx context.Context, update bool, opts ...CallOption) (map[string]json.RawMessage, error) {
	return c.compact(ctx, "GetCompactSystemRepositories", "compactSystemRepositories", "getCompactSystemRepositories", update, opts)
}

// SystemConfig returns a copy of the system.config read during bootstrap.
func (c *Connection) SystemConfig() *models.Object {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	if c.systemConfig == nil {
		return nil
	}
	out := &models.Object{}
	if err := deepcopy.Copy(out, c.systemConfig); err != nil {
		c.log.Warnf("Failed to copy system config: %s", err)
	}
	return out
}

// Permissions returns a copy of the last loaded user permissions, or nil.
func (c *Connection) Permissions() *models.Permissions {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	if c.permissions == nil {
		return nil
	}
	out := &models.Permissions{}
	if err := deepcopy.Copy(out, c.permissions); err != nil {
		c.log.Warnf("Failed to copy permissions: %s", err)
	}
	return out
}

// IsAdmin reports whether the session user is in the administrator
// group. It is false until permissions were loaded.
func (c *Connection) IsAdmin() bool {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	if c.permissions == nil {
		return false
	}
	for _, g := range c.permissions.Groups {
		if g == adminGroup {
			return true
		}
	}
	return false
}
