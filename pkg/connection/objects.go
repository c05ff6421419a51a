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

	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/requestcache"
)

const (
	typeObject = "object"

	keyObjects = "objects"

	// viewEnd closes a startkey range in object views.
	viewEnd = "\u9999"
)

func (c *Connection) GetObject(ctx context.Context, id string) (*models.Object, error) {
	return decode[*models.Object](ctx, c, callOpts{op: "GetObject", typ: typeObject, id: id}, "getObject", id)
}

// GetObjects returns the objects with the given ids, or every object
// the session may read when ids is empty. The full list is fetched with
// the verb of the connection's role and cached until update.
func (c *Connection) GetObjects(ctx context.Context, ids []string, update bool) (map[string]*models.Object, error) {
	all, err := c.loadObjects(ctx, c.strategy.listVerb, update)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*models.Object, len(ids))
	if len(ids) == 0 {
		for id, obj := range all {
			out[id] = obj
		}
		return out, nil
	}
	for _, id := range ids {
		if obj, ok := all[id]; ok {
			out[id] = obj
		}
	}
	return out, nil
}

// loadObjects fetches the full object list and refreshes the object cache.
func (c *Connection) loadObjects(ctx context.Context, verb string, update bool) (map[string]*models.Object, error) {
	o := callOpts{op: "GetObjects", typ: typeObject}
	return cached(ctx, c, o, keyObjects, update, func(ctx context.Context) (map[string]*models.Object, error) {
		objects, err := decode[map[string]*models.Object](ctx, c, o, verb)
		if err != nil {
			return nil, err
		}
		c.objectsMu.Lock()
		c.objectCache = make(map[string]*models.Object, len(objects))
		for id, obj := range objects {
			c.objectCache[id] = obj
		}
		c.objectsMu.Unlock()
		return objects, nil
	})
}

// GetForeignObjects returns the objects matching pattern, optionally of
// one type only. Concurrent identical queries share one call.
func (c *Connection) GetForeignObjects(ctx context.Context, pattern string, typ models.ObjectType) (map[string]*models.Object, error) {
	o := callOpts{op: "GetForeignObjects", typ: typeObject, id: pattern}
	key := requestcache.Key("getForeignObjects", pattern, typ)
	return cached(ctx, c, o, key, false, func(ctx context.Context) (map[string]*models.Object, error) {
		objects, err := decode[map[string]*models.Object](ctx, c, o, "getForeignObjects", pattern, optional(string(typ)))
		if objects == nil && err == nil {
			objects = map[string]*models.Object{}
		}
		return objects, err
	}, requestcache.EvictAfterResolve())
}

func (c *Connection) fetchObjects(ctx context.Context, patterns []string) (map[string]*models.Object, error) {
	objects, err := decode[map[string]*models.Object](ctx, c, callOpts{op: "getForeignObjects", typ: typeObject}, "getForeignObjects", patterns)
	if err != nil {
		return nil, err
	}
	c.objectsMu.Lock()
	for id, obj := range objects {
		c.objectCache[id] = obj
	}
	c.objectsMu.Unlock()
	if objects == nil {
		objects = map[string]*models.Object{}
	}
	return objects, nil
}

type viewResult struct {
	Rows []models.ViewRow `json:"rows"`
}

// GetObjectView runs the view design/search over the id range
// [start, end].
func (c *Connection) GetObjectView(ctx context.Context, design, search, start, end string) ([]models.ViewRow, error) {
	o := callOpts{op: "GetObjectView", typ: typeObject, id: design + "/" + search}
	key := requestcache.Key("getObjectView", design, search, start, end)
	return cached(ctx, c, o, key, false, func(ctx context.Context) ([]models.ViewRow, error) {
		return c.objectView(ctx, o, design, search, start, end)
	}, requestcache.EvictAfterResolve())
}

func (c *Connection) objectView(ctx context.Context, o callOpts, design, search, start, end string) ([]models.ViewRow, error) {
	params := map[string]string{"startkey": start, "endkey": end}
	result, err := decode[viewResult](ctx, c, o, "getObjectView", design, search, params)
	return result.Rows, err
}

// viewObjects runs a guarded, cached view over every id starting with
// prefix and returns the objects in row order.
func (c *Connection) viewObjects(ctx context.Context, o callOpts, key, search, prefix string, update bool) ([]*models.Object, error) {
	return cached(ctx, c, o, key, update, func(ctx context.Context) ([]*models.Object, error) {
		rows, err := c.objectView(ctx, o, "system", search, prefix, prefix+viewEnd)
		if err != nil {
			return nil, err
		}
		objects := make([]*models.Object, 0, len(rows))
		for _, row := range rows {
			if row.Value != nil {
				objects = append(objects, row.Value)
			}
		}
		return objects, nil
	})
}

func (c *Connection) SetObject(ctx context.Context, id string, obj *models.Object) error {
	_, err := c.emit(ctx, callOpts{op: "SetObject", typ: typeObject, id: id}, "setObject", id, obj)
	return err
}

// ExtendObject merges partial into the stored object.
func (c *Connection) ExtendObject(ctx context.Context, id string, partial map[string]any) error {
	_, err := c.emit(ctx, callOpts{op: "ExtendObject", typ: typeObject, id: id}, "extendObject", id, partial)
	return err
}

func (c *Connection) DeleteObject(ctx context.Context, id string) error {
	_, err := c.emit(ctx, callOpts{op: "DeleteObject", typ: typeObject, id: id}, "delObject", id)
	return err
}

// DeleteObjects deletes id and every object below it.
func (c *Connection) DeleteObjects(ctx context.Context, id string) error {
	_, err := c.emit(ctx, callOpts{op: "DeleteObjects", typ: typeObject, id: id}, "delObjects", id)
	return err
}

// GetEnums returns the enum objects below enum.<name>, or all enums for
// an empty name.
func (c *Connection) GetEnums(ctx context.Context, name string, update bool) (map[string]*models.Object, error) {
	prefix := "enum."
	if name != "" {
		prefix += name + "."
	}
	o := callOpts{op: "GetEnums", typ: typeObject, id: name}
	objects, err := c.viewObjects(ctx, o, requestcache.Key("getEnums", name), "enum", prefix, update)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*models.Object, len(objects))
	for _, obj := range objects {
		out[obj.ID] = obj
	}
	return out, nil
}

// Objects returns a deep copy of the local object cache.
func (c *Connection) Objects() map[string]*models.Object {
	c.objectsMu.RLock()
	defer c.objectsMu.RUnlock()

	out := make(map[string]*models.Object, len(c.objectCache))
	if err := deepcopy.Copy(&out, c.objectCache); err != nil {
		c.log.Warnf("Failed to copy object cache: %s", err)
	}
	return out
}

func (c *Connection) updateObjectCache(id string, obj *models.Object) {
	c.objectsMu.Lock()
	defer c.objectsMu.Unlock()
	if obj == nil {
		delete(c.objectCache, id)
		return
	}
	c.objectCache[id] = obj
}
