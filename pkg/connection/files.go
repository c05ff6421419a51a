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
	"encoding/base64"

	"github.com/united-manufacturing-hub/adminsync/pkg/models"
)

const typeFile = "file"

func fileOpts(op, adapter, path string) callOpts {
	return callOpts{op: op, typ: typeFile, id: adapter + "/" + path}
}

// ReadDir lists the directory path in the file store of adapter.
func (c *Connection) ReadDir(ctx context.Context, adapter, path string) ([]models.FileEntry, error) {
	return decode[[]models.FileEntry](ctx, c, fileOpts("ReadDir", adapter, path), "readDir", adapter, path)
}

// ReadFile returns the content of a stored file and its mime type.
func (c *Connection) ReadFile(ctx context.Context, adapter, path string) ([]byte, string, error) {
	o := fileOpts("ReadFile", adapter, path)
	reply, err := c.emit(ctx, o, "readFile", adapter, path)
	if err != nil {
		return nil, "", err
	}
	var (
		data     string
		mimeType string
	)
	if err := reply.Decode(0, &data); err != nil {
		return nil, "", &OpError{Op: o.op, ID: o.id, Err: err}
	}
	if err := reply.Decode(1, &mimeType); err != nil {
		return nil, "", &OpError{Op: o.op, ID: o.id, Err: err}
	}
	return []byte(data), mimeType, nil
}

// WriteFile stores data, sent base64 encoded.
func (c *Connection) WriteFile(ctx context.Context, adapter, path string, data []byte) error {
	_, err := c.emit(ctx, fileOpts("WriteFile", adapter, path), "writeFile64", adapter, path, base64.StdEncoding.EncodeToString(data))
	return err
}

func (c *Connection) DeleteFile(ctx context.Context, adapter, path string) error {
	_, err := c.emit(ctx, fileOpts("DeleteFile", adapter, path), "deleteFile", adapter, path)
	return err
}

func (c *Connection) Rename(ctx context.Context, adapter, oldName, newName string) error {
	_, err := c.emit(ctx, fileOpts("Rename", adapter, oldName), "rename", adapter, oldName, newName)
	return err
}
