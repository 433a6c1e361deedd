/*
Copyright 2024 The Local PKD Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package testutil

import (
	"os"
	"path/filepath"
)

// TempDir is a scratch directory scoped to one test.
type TempDir struct {
	t    *T
	root string
}

// NewTempDir creates a scratch directory cleaned up with the test.
func (t *T) NewTempDir() *TempDir {
	return &TempDir{t: t, root: t.T.TempDir()}
}

func (d *TempDir) Root() string { return d.root }

func (d *TempDir) Path(file string) string { return filepath.Join(d.root, file) }

// Write creates a file with the given content, creating parent directories
// as needed. Returns the TempDir for chaining.
func (d *TempDir) Write(file, content string) *TempDir {
	return d.WriteBytes(file, []byte(content))
}

func (d *TempDir) WriteBytes(file string, content []byte) *TempDir {
	d.t.Helper()
	path := d.Path(file)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		d.t.Fatalf("creating temp directory: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		d.t.Fatalf("writing temp file: %v", err)
	}
	return d
}
