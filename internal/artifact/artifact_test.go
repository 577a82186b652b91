// Copyright 2025 The Loopd Authors
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

package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loopd/loopd/internal/config"
)

func TestMirrorModeBothProducesIdenticalHashes(t *testing.T) {
	dir := t.TempDir()
	workspace := filepath.Join(dir, "workspace")
	global := filepath.Join(dir, "global")
	require.NoError(t, os.MkdirAll(workspace, 0o755))

	src := filepath.Join(workspace, "summary.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"ok":true}`), 0o644))

	m := New(workspace, global, "run-1", config.ArtifactMirror)
	files, hash, err := m.Mirror(src)
	require.NoError(t, err)
	require.Len(t, files, 2)

	for _, f := range files {
		got, err := HashFile(f.Path)
		require.NoError(t, err)
		require.Equal(t, hash, got)
	}
}

func TestMirrorSourceNotFound(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, dir, "run-1", config.ArtifactWorkspace)
	_, _, err := m.Mirror(filepath.Join(dir, "missing.txt"))
	require.ErrorIs(t, err, ErrSourceNotFound)
}

func TestWorkspaceAndGlobalDirLayout(t *testing.T) {
	m := New("/ws", "/global", "abc123", config.ArtifactWorkspace)
	require.Equal(t, "/ws/logs/loop/run-abc123", m.WorkspaceDir())
	require.Equal(t, "/global/runs/run-abc123", m.GlobalDir())
}
