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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultHasDocumentedValues(t *testing.T) {
	cfg := Default()
	require.Equal(t, 3, cfg.MaxConcurrent)
	require.Equal(t, 1, cfg.MaxPerWorkspace)
	require.Equal(t, 50, cfg.Iterations)
	require.Equal(t, 2, cfg.MaxRewrites)
	require.Equal(t, CompletionTrailing, cfg.CompletionMode)
	require.Equal(t, ArtifactWorkspace, cfg.ArtifactMirrorMode)
	require.Equal(t, WorktreeAuto, cfg.Worktree.Provider)
	require.EqualValues(t, 50*1024*1024, cfg.OutputBufferCeilingBytes)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loopd.yaml")
	writeFile(t, path, "max_concurrent: 7\nreviewer_enabled: true\nverify_cmds:\n  - \"go test ./...\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.MaxConcurrent)
	require.True(t, cfg.ReviewerEnabled)
	require.Equal(t, []string{"go test ./..."}, cfg.VerifyCmds)
	// Unset fields retain defaults.
	require.Equal(t, 50, cfg.Iterations)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
