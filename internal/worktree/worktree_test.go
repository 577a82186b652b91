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

package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loopd/loopd/internal/config"
	"github.com/loopd/loopd/internal/model"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=loopd", "GIT_AUTHOR_EMAIL=loopd@example.com",
			"GIT_COMMITTER_NAME=loopd", "GIT_COMMITTER_EMAIL=loopd@example.com")
		require.NoError(t, cmd.Run())
	}
	run("init", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestResolveAutoFallsBackToNative(t *testing.T) {
	p, err := Resolve(config.WorktreeConfig{Provider: config.WorktreeAuto, HelperPath: ""})
	require.NoError(t, err)
	require.Equal(t, model.ProviderNative, p.Kind())
}

func TestResolveExternalFailsWhenHelperMissing(t *testing.T) {
	_, err := Resolve(config.WorktreeConfig{Provider: config.WorktreeExternal, HelperPath: "/no/such/helper"})
	require.Error(t, err)
}

func TestNativeCreateAndCleanup(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)

	wt := &model.WorktreeDescriptor{
		BaseBranch: "main",
		RunBranch:  "run-1",
		Path:       filepath.Join("..", filepath.Base(repo)+"-wt"),
	}
	native := &Native{}
	wtPath := filepath.Join(repo, "..", filepath.Base(repo)+"-wt")
	wt.Path = wtPath

	require.NoError(t, native.Create(context.Background(), repo, wt))
	require.DirExists(t, wtPath)

	require.NoError(t, native.Cleanup(context.Background(), repo, wt))
}

func TestManagerMergeNoneIsNoop(t *testing.T) {
	m := NewManager(&Native{})
	wt := &model.WorktreeDescriptor{Strategy: model.MergeNone}
	require.NoError(t, m.Merge(context.Background(), t.TempDir(), wt))
}

func TestManagerSquashMerge(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)

	native := &Native{}
	wt := &model.WorktreeDescriptor{
		BaseBranch:        "main",
		RunBranch:         "run-1",
		MergeTargetBranch: "main",
		Strategy:          model.MergeSquash,
		Path:              filepath.Join(repo, "..", filepath.Base(repo)+"-wt2"),
	}
	require.NoError(t, native.Create(context.Background(), repo, wt))

	wtDir := wt.Path
	require.NoError(t, os.WriteFile(filepath.Join(wtDir, "feature.txt"), []byte("x"), 0o644))
	commitCmd := exec.Command("git", "add", ".")
	commitCmd.Dir = wtDir
	require.NoError(t, commitCmd.Run())
	ci := exec.Command("git", "commit", "-q", "-m", "add feature")
	ci.Dir = wtDir
	ci.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=loopd", "GIT_AUTHOR_EMAIL=loopd@example.com",
		"GIT_COMMITTER_NAME=loopd", "GIT_COMMITTER_EMAIL=loopd@example.com")
	require.NoError(t, ci.Run())

	m := NewManager(native)
	require.NoError(t, m.Merge(context.Background(), repo, wt))
	require.FileExists(t, filepath.Join(repo, "feature.txt"))
}
