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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/loopd/loopd/internal/model"
)

// Native drives the checkout lifecycle via the git CLI.
type Native struct{}

// Kind reports the provider kind.
func (n *Native) Kind() model.WorktreeProviderKind { return model.ProviderNative }

// Create ensures the target path is empty, creates the branch from base if
// missing, and checks it out into the worktree path, creating the parent
// directory first.
func (n *Native) Create(ctx context.Context, workspaceRoot string, wt *model.WorktreeDescriptor) error {
	path := runDir(workspaceRoot, wt.Path)

	if err := ensureEmptyDir(path); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("worktree: mkdir parent: %w", err)
	}

	if err := runGit(ctx, workspaceRoot, "rev-parse", "--verify", wt.RunBranch); err != nil {
		if err := runGit(ctx, workspaceRoot, "branch", wt.RunBranch, wt.BaseBranch); err != nil {
			return fmt.Errorf("worktree: create branch %s: %w", wt.RunBranch, err)
		}
	}

	if err := runGit(ctx, workspaceRoot, "worktree", "add", path, wt.RunBranch); err != nil {
		return fmt.Errorf("worktree: add worktree: %w", err)
	}
	return nil
}

// Cleanup best-effort removes the worktree. Failures are returned for the
// caller to log; they must never fail an already-completed run.
func (n *Native) Cleanup(ctx context.Context, workspaceRoot string, wt *model.WorktreeDescriptor) error {
	path := runDir(workspaceRoot, wt.Path)
	if err := runGit(ctx, workspaceRoot, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("worktree: remove: %w", err)
	}
	return nil
}

// Prune removes stale worktree administrative files left behind by a prior
// crash, so a future `worktree add` at the same path does not fail.
func (n *Native) Prune(ctx context.Context, workspaceRoot string) error {
	return runGit(ctx, workspaceRoot, "worktree", "prune")
}

func runGit(ctx context.Context, dir string, args ...string) error {
	_, err := runGitOutput(ctx, dir, args...)
	return err
}

func runGitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func lookPath(name string) error {
	_, err := exec.LookPath(name)
	return err
}
