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

// Package worktree manages the isolated version-control checkout lifecycle
// for a run, over a native-git implementation and an external-helper
// implementation.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loopd/loopd/internal/config"
	"github.com/loopd/loopd/internal/model"
)

// ErrMergeConflict is returned when a merge produces conflict markers.
var ErrMergeConflict = errors.New("worktree: merge conflict")

// Provider abstracts per-run checkout lifecycle over {native, external}.
type Provider interface {
	Create(ctx context.Context, workspaceRoot string, wt *model.WorktreeDescriptor) error
	Cleanup(ctx context.Context, workspaceRoot string, wt *model.WorktreeDescriptor) error
	Kind() model.WorktreeProviderKind
}

// Resolve picks a provider per the configured selection policy: auto uses
// the external helper if discovered, else native; external fails if the
// helper binary cannot be found; native is always honored.
func Resolve(cfg config.WorktreeConfig) (Provider, error) {
	switch cfg.Provider {
	case config.WorktreeNative:
		return &Native{}, nil
	case config.WorktreeExternal:
		if !helperAvailable(cfg.HelperPath) {
			return nil, fmt.Errorf("worktree: external helper %q not available", cfg.HelperPath)
		}
		return &External{HelperPath: cfg.HelperPath}, nil
	default: // auto
		if helperAvailable(cfg.HelperPath) {
			return &External{HelperPath: cfg.HelperPath}, nil
		}
		return &Native{}, nil
	}
}

func helperAvailable(path string) bool {
	if path == "" {
		return false
	}
	return lookPath(path) == nil
}

// Manager owns cross-run worktree state: merges are serialized because
// concurrent `git merge` invocations against the same repository race on
// the index lock.
type Manager struct {
	provider Provider
	mergeMu  sync.Mutex
}

// NewManager wraps a resolved Provider with merge serialization.
func NewManager(p Provider) *Manager {
	return &Manager{provider: p}
}

// Create delegates to the underlying provider.
func (m *Manager) Create(ctx context.Context, workspaceRoot string, wt *model.WorktreeDescriptor) error {
	return m.provider.Create(ctx, workspaceRoot, wt)
}

// Cleanup delegates to the underlying provider; failures are the caller's
// to log, never to propagate as a run failure.
func (m *Manager) Cleanup(ctx context.Context, workspaceRoot string, wt *model.WorktreeDescriptor) error {
	return m.provider.Cleanup(ctx, workspaceRoot, wt)
}

// Merge integrates the run branch into the merge target, serialized across
// concurrent runs in the same workspace. Native only.
func (m *Manager) Merge(ctx context.Context, workspaceRoot string, wt *model.WorktreeDescriptor) error {
	if wt.MergeTargetBranch == "" || wt.Strategy == model.MergeNone {
		return nil
	}

	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	if dirty, err := hasDirtyWorktree(ctx, workspaceRoot); err != nil {
		return fmt.Errorf("worktree: check clean tree: %w", err)
	} else if dirty {
		return fmt.Errorf("worktree: merge target repo has a dirty working tree")
	}

	if err := ensureBranch(ctx, workspaceRoot, wt.MergeTargetBranch, wt.BaseBranch); err != nil {
		return fmt.Errorf("worktree: ensure merge target branch: %w", err)
	}
	if err := runGit(ctx, workspaceRoot, "checkout", wt.MergeTargetBranch); err != nil {
		return fmt.Errorf("worktree: checkout merge target: %w", err)
	}

	var mergeErr error
	switch wt.Strategy {
	case model.MergeSquash:
		_, mergeErr = runGitOutput(ctx, workspaceRoot, "merge", "--squash", wt.RunBranch)
		if mergeErr == nil {
			mergeErr = runGit(ctx, workspaceRoot, "commit", "-m", "squash merge "+wt.RunBranch)
		}
	case model.MergeMerge:
		_, mergeErr = runGitOutput(ctx, workspaceRoot, "merge", "--no-ff", wt.RunBranch)
	}

	if mergeErr != nil {
		out, _ := runGitOutput(ctx, workspaceRoot, "status")
		if strings.Contains(out, "Unmerged paths") || strings.Contains(mergeErr.Error(), "CONFLICT") {
			runGit(ctx, workspaceRoot, "merge", "--abort")
			return ErrMergeConflict
		}
		return fmt.Errorf("worktree: merge failed: %w", mergeErr)
	}
	return nil
}

func hasDirtyWorktree(ctx context.Context, workspaceRoot string) (bool, error) {
	out, err := runGitOutput(ctx, workspaceRoot, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func ensureBranch(ctx context.Context, workspaceRoot, branch, base string) error {
	if err := runGit(ctx, workspaceRoot, "rev-parse", "--verify", branch); err == nil {
		return nil
	}
	return runGit(ctx, workspaceRoot, "branch", branch, base)
}

// runDir joins a workspace root and a worktree descriptor's path when the
// path is relative.
func runDir(workspaceRoot, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspaceRoot, path)
}

func ensureEmptyDir(path string) error {
	entries, err := os.ReadDir(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("worktree: target path %s is not empty", path)
	}
	return nil
}
