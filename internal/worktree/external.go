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
	"fmt"
	"os/exec"

	"github.com/loopd/loopd/internal/model"
)

// External drives the checkout lifecycle via a configured helper binary,
// per the external worktree helper contract: `switch --create <branch>` to
// create and enter a worktree, `remove <branch>` to delete one, and an
// optional `step copy-ignored` invoked after create.
type External struct {
	HelperPath string
}

// Kind reports the provider kind.
func (e *External) Kind() model.WorktreeProviderKind { return model.ProviderExternal }

// Create invokes the helper to switch into a newly created branch, then
// best-effort copies ignored files.
func (e *External) Create(ctx context.Context, workspaceRoot string, wt *model.WorktreeDescriptor) error {
	if err := e.run(ctx, workspaceRoot, "switch", "--create", wt.RunBranch); err != nil {
		return fmt.Errorf("worktree: external switch --create: %w", err)
	}
	// copy-ignored failure is discarded; it is neither logged nor returned.
	_ = e.run(ctx, workspaceRoot, "step", "copy-ignored")
	return nil
}

// Cleanup invokes the helper to remove the run branch's worktree.
func (e *External) Cleanup(ctx context.Context, workspaceRoot string, wt *model.WorktreeDescriptor) error {
	if err := e.run(ctx, workspaceRoot, "remove", wt.RunBranch); err != nil {
		return fmt.Errorf("worktree: external remove: %w", err)
	}
	return nil
}

func (e *External) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, e.HelperPath, args...)
	cmd.Dir = dir
	return cmd.Run()
}
