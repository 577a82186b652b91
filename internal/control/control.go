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

// Package control is the Go-callable surface a transport adapter (HTTP or
// otherwise) calls into; it owns no transport concerns of its own.
package control

import (
	"context"
	"log/slog"

	"github.com/loopd/loopd/internal/log"
	"github.com/loopd/loopd/internal/model"
	"github.com/loopd/loopd/internal/naming"
	"github.com/loopd/loopd/internal/scheduler"
	"github.com/loopd/loopd/internal/store"
)

// CreateRunRequest mirrors the Control API's create-run contract.
type CreateRunRequest struct {
	SpecPath        string
	WorkspaceRoot   string
	PlanPath        string
	Name            string
	NameSource      naming.Source
	MergeTarget     string
	Strategy        model.MergeStrategy
	ConfigOverrides []byte
}

// ListRunsRequest narrows ListRuns.
type ListRunsRequest struct {
	Workspace string
	Status    model.RunStatus
}

// Adapter is the control-plane surface.
type Adapter struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	middleware *log.CallMiddleware
	haikuModel string
	agentCLI   string
}

// New constructs an Adapter.
func New(st store.Store, sched *scheduler.Scheduler, logger *slog.Logger, agentCLI, haikuModel string) *Adapter {
	return &Adapter{
		store:      st,
		scheduler:  sched,
		logger:     logger,
		middleware: log.NewCallMiddleware(logger),
		haikuModel: haikuModel,
		agentCLI:   agentCLI,
	}
}

// CreateRun inserts a new Run in PENDING and emits RUN_CREATED.
func (a *Adapter) CreateRun(ctx context.Context, req CreateRunRequest) (*model.Run, error) {
	var run *model.Run
	err := a.middleware.Handler(&log.CallRequest{Method: "CreateRun", Metadata: map[string]any{"workspace": req.WorkspaceRoot}}, func() error {
		name := req.Name
		source := req.NameSource
		if name == "" {
			result := naming.Generate(ctx, req.SpecPath, req.NameSource, a.agentCLI, a.haikuModel)
			name = result.Name
			source = result.Source
		}

		var wt *model.WorktreeDescriptor
		if req.MergeTarget != "" {
			wt = &model.WorktreeDescriptor{MergeTargetBranch: req.MergeTarget, Strategy: req.Strategy}
			wt.Normalize()
		}

		run = &model.Run{
			Name:            name,
			NameSource:      string(source),
			Status:          model.RunPending,
			WorkspaceRoot:   req.WorkspaceRoot,
			SpecPath:        req.SpecPath,
			PlanPath:        req.PlanPath,
			Worktree:        wt,
			ConfigOverrides: req.ConfigOverrides,
		}
		if err := a.store.InsertRun(ctx, run); err != nil {
			return err
		}
		_, err := a.store.AppendEvent(ctx, run.ID, "", model.EventRunCreated, nil)
		return err
	})
	return run, err
}

// ListRuns lists runs newest-first.
func (a *Adapter) ListRuns(ctx context.Context, req ListRunsRequest) ([]*model.Run, error) {
	return a.store.ListRuns(ctx, store.RunFilter{Workspace: req.Workspace, Status: req.Status})
}

// GetRun returns the full Run.
func (a *Adapter) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return a.store.GetRun(ctx, id)
}

// ListSteps returns a run's ordered step history.
func (a *Adapter) ListSteps(ctx context.Context, runID string) ([]*model.Step, error) {
	return a.store.ListSteps(ctx, runID)
}

// PauseRun transitions RUNNING->PAUSED.
func (a *Adapter) PauseRun(ctx context.Context, runID string) error {
	return a.scheduler.PauseRun(ctx, runID)
}

// ResumeRun transitions PAUSED->PENDING for re-admission.
func (a *Adapter) ResumeRun(ctx context.Context, runID string) error {
	return a.scheduler.ResumeRun(ctx, runID)
}

// CancelRun transitions any non-terminal run to CANCELED.
func (a *Adapter) CancelRun(ctx context.Context, runID string) error {
	return a.scheduler.CancelRun(ctx, runID)
}

// StreamEvents returns runID's events strictly after afterMillis, in
// chronological order. A transport adapter polls this to implement a
// cursor-based event stream.
func (a *Adapter) StreamEvents(ctx context.Context, runID string, afterMillis int64) ([]*model.Event, error) {
	return a.store.ListEvents(ctx, runID, afterMillis)
}
