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

// Package store provides transactional, crash-safe persistence for runs,
// steps, events and artifacts.
//
// # Interface Hierarchy
//
// Store segregates its capabilities the way a minimal backend would want to
// implement them:
//
//   - RunStore (core): insert/get/list/update-status for runs.
//   - StepStore: insert/get/list/update for steps.
//   - EventStore: durable append-only event log.
//   - ArtifactStore: artifact records referencing mirrored files.
//
// The single sqlite-backed implementation in this package satisfies all four;
// the segregation exists so callers can depend on the narrowest interface
// they need.
package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/loopd/loopd/internal/model"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrTerminalRun is returned when a status transition is attempted on a
	// run already in a terminal state, or when the transition itself is
	// forbidden (e.g. CANCELED->COMPLETED).
	ErrTerminalRun = errors.New("store: run is in a terminal state")
	// ErrInvalidStepTransition is returned by UpdateStep when the requested
	// status does not follow QUEUED->IN_PROGRESS->terminal.
	ErrInvalidStepTransition = errors.New("store: invalid step status transition")
)

// RunFilter narrows a ListRuns call.
type RunFilter struct {
	Workspace string
	Status    model.RunStatus
}

// RunStore is the core interface for run persistence.
type RunStore interface {
	InsertRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*model.Run, error)
	// UpdateRunStatus stamps updated_at and rejects forbidden transitions
	// per model.RunStatus.CanTransition. reason is recorded as the run's
	// failure_reason when newStatus is model.RunFailed.
	UpdateRunStatus(ctx context.Context, id string, newStatus model.RunStatus, reason string) error
}

// StepStore is the interface for step persistence.
type StepStore interface {
	InsertStep(ctx context.Context, step *model.Step) error
	GetStep(ctx context.Context, id string) (*model.Step, error)
	ListSteps(ctx context.Context, runID string) ([]*model.Step, error)
	// UpdateStep enforces QUEUED->IN_PROGRESS->terminal and stamps ended_at
	// when newStatus is terminal.
	UpdateStep(ctx context.Context, id string, newStatus model.StepStatus, exitCode *int, outputPath string) error
}

// EventStore is the append-only audit log.
type EventStore interface {
	// AppendEvent persists payload and returns the stored event with its
	// assigned id and timestamp. It must be durable on return.
	AppendEvent(ctx context.Context, runID, stepID string, eventType model.EventType, payload []byte) (*model.Event, error)
	// ListEvents returns events for runID in total order (timestamp, then id),
	// optionally filtered to those strictly after afterMillis.
	ListEvents(ctx context.Context, runID string, afterMillis int64) ([]*model.Event, error)
}

// ArtifactStore persists artifact references.
type ArtifactStore interface {
	InsertArtifact(ctx context.Context, artifact *model.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]*model.Artifact, error)
}

// Store composes the full persistence surface plus lifecycle management and
// crash-recovery support.
type Store interface {
	RunStore
	StepStore
	EventStore
	ArtifactStore
	io.Closer

	// ListRunningRuns returns every run currently marked RUNNING, for use by
	// the scheduler's crash-recovery pass at startup.
	ListRunningRuns(ctx context.Context) ([]*model.Run, error)
	// DeleteRun cascades: its steps, events and artifacts are removed too.
	DeleteRun(ctx context.Context, id string) error
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
