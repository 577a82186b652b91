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

// Package model defines the persisted entities of the run orchestration engine:
// runs, steps, events and artifacts, plus the enums and small value types shared
// across the store, scheduler, phase machine and supervisor.
package model

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunPaused    RunStatus = "PAUSED"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCanceled  RunStatus = "CANCELED"
)

// Terminal reports whether s is a terminal run status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a run may move from s to next.
// Terminal states are sticky: CANCELED->COMPLETED is forbidden and
// COMPLETED->anything is forbidden.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s == RunCompleted {
		return false
	}
	if s.Terminal() && next == RunCompleted {
		return false
	}
	return true
}

// MergeStrategy controls how a completed run's branch is integrated with its
// merge target.
type MergeStrategy string

const (
	MergeNone    MergeStrategy = "none"
	MergeMerge   MergeStrategy = "merge"
	MergeSquash  MergeStrategy = "squash"
)

// WorktreeProviderKind selects which worktree provider implementation is used.
type WorktreeProviderKind string

const (
	ProviderAuto     WorktreeProviderKind = "auto"
	ProviderNative   WorktreeProviderKind = "native"
	ProviderExternal WorktreeProviderKind = "external"
)

// WorktreeDescriptor captures the version-control checkout for a run.
type WorktreeDescriptor struct {
	BaseBranch        string               `json:"base_branch"`
	RunBranch         string               `json:"run_branch"`
	MergeTargetBranch string               `json:"merge_target_branch,omitempty"`
	Strategy          MergeStrategy        `json:"strategy"`
	Path              string               `json:"path"`
	Provider          WorktreeProviderKind `json:"provider"`
}

// Normalize forces strategy to MergeNone when no merge target is configured,
// per the invariant in the data model.
func (w *WorktreeDescriptor) Normalize() {
	if w.MergeTargetBranch == "" {
		w.Strategy = MergeNone
	}
}

// Run is a unit of work: one driven agent execution against one specification.
type Run struct {
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	NameSource       string              `json:"name_source"`
	Status           RunStatus           `json:"status"`
	WorkspaceRoot    string              `json:"workspace_root"`
	SpecPath         string              `json:"spec_path"`
	PlanPath         string              `json:"plan_path,omitempty"`
	Worktree         *WorktreeDescriptor `json:"worktree,omitempty"`
	ReviewStatus     string              `json:"review_status,omitempty"`
	ConfigOverrides  []byte              `json:"config_overrides,omitempty"`
	FailureReason    string              `json:"failure_reason,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Phase is one stage of the per-run loop.
type Phase string

const (
	PhaseImplementation Phase = "implementation"
	PhaseReview         Phase = "review"
	PhaseVerification   Phase = "verification"
	PhaseWatchdog       Phase = "watchdog"
	PhaseMerge          Phase = "merge"
)

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepQueued     StepStatus = "QUEUED"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepSucceeded  StepStatus = "SUCCEEDED"
	StepFailed     StepStatus = "FAILED"
	StepRetrying   StepStatus = "RETRYING"
	StepCanceled   StepStatus = "CANCELED"
)

// Terminal reports whether s is a terminal step status.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepCanceled:
		return true
	default:
		return false
	}
}

// Step is one attempt at one phase of one run.
type Step struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	Phase      Phase      `json:"phase"`
	Status     StepStatus `json:"status"`
	Attempt    int        `json:"attempt"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	PromptPath string     `json:"prompt_path,omitempty"`
	OutputPath string     `json:"output_path,omitempty"`
}

// EventType tags the kind of an audit Event.
type EventType string

const (
	EventRunCreated              EventType = "RUN_CREATED"
	EventRunStarted               EventType = "RUN_STARTED"
	EventStepStarted               EventType = "STEP_STARTED"
	EventStepFinished             EventType = "STEP_FINISHED"
	EventWatchdogRewrite          EventType = "WATCHDOG_REWRITE"
	EventRunCompleted            EventType = "RUN_COMPLETED"
	EventRunFailed                EventType = "RUN_FAILED"
	EventWorktreeProviderSelected EventType = "WORKTREE_PROVIDER_SELECTED"
	EventWorktreeCreated          EventType = "WORKTREE_CREATED"
)

// Event is an append-only audit record. Events are never updated or deleted.
type Event struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	StepID    string    `json:"step_id,omitempty"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload,omitempty"`
}

// ArtifactLocation is where a mirrored file lives.
type ArtifactLocation string

const (
	LocationWorkspace ArtifactLocation = "workspace"
	LocationGlobal    ArtifactLocation = "global"
)

// Artifact references a file on disk produced by a run.
type Artifact struct {
	ID       string           `json:"id"`
	RunID    string           `json:"run_id"`
	Kind     string           `json:"kind"`
	Location ArtifactLocation `json:"location"`
	Path     string           `json:"path"`
	Hash     string           `json:"hash,omitempty"`
}

// CompletionSentinel is the literal string whose appearance in implementation
// output signals successful run termination.
const CompletionSentinel = "<promise>COMPLETE</promise>"
