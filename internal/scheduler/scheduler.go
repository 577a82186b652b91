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

// Package scheduler admits runs under global and per-workspace concurrency
// caps, recovers in-flight runs after a crash, and enforces the step
// lifecycle transitions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loopd/loopd/internal/metrics"
	"github.com/loopd/loopd/internal/model"
	"github.com/loopd/loopd/internal/store"
)

// ErrInvalidRunTransition is returned by ReleaseRun, PauseRun, ResumeRun and CancelRun
// when the run's current status does not match the operation's required
// source state. Terminal states are sticky: a FAILED or CANCELED run must
// never be re-admitted, so these checks are stricter than the blanket
// model.RunStatus.CanTransition allows.
var ErrInvalidRunTransition = errors.New("scheduler: invalid run transition")

// pollInterval bounds how often claimNext retries the pending-run list
// when nothing is eligible yet.
const pollInterval = 500 * time.Millisecond

// Scheduler is the sole owner of in-flight counters and admission state;
// all other components call its methods rather than mutating run status
// directly.
type Scheduler struct {
	store   store.Store
	metrics metrics.Collector
	logger  *slog.Logger

	maxConcurrent   int
	maxPerWorkspace int

	mu           sync.Mutex
	claimMu      sync.Mutex
	inFlight     int
	perWorkspace map[string]int

	// pollLimiter paces ClaimNext's retries when no run is eligible yet,
	// rather than sleeping a fixed interval unconditionally.
	pollLimiter *rate.Limiter

	shutdown chan struct{}
	once     sync.Once
}

// New constructs a Scheduler. metrics may be nil (a no-op collector is used).
func New(st store.Store, mc metrics.Collector, logger *slog.Logger, maxConcurrent, maxPerWorkspace int) *Scheduler {
	if mc == nil {
		mc = noopCollector{}
	}
	return &Scheduler{
		store:           st,
		metrics:         mc,
		logger:          logger,
		maxConcurrent:   maxConcurrent,
		maxPerWorkspace: maxPerWorkspace,
		perWorkspace:    make(map[string]int),
		shutdown:        make(chan struct{}),
		pollLimiter:     rate.NewLimiter(rate.Every(pollInterval), 1),
	}
}

// Stop signals shutdown; in-flight claim polling exits promptly.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.shutdown) })
}

// ClaimNext blocks (polling at pollInterval) until a PENDING run is
// eligible under both caps, the scheduler is stopped, or ctx is canceled.
// Returns nil, nil when shutdown was observed with no run claimed.
func (s *Scheduler) ClaimNext(ctx context.Context) (*model.Run, error) {
	for {
		select {
		case <-s.shutdown:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		run, err := s.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if run != nil {
			return run, nil
		}

		select {
		case <-time.After(s.pollLimiter.Reserve().Delay()):
		case <-s.shutdown:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Scheduler) tryClaim(ctx context.Context) (*model.Run, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	s.mu.Lock()
	globalFull := s.inFlight >= s.maxConcurrent
	s.mu.Unlock()
	if globalFull {
		return nil, nil
	}

	pending, err := s.store.ListRuns(ctx, store.RunFilter{Status: model.RunPending})
	if err != nil {
		return nil, fmt.Errorf("scheduler: list pending runs: %w", err)
	}

	// ListRuns is newest-first; walk from the oldest for strict FIFO.
	for i := len(pending) - 1; i >= 0; i-- {
		run := pending[i]

		s.mu.Lock()
		wsFull := s.maxPerWorkspace > 0 && s.perWorkspace[run.WorkspaceRoot] >= s.maxPerWorkspace
		s.mu.Unlock()
		if wsFull {
			continue
		}

		if err := s.store.UpdateRunStatus(ctx, run.ID, model.RunRunning, ""); err != nil {
			return nil, fmt.Errorf("scheduler: claim run %s: %w", run.ID, err)
		}
		if _, err := s.store.AppendEvent(ctx, run.ID, "", model.EventRunStarted, nil); err != nil {
			return nil, fmt.Errorf("scheduler: append run started event: %w", err)
		}

		s.mu.Lock()
		s.inFlight++
		s.perWorkspace[run.WorkspaceRoot]++
		s.mu.Unlock()

		s.metrics.RecordRunStart(run.WorkspaceRoot)
		s.metrics.SetInFlight(run.WorkspaceRoot, s.perWorkspace[run.WorkspaceRoot])

		run.Status = model.RunRunning
		return run, nil
	}

	return nil, nil
}

// ResumeInterrupted re-claims every run left RUNNING by a prior process, if
// capacity allows, else demotes it to PAUSED. Called once at startup.
func (s *Scheduler) ResumeInterrupted(ctx context.Context) error {
	running, err := s.store.ListRunningRuns(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list running runs: %w", err)
	}

	for _, run := range running {
		s.mu.Lock()
		globalFull := s.inFlight >= s.maxConcurrent
		wsFull := s.maxPerWorkspace > 0 && s.perWorkspace[run.WorkspaceRoot] >= s.maxPerWorkspace
		s.mu.Unlock()

		if globalFull || wsFull {
			if err := s.store.UpdateRunStatus(ctx, run.ID, model.RunPaused, ""); err != nil {
				return fmt.Errorf("scheduler: demote run %s: %w", run.ID, err)
			}
			s.logger.Info("demoted interrupted run to paused", slog.String("run_id", run.ID))
			continue
		}

		s.mu.Lock()
		s.inFlight++
		s.perWorkspace[run.WorkspaceRoot]++
		s.mu.Unlock()
		s.logger.Info("re-claimed interrupted run", slog.String("run_id", run.ID))
	}
	return nil
}

// EnqueueStep creates a QUEUED step with the next gap-free attempt number
// for (run, phase). Rejects unless the run is RUNNING.
func (s *Scheduler) EnqueueStep(ctx context.Context, runID string, ph model.Phase) (*model.Step, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != model.RunRunning {
		return nil, fmt.Errorf("scheduler: run %s is not RUNNING", runID)
	}

	existing, err := s.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	attempt := 1
	for _, st := range existing {
		if st.Phase == ph && st.Attempt >= attempt {
			attempt = st.Attempt + 1
		}
	}

	step := &model.Step{RunID: runID, Phase: ph, Status: model.StepQueued, Attempt: attempt}
	if err := s.store.InsertStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// StartStep transitions a step QUEUED->IN_PROGRESS and appends the
// corresponding STEP_STARTED audit event.
func (s *Scheduler) StartStep(ctx context.Context, stepID string) error {
	step, err := s.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateStep(ctx, stepID, model.StepInProgress, nil, ""); err != nil {
		return err
	}
	if _, err := s.store.AppendEvent(ctx, step.RunID, stepID, model.EventStepStarted, nil); err != nil {
		return fmt.Errorf("scheduler: append step started event: %w", err)
	}
	return nil
}

// CompleteStep transitions a step to a terminal status and appends the
// corresponding STEP_FINISHED audit event, always after the status update so
// STEP_STARTED strictly precedes STEP_FINISHED for the same step id.
func (s *Scheduler) CompleteStep(ctx context.Context, stepID string, status model.StepStatus, exitCode *int, outputPath string) error {
	step, err := s.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateStep(ctx, stepID, status, exitCode, outputPath); err != nil {
		return err
	}
	if _, err := s.store.AppendEvent(ctx, step.RunID, stepID, model.EventStepFinished, nil); err != nil {
		return fmt.Errorf("scheduler: append step finished event: %w", err)
	}
	return nil
}

// ReleaseRun transitions a RUNNING run to a terminal status and returns its
// concurrency permit. Only a RUNNING run may be released; a run already in
// a terminal state must never be touched again.
func (s *Scheduler) ReleaseRun(ctx context.Context, runID string, final model.RunStatus, reason string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunRunning {
		return fmt.Errorf("%w: release requires RUNNING, got %s", ErrInvalidRunTransition, run.Status)
	}
	if err := s.store.UpdateRunStatus(ctx, runID, final, reason); err != nil {
		return err
	}
	s.releasePermit(run.WorkspaceRoot)
	s.metrics.RecordRunComplete(run.WorkspaceRoot, final)
	return nil
}

// PauseRun transitions RUNNING->PAUSED and releases the permit. Only a
// RUNNING run may be paused.
func (s *Scheduler) PauseRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunRunning {
		return fmt.Errorf("%w: pause requires RUNNING, got %s", ErrInvalidRunTransition, run.Status)
	}
	if err := s.store.UpdateRunStatus(ctx, runID, model.RunPaused, ""); err != nil {
		return err
	}
	s.releasePermit(run.WorkspaceRoot)
	return nil
}

// ResumeRun transitions PAUSED->PENDING; it does not itself reserve a
// permit — the run re-enters the PENDING pool for ClaimNext to re-admit
// under the usual caps. Only a PAUSED run may be resumed: resuming a
// FAILED or CANCELED run would revive a terminal run, which spec.md §3
// and §8 forbid outright.
func (s *Scheduler) ResumeRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunPaused {
		return fmt.Errorf("%w: resume requires PAUSED, got %s", ErrInvalidRunTransition, run.Status)
	}
	return s.store.UpdateRunStatus(ctx, runID, model.RunPending, "")
}

// CancelRun transitions any non-terminal run to CANCELED, releasing the
// permit if it was RUNNING. A run already in a terminal state cannot be
// canceled again.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: cancel requires a non-terminal run, got %s", ErrInvalidRunTransition, run.Status)
	}
	wasRunning := run.Status == model.RunRunning
	if err := s.store.UpdateRunStatus(ctx, runID, model.RunCanceled, ""); err != nil {
		return err
	}
	if wasRunning {
		s.releasePermit(run.WorkspaceRoot)
	}
	return nil
}

func (s *Scheduler) releasePermit(workspace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	if s.perWorkspace[workspace] > 0 {
		s.perWorkspace[workspace]--
	}
	s.metrics.SetInFlight(workspace, s.perWorkspace[workspace])
}

type noopCollector struct{}

func (noopCollector) RecordRunStart(string)                          {}
func (noopCollector) RecordRunComplete(string, model.RunStatus)      {}
func (noopCollector) RecordStepDuration(model.Phase, float64)        {}
func (noopCollector) RecordWatchdogRewrite(string)                   {}
func (noopCollector) RecordVerificationFailure()                     {}
func (noopCollector) SetQueueDepth(int)                              {}
func (noopCollector) SetInFlight(string, int)                        {}
