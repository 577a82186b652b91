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

// Package runloop drives one run from claim to terminal status: it walks
// the implementation/review/verification phase sequence, supervises the
// agent CLI, runs verification commands, consults the watchdog, and
// merges the worktree on completion. It is a sequential per-run driver,
// not an explicit state machine — each iteration asks internal/phase what
// comes next given the step history so far.
package runloop

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loopd/loopd/internal/artifact"
	"github.com/loopd/loopd/internal/config"
	"github.com/loopd/loopd/internal/log"
	"github.com/loopd/loopd/internal/metrics"
	"github.com/loopd/loopd/internal/model"
	"github.com/loopd/loopd/internal/phase"
	"github.com/loopd/loopd/internal/scheduler"
	"github.com/loopd/loopd/internal/store"
	"github.com/loopd/loopd/internal/supervisor"
	"github.com/loopd/loopd/internal/tracing"
	"github.com/loopd/loopd/internal/verifier"
	"github.com/loopd/loopd/internal/watchdog"
	"github.com/loopd/loopd/internal/worktree"
)

// Prompts supplies the phase-specific prompt text for a run; callers own
// prompt templating (out of scope for this package).
type Prompts interface {
	Implementation(run *model.Run, attempt int, rewritten string) string
	Review(run *model.Run, attempt int) string
}

// Driver runs one claimed Run to completion.
type Driver struct {
	store      store.Store
	scheduler  *scheduler.Scheduler
	metrics    metrics.Collector
	logger     *slog.Logger
	cfg        *config.Config
	prompts    Prompts
	wtManager  *worktree.Manager
}

// New constructs a Driver. mc may be nil, in which case metrics are discarded.
func New(st store.Store, sched *scheduler.Scheduler, mc metrics.Collector, logger *slog.Logger, cfg *config.Config, prompts Prompts, wtManager *worktree.Manager) *Driver {
	if mc == nil {
		mc = noopCollector{}
	}
	return &Driver{
		store:     st,
		scheduler: sched,
		metrics:   mc,
		logger:    logger,
		cfg:       cfg,
		prompts:   prompts,
		wtManager: wtManager,
	}
}

type noopCollector struct{}

func (noopCollector) RecordRunStart(string)                     {}
func (noopCollector) RecordRunComplete(string, model.RunStatus) {}
func (noopCollector) RecordStepDuration(model.Phase, float64)   {}
func (noopCollector) RecordWatchdogRewrite(string)              {}
func (noopCollector) RecordVerificationFailure()                {}
func (noopCollector) SetQueueDepth(int)                         {}
func (noopCollector) SetInFlight(string, int)                   {}

// Run drives run from its current state through to a terminal status
// (COMPLETED or FAILED; a cancelled context is recorded as FAILED with
// reason "cancelled"). The outcome is recorded via the scheduler and returns
// nil; a non-nil error is returned only when a persistence or scheduler
// call fails.
func (d *Driver) Run(ctx context.Context, run *model.Run) error {
	logger := log.WithRunContext(d.logger, run.ID, run.WorkspaceRoot)

	ctx, runSpan := tracing.StartRun(ctx, run.ID, run.WorkspaceRoot)
	defer runSpan.End()

	if run.Worktree != nil {
		if err := d.wtManager.Create(ctx, run.WorkspaceRoot, run.Worktree); err != nil {
			return d.fail(ctx, run, fmt.Sprintf("worktree_create_failed:%v", err))
		}
		if _, err := d.store.AppendEvent(ctx, run.ID, "", model.EventWorktreeCreated, nil); err != nil {
			return err
		}
	}

	var priorImplOutputs []string
	var rewriteCount int
	var pendingSignal watchdog.Signal
	var iteration int

	// Only implementation steps consume the iteration budget.
	for {
		if ctx.Err() != nil {
			return d.fail(ctx, run, "cancelled")
		}

		steps, err := d.store.ListSteps(ctx, run.ID)
		if err != nil {
			return err
		}

		ph, ok := phase.Next(steps, d.cfg.ReviewerEnabled)
		if !ok {
			return d.complete(ctx, run)
		}

		switch ph {
		case model.PhaseImplementation:
			if iteration >= d.cfg.Iterations {
				return d.fail(ctx, run, fmt.Sprintf("iteration_limit_reached:%d", iteration))
			}
			iteration++
			output, completed, failed, err := d.runImplementation(ctx, logger, run, pendingSignal)
			if err != nil {
				return err
			}
			pendingSignal = watchdog.SignalNone
			if failed {
				return d.fail(ctx, run, "implementation_step_failed")
			}
			priorImplOutputs = append(priorImplOutputs, output)

			// Completion detection halts the loop immediately, independent
			// of review/verification: run the merge phase inline (if
			// configured) and transition straight to COMPLETED.
			if completed {
				return d.mergeAndComplete(ctx, run)
			}

		case model.PhaseReview:
			if err := d.runReview(ctx, logger, run); err != nil {
				return err
			}

		case model.PhaseVerification:
			passed, err := d.runVerification(ctx, logger, run)
			if err != nil {
				return err
			}

			// The most recent implementation output is evaluated against
			// everything before it, not against itself.
			currentOutput := ""
			var priorOnly []string
			if n := len(priorImplOutputs); n > 0 {
				currentOutput = priorImplOutputs[n-1]
				priorOnly = priorImplOutputs[:n-1]
			}
			decision := watchdog.Evaluate(currentOutput, priorOnly, !passed,
				d.cfg.CompletionMode, rewriteCount, d.cfg.MaxRewrites)

			if decision.FailRun {
				return d.fail(ctx, run, decision.FailReason)
			}
			if decision.ShouldRewrite {
				rewriteCount++
				pendingSignal = decision.Signal
				d.metrics.RecordWatchdogRewrite(string(decision.Signal))
				if _, err := d.store.AppendEvent(ctx, run.ID, "", model.EventWatchdogRewrite, nil); err != nil {
					return err
				}
			}
			// SignalNone and SignalVerificationFailed both continue: the
			// phase state machine's failed-verification rule (or the
			// ordinary verification->implementation loop) drives the next
			// implementation attempt without watchdog intervention.
		}
	}
}

func (d *Driver) runImplementation(ctx context.Context, logger *slog.Logger, run *model.Run, pendingSignal watchdog.Signal) (output string, completed bool, failed bool, err error) {
	step, err := d.scheduler.EnqueueStep(ctx, run.ID, model.PhaseImplementation)
	if err != nil {
		return "", false, false, err
	}
	if err := d.scheduler.StartStep(ctx, step.ID); err != nil {
		return "", false, false, err
	}
	stepLogger := log.WithStepContext(logger, run.ID, step.ID, string(step.Phase))
	ctx, stepSpan := tracing.StartStep(ctx, string(step.Phase), step.Attempt)
	defer stepSpan.End()
	start := time.Now()

	prompt := d.prompts.Implementation(run, step.Attempt, "")
	if pendingSignal != watchdog.SignalNone {
		prompt = watchdog.RewritePrompt(prompt, pendingSignal)
	}

	mirror := artifact.New(run.WorkspaceRoot, d.cfg.GlobalLogDir, run.ID, d.cfg.ArtifactMirrorMode)
	dir := mirror.WorkspaceDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, false, fmt.Errorf("runloop: mkdir %s: %w", dir, err)
	}
	promptPath := filepath.Join(dir, fmt.Sprintf("implementation-%d.prompt.txt", step.Attempt))
	logPath := filepath.Join(dir, fmt.Sprintf("implementation-%d.log.txt", step.Attempt))
	tailPath := filepath.Join(dir, fmt.Sprintf("implementation-%d.tail.txt", step.Attempt))

	result, runErr := supervisor.Run(ctx, d.supervisorConfig(), stepLogger, prompt, promptPath, logPath, tailPath)
	d.metrics.RecordStepDuration(model.PhaseImplementation, time.Since(start).Seconds())

	if runErr != nil {
		d.scheduler.CompleteStep(ctx, step.ID, model.StepFailed, nil, logPath)
		stepLogger.Error("implementation step failed", log.Error(runErr))
		return "", false, true, nil
	}

	if err := d.scheduler.CompleteStep(ctx, step.ID, model.StepSucceeded, &result.ExitCode, logPath); err != nil {
		return "", false, false, err
	}

	completionResult := phase.CheckCompletion(result.Text, d.cfg.CompletionMode)
	return result.Text, completionResult.IsComplete, false, nil
}

func (d *Driver) runReview(ctx context.Context, logger *slog.Logger, run *model.Run) error {
	step, err := d.scheduler.EnqueueStep(ctx, run.ID, model.PhaseReview)
	if err != nil {
		return err
	}
	if err := d.scheduler.StartStep(ctx, step.ID); err != nil {
		return err
	}
	stepLogger := log.WithStepContext(logger, run.ID, step.ID, string(step.Phase))
	ctx, stepSpan := tracing.StartStep(ctx, string(step.Phase), step.Attempt)
	defer stepSpan.End()
	start := time.Now()

	prompt := d.prompts.Review(run, step.Attempt)

	mirror := artifact.New(run.WorkspaceRoot, d.cfg.GlobalLogDir, run.ID, d.cfg.ArtifactMirrorMode)
	dir := mirror.WorkspaceDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("runloop: mkdir %s: %w", dir, err)
	}
	promptPath := filepath.Join(dir, fmt.Sprintf("review-%d.prompt.txt", step.Attempt))
	logPath := filepath.Join(dir, fmt.Sprintf("review-%d.log.txt", step.Attempt))
	tailPath := filepath.Join(dir, fmt.Sprintf("review-%d.tail.txt", step.Attempt))

	result, runErr := supervisor.Run(ctx, d.supervisorConfig(), stepLogger, prompt, promptPath, logPath, tailPath)
	d.metrics.RecordStepDuration(model.PhaseReview, time.Since(start).Seconds())

	if runErr != nil {
		d.scheduler.CompleteStep(ctx, step.ID, model.StepFailed, nil, logPath)
		return fmt.Errorf("runloop: review step: %w", runErr)
	}
	return d.scheduler.CompleteStep(ctx, step.ID, model.StepSucceeded, &result.ExitCode, logPath)
}

func (d *Driver) runVerification(ctx context.Context, logger *slog.Logger, run *model.Run) (bool, error) {
	step, err := d.scheduler.EnqueueStep(ctx, run.ID, model.PhaseVerification)
	if err != nil {
		return false, err
	}
	if err := d.scheduler.StartStep(ctx, step.ID); err != nil {
		return false, err
	}
	stepLogger := log.WithStepContext(logger, run.ID, step.ID, string(step.Phase))
	ctx, stepSpan := tracing.StartStep(ctx, string(step.Phase), step.Attempt)
	defer stepSpan.End()
	start := time.Now()

	mirror := artifact.New(run.WorkspaceRoot, d.cfg.GlobalLogDir, run.ID, d.cfg.ArtifactMirrorMode)
	verifyDir := mirror.WorkspaceDir()
	if err := os.MkdirAll(verifyDir, 0o755); err != nil {
		return false, fmt.Errorf("runloop: mkdir %s: %w", verifyDir, err)
	}
	notesPath := filepath.Join(verifyDir, fmt.Sprintf("verification-%d.notes.txt", step.Attempt))

	verifyCfg := verifier.Config{
		Commands:                 d.cfg.VerifyCmds,
		WorkDir:                  run.WorkspaceRoot,
		Timeout:                  time.Duration(d.cfg.VerifyTimeoutSeconds) * time.Second,
		OutputBufferCeilingBytes: d.cfg.OutputBufferCeilingBytes,
	}
	result, err := verifier.Run(ctx, verifyCfg, notesPath)
	d.metrics.RecordStepDuration(model.PhaseVerification, time.Since(start).Seconds())
	if err != nil {
		d.scheduler.CompleteStep(ctx, step.ID, model.StepFailed, nil, notesPath)
		return false, fmt.Errorf("runloop: verification step: %w", err)
	}

	status := model.StepSucceeded
	if !result.Passed {
		status = model.StepFailed
		d.metrics.RecordVerificationFailure()
		stepLogger.Warn("verification failed", log.String("notes_path", notesPath))
	}
	if err := d.scheduler.CompleteStep(ctx, step.ID, status, nil, notesPath); err != nil {
		return false, err
	}
	return result.Passed, nil
}

func (d *Driver) mergeAndComplete(ctx context.Context, run *model.Run) error {
	if run.Worktree != nil && run.Worktree.Strategy != model.MergeNone {
		mergeStep := &model.Step{RunID: run.ID, Phase: model.PhaseMerge, Status: model.StepQueued, Attempt: 1}
		if err := d.store.InsertStep(ctx, mergeStep); err != nil {
			return err
		}
		if err := d.store.UpdateStep(ctx, mergeStep.ID, model.StepInProgress, nil, ""); err != nil {
			return err
		}
		if err := d.wtManager.Merge(ctx, run.WorkspaceRoot, run.Worktree); err != nil {
			d.store.UpdateStep(ctx, mergeStep.ID, model.StepFailed, nil, "")
			return d.fail(ctx, run, fmt.Sprintf("merge_failed:%v", err))
		}
		if err := d.store.UpdateStep(ctx, mergeStep.ID, model.StepSucceeded, nil, ""); err != nil {
			return err
		}
	}
	return d.complete(ctx, run)
}

func (d *Driver) complete(ctx context.Context, run *model.Run) error {
	if err := d.scheduler.ReleaseRun(ctx, run.ID, model.RunCompleted, ""); err != nil {
		return err
	}
	_, err := d.store.AppendEvent(ctx, run.ID, "", model.EventRunCompleted, nil)
	return err
}

func (d *Driver) fail(ctx context.Context, run *model.Run, reason string) error {
	if err := d.scheduler.ReleaseRun(ctx, run.ID, model.RunFailed, reason); err != nil {
		return err
	}
	_, err := d.store.AppendEvent(ctx, run.ID, "", model.EventRunFailed, []byte(reason))
	return err
}

func (d *Driver) supervisorConfig() supervisor.Config {
	return supervisor.Config{
		AgentCLI:                 d.cfg.AgentCLI,
		Model:                    d.cfg.Model,
		HeartbeatInterval:        time.Duration(d.cfg.HeartbeatIntervalSeconds) * time.Second,
		KillGrace:                time.Duration(d.cfg.KillGraceSeconds) * time.Second,
		OutputBufferCeilingBytes: d.cfg.OutputBufferCeilingBytes,
		StepTimeout:              time.Duration(d.cfg.StepTimeoutSeconds) * time.Second,
		Retries:                  d.cfg.Retries,
		RetryBackoff:             time.Second,
	}
}
