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

// Package verifier runs a user-configured ordered list of shell commands
// against a run's worktree (or workspace root) and reports pass/fail.
package verifier

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandResult is the outcome of one verify command.
type CommandResult struct {
	Command  string
	ExitCode int
	Output   string
	TimedOut bool
}

// Result is the outcome of a full verification pass.
type Result struct {
	Passed  bool
	Results []CommandResult
}

// Config configures a verification pass.
type Config struct {
	Commands                []string
	WorkDir                 string
	Timeout                 time.Duration // 0 = unbounded, applies per command
	OutputBufferCeilingBytes int64
}

// tailLineCapNotes is the number of trailing lines retained in runner-notes.txt
// for each failed command.
const tailLineCapNotes = 120

// Run executes every configured command in order, even after a failure, so
// the full failure set is surfaced in one pass. On success it truncates
// notesPath to empty; on failure it writes failure context to notesPath.
func Run(ctx context.Context, cfg Config, notesPath string) (*Result, error) {
	result := &Result{Passed: true}

	for _, command := range cfg.Commands {
		cr := runOne(ctx, cfg, command)
		result.Results = append(result.Results, cr)
		if cr.ExitCode != 0 || cr.TimedOut {
			result.Passed = false
		}
	}

	if result.Passed {
		if err := os.WriteFile(notesPath, nil, 0o644); err != nil {
			return result, fmt.Errorf("verifier: truncate notes: %w", err)
		}
		return result, nil
	}

	if err := writeNotes(notesPath, result); err != nil {
		return result, fmt.Errorf("verifier: write notes: %w", err)
	}
	return result, nil
}

func runOne(ctx context.Context, cfg Config, command string) CommandResult {
	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = cfg.WorkDir

	var buf bytes.Buffer
	ceiling := cfg.OutputBufferCeilingBytes
	if ceiling <= 0 {
		ceiling = 50 * 1024 * 1024
	}
	cmd.Stdout = &ceilingWriter{buf: &buf, ceiling: ceiling}
	cmd.Stderr = &ceilingWriter{buf: &buf, ceiling: ceiling}

	err := cmd.Run()

	timedOut := runCtx.Err() != nil

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if timedOut {
			exitCode = -1
		} else {
			exitCode = -1
		}
	}

	return CommandResult{
		Command:  command,
		ExitCode: exitCode,
		Output:   buf.String(),
		TimedOut: timedOut,
	}
}

type ceilingWriter struct {
	buf     *bytes.Buffer
	ceiling int64
}

func (w *ceilingWriter) Write(p []byte) (int, error) {
	if int64(w.buf.Len()) < w.ceiling {
		remaining := w.ceiling - int64(w.buf.Len())
		if int64(len(p)) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func writeNotes(path string, result *Result) error {
	var b strings.Builder
	for _, cr := range result.Results {
		if cr.ExitCode == 0 && !cr.TimedOut {
			continue
		}
		fmt.Fprintf(&b, "$ %s\nexit code: %d\n", cr.Command, cr.ExitCode)
		if cr.TimedOut {
			b.WriteString("(timed out)\n")
		}
		b.WriteString(tail(cr.Output, tailLineCapNotes))
		b.WriteString("\n\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func tail(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
