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

// Package watchdog detects stalled or malformed agent output after
// verification and, within a capped budget, rewrites the next prompt.
package watchdog

import (
	"fmt"
	"strings"

	"github.com/loopd/loopd/internal/config"
	"github.com/loopd/loopd/internal/model"
	"github.com/loopd/loopd/internal/phase"
)

// Signal tags the reason the watchdog intervened.
type Signal string

const (
	SignalNone              Signal = ""
	SignalVerificationFailed Signal = "VerificationFailed"
	SignalNoProgress        Signal = "NoProgress"
	SignalRepeatedTask      Signal = "RepeatedTask"
	SignalMalformedComplete Signal = "MalformedComplete"
)

// similarityThreshold is the fraction of positionally-matching lines above
// which two outputs are considered repeats of each other.
const similarityThreshold = 0.85

var stallPhrases = []string{
	"i cannot proceed",
	"i'm stuck",
	"i am stuck",
	"need more context",
	"unable to continue",
}

// Decision is the watchdog's verdict for one verification pass.
type Decision struct {
	Signal       Signal
	ShouldRewrite bool
	FailRun      bool
	FailReason   string
}

// Evaluate inspects currentOutput against the run's prior implementation
// outputs (oldest first) and the verifier's verdict, returning the signal
// priority in spec order: verification_failed > no_progress > repeated_task
// > malformed_complete.
func Evaluate(currentOutput string, priorOutputs []string, verificationFailed bool, completionMode config.CompletionMode, rewriteCount, maxRewrites int) Decision {
	signal := detectSignal(currentOutput, priorOutputs, verificationFailed, completionMode)

	switch signal {
	case SignalNone:
		return Decision{Signal: SignalNone}
	case SignalVerificationFailed:
		return Decision{Signal: signal}
	default:
		if rewriteCount < maxRewrites {
			return Decision{Signal: signal, ShouldRewrite: true}
		}
		return Decision{
			Signal:     signal,
			FailRun:    true,
			FailReason: fmt.Sprintf("watchdog_failed:%s", signal),
		}
	}
}

func detectSignal(currentOutput string, priorOutputs []string, verificationFailed bool, completionMode config.CompletionMode) Signal {
	if verificationFailed {
		return SignalVerificationFailed
	}
	if containsStallPhrase(currentOutput) {
		return SignalNoProgress
	}
	if len(priorOutputs) > 0 && similarity(currentOutput, priorOutputs[len(priorOutputs)-1]) > similarityThreshold {
		return SignalRepeatedTask
	}
	if isMalformedComplete(currentOutput, completionMode) {
		return SignalMalformedComplete
	}
	return SignalNone
}

func containsStallPhrase(output string) bool {
	lower := strings.ToLower(output)
	for _, phrase := range stallPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// similarity returns the fraction of lines in a and b (by position) that are
// identical, over the longer of the two line counts.
func similarity(a, b string) float64 {
	linesA := strings.Split(a, "\n")
	linesB := strings.Split(b, "\n")

	max := len(linesA)
	if len(linesB) > max {
		max = len(linesB)
	}
	if max == 0 {
		return 0
	}

	matches := 0
	for i := 0; i < len(linesA) && i < len(linesB); i++ {
		if linesA[i] == linesB[i] {
			matches++
		}
	}
	return float64(matches) / float64(max)
}

func isMalformedComplete(output string, mode config.CompletionMode) bool {
	return phase.CheckCompletion(output, mode).IsMalformed
}

// RewritePrompt prepends a signal-specific instruction block to the
// original prompt for the next implementation attempt.
func RewritePrompt(originalPrompt string, signal Signal) string {
	return instructionFor(signal) + "\n\n" + originalPrompt
}

func instructionFor(signal Signal) string {
	switch signal {
	case SignalNoProgress:
		return "You previously reported being stuck or needing more context. " +
			"Re-examine the task, gather any missing information yourself, and make concrete progress."
	case SignalRepeatedTask:
		return "Your previous output was nearly identical to the one before it. " +
			"Do not repeat the same response; take a different concrete action."
	case SignalMalformedComplete:
		return fmt.Sprintf(
			"Your previous output contained a malformed completion marker. "+
				"When the task is truly complete, output exactly %q with no surrounding text.",
			model.CompletionSentinel,
		)
	default:
		return "Continue the task."
	}
}
