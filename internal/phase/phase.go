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

// Package phase sequences a run's phases as a pure function over step
// history; it is deliberately not modeled as an explicit state machine
// object (the loop that consumes Next's output is the sequential driver).
package phase

import "github.com/loopd/loopd/internal/model"

// Next returns the phase that should run next given steps, the run's
// ordered step history (oldest first), and whether the reviewer phase is
// enabled. A nil/empty history means the run has not started.
//
// Returns ok=false when the most recently succeeded step was a merge,
// meaning the run has reached its terminal phase.
func Next(steps []*model.Step, reviewerEnabled bool) (next model.Phase, ok bool) {
	if len(steps) == 0 {
		return model.PhaseImplementation, true
	}

	last := steps[len(steps)-1]

	if last.Phase == model.PhaseVerification && last.Status == model.StepFailed {
		return model.PhaseImplementation, true
	}

	lastSucceeded := lastSucceededStep(steps)
	if lastSucceeded == nil {
		// No succeeded step yet and the most recent step wasn't a failed
		// verification (e.g. still retrying implementation): restart
		// implementation.
		return model.PhaseImplementation, true
	}

	switch lastSucceeded.Phase {
	case model.PhaseImplementation:
		if reviewerEnabled {
			return model.PhaseReview, true
		}
		return model.PhaseVerification, true
	case model.PhaseReview:
		return model.PhaseVerification, true
	case model.PhaseVerification:
		return model.PhaseImplementation, true
	case model.PhaseWatchdog:
		return model.PhaseImplementation, true
	case model.PhaseMerge:
		return "", false
	default:
		return model.PhaseImplementation, true
	}
}

func lastSucceededStep(steps []*model.Step) *model.Step {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Status == model.StepSucceeded {
			return steps[i]
		}
	}
	return nil
}
