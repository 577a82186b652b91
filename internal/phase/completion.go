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

package phase

import (
	"strings"

	"github.com/loopd/loopd/internal/config"
	"github.com/loopd/loopd/internal/model"
)

// CompletionResult reports whether implementation output signals run
// completion, and whether a malformed variant of the sentinel was seen.
type CompletionResult struct {
	// IsComplete reports whether output signals completion in the
	// configured mode.
	IsComplete bool
	// TokenFound reports whether the sentinel appears anywhere in output.
	TokenFound bool
	// IsMalformed reports whether the sentinel was found but not accepted
	// by the configured mode.
	IsMalformed bool
}

// CheckCompletion detects the completion sentinel in output according to
// mode. Both modes compare after trimming surrounding whitespace.
func CheckCompletion(output string, mode config.CompletionMode) CompletionResult {
	tokenFound := strings.Contains(output, model.CompletionSentinel)

	exactMatch := strings.TrimSpace(output) == model.CompletionSentinel

	trailingMatch := false
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		trailingMatch = trimmed == model.CompletionSentinel
		break
	}

	var isComplete bool
	switch mode {
	case config.CompletionExact:
		isComplete = exactMatch
	case config.CompletionTrailing:
		isComplete = trailingMatch
	}

	return CompletionResult{
		IsComplete:  isComplete,
		TokenFound:  tokenFound,
		IsMalformed: tokenFound && !isComplete,
	}
}
