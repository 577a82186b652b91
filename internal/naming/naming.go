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

// Package naming generates a run's human-readable name, either from a
// short model-produced label or from the spec file's name.
package naming

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// MaxNameLength is the maximum length of a generated run name.
const MaxNameLength = 64

// Source tags how a run's name was produced.
type Source string

const (
	SourceHaiku    Source = "haiku"
	SourceSpecSlug Source = "spec_slug"
)

// Result is the outcome of name generation.
type Result struct {
	Name   string
	Source Source
}

// Generate produces a run name. When source is SourceHaiku it shells out to
// agentCLI to request a short label; on any failure (CLI missing, non-zero
// exit, empty output) it falls back to the spec file's slug.
func Generate(ctx context.Context, specPath string, source Source, agentCLI, model string) Result {
	if source == SourceHaiku {
		if name, err := generateHaikuName(ctx, specPath, agentCLI, model); err == nil {
			return Result{Name: sanitize(name), Source: SourceHaiku}
		}
	}
	return Result{Name: sanitize(specSlug(specPath)), Source: SourceSpecSlug}
}

// specSlug derives a name from the spec file's stem.
func specSlug(specPath string) string {
	base := filepath.Base(specPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func generateHaikuName(ctx context.Context, specPath, agentCLI, model string) (string, error) {
	if _, err := exec.LookPath(agentCLI); err != nil {
		return "", err
	}

	specName := specSlug(specPath)
	prompt := "Generate a short, memorable name (2-4 words, lowercase, hyphen-separated) " +
		"for a development task based on this spec name: '" + specName + "'. " +
		"Output ONLY the name, nothing else."

	callCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	cmd := exec.CommandContext(callCtx, agentCLI, "--model", model, "--print", "-p", prompt)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}

	name := strings.TrimSpace(string(out))
	if name == "" {
		return "", errEmptyResponse
	}
	return name, nil
}

var errEmptyResponse = namingError("haiku generation returned an empty response")

type namingError string

func (e namingError) Error() string { return string(e) }

// sanitize restricts name to ASCII alphanumerics, '-' and '_', lowercased
// and truncated to MaxNameLength. Falls back to "unnamed" if nothing survives.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if b.Len() >= MaxNameLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unnamed"
	}
	return strings.ToLower(b.String())
}
