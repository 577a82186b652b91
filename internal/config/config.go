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

// Package config defines the daemon's configuration surface.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CompletionMode selects how the phase machine detects the completion
// sentinel in implementation output.
type CompletionMode string

const (
	CompletionExact    CompletionMode = "exact"
	CompletionTrailing CompletionMode = "trailing"
)

// ArtifactMirrorMode selects where run artifacts are mirrored.
type ArtifactMirrorMode string

const (
	ArtifactWorkspace ArtifactMirrorMode = "workspace"
	ArtifactGlobal    ArtifactMirrorMode = "global"
	ArtifactMirror    ArtifactMirrorMode = "mirror"
)

// WorktreeProvider selects which worktree provider to prefer.
type WorktreeProvider string

const (
	WorktreeAuto     WorktreeProvider = "auto"
	WorktreeNative   WorktreeProvider = "native"
	WorktreeExternal WorktreeProvider = "external"
)

// WorktreeConfig configures the worktree lifecycle manager.
type WorktreeConfig struct {
	// Provider selects native, external or auto-detection. Default: auto.
	Provider WorktreeProvider `yaml:"provider"`
	// HelperPath is the external worktree helper binary, resolved via PATH
	// if not absolute.
	HelperPath string `yaml:"helper_path"`
}

// Config is the daemon's full configuration.
type Config struct {
	// MaxConcurrent is the global in-flight run cap. Default: 3.
	MaxConcurrent int `yaml:"max_concurrent"`
	// MaxPerWorkspace is the per-workspace in-flight run cap. Default: 1.
	MaxPerWorkspace int `yaml:"max_per_workspace"`

	// GlobalDataDir holds the embedded database file.
	GlobalDataDir string `yaml:"global_data_dir"`
	// GlobalLogDir holds per-user run directories.
	GlobalLogDir string `yaml:"global_log_dir"`

	// AgentCLI is the external agent CLI binary name or path.
	AgentCLI string `yaml:"agent_cli"`
	// Model is the model identifier passed to the agent CLI.
	Model string `yaml:"model"`

	// Retries is the number of additional subprocess attempts after the
	// first failure. Default: 2.
	Retries int `yaml:"retries"`
	// StepTimeoutSeconds bounds a single subprocess invocation. 0 = unbounded.
	StepTimeoutSeconds int `yaml:"step_timeout_seconds"`
	// HeartbeatIntervalSeconds controls supervisor heartbeat logging. Default: 30.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	// KillGraceSeconds bounds the drain window after kill. Default: 5.
	KillGraceSeconds int `yaml:"kill_grace_seconds"`
	// OutputBufferCeilingBytes bounds captured stdout/stderr. Default: 50 MiB.
	OutputBufferCeilingBytes int64 `yaml:"output_buffer_ceiling_bytes"`

	// VerifyCmds is the ordered list of shell command strings run by the verifier.
	VerifyCmds []string `yaml:"verify_cmds"`
	// VerifyTimeoutSeconds bounds each verify command. 0 = unbounded.
	VerifyTimeoutSeconds int `yaml:"verify_timeout_seconds"`

	// Iterations is the implementation-phase iteration budget. Default: 50.
	Iterations int `yaml:"iterations"`
	// MaxRewrites is the watchdog rewrite cap. Default: 2.
	MaxRewrites int `yaml:"max_rewrites"`
	// ReviewerEnabled toggles the review phase between implementation and verification.
	ReviewerEnabled bool `yaml:"reviewer_enabled"`
	// CompletionMode selects exact or trailing sentinel matching. Default: trailing.
	CompletionMode CompletionMode `yaml:"completion_mode"`

	// ArtifactMirrorMode selects workspace, global, or mirror. Default: workspace.
	ArtifactMirrorMode ArtifactMirrorMode `yaml:"artifact_mirror_mode"`

	// Worktree configures the worktree lifecycle manager.
	Worktree WorktreeConfig `yaml:"worktree"`

	// NameSource selects haiku or spec_slug run naming. Default: spec_slug.
	NameSource string `yaml:"name_source"`
	// HaikuModel is the model identifier used for haiku-style run naming.
	HaikuModel string `yaml:"haiku_model"`

	// TracingOTLPEndpoint, if set, switches span export from the local
	// stdout exporter to an OTLP collector reached over gRPC at this
	// address (e.g. "localhost:4317"). Empty keeps the stdout exporter.
	TracingOTLPEndpoint string `yaml:"tracing_otlp_endpoint"`
	// TracingOTLPInsecure disables TLS when dialing TracingOTLPEndpoint.
	TracingOTLPInsecure bool `yaml:"tracing_otlp_insecure"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		MaxConcurrent:            3,
		MaxPerWorkspace:          1,
		GlobalDataDir:            defaultGlobalDir("data"),
		GlobalLogDir:             defaultGlobalDir("logs"),
		AgentCLI:                 "claude",
		Model:                    "sonnet",
		Retries:                  2,
		StepTimeoutSeconds:       0,
		HeartbeatIntervalSeconds: 30,
		KillGraceSeconds:         5,
		OutputBufferCeilingBytes: 50 * 1024 * 1024,
		VerifyCmds:               nil,
		VerifyTimeoutSeconds:    0,
		Iterations:              50,
		MaxRewrites:             2,
		ReviewerEnabled:         false,
		CompletionMode:          CompletionTrailing,
		ArtifactMirrorMode:      ArtifactWorkspace,
		Worktree: WorktreeConfig{
			Provider: WorktreeAuto,
		},
		NameSource: "spec_slug",
		HaikuModel: "haiku",
	}
}

func defaultGlobalDir(sub string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return home + "/.loopd/" + sub
}

// Load reads a YAML config file at path, overlaying its fields onto the
// documented defaults. A missing file is not an error: Load returns the
// defaults unmodified.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
