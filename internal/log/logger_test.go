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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}
	if cfg.AddSource {
		t.Errorf("expected default AddSource to be false")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected *Config
	}{
		{
			name:    "defaults when no env vars",
			envVars: map[string]string{},
			expected: &Config{
				Level:     "info",
				Format:    FormatJSON,
				AddSource: false,
			},
		},
		{
			name:    "LOG_LEVEL=debug",
			envVars: map[string]string{"LOG_LEVEL": "debug"},
			expected: &Config{
				Level:     "debug",
				Format:    FormatJSON,
				AddSource: false,
			},
		},
		{
			name:    "LOOPD_LOG_LEVEL takes precedence over LOG_LEVEL",
			envVars: map[string]string{"LOOPD_LOG_LEVEL": "warn", "LOG_LEVEL": "error"},
			expected: &Config{
				Level:     "warn",
				Format:    FormatJSON,
				AddSource: false,
			},
		},
		{
			name:    "LOOPD_DEBUG forces debug level and source",
			envVars: map[string]string{"LOOPD_DEBUG": "true", "LOOPD_LOG_LEVEL": "error"},
			expected: &Config{
				Level:     "debug",
				Format:    FormatJSON,
				AddSource: true,
			},
		},
		{
			name:    "LOG_FORMAT=text",
			envVars: map[string]string{"LOG_FORMAT": "text"},
			expected: &Config{
				Level:     "info",
				Format:    FormatText,
				AddSource: false,
			},
		},
		{
			name:    "LOG_SOURCE=1",
			envVars: map[string]string{"LOG_SOURCE": "1"},
			expected: &Config{
				Level:     "info",
				Format:    FormatJSON,
				AddSource: true,
			},
		},
	}

	envKeys := []string{"LOOPD_DEBUG", "LOOPD_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range envKeys {
				os.Unsetenv(k)
			}
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer func() {
				for _, k := range envKeys {
					os.Unsetenv(k)
				}
			}()

			cfg := FromEnv()

			if cfg.Level != tt.expected.Level {
				t.Errorf("expected level %q, got %q", tt.expected.Level, cfg.Level)
			}
			if cfg.Format != tt.expected.Format {
				t.Errorf("expected format %q, got %q", tt.expected.Format, cfg.Format)
			}
			if cfg.AddSource != tt.expected.AddSource {
				t.Errorf("expected AddSource %v, got %v", tt.expected.AddSource, cfg.AddSource)
			}
		})
	}
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Level: "debug", Format: FormatJSON, Output: &buf}

	logger := New(cfg)
	logger.Info("test message", "key", "value")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v", err)
	}
	if logEntry["msg"] != "test message" {
		t.Errorf("expected msg field to be 'test message', got: %v", logEntry["msg"])
	}
	if logEntry["key"] != "value" {
		t.Errorf("expected key field to be 'value', got: %v", logEntry["key"])
	}
	if logEntry["level"] != "INFO" {
		t.Errorf("expected level field to be 'INFO', got: %v", logEntry["level"])
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Level: "info", Format: FormatText, Output: &buf}

	logger := New(cfg)
	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected output to contain 'test message', got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected output to contain 'key=value', got: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("expected level %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestWithRunContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithRunContext(logger, "run-123", "/workspace/foo").Info("test message")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if logEntry[RunIDKey] != "run-123" {
		t.Errorf("expected %s to be 'run-123', got: %v", RunIDKey, logEntry[RunIDKey])
	}
	if logEntry[WorkspaceKey] != "/workspace/foo" {
		t.Errorf("expected %s to be '/workspace/foo', got: %v", WorkspaceKey, logEntry[WorkspaceKey])
	}
}

func TestWithStepContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithStepContext(logger, "run-456", "step-789", "implementation").Info("test message")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if logEntry[RunIDKey] != "run-456" {
		t.Errorf("expected %s to be 'run-456', got: %v", RunIDKey, logEntry[RunIDKey])
	}
	if logEntry[StepIDKey] != "step-789" {
		t.Errorf("expected %s to be 'step-789', got: %v", StepIDKey, logEntry[StepIDKey])
	}
	if logEntry[PhaseKey] != "implementation" {
		t.Errorf("expected %s to be 'implementation', got: %v", PhaseKey, logEntry[PhaseKey])
	}
}

func TestAttrHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("test message",
		String("string_key", "string_value"),
		Int("int_key", 42),
		Int64("int64_key", int64(123)),
		Bool("bool_key", true),
		Duration("duration_key", 1500),
	)

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if logEntry["string_key"] != "string_value" {
		t.Errorf("expected string_key to be 'string_value', got: %v", logEntry["string_key"])
	}
	if logEntry["int_key"] != float64(42) {
		t.Errorf("expected int_key to be 42, got: %v", logEntry["int_key"])
	}
	if logEntry["duration_key_ms"] != float64(1500) {
		t.Errorf("expected duration_key_ms to be 1500, got: %v", logEntry["duration_key_ms"])
	}
}

func TestErrorAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "error", Format: FormatJSON, Output: &buf})

	logger.Error("test error message", Error(errors.New("boom")))

	output := buf.String()
	if !strings.Contains(output, "boom") {
		t.Errorf("expected error message in output, got: %s", output)
	}
}

func TestNilConfig(t *testing.T) {
	if logger := New(nil); logger == nil {
		t.Errorf("expected non-nil logger when nil config passed")
	}
}

func TestSanitizeAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal API key", "sk-1234567890abcdef", "...cdef"},
		{"short key redacted", "abc", "[REDACTED]"},
		{"exactly 4 chars redacted", "abcd", "[REDACTED]"},
		{"empty string redacted", "", "[REDACTED]"},
		{"5 chars shows last 4", "abcde", "...bcde"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeAPIKey(tt.input); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestSanitizeSecret(t *testing.T) {
	for _, input := range []string{"super-secret-password", "", "x"} {
		if got := SanitizeSecret(input); got != "[REDACTED]" {
			t.Errorf("expected '[REDACTED]', got %q", got)
		}
	}
}

func TestAddSource(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf, AddSource: true})

	logger.Info("test message")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if _, ok := logEntry["source"]; !ok {
		t.Errorf("expected source field to be present")
	}
}
