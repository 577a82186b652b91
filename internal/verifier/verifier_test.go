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

package verifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunAllPassTruncatesNotes(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "runner-notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("stale"), 0o644))

	cfg := Config{Commands: []string{"true", "echo ok"}, WorkDir: dir}
	result, err := Run(context.Background(), cfg, notes)
	require.NoError(t, err)
	require.True(t, result.Passed)

	data, err := os.ReadFile(notes)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestRunContinuesAfterFailureAndWritesNotes(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "runner-notes.txt")

	cfg := Config{Commands: []string{"false", "echo still ran"}, WorkDir: dir}
	result, err := Run(context.Background(), cfg, notes)
	require.NoError(t, err)
	require.False(t, result.Passed)
	require.Len(t, result.Results, 2)
	require.Equal(t, 1, result.Results[0].ExitCode)
	require.Equal(t, 0, result.Results[1].ExitCode)

	data, err := os.ReadFile(notes)
	require.NoError(t, err)
	require.Contains(t, string(data), "false")
}

func TestRunCommandTimeout(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "runner-notes.txt")

	cfg := Config{Commands: []string{"sleep 5"}, WorkDir: dir, Timeout: 100 * time.Millisecond}
	result, err := Run(context.Background(), cfg, notes)
	require.NoError(t, err)
	require.False(t, result.Passed)
	require.True(t, result.Results[0].TimedOut)
}
