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

package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopd/loopd/internal/log"
)

// fakeAgentCLI writes a shell script to dir that ignores its arguments and
// prints script (a sequence of NDJSON lines) to stdout, then exits with
// exitCode.
func fakeAgentCLI(t *testing.T, dir string, script []string, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent CLI script requires a POSIX shell")
	}
	path := filepath.Join(dir, "fake-agent")
	body := "#!/bin/sh\n"
	for _, line := range script {
		body += fmt.Sprintf("echo '%s'\n", line)
	}
	body += fmt.Sprintf("exit %d\n", exitCode)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func ndjsonLine(text string) string {
	return fmt.Sprintf(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"%s"}}`, text)
}

func TestRunStreamsTextAndSucceeds(t *testing.T) {
	dir := t.TempDir()
	cli := fakeAgentCLI(t, dir, []string{
		ndjsonLine("hello "),
		ndjsonLine("world"),
		`{"type":"message_stop"}`,
	}, 0)

	cfg := Config{
		AgentCLI:                 cli,
		Model:                    "test-model",
		HeartbeatInterval:        time.Hour,
		KillGrace:                2 * time.Second,
		OutputBufferCeilingBytes: 1024,
		Retries:                  0,
		RetryBackoff:             10 * time.Millisecond,
	}

	logger := log.New(log.DefaultConfig())
	result, err := Run(context.Background(), cfg, logger,
		"do the thing",
		filepath.Join(dir, "prompt.txt"),
		filepath.Join(dir, "iter-01-impl.log"),
		filepath.Join(dir, "iter-01-impl.tail.txt"),
	)
	require.NoError(t, err)
	require.Equal(t, "hello world", result.Text)
	require.Equal(t, 0, result.ExitCode)
	require.FileExists(t, filepath.Join(dir, "prompt.txt"))
}

func TestRunRetriesOnNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	cli := fakeAgentCLI(t, dir, []string{ndjsonLine("oops")}, 1)

	cfg := Config{
		AgentCLI:                 cli,
		Model:                    "test-model",
		HeartbeatInterval:        time.Hour,
		KillGrace:                time.Second,
		OutputBufferCeilingBytes: 1024,
		Retries:                  1,
		RetryBackoff:             5 * time.Millisecond,
	}

	logger := log.New(log.DefaultConfig())
	_, err := Run(context.Background(), cfg, logger,
		"do the thing",
		filepath.Join(dir, "prompt.txt"),
		filepath.Join(dir, "iter-01-impl.log"),
		filepath.Join(dir, "iter-01-impl.tail.txt"),
	)
	require.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestRunMissingCLI(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{AgentCLI: "loopd-agent-cli-does-not-exist", Model: "x"}
	logger := log.New(log.DefaultConfig())
	_, err := Run(context.Background(), cfg, logger, "p",
		filepath.Join(dir, "prompt.txt"),
		filepath.Join(dir, "log.txt"),
		filepath.Join(dir, "tail.txt"),
	)
	require.ErrorIs(t, err, ErrClaudeNotFound)
}

func TestAppendTailLinesCapsAt200(t *testing.T) {
	var lines []string
	for i := 0; i < 250; i++ {
		lines = appendTailLines(lines, fmt.Sprintf("line%d\n", i))
	}
	require.LessOrEqual(t, len(lines), tailLineCap+1)
	require.Contains(t, lines[len(lines)-2], "line249")
}
