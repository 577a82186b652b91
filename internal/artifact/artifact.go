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

// Package artifact mirrors run-produced files into per-workspace and/or
// per-user directories, recording a content hash for each copy.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/loopd/loopd/internal/config"
)

// ErrSourceNotFound is returned when the source file to mirror does not exist.
var ErrSourceNotFound = errors.New("artifact: source file not found")

// Mirror copies run artifacts into workspace and/or global run directories
// according to mode, hashing the bytes exactly once and reusing the digest
// across both copies.
type Mirror struct {
	workspaceRoot string
	globalLogDir  string
	runID         string
	mode          config.ArtifactMirrorMode
}

// New constructs a Mirror for one run.
func New(workspaceRoot, globalLogDir, runID string, mode config.ArtifactMirrorMode) *Mirror {
	return &Mirror{
		workspaceRoot: workspaceRoot,
		globalLogDir:  globalLogDir,
		runID:         runID,
		mode:          mode,
	}
}

// WorkspaceDir returns <workspace_root>/logs/loop/run-<run_id>/.
func (m *Mirror) WorkspaceDir() string {
	return filepath.Join(m.workspaceRoot, "logs", "loop", "run-"+m.runID)
}

// GlobalDir returns <global_log_dir>/runs/run-<run_id>/.
func (m *Mirror) GlobalDir() string {
	return filepath.Join(m.globalLogDir, "runs", "run-"+m.runID)
}

// MirroredFile is one written copy of a source file.
type MirroredFile struct {
	Location config.ArtifactMirrorMode
	Path     string
}

// Mirror copies srcPath into the configured destination(s),
// returning one MirroredFile per copy plus the shared content hash.
func (m *Mirror) Mirror(srcPath string) ([]MirroredFile, string, error) {
	data, err := os.ReadFile(srcPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrSourceNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("artifact: read %s: %w", srcPath, err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	filename := filepath.Base(srcPath)
	var dests []string
	switch m.mode {
	case config.ArtifactWorkspace:
		dests = []string{m.WorkspaceDir()}
	case config.ArtifactGlobal:
		dests = []string{m.GlobalDir()}
	case config.ArtifactMirror:
		dests = []string{m.WorkspaceDir(), m.GlobalDir()}
	}

	var out []MirroredFile
	for _, dir := range dests {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, "", fmt.Errorf("artifact: mkdir %s: %w", dir, err)
		}
		dst := filepath.Join(dir, filename)
		if err := writeFileAtomic(dst, data); err != nil {
			return nil, "", fmt.Errorf("artifact: write %s: %w", dst, err)
		}
		loc := config.ArtifactWorkspace
		if dir == m.GlobalDir() {
			loc = config.ArtifactGlobal
		}
		out = append(out, MirroredFile{Location: loc, Path: dst})
	}

	return out, hash, nil
}

func writeFileAtomic(dst string, data []byte) error {
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// HashFile computes the hex-encoded SHA-256 digest of the file at path,
// for verifying a previously mirrored copy.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
