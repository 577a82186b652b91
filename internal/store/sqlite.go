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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loopd/loopd/internal/model"
)

// Compile-time interface assertion.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the embedded-database backing store described in the data
// model. A single file under <global_data_dir>/loopd.db survives daemon
// restarts; schema migrations are applied idempotently on New.
type SQLiteStore struct {
	db *sql.DB
}

// Config configures the sqlite connection.
type Config struct {
	// Path is the database file path, e.g. "<global_data_dir>/loopd.db".
	Path string
	// WAL enables write-ahead logging for concurrent readers.
	WAL bool
}

// New opens (creating if absent) the sqlite-backed store and runs migrations.
// Schema-migration failure is fatal to daemon startup, per the error
// taxonomy; storage I/O failures surfacing afterward are typed and
// recoverable at the call site.
func New(cfg Config) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY storms
	// under WAL and keeps the crash-safe journaling semantics simple.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			name_source TEXT,
			status TEXT NOT NULL,
			workspace_root TEXT NOT NULL,
			spec_path TEXT NOT NULL,
			plan_path TEXT,
			worktree_json TEXT,
			review_status TEXT,
			config_overrides BLOB,
			failure_reason TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace_root)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			exit_code INTEGER,
			prompt_path TEXT,
			output_path TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			step_id TEXT,
			type TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			payload BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, timestamp_ms, id)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			location TEXT NOT NULL,
			path TEXT NOT NULL,
			hash TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run_id ON artifacts(run_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// timeLayout is fixed-width (nanoseconds always present) so that the stored
// text sorts in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s.String)
	return t
}

// InsertRun persists a new run. Caller-supplied ID and created-at are
// honored if already set; otherwise they are stamped. Updated-at is always
// stamped with the insert time.
func (s *SQLiteStore) InsertRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = newID()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	var worktreeJSON []byte
	var err error
	if run.Worktree != nil {
		run.Worktree.Normalize()
		worktreeJSON, err = json.Marshal(run.Worktree)
		if err != nil {
			return fmt.Errorf("store: marshal worktree: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, name, name_source, status, workspace_root, spec_path, plan_path,
			worktree_json, review_status, config_overrides, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, nullString(run.NameSource), string(run.Status), run.WorkspaceRoot,
		run.SpecPath, nullString(run.PlanPath), worktreeJSON, nullString(run.ReviewStatus),
		run.ConfigOverrides, nullString(run.FailureReason), formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}
	return nil
}

func scanRun(row interface {
	Scan(dest ...any) error
}) (*model.Run, error) {
	var run model.Run
	var status string
	var nameSource, planPath, reviewStatus, failureReason sql.NullString
	var worktreeJSON []byte
	var configOverrides []byte
	var createdAt, updatedAt sql.NullString

	err := row.Scan(&run.ID, &run.Name, &nameSource, &status, &run.WorkspaceRoot, &run.SpecPath,
		&planPath, &worktreeJSON, &reviewStatus, &configOverrides, &failureReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	run.Status = model.RunStatus(status)
	run.NameSource = nameSource.String
	run.PlanPath = planPath.String
	run.ReviewStatus = reviewStatus.String
	run.FailureReason = failureReason.String
	run.ConfigOverrides = configOverrides
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)

	if len(worktreeJSON) > 0 {
		var wt model.WorktreeDescriptor
		if err := json.Unmarshal(worktreeJSON, &wt); err == nil {
			run.Worktree = &wt
		}
	}
	return &run, nil
}

const runColumns = `id, name, name_source, status, workspace_root, spec_path, plan_path,
			worktree_json, review_status, config_overrides, failure_reason, created_at, updated_at`

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest-first, optionally filtered.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.Workspace != "" {
		query += ` AND workspace_root = ?`
		args = append(args, filter.Workspace)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunningRuns returns every run currently marked RUNNING.
func (s *SQLiteStore) ListRunningRuns(ctx context.Context) ([]*model.Run, error) {
	return s.ListRuns(ctx, RunFilter{Status: model.RunRunning})
}

// UpdateRunStatus transitions a run's status, rejecting forbidden
// terminal-state transitions.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, newStatus model.RunStatus, reason string) error {
	current, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if !current.Status.CanTransition(newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalRun, current.Status, newStatus)
	}

	now := formatTime(time.Now().UTC())
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
		string(newStatus), nullString(reason), now, id,
	)
	if err != nil {
		return fmt.Errorf("store: update run status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRun cascades to steps, events and artifacts via foreign keys.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete run: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertStep persists a new step.
func (s *SQLiteStore) InsertStep(ctx context.Context, step *model.Step) error {
	if step.ID == "" {
		step.ID = newID()
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, phase, status, attempt, started_at, ended_at, exit_code, prompt_path, output_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, string(step.Phase), string(step.Status), step.Attempt,
		formatTime(step.StartedAt), nil, nil, nullString(step.PromptPath), nullString(step.OutputPath),
	)
	if err != nil {
		return fmt.Errorf("store: insert step: %w", err)
	}
	return nil
}

func scanStep(row interface {
	Scan(dest ...any) error
}) (*model.Step, error) {
	var st model.Step
	var phase, status string
	var startedAt sql.NullString
	var endedAt sql.NullString
	var exitCode sql.NullInt64
	var promptPath, outputPath sql.NullString

	err := row.Scan(&st.ID, &st.RunID, &phase, &status, &st.Attempt, &startedAt, &endedAt,
		&exitCode, &promptPath, &outputPath)
	if err != nil {
		return nil, err
	}
	st.Phase = model.Phase(phase)
	st.Status = model.StepStatus(status)
	st.StartedAt = parseTime(startedAt)
	if endedAt.Valid {
		t := parseTime(endedAt)
		st.EndedAt = &t
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		st.ExitCode = &v
	}
	st.PromptPath = promptPath.String
	st.OutputPath = outputPath.String
	return &st, nil
}

const stepColumns = `id, run_id, phase, status, attempt, started_at, ended_at, exit_code, prompt_path, output_path`

// GetStep retrieves a step by ID.
func (s *SQLiteStore) GetStep(ctx context.Context, id string) (*model.Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get step: %w", err)
	}
	return st, nil
}

// ListSteps returns a run's steps ordered by started_at then id.
func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]*model.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY started_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list steps: %w", err)
	}
	defer rows.Close()

	var steps []*model.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// UpdateStep enforces QUEUED->IN_PROGRESS->terminal transitions and stamps
// ended_at when newStatus is terminal.
func (s *SQLiteStore) UpdateStep(ctx context.Context, id string, newStatus model.StepStatus, exitCode *int, outputPath string) error {
	current, err := s.GetStep(ctx, id)
	if err != nil {
		return err
	}
	if !validStepTransition(current.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStepTransition, current.Status, newStatus)
	}

	var endedAt any
	if newStatus.Terminal() {
		endedAt = formatTime(time.Now().UTC())
	}
	var exitCodeArg any
	if exitCode != nil {
		exitCodeArg = *exitCode
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, ended_at = COALESCE(?, ended_at), exit_code = COALESCE(?, exit_code),
			output_path = CASE WHEN ? != '' THEN ? ELSE output_path END
		 WHERE id = ?`,
		string(newStatus), endedAt, exitCodeArg, outputPath, outputPath, id,
	)
	if err != nil {
		return fmt.Errorf("store: update step: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func validStepTransition(from, to model.StepStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case model.StepQueued:
		return to == model.StepInProgress
	case model.StepInProgress:
		return to.Terminal()
	default:
		return false
	}
}

// AppendEvent persists a durable, ordered audit record.
func (s *SQLiteStore) AppendEvent(ctx context.Context, runID, stepID string, eventType model.EventType, payload []byte) (*model.Event, error) {
	ev := &model.Event{
		ID:        newID(),
		RunID:     runID,
		StepID:    stepID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, run_id, step_id, type, timestamp_ms, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, nullString(ev.StepID), string(ev.Type), ev.Timestamp.UnixMilli(), ev.Payload,
	)
	if err != nil {
		return nil, fmt.Errorf("store: append event: %w", err)
	}
	return ev, nil
}

// ListEvents returns runID's events in total order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, afterMillis int64) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, type, timestamp_ms, payload FROM events
		 WHERE run_id = ? AND timestamp_ms > ? ORDER BY timestamp_ms ASC, id ASC`,
		runID, afterMillis,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		var ev model.Event
		var stepID sql.NullString
		var eventType string
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepID, &eventType, &ts, &ev.Payload); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.StepID = stepID.String
		ev.Type = model.EventType(eventType)
		ev.Timestamp = time.UnixMilli(ts).UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// InsertArtifact persists an artifact reference.
func (s *SQLiteStore) InsertArtifact(ctx context.Context, artifact *model.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = newID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, run_id, kind, location, path, hash) VALUES (?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.RunID, artifact.Kind, string(artifact.Location), artifact.Path, nullString(artifact.Hash),
	)
	if err != nil {
		return fmt.Errorf("store: insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns every artifact recorded for runID.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, runID string) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, kind, location, path, hash FROM artifacts WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*model.Artifact
	for rows.Next() {
		var a model.Artifact
		var location string
		var hash sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &location, &a.Path, &hash); err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		a.Location = model.ArtifactLocation(location)
		a.Hash = hash.String
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}
