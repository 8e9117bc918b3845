// Package store persists Error and FixAttempt records in SQLite.
//
// The store is the only shared state between the log monitor (producer of
// errors) and the fix orchestrator (consumer); both hold the same *Store and
// coordinate exclusively through status transitions recorded here.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS errors (
	id             TEXT PRIMARY KEY,
	error_type     TEXT NOT NULL,
	severity       TEXT NOT NULL,
	category       TEXT NOT NULL,
	message        TEXT NOT NULL,
	stack_trace    TEXT NOT NULL DEFAULT '',
	module_name    TEXT NOT NULL DEFAULT '',
	file_path      TEXT NOT NULL DEFAULT '',
	line_number    INTEGER NOT NULL DEFAULT 0,
	context_before TEXT NOT NULL DEFAULT '[]',
	context_after  TEXT NOT NULL DEFAULT '[]',
	raw_log        TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	auto_fixable   INTEGER NOT NULL DEFAULT 0,
	detected_at    TEXT NOT NULL,
	resolved_at    TEXT NOT NULL DEFAULT '',
	ignored_at     TEXT NOT NULL DEFAULT '',
	ignored_by     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_errors_status ON errors(status);
CREATE INDEX IF NOT EXISTS idx_errors_type ON errors(error_type);
CREATE INDEX IF NOT EXISTS idx_errors_detected_at ON errors(detected_at);

CREATE TABLE IF NOT EXISTS fix_attempts (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	error_id       TEXT NOT NULL REFERENCES errors(id) ON DELETE CASCADE,
	attempt_number INTEGER NOT NULL,
	status         TEXT NOT NULL,
	agent_prompt   TEXT NOT NULL DEFAULT '',
	agent_response TEXT NOT NULL DEFAULT '',
	files_modified TEXT NOT NULL DEFAULT '[]',
	error_after_fix TEXT NOT NULL DEFAULT '',
	execution_time REAL NOT NULL DEFAULT 0,
	started_at     TEXT NOT NULL,
	completed_at   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_attempts_error_id ON fix_attempts(error_id);
`

// Store is a SQLite-backed persistent store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store in tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between the monitor and orchestrator loops.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateError persists a new error record. A missing ID is generated;
// message and raw log are truncated to their caps.
func (s *Store) CreateError(ctx context.Context, e *Error) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = StatusDetected
	}
	if e.DetectedAt.IsZero() {
		e.DetectedAt = time.Now().UTC()
	}
	e.Message = truncate(e.Message, MaxMessageLen)
	e.RawLog = truncate(e.RawLog, MaxRawLogLen)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO errors (
			id, error_type, severity, category, message, stack_trace,
			module_name, file_path, line_number, context_before, context_after,
			raw_log, status, auto_fixable, detected_at, resolved_at, ignored_at, ignored_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', '')`,
		e.ID, e.ErrorType, string(e.Severity), string(e.Category), e.Message, e.StackTrace,
		e.ModuleName, e.FilePath, e.LineNumber, marshalStrings(e.ContextBefore),
		marshalStrings(e.ContextAfter), e.RawLog, string(e.Status), boolInt(e.AutoFixable),
		formatTime(e.DetectedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert error: %w", err)
	}
	return nil
}

// GetError retrieves an error by ID.
func (s *Store) GetError(ctx context.Context, id string) (*Error, error) {
	row := s.db.QueryRowContext(ctx, selectErrors+" WHERE id = ?", id)
	e, err := scanError(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get error: %w", err)
	}
	return e, nil
}

// UpdateErrorStatus transitions an error to a new status, stamping
// resolved/ignored metadata for the corresponding terminal states.
func (s *Store) UpdateErrorStatus(ctx context.Context, id string, status Status, actor string) error {
	now := formatTime(time.Now().UTC())
	var res sql.Result
	var err error
	switch status {
	case StatusResolved:
		res, err = s.db.ExecContext(ctx,
			"UPDATE errors SET status = ?, resolved_at = ? WHERE id = ?",
			string(status), now, id)
	case StatusIgnored:
		res, err = s.db.ExecContext(ctx,
			"UPDATE errors SET status = ?, ignored_at = ?, ignored_by = ? WHERE id = ?",
			string(status), now, actor, id)
	default:
		res, err = s.db.ExecContext(ctx,
			"UPDATE errors SET status = ? WHERE id = ?", string(status), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update error status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListErrors returns errors matching the filter, newest first.
func (s *Store) ListErrors(ctx context.Context, f Filter) ([]*Error, error) {
	where, args := f.clauses()
	q := selectErrors + where + " ORDER BY detected_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list errors: %w", err)
	}
	defer rows.Close()

	var out []*Error
	for rows.Next() {
		e, err := scanError(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountErrors returns the number of errors matching the filter.
func (s *Store) CountErrors(ctx context.Context, f Filter) (int, error) {
	where, args := f.clauses()
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM errors"+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count errors: %w", err)
	}
	return n, nil
}

// FindRecentDuplicate looks for an existing error of the same type (and
// module, when known) in a non-terminal status detected within the window.
// Returns nil without error when no duplicate exists.
func (s *Store) FindRecentDuplicate(ctx context.Context, errorType, module string, window time.Duration) (*Error, error) {
	cutoff := formatTime(time.Now().UTC().Add(-window))
	q := selectErrors + ` WHERE error_type = ? AND detected_at > ?
		AND status IN (?, ?, ?)`
	args := []interface{}{errorType, cutoff,
		string(StatusDetected), string(StatusQueued), string(StatusFixing)}
	if module != "" {
		q += " AND module_name = ?"
		args = append(args, module)
	}
	q += " LIMIT 1"

	row := s.db.QueryRowContext(ctx, q, args...)
	e, err := scanError(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicates: %w", err)
	}
	return e, nil
}

// NextEligible returns the oldest auto-fixable error in the given status, or
// nil when none exists.
func (s *Store) NextEligible(ctx context.Context, status Status) (*Error, error) {
	row := s.db.QueryRowContext(ctx,
		selectErrors+" WHERE status = ? AND auto_fixable = 1 ORDER BY detected_at ASC LIMIT 1",
		string(status))
	e, err := scanError(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query next eligible error: %w", err)
	}
	return e, nil
}

// DeleteError removes an error; its fix attempts cascade.
func (s *Store) DeleteError(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM errors WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete error: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAttempt records the start of a fix attempt.
func (s *Store) CreateAttempt(ctx context.Context, a *FixAttempt) error {
	if a.Status == "" {
		a.Status = AttemptInProgress
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	a.AgentResponse = truncate(a.AgentResponse, MaxResponseLen)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fix_attempts (
			error_id, attempt_number, status, agent_prompt, agent_response,
			files_modified, error_after_fix, execution_time, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
		a.ErrorID, a.AttemptNumber, string(a.Status), a.AgentPrompt, a.AgentResponse,
		marshalStrings(a.FilesModified), a.ErrorAfterFix, a.ExecutionTime,
		formatTime(a.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fix attempt: %w", err)
	}
	a.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read attempt id: %w", err)
	}
	return nil
}

// CloseAttempt finalizes a fix attempt with its outcome and bookkeeping.
func (s *Store) CloseAttempt(ctx context.Context, a *FixAttempt) error {
	if a.CompletedAt.IsZero() {
		a.CompletedAt = time.Now().UTC()
	}
	a.AgentResponse = truncate(a.AgentResponse, MaxResponseLen)

	res, err := s.db.ExecContext(ctx, `
		UPDATE fix_attempts SET
			status = ?, agent_prompt = ?, agent_response = ?, files_modified = ?,
			error_after_fix = ?, execution_time = ?, completed_at = ?
		WHERE id = ?`,
		string(a.Status), a.AgentPrompt, a.AgentResponse, marshalStrings(a.FilesModified),
		a.ErrorAfterFix, a.ExecutionTime, formatTime(a.CompletedAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to close fix attempt: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AttemptsForError returns all attempts for an error ordered by attempt
// number.
func (s *Store) AttemptsForError(ctx context.Context, errorID string) ([]*FixAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		selectAttempts+" WHERE error_id = ? ORDER BY attempt_number ASC", errorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fix attempts: %w", err)
	}
	defer rows.Close()

	var out []*FixAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fix attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAttempts returns the number of attempts recorded for an error.
func (s *Store) CountAttempts(ctx context.Context, errorID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fix_attempts WHERE error_id = ?", errorID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count fix attempts: %w", err)
	}
	return n, nil
}

// LastAttempt returns the most recent attempt for an error, or nil when the
// error has no attempts.
func (s *Store) LastAttempt(ctx context.Context, errorID string) (*FixAttempt, error) {
	row := s.db.QueryRowContext(ctx,
		selectAttempts+" WHERE error_id = ? ORDER BY attempt_number DESC LIMIT 1", errorID)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last fix attempt: %w", err)
	}
	return a, nil
}

// Query plumbing.

const selectErrors = `SELECT id, error_type, severity, category, message, stack_trace,
	module_name, file_path, line_number, context_before, context_after, raw_log,
	status, auto_fixable, detected_at, resolved_at, ignored_at, ignored_by FROM errors`

const selectAttempts = `SELECT id, error_id, attempt_number, status, agent_prompt,
	agent_response, files_modified, error_after_fix, execution_time, started_at,
	completed_at FROM fix_attempts`

func (f Filter) clauses() (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.Module != "" {
		conds = append(conds, "module_name = ?")
		args = append(args, f.Module)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "detected_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanError(row scanner) (*Error, error) {
	var e Error
	var severity, category, status string
	var before, after string
	var autoFixable int
	var detected, resolved, ignored string

	err := row.Scan(&e.ID, &e.ErrorType, &severity, &category, &e.Message, &e.StackTrace,
		&e.ModuleName, &e.FilePath, &e.LineNumber, &before, &after, &e.RawLog,
		&status, &autoFixable, &detected, &resolved, &ignored, &e.IgnoredBy)
	if err != nil {
		return nil, err
	}

	e.Severity = Severity(severity)
	e.Category = Category(category)
	e.Status = Status(status)
	e.AutoFixable = autoFixable != 0
	e.ContextBefore = unmarshalStrings(before)
	e.ContextAfter = unmarshalStrings(after)
	e.DetectedAt = parseTime(detected)
	e.ResolvedAt = parseTime(resolved)
	e.IgnoredAt = parseTime(ignored)
	return &e, nil
}

func scanAttempt(row scanner) (*FixAttempt, error) {
	var a FixAttempt
	var status, files, started, completed string

	err := row.Scan(&a.ID, &a.ErrorID, &a.AttemptNumber, &status, &a.AgentPrompt,
		&a.AgentResponse, &files, &a.ErrorAfterFix, &a.ExecutionTime, &started, &completed)
	if err != nil {
		return nil, err
	}

	a.Status = AttemptStatus(status)
	a.FilesModified = unmarshalStrings(files)
	a.StartedAt = parseTime(started)
	a.CompletedAt = parseTime(completed)
	return &a, nil
}

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
