package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned when a run ID is not in the store.
var ErrRunNotFound = errors.New("run not found")

// DatabaseOperations provides the run store operations over a *sql.DB.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates a new database operations handler.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// Open initializes the database at dbPath and returns its operations handler.
func Open(dbPath string) (*DatabaseOperations, error) {
	db, err := InitializeDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	return NewDatabaseOperations(db), nil
}

// Close closes the underlying database.
func (ops *DatabaseOperations) Close() error {
	if err := ops.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// RecordRun upserts run and replaces its tool calls in a single transaction.
func (ops *DatabaseOperations) RecordRun(ctx context.Context, run *Run, calls []*ToolCall) error {
	if run == nil || run.ID == "" {
		return errors.New("run ID is required")
	}

	tx, err := ops.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, model, project_root, exception_type, exception_message,
			outcome, reason, iterations, tokens_used, tool_calls, failed_tool_calls,
			duration_ms, cost_usd, plan, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			reason = excluded.reason,
			iterations = excluded.iterations,
			tokens_used = excluded.tokens_used,
			tool_calls = excluded.tool_calls,
			failed_tool_calls = excluded.failed_tool_calls,
			duration_ms = excluded.duration_ms,
			cost_usd = excluded.cost_usd,
			plan = excluded.plan,
			error = excluded.error`,
		run.ID, formatTime(run.CreatedAt), run.Model, run.ProjectRoot, run.ExceptionType, run.ExceptionMessage,
		run.Outcome, run.Reason, run.Iterations, run.TokensUsed, run.ToolCalls, run.FailedToolCalls,
		run.DurationMS, run.CostUSD, run.Plan, run.Error)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", run.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_calls WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to clear tool calls for run %s: %w", run.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tool_calls (run_id, seq, call_id, tool_name, arguments, output, error_kind, retry_count, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare tool call insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, call := range calls {
		args := call.Arguments
		if args == "" {
			args = "{}"
		}
		if _, err := stmt.ExecContext(ctx, run.ID, i, call.CallID, call.ToolName, args,
			call.Output, call.ErrorKind, call.RetryCount, call.DurationMS); err != nil {
			return fmt.Errorf("failed to insert tool call %s: %w", call.CallID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `id, created_at, model, project_root, exception_type, exception_message,
	outcome, reason, iterations, tokens_used, tool_calls, failed_tool_calls,
	duration_ms, cost_usd, plan, error`

// GetRun retrieves a run by ID.
func (ops *DatabaseOperations) GetRun(ctx context.Context, id string) (*Run, error) {
	row := ops.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first. limit <= 0 returns all runs.
func (ops *DatabaseOperations) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := ops.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// GetToolCalls returns the tool calls of a run in execution order.
func (ops *DatabaseOperations) GetToolCalls(ctx context.Context, runID string) ([]*ToolCall, error) {
	rows, err := ops.db.QueryContext(ctx, `
		SELECT run_id, seq, call_id, tool_name, arguments, output, error_kind, retry_count, duration_ms
		FROM tool_calls WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var calls []*ToolCall
	for rows.Next() {
		var c ToolCall
		if err := rows.Scan(&c.RunID, &c.Seq, &c.CallID, &c.ToolName, &c.Arguments,
			&c.Output, &c.ErrorKind, &c.RetryCount, &c.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		calls = append(calls, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tool calls: %w", err)
	}
	return calls, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run       Run
		createdAt string
	)
	if err := row.Scan(&run.ID, &createdAt, &run.Model, &run.ProjectRoot, &run.ExceptionType,
		&run.ExceptionMessage, &run.Outcome, &run.Reason, &run.Iterations, &run.TokensUsed,
		&run.ToolCalls, &run.FailedToolCalls, &run.DurationMS, &run.CostUSD, &run.Plan, &run.Error); err != nil {
		return nil, err //nolint:wrapcheck // wrapped by callers
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	run.CreatedAt = t
	return &run, nil
}

// formatTime stores timestamps as fixed-width UTC text so they sort lexically.
func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
