package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/model"
)

// HistoryFilter narrows history queries. Empty fields match everything.
type HistoryFilter struct {
	ActivityID   string
	ActivityType string
	WorkerID     string
	Status       model.ExecutionStatus
}

func (f HistoryFilter) where() (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(column, value string) {
		if value != "" {
			clauses = append(clauses, column+" = ?")
			args = append(args, value)
		}
	}
	add("activity_id", f.ActivityID)
	add("activity_type", f.ActivityType)
	add("worker_id", f.WorkerID)
	add("status", string(f.Status))

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// History stores one row per processor execution
type History interface {
	// Store records the start of an execution
	Store(ctx context.Context, e *model.Execution) error

	// Update records the end of an execution
	Update(ctx context.Context, e *model.Execution) error

	// Get retrieves an execution by ID
	Get(ctx context.Context, id string) (*model.Execution, error)

	// List retrieves executions, newest first
	List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*model.Execution, error)

	// Count returns the number of executions matching the filter
	Count(ctx context.Context, filter HistoryFilter) (int, error)

	// DeleteBefore deletes executions started before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)

	// Close releases the store
	Close() error
}

// ErrExecutionNotFound is returned when an execution id is unknown
var ErrExecutionNotFound = errors.New("execution not found")

// SQLiteHistory implements History using SQLite
type SQLiteHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteHistory opens or creates the history database at dbPath
func NewSQLiteHistory(dbPath string, logger *zap.Logger) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	storage := &SQLiteHistory{
		logger: logger.Named("history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS activity_history (
			id TEXT PRIMARY KEY,
			activity_id TEXT NOT NULL,
			activity_type TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			payload TEXT,
			error TEXT,
			created TEXT,
			log_file TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_activity_history_activity_id ON activity_history(activity_id);
		CREATE INDEX IF NOT EXISTS idx_activity_history_type ON activity_history(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activity_history_status ON activity_history(status);
		CREATE INDEX IF NOT EXISTS idx_activity_history_started_at ON activity_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements History.Store
func (s *SQLiteHistory) Store(ctx context.Context, e *model.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_history (
			id, activity_id, activity_type, worker_id, attempt, status, payload, log_file, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.ActivityID,
		e.ActivityType,
		e.WorkerID,
		e.Attempt,
		e.Status,
		sql.NullString{String: string(e.Payload), Valid: len(e.Payload) > 0},
		sql.NullString{String: e.LogFile, Valid: e.LogFile != ""},
		e.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store execution: %w", err)
	}
	return nil
}

// Update implements History.Update
func (s *SQLiteHistory) Update(ctx context.Context, e *model.Execution) error {
	var created sql.NullString
	if len(e.Created) > 0 {
		data, err := json.Marshal(e.Created)
		if err != nil {
			return fmt.Errorf("failed to marshal created ids: %w", err)
		}
		created = sql.NullString{String: string(data), Valid: true}
	}

	var completedAt sql.NullTime
	if e.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *e.CompletedAt, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE activity_history SET
			status = ?,
			error = ?,
			created = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		e.Status,
		sql.NullString{String: e.Error, Valid: e.Error != ""},
		created,
		completedAt,
		sql.NullInt64{Int64: int64(e.Duration), Valid: e.Duration != 0},
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, e.ID)
	}
	return nil
}

const selectColumns = `SELECT id, activity_id, activity_type, worker_id, attempt, status,
	payload, error, created, log_file, started_at, completed_at, duration FROM activity_history`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	var (
		e                                   model.Execution
		payload, errorStr, created, logFile sql.NullString
		completedAt                         sql.NullTime
		durationNanos                       sql.NullInt64
	)
	err := row.Scan(
		&e.ID,
		&e.ActivityID,
		&e.ActivityType,
		&e.WorkerID,
		&e.Attempt,
		&e.Status,
		&payload,
		&errorStr,
		&created,
		&logFile,
		&e.StartedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}
	if errorStr.Valid {
		e.Error = errorStr.String
	}
	if created.Valid && created.String != "" {
		if err := json.Unmarshal([]byte(created.String), &e.Created); err != nil {
			return nil, fmt.Errorf("failed to decode created ids: %w", err)
		}
	}
	if logFile.Valid {
		e.LogFile = logFile.String
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		e.Duration = time.Duration(durationNanos.Int64)
	}
	return &e, nil
}

// Get implements History.Get
func (s *SQLiteHistory) Get(ctx context.Context, id string) (*model.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	return e, nil
}

// List implements History.List
func (s *SQLiteHistory) List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*model.Execution, error) {
	where, args := filter.where()
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, selectColumns+where+" ORDER BY started_at DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return executions, nil
}

// Count implements History.Count
func (s *SQLiteHistory) Count(ctx context.Context, filter HistoryFilter) (int, error) {
	where, args := filter.where()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM activity_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

// DeleteBefore implements History.DeleteBefore
func (s *SQLiteHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM activity_history WHERE started_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}
