// Package tasklog persists a journal of delegated tasks in SQLite.
// Every write is best-effort from the caller's point of view; the
// agent never blocks a run on journal failures.
package tasklog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store is a SQLite-backed task journal.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Config holds task journal configuration.
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// NewStore opens (or creates) the journal database.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("task log path is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create task log directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task log database: %w", err)
	}

	// WAL keeps journal writes from blocking concurrent readers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize task log schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("Task log opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			task TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_key);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

		CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTask records a new task and returns its ID.
func (s *Store) CreateTask(ctx context.Context, sessionKey, task string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate task ID: %w", err)
	}

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, session_key, task, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionKey, task, "created", now, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert task: %w", err)
	}
	return id, nil
}

// UpdateStatus sets the task status.
func (s *Store) UpdateStatus(ctx context.Context, taskID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().Unix(), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %s not found", taskID)
	}
	return nil
}

// AppendProgress records a progress note against the task.
func (s *Store) AppendProgress(ctx context.Context, taskID, note string) error {
	return s.appendEvent(ctx, taskID, "progress", note)
}

// AppendToolUsed records a tool invocation against the task.
func (s *Store) AppendToolUsed(ctx context.Context, taskID, tool string) error {
	return s.appendEvent(ctx, taskID, "tool_used", tool)
}

func (s *Store) appendEvent(ctx context.Context, taskID, kind, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_events (task_id, kind, detail, created_at)
		 VALUES (?, ?, ?, ?)`,
		taskID, kind, detail, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append task event: %w", err)
	}
	return nil
}

// TaskRecord is a stored task with its event counts.
type TaskRecord struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key"`
	Task       string    `json:"task"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ToolsUsed  []string  `json:"tools_used,omitempty"`
}

// RecentTasks returns the most recent tasks for a session, newest
// first.
func (s *Store) RecentTasks(ctx context.Context, sessionKey string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, task, status, created_at, updated_at
		 FROM tasks WHERE session_key = ?
		 ORDER BY created_at DESC LIMIT ?`,
		sessionKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var createdAt, updatedAt int64
		if err := rows.Scan(&rec.ID, &rec.SessionKey, &rec.Task, &rec.Status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}

	for i := range records {
		tools, err := s.taskTools(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].ToolsUsed = tools
	}

	return records, nil
}

func (s *Store) taskTools(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT detail FROM task_events
		 WHERE task_id = ? AND kind = 'tool_used'
		 ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query task tools: %w", err)
	}
	defer rows.Close()

	var tools []string
	for rows.Next() {
		var tool string
		if err := rows.Scan(&tool); err != nil {
			return nil, fmt.Errorf("failed to scan tool row: %w", err)
		}
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}
