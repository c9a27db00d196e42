package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/config"
	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a local SQLite database.
type SQLite struct {
	db        *sql.DB
	cfg       config.TaskStoreConfig
	log       *slog.Logger
	retention time.Duration
	clock     func() time.Time
}

// OpenSQLite opens or creates the database at cfg.Path and prunes expired rows.
func OpenSQLite(ctx context.Context, cfg config.TaskStoreConfig, log *slog.Logger) (*SQLite, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLite{db: db, cfg: cfg, log: log, retention: cfg.Retention(), clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("task store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("task store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS tasks (
    job_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    input_id TEXT,
    task_id TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    audio BLOB,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_expires ON tasks(expires_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init task schema: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Put upserts a record. The original creation time survives updates.
func (s *SQLite) Put(ctx context.Context, rec Record) error {
	rec = stamp(rec, s.clock(), s.retention)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(job_id, status, input_id, task_id, attempts, error, audio, created_at, updated_at, expires_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   status=excluded.status, input_id=excluded.input_id, task_id=excluded.task_id,
		   attempts=excluded.attempts, error=excluded.error, audio=excluded.audio,
		   updated_at=excluded.updated_at, expires_at=excluded.expires_at`,
		rec.JobID, string(rec.Status), rec.InputID, rec.TaskID, rec.Attempts, rec.Error, rec.Audio,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), rec.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put task %s: %w", rec.JobID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, jobID string) (Record, error) {
	var (
		rec                         Record
		status                      string
		inputID, taskID, errText    sql.NullString
		created, updated, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, status, input_id, task_id, attempts, error, audio, created_at, updated_at, expires_at
		 FROM tasks WHERE job_id = ? AND expires_at > ?`, jobID, s.clock().UTC().UnixNano()).
		Scan(&rec.JobID, &status, &inputID, &taskID, &rec.Attempts, &errText, &rec.Audio, &created, &updated, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get task %s: %w", jobID, err)
	}
	rec.Status = Status(status)
	rec.InputID = inputID.String
	rec.TaskID = taskID.String
	rec.Error = errText.String
	rec.AudioSize = len(rec.Audio)
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return rec, nil
}

// Prune deletes expired rows (called on startup and by the runtime's ticker).
func (s *SQLite) Prune(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE expires_at <= ?`, s.clock().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("prune tasks: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Debug("pruned expired tasks", slog.Int64("count", n))
	}
	return nil
}
