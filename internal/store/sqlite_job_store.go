package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id TEXT PRIMARY KEY,
	template_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	tier TEXT NOT NULL DEFAULT 'free',
	sample INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	queue_position INTEGER,
	engine_project_id TEXT NOT NULL DEFAULT '',
	engine_render_id TEXT NOT NULL DEFAULT '',
	parameters TEXT NOT NULL,
	output_url TEXT NOT NULL DEFAULT '',
	thumbnail_urls TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	resources_released INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	started_at TEXT,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS render_jobs_status_created_idx ON render_jobs (status, created_at);
CREATE INDEX IF NOT EXISTS render_jobs_engine_project_idx ON render_jobs (engine_project_id);
`

var sqliteDialect = dialect{
	name:   "sqlite",
	schema: sqliteSchemaSQL,
}

// NewSQLiteJobStore opens a single-writer SQLite database at path.
func NewSQLiteJobStore(ctx context.Context, path string) (*SQLJobStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable sqlite wal: %w", err)
	}
	return newSQLJobStore(ctx, db, sqliteDialect)
}
