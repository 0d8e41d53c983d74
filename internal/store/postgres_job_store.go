package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id TEXT PRIMARY KEY,
	template_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	tier TEXT NOT NULL DEFAULT 'free',
	sample BOOLEAN NOT NULL DEFAULT FALSE,
	status TEXT NOT NULL,
	queue_position INTEGER,
	engine_project_id TEXT NOT NULL DEFAULT '',
	engine_render_id TEXT NOT NULL DEFAULT '',
	parameters JSONB NOT NULL,
	output_url TEXT NOT NULL DEFAULT '',
	thumbnail_urls JSONB NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	resources_released BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS render_jobs_status_created_idx ON render_jobs (status, created_at);
CREATE INDEX IF NOT EXISTS render_jobs_engine_project_idx ON render_jobs (engine_project_id);
`

var postgresDialect = dialect{
	name:      "postgres",
	schema:    postgresSchemaSQL,
	forUpdate: " FOR UPDATE",
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*SQLJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	return newSQLJobStore(ctx, db, postgresDialect)
}
