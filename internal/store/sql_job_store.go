package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/renderflow/internal/domain"
)

const jobColumns = `id, template_id, user_id, tier, sample, status, queue_position,
	engine_project_id, engine_render_id, parameters, output_url, thumbnail_urls,
	error_message, webhook_url, resources_released, created_at, started_at, updated_at`

// dialect captures the differences between the SQL backends.
type dialect struct {
	name      string
	schema    string
	forUpdate string
}

func (d dialect) placeholder(n int) string {
	if d.name == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// SQLJobStore is a database/sql JobStore shared by the Postgres and SQLite backends.
type SQLJobStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func newSQLJobStore(ctx context.Context, db *sql.DB, d dialect) (*SQLJobStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}

	s := &SQLJobStore{db: db, dialect: d, now: time.Now}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLJobStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(s.dialect.schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure jobs schema: %w", err)
		}
	}
	return nil
}

func (s *SQLJobStore) Close() error {
	return s.db.Close()
}

func (s *SQLJobStore) Create(ctx context.Context, job domain.Job) error {
	row, err := encodeJob(job)
	if err != nil {
		return err
	}

	placeholders := make([]string, len(row))
	for i := range row {
		placeholders[i] = s.dialect.placeholder(i + 1)
	}
	query := `INSERT INTO render_jobs (` + jobColumns + `) VALUES (` + strings.Join(placeholders, ", ") + `)`

	if _, err := s.db.ExecContext(ctx, query, row...); err != nil {
		if _, found, getErr := s.Get(ctx, job.ID); getErr == nil && found {
			return ErrJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	job, err := s.getJob(ctx, s.db, id, "")
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLJobStore) getJob(ctx context.Context, q queryer, id, suffix string) (domain.Job, error) {
	row := q.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM render_jobs WHERE id = `+s.dialect.placeholder(1)+suffix,
		id,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, err
		}
		return domain.Job{}, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// Update applies patch in a read-modify-write transaction.
func (s *SQLJobStore) Update(ctx context.Context, id string, patch domain.JobPatch) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.getJob(ctx, tx, id, s.dialect.forUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}

	next, err := current.Apply(patch, s.now())
	if err != nil {
		return domain.Job{}, wrapApplyError(err)
	}

	row, err := encodeJob(next)
	if err != nil {
		return domain.Job{}, err
	}
	columns := strings.Split(jobColumns, ",")
	assignments := make([]string, 0, len(columns)-1)
	args := make([]any, 0, len(columns))
	for i, column := range columns[1:] {
		assignments = append(assignments, strings.TrimSpace(column)+" = "+s.dialect.placeholder(i+1))
		args = append(args, row[i+1])
	}
	args = append(args, id)
	query := `UPDATE render_jobs SET ` + strings.Join(assignments, ", ") + ` WHERE id = ` + s.dialect.placeholder(len(args))

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, fmt.Errorf("commit job update: %w", err)
	}
	return next, nil
}

func (s *SQLJobStore) Query(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return s.dialect.placeholder(len(args))
	}

	if len(filter.Statuses) > 0 {
		in := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			in[i] = arg(status)
		}
		where = append(where, "status IN ("+strings.Join(in, ", ")+")")
	}
	if filter.EngineProjectID != "" {
		where = append(where, "engine_project_id = "+arg(filter.EngineProjectID))
	}
	if filter.Tier != nil {
		where = append(where, "tier = "+arg(*filter.Tier))
	}
	if filter.ExcludeID != "" {
		where = append(where, "id <> "+arg(filter.ExcludeID))
	}
	if filter.ResourcesReleased != nil {
		where = append(where, "resources_released = "+arg(*filter.ResourcesReleased))
	}
	if filter.HasEngineResource {
		where = append(where, "(engine_project_id <> '' OR engine_render_id <> '')")
	}

	query := `SELECT ` + jobColumns + ` FROM render_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func encodeJob(job domain.Job) ([]any, error) {
	params := job.Parameters
	if params == nil {
		params = map[string]string{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal job parameters: %w", err)
	}
	thumbs := job.ThumbnailURLs
	if thumbs == nil {
		thumbs = []string{}
	}
	thumbsJSON, err := json.Marshal(thumbs)
	if err != nil {
		return nil, fmt.Errorf("marshal job thumbnails: %w", err)
	}

	var queuePosition sql.NullInt64
	if job.QueuePosition != nil {
		queuePosition = sql.NullInt64{Int64: int64(*job.QueuePosition), Valid: true}
	}
	var startedAt dbTime
	if job.StartedAt != nil {
		startedAt = dbTime{Time: *job.StartedAt, Valid: true}
	}

	return []any{
		job.ID,
		job.TemplateID,
		job.UserID,
		job.Tier,
		job.Sample,
		job.Status,
		queuePosition,
		job.EngineProjectID,
		job.EngineRenderID,
		string(paramsJSON),
		job.OutputURL,
		string(thumbsJSON),
		job.ErrorMessage,
		job.WebhookURL,
		job.ResourcesReleased,
		dbTime{Time: job.CreatedAt, Valid: true},
		startedAt,
		dbTime{Time: job.UpdatedAt, Valid: true},
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job           domain.Job
		queuePosition sql.NullInt64
		paramsJSON    string
		thumbsJSON    string
		createdAt     dbTime
		startedAt     dbTime
		updatedAt     dbTime
	)
	if err := row.Scan(
		&job.ID,
		&job.TemplateID,
		&job.UserID,
		&job.Tier,
		&job.Sample,
		&job.Status,
		&queuePosition,
		&job.EngineProjectID,
		&job.EngineRenderID,
		&paramsJSON,
		&job.OutputURL,
		&thumbsJSON,
		&job.ErrorMessage,
		&job.WebhookURL,
		&job.ResourcesReleased,
		&createdAt,
		&startedAt,
		&updatedAt,
	); err != nil {
		return domain.Job{}, err
	}

	if queuePosition.Valid {
		pos := int(queuePosition.Int64)
		job.QueuePosition = &pos
	}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &job.Parameters); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal job parameters: %w", err)
		}
	}
	if thumbsJSON != "" {
		if err := json.Unmarshal([]byte(thumbsJSON), &job.ThumbnailURLs); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal job thumbnails: %w", err)
		}
	}
	if len(job.ThumbnailURLs) == 0 {
		job.ThumbnailURLs = nil
	}
	job.CreatedAt = createdAt.Time
	job.UpdatedAt = updatedAt.Time
	if startedAt.Valid {
		started := startedAt.Time
		job.StartedAt = &started
	}
	return job, nil
}

// dbTimeFormat is fixed width so text columns sort chronologically.
const dbTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

var dbTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
}

// dbTime round-trips timestamps through drivers that return either
// time.Time or text.
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (t dbTime) Value() (driver.Value, error) {
	if !t.Valid {
		return nil, nil
	}
	return t.Time.UTC().Format(dbTimeFormat), nil
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = dbTime{}
		return nil
	case time.Time:
		*t = dbTime{Time: v.UTC(), Valid: true}
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *dbTime) parse(raw string) error {
	for _, layout := range dbTimeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			*t = dbTime{Time: parsed.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("parse timestamp %q", raw)
}
