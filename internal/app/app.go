// Package app wires the render pipeline shared by the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/renderflow/internal/catalog"
	"github.com/dunamismax/renderflow/internal/config"
	"github.com/dunamismax/renderflow/internal/engine"
	"github.com/dunamismax/renderflow/internal/preview"
	"github.com/dunamismax/renderflow/internal/render"
	"github.com/dunamismax/renderflow/internal/storage"
	"github.com/dunamismax/renderflow/internal/store"
	"github.com/dunamismax/renderflow/internal/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type closer interface {
	Close() error
}

// Pipeline holds the long-lived collaborators of the Render Processor.
type Pipeline struct {
	Jobs      store.JobStore
	Catalog   *catalog.Memory
	Engine    *engine.Client
	Storage   *storage.Client
	Processor *render.Processor

	closers []func() error
}

// OpenJobStore opens the configured job store backend.
func OpenJobStore(ctx context.Context, cfg config.DatabaseConfig) (store.JobStore, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryJobStore(), nil
	case "postgres", "postgresql":
		return store.NewPostgresJobStore(ctx, cfg.DSN)
	case "sqlite", "sqlite3":
		return store.NewSQLiteJobStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// NewPipeline opens every dependency of the Render Processor. Processor
// metrics are registered on reg.
func NewPipeline(ctx context.Context, cfg config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*Pipeline, error) {
	p := &Pipeline{}
	ok := false
	defer func() {
		if !ok {
			_ = p.Close()
		}
	}()

	jobs, err := OpenJobStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	p.Jobs = jobs
	if c, isCloser := jobs.(closer); isCloser {
		p.closers = append(p.closers, c.Close)
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("job store ready")

	p.Catalog, err = catalog.LoadFile(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("load template catalog: %w", err)
	}
	logger.Info().Str("path", cfg.Catalog.Path).Int("templates", p.Catalog.Len()).Msg("template catalog loaded")

	p.Storage, err = storage.NewClient(storage.Config{
		Endpoint:      cfg.Storage.Endpoint,
		Access:        cfg.Storage.AccessKey,
		Secret:        cfg.Storage.SecretKey,
		Bucket:        cfg.Storage.Bucket,
		UseSSL:        cfg.Storage.UseSSL,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}
	if err := p.Storage.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", p.Storage.Bucket(), err)
	}

	if err := preview.Startup(); err != nil {
		return nil, fmt.Errorf("start preview runtime: %w", err)
	}
	p.closers = append(p.closers, func() error {
		preview.Shutdown()
		return nil
	})
	transformer, err := preview.New()
	if err != nil {
		return nil, fmt.Errorf("init preview transformer: %w", err)
	}

	transfers, err := transfer.New(p.Storage, transformer, transfer.Config{
		PreviewWidth:     cfg.Render.PreviewWidth,
		PreviewFormat:    cfg.Render.PreviewFormat,
		PreviewWatermark: cfg.Render.PreviewWatermark,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init artifact transfer: %w", err)
	}

	p.Engine, err = engine.NewClient(engine.Config{
		BaseURL:      cfg.Engine.BaseURL,
		APIKey:       cfg.Engine.APIKey,
		Timeout:      cfg.Engine.RequestTimeout,
		PollInterval: cfg.Engine.PollInterval,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init engine client: %w", err)
	}

	p.Processor, err = render.NewProcessor(p.Jobs, p.Engine, transfers, p.Catalog, render.Config{
		ProjectWait:    cfg.Engine.ProjectWait,
		RenderWait:     cfg.Engine.RenderWait,
		CreateAttempts: cfg.Render.CreateAttempts,
		CreateBackoff:  cfg.Render.CreateBackoff,
	}, logger, render.NewMetrics(reg))
	if err != nil {
		return nil, fmt.Errorf("init render processor: %w", err)
	}

	ok = true
	return p, nil
}

// Close releases resources in reverse order of acquisition.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	p.closers = nil
	return errors.Join(errs...)
}
