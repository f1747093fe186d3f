package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spherical-ai/docpipe/internal/artifacts"
	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/events"
	"github.com/spherical-ai/docpipe/internal/llm"
	"github.com/spherical-ai/docpipe/internal/pipeline"
	"github.com/spherical-ai/docpipe/internal/splitter"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// app holds the collaborators every command shares.
type app struct {
	store     *storage.Store
	publisher domain.Publisher
	orch      *pipeline.Orchestrator
}

// openApp connects storage, events and artifacts and wires the orchestrator.
func openApp(ctx context.Context) (*app, error) {
	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	publisher, err := events.New(ctx, cfg.Events, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open events: %w", err)
	}

	objects, err := artifacts.New(ctx, cfg.Storage.S3, logger)
	if err != nil {
		publisher.Close()
		store.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	orch := pipeline.New(pipeline.Deps{
		Store:     store,
		Splitter:  splitter.NewDefaultRegistry(cfg.Storage.WorkDir, cfg.Pipeline, logger),
		Models:    llm.NewRegistry(cfg.Providers, cfg.DefaultProvider, logger),
		Events:    publisher,
		Artifacts: objects,
		Logger:    logger,
	}, cfg.Storage.WorkDir, cfg.Pipeline)

	return &app{store: store, publisher: publisher, orch: orch}, nil
}

func (a *app) Close() {
	if err := a.publisher.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close event publisher")
	}
	if err := a.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close database")
	}
}

// commandContext bounds one-shot commands.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Minute)
}
