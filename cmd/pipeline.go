// File: cmd/pipeline.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepulse/internal/analytics"
	"github.com/xkilldash9x/pagepulse/internal/config"
	"github.com/xkilldash9x/pagepulse/internal/network"
	"github.com/xkilldash9x/pagepulse/internal/store"
)

// drainTimeout bounds how long shutdown waits for buffered events to be written.
const drainTimeout = 15 * time.Second

// pipeline is the analytics client and every writer behind it.
type pipeline struct {
	client  *analytics.BatchClient
	writers []string
	closers []func() error
	logger  *zap.Logger
}

// writerFactory builds the delivery pipeline. Tests replace it to capture events.
var writerFactory = buildWriters

// newPipeline assembles the configured writers behind a BatchClient.
func newPipeline(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*pipeline, error) {
	p := &pipeline{logger: logger.Named("pipeline")}

	w, err := writerFactory(ctx, cfg, logger, p)
	if err != nil {
		p.closeWriters()
		return nil, err
	}
	p.client = analytics.NewBatchClient(w, cfg.Delivery().BatchConfig(cfg.Session()), logger)
	p.logger.Info("Delivery pipeline ready.", zap.Strings("writers", p.writers))
	return p, nil
}

// buildWriters returns the HTTP (or dry-run) writer plus every configured sink,
// combined behind a Fanout when there is more than one.
func buildWriters(ctx context.Context, cfg config.Interface, logger *zap.Logger, p *pipeline) (analytics.Writer, error) {
	var writers []analytics.Writer

	delivery := cfg.Delivery()
	if delivery.DryRun {
		writers = append(writers, analytics.NewLogWriter(logger))
		p.writers = append(p.writers, "log")
	} else {
		client, err := network.NewClient(delivery.ClientConfig(logger.Named("network")))
		if err != nil {
			return nil, fmt.Errorf("failed to create delivery client: %w", err)
		}
		hw, err := analytics.NewHTTPWriter(delivery.HTTPConfig(userAgent()), client, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP writer: %w", err)
		}
		writers = append(writers, hw)
		p.writers = append(p.writers, "http")
	}

	if delivery.EventFile != "" {
		fw, err := analytics.NewFileWriter(delivery.FileConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create event file writer: %w", err)
		}
		writers = append(writers, fw)
		p.writers = append(p.writers, "file")
		p.closers = append(p.closers, fw.Close)
	}

	if url := cfg.Store().PostgresURL; url != "" {
		pg, err := store.OpenPostgres(ctx, url, logger)
		if err != nil {
			return nil, err
		}
		writers = append(writers, pg)
		p.writers = append(p.writers, "postgres")
		p.closers = append(p.closers, func() error {
			pg.Close()
			return nil
		})
	}

	if path := cfg.Store().SQLitePath; path != "" {
		lite, err := store.OpenSQLite(path, logger)
		if err != nil {
			return nil, err
		}
		writers = append(writers, lite)
		p.writers = append(p.writers, "sqlite")
		p.closers = append(p.closers, lite.Close)
	}

	if len(writers) == 1 {
		return writers[0], nil
	}
	return analytics.Fanout(writers), nil
}

// Close drains the client and releases the writers.
func (p *pipeline) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	var errs []error
	if p.client != nil {
		if err := p.client.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.closeWriters(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *pipeline) closeWriters() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// dryRunAPIKey stands in for a missing key when nothing is uploaded.
const dryRunAPIKey = "dry-run"

// sessionAPIKey returns the configured key. A dry run may go without one.
func sessionAPIKey(cfg config.Interface) (string, error) {
	if key := cfg.Session().APIKey; key != "" {
		return key, nil
	}
	if cfg.Delivery().DryRun {
		return dryRunAPIKey, nil
	}
	return "", fmt.Errorf("an API key is required (set session.api_key, PAGEPULSE_API_KEY or --api-key)")
}

func userAgent() string {
	return "pagepulse/" + Version
}
