package analytics

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/pagepulse/api/schemas"
)

// FileConfig configures a FileWriter.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FileWriter appends deliveries as newline-delimited JSON to a rotating file.
type FileWriter struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// NewFileWriter opens the event file lazily on first write.
func NewFileWriter(cfg FileConfig) (*FileWriter, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("event file path is empty")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}
	return &FileWriter{out: &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}}, nil
}

// Write appends one JSON line per delivery in a single file write.
func (w *FileWriter) Write(_ context.Context, batch schemas.Batch) error {
	if len(batch.Events) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, d := range batch.Events {
		line, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", d.InsertID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to append events: %w", err)
	}
	return nil
}

// Close closes the current file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Close()
}

// LogWriter logs every delivery instead of sending it.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a dry-run writer.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogWriter{logger: logger.Named("dry_run")}
}

func (w *LogWriter) Write(_ context.Context, batch schemas.Batch) error {
	for _, d := range batch.Events {
		w.logger.Info("Event",
			zap.String("event_type", d.EventType),
			zap.String("insert_id", d.InsertID),
			zap.Int64("session_id", d.SessionID),
			zap.Any("event_properties", d.Properties))
	}
	return nil
}

// Fanout writes every batch to all of its writers concurrently.
type Fanout []Writer

// Write returns the first error any writer reported, after all have finished.
// One failing writer does not cancel the others.
func (f Fanout) Write(ctx context.Context, batch schemas.Batch) error {
	var g errgroup.Group
	for _, w := range f {
		g.Go(func() error {
			return w.Write(ctx, batch)
		})
	}
	return g.Wait()
}
