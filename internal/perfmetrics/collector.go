// Package perfmetrics collects page-load timings (first paint, first contentful
// paint, time to interactive and time to first byte) from a page that exposes the
// Performance APIs.
package perfmetrics

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepulse/api/schemas"
)

// DefaultInterval is how often the collector checks whether every metric is in.
const DefaultInterval = 2 * time.Second

// Paint entry names reported by the paint timing API.
const (
	FirstPaint           = "first-paint"
	FirstContentfulPaint = "first-contentful-paint"
)

// PaintEntry is a PerformanceEntry of type "paint".
type PaintEntry struct {
	Name      string
	StartTime float64
	Duration  float64
}

// NavigationTiming holds the navigation timestamps needed for time to first byte.
type NavigationTiming struct {
	RequestStart  float64
	ResponseStart float64
}

// Source exposes the Performance APIs of a page.
type Source interface {
	// Supported reports whether the page has a PerformanceObserver.
	Supported(ctx context.Context) bool
	// ObservePaint delivers paint entries to fn until stop is called.
	ObservePaint(ctx context.Context, fn func([]PaintEntry)) (stop func(), err error)
	// TimeToInteractive blocks until the page is consistently interactive.
	// ok is false when the page could not produce a number.
	TimeToInteractive(ctx context.Context) (tti float64, ok bool, err error)
	NavigationTiming(ctx context.Context) (NavigationTiming, error)
}

// Collector gathers the four load metrics from a Source.
type Collector struct {
	src      Source
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	metrics schemas.PerformanceMetrics
}

// Option configures a Collector.
type Option func(*Collector)

// WithInterval overrides DefaultInterval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// NewCollector creates a collector reading from src.
func NewCollector(src Source, logger *zap.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		src:      src,
		interval: DefaultInterval,
		logger:   logger.Named("perfmetrics"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect starts collection and returns a channel that receives the metrics once
// all four are known, then closes. If ctx ends first, or the source is missing or
// unsupported, the channel closes without a value.
func (c *Collector) Collect(ctx context.Context) <-chan schemas.PerformanceMetrics {
	out := make(chan schemas.PerformanceMetrics, 1)
	if c.src == nil || !c.src.Supported(ctx) {
		close(out)
		return out
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	stopPaint := c.collectPaint(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.collectTimeToInteractive(ctx)
	}()
	c.collectTimeToFirstByte(ctx)

	go func() {
		defer close(out)
		defer wg.Wait()
		defer cancel()
		defer stopPaint()

		if m, ok := c.poll(ctx); ok {
			out <- m
		}
	}()
	return out
}

// poll checks immediately and then once per interval.
func (c *Collector) poll(ctx context.Context) (schemas.PerformanceMetrics, bool) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if m := c.Snapshot(); m.Complete() {
			return m, true
		}
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped before completion.", zap.Error(ctx.Err()))
			return schemas.PerformanceMetrics{}, false
		case <-ticker.C:
		}
	}
}

// Snapshot returns the metrics collected so far.
func (c *Collector) Snapshot() schemas.PerformanceMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Collector) collectPaint(ctx context.Context) func() {
	stop, err := c.src.ObservePaint(ctx, c.recordPaint)
	if err != nil {
		c.logger.Warn("Failed to observe paint entries.", zap.Error(err))
		return func() {}
	}
	return stop
}

func (c *Collector) recordPaint(entries []PaintEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		t := round(e.StartTime + e.Duration)
		switch e.Name {
		case FirstPaint:
			c.metrics.FirstPaint = &t
		case FirstContentfulPaint:
			c.metrics.FirstContentfulPaint = &t
		}
	}
}

func (c *Collector) collectTimeToInteractive(ctx context.Context) {
	tti, ok, err := c.src.TimeToInteractive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("Failed to determine time to interactive.", zap.Error(err))
		}
		return
	}
	if !ok || math.IsNaN(tti) || math.IsInf(tti, 0) {
		return
	}
	t := round(tti)
	c.mu.Lock()
	c.metrics.TimeToInteractive = &t
	c.mu.Unlock()
}

func (c *Collector) collectTimeToFirstByte(ctx context.Context) {
	nav, err := c.src.NavigationTiming(ctx)
	if err != nil {
		c.logger.Warn("Failed to read navigation timing.", zap.Error(err))
		return
	}
	ttfb := nav.ResponseStart - nav.RequestStart
	c.mu.Lock()
	c.metrics.TimeToFirstByte = &ttfb
	c.mu.Unlock()
}

// round matches Math.round, which rounds halves toward positive infinity.
func round(v float64) float64 {
	return math.Floor(v + 0.5)
}
