// internal/browser/metrics.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepulse/internal/perfmetrics"
)

// Supported reports whether the page exposes a PerformanceObserver. Errors count
// as unsupported.
func (p *Page) Supported(ctx context.Context) bool {
	var ok bool
	if err := p.call(ctx, "performanceSupported", &ok); err != nil {
		p.logger.Debug("Could not probe the Performance API.", zap.Error(err))
		return false
	}
	return ok
}

// ObservePaint registers a buffered paint observer and forwards its entries to fn
// on the dispatch goroutine.
func (p *Page) ObservePaint(ctx context.Context, fn func([]perfmetrics.PaintEntry)) (func(), error) {
	id := p.nextID.Add(1)
	p.mu.Lock()
	p.painters[id] = fn
	p.mu.Unlock()

	var observing bool
	err := p.call(ctx, "observePaint", &observing, id)
	if err == nil && !observing {
		err = fmt.Errorf("paint observation is not supported")
	}
	if err != nil {
		p.mu.Lock()
		delete(p.painters, id)
		p.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.painters, id)
			p.mu.Unlock()
			if p.ctx.Err() != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), unbindTimeout)
			defer cancel()
			var done bool
			if err := p.call(ctx, "unobserve", &done, id); err != nil {
				p.logger.Debug("Could not disconnect paint observer.", zap.Error(err))
			}
		})
	}, nil
}

// TimeToInteractive waits for the load event and reports the later of
// domInteractive and domContentLoadedEventEnd.
func (p *Page) TimeToInteractive(ctx context.Context) (float64, bool, error) {
	expr, err := callExpression("timeToInteractive")
	if err != nil {
		return 0, false, err
	}
	var tti *float64
	await := func(e *runtime.EvaluateParams) *runtime.EvaluateParams { return e.WithAwaitPromise(true) }
	if err := p.runActions(ctx, chromedp.Evaluate(expr, &tti, await)); err != nil {
		return 0, false, fmt.Errorf("failed to read time to interactive: %w", err)
	}
	if tti == nil {
		return 0, false, nil
	}
	return *tti, true, nil
}

// NavigationTiming reads requestStart and responseStart of the current navigation.
func (p *Page) NavigationTiming(ctx context.Context) (perfmetrics.NavigationTiming, error) {
	var nav struct {
		RequestStart  float64 `json:"requestStart"`
		ResponseStart float64 `json:"responseStart"`
	}
	if err := p.call(ctx, "navigationTiming", &nav); err != nil {
		return perfmetrics.NavigationTiming{}, err
	}
	return perfmetrics.NavigationTiming{RequestStart: nav.RequestStart, ResponseStart: nav.ResponseStart}, nil
}

// WaitIdle blocks for d or until ctx or the page is done.
func (p *Page) WaitIdle(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}
