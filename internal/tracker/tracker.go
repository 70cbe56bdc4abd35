// Package tracker binds DOM interactions on a page to analytics events.
//
// A Tracker listens for clicks, hovers, scrolling and elements entering the
// viewport, turns each into a named event with properties extracted from the
// element's dataset, and routes it to an analytics.Client. Events logged before
// the client's session is ready are buffered and flushed, in order, once it is.
//
// No Tracker operation returns an error. Missing capabilities are no-ops, DOM
// failures are logged and treated as "nothing matched".
package tracker

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepulse/api/schemas"
	"github.com/xkilldash9x/pagepulse/internal/analytics"
	"github.com/xkilldash9x/pagepulse/internal/browser/dom"
	"github.com/xkilldash9x/pagepulse/internal/perfmetrics"
	"github.com/xkilldash9x/pagepulse/internal/properties"
	"github.com/xkilldash9x/pagepulse/internal/scroll"
	"github.com/xkilldash9x/pagepulse/internal/session"
	"github.com/xkilldash9x/pagepulse/internal/visibility"
)

var scrollListenerOptions = dom.ListenerOptions{Capture: true, Passive: true}

// Tracker is the event pipeline for one page. It is safe for concurrent use.
type Tracker struct {
	page   dom.Page
	client analytics.Client
	opts   Options
	logger *zap.Logger

	clock           Clock
	metricsSource   perfmetrics.Source
	metricsInterval time.Duration

	// ctx scopes DOM calls made from listener and timer callbacks. Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	queue          session.Queue
	scroll         *scroll.Tracker
	debounce       *debouncer
	tracked        []dom.Element
	trackedHandles map[string]struct{}
	unbinds        []dom.Unbind
	scrollBound    bool
	metricsStarted bool
	stopped        bool
}

// Option customises a Tracker beyond its Options.
type Option func(*Tracker)

// WithClock replaces the clock driving the scroll debounce.
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithMetricsSource enables TrackPerformanceMetrics.
func WithMetricsSource(src perfmetrics.Source) Option {
	return func(t *Tracker) { t.metricsSource = src }
}

// WithMetricsInterval sets how often performance metrics are polled.
func WithMetricsInterval(d time.Duration) Option {
	return func(t *Tracker) { t.metricsInterval = d }
}

// New creates a Tracker for page that reports to client. opts is resolved
// against DefaultOptions.
func New(page dom.Page, client analytics.Client, opts Options, logger *zap.Logger, options ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolved := ResolveOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())

	t := &Tracker{
		page:            page,
		client:          client,
		opts:            resolved,
		logger:          logger.Named("tracker"),
		clock:           realClock{},
		metricsInterval: perfmetrics.DefaultInterval,
		ctx:             ctx,
		cancel:          cancel,
		scroll:          scroll.New(resolved.ScrollSteps),
		trackedHandles:  make(map[string]struct{}),
	}
	for _, o := range options {
		o(t)
	}
	t.debounce = newDebouncer(t.clock, *resolved.ScrollTimeout, t.onDebounce)
	return t
}

// Options returns the resolved options.
func (t *Tracker) Options() Options { return t.opts }

// SetAPIKey starts the analytics session. Events are buffered until the client
// reports the session ready.
func (t *Tracker) SetAPIKey(ctx context.Context, apiKey string) {
	cfg := analytics.SessionConfig{
		InstanceName:    t.opts.InstanceName,
		IncludeReferrer: *t.opts.IncludeReferrer,
		IncludeUtm:      *t.opts.IncludeUtm,
	}
	if loc, err := t.page.Location(ctx); err != nil {
		t.logger.Warn("Could not read page location for the session.", zap.Error(err))
	} else {
		cfg.PageURL = loc.Href
		cfg.Referrer = loc.Referrer
	}

	// The client may call onReady synchronously, so the lock must not be held here.
	if err := t.client.Init(ctx, apiKey, t.opts.UserID, cfg, t.afterInitialize); err != nil {
		t.logger.Error("Failed to initialize analytics session.", zap.Error(err))
	}
}

func (t *Tracker) afterInitialize() {
	t.ProcessQueue()
}

// ProcessQueue marks the session ready and delivers every buffered event in the
// order it was logged. Only the first call delivers; later events bypass the queue.
func (t *Tracker) ProcessQueue() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.queue.MarkReady()
	pending := t.queue.Len()
	err := t.queue.Flush(func(e schemas.Event) error {
		return t.client.LogEvent(e.Name, e.Properties)
	})
	if err != nil {
		t.logger.Warn("Queued events were not all delivered.", zap.Error(err))
		return
	}
	if pending > 0 {
		t.logger.Debug("Flushed queued events.", zap.Int("count", pending))
	}
}

// Track binds the configured click, hover and viewed selectors and starts the
// scroll map.
func (t *Tracker) Track(ctx context.Context) {
	t.TrackClickOnElement(ctx, "")
	t.TrackHoverOnElement(ctx, "")
	t.TrackScreenViews(ctx)
}

// LogEvent logs name with props merged under the fixed and default properties.
func (t *Tracker) LogEvent(ctx context.Context, name string, props schemas.Properties) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logEventLocked(ctx, name, props)
}

// LogPageView logs "Viewed <page> page" with the page name lower-cased.
func (t *Tracker) LogPageView(ctx context.Context, pageName string, props schemas.Properties) {
	name := strings.Replace(schemas.EventPageView, "${pageName}", strings.ToLower(pageName), 1)
	t.LogEvent(ctx, name, props)
}

func (t *Tracker) logEventLocked(ctx context.Context, name string, props schemas.Properties) {
	if t.opts.EventPrefix != "" {
		name = t.opts.EventPrefix + " " + name
	}

	merged := make(schemas.Properties, len(props)+len(t.opts.FixedEventProperties)+2)
	for k, v := range props {
		merged[k] = v
	}
	for k, v := range t.opts.FixedEventProperties {
		merged[k] = v
	}
	for k, v := range t.defaultEventProperties(ctx) {
		merged[k] = v
	}

	if !t.queue.IsReady() {
		t.queue.Enqueue(schemas.Event{Name: name, Properties: merged})
		return
	}
	if err := t.client.LogEvent(name, merged); err != nil {
		t.logger.Warn("Failed to log event.", zap.String("event", name), zap.Error(err))
	}
}

func (t *Tracker) defaultEventProperties(ctx context.Context) schemas.Properties {
	use := t.opts.UseDefaultEventProperties
	if !*use.Origin && !*use.PagePath {
		return nil
	}
	loc, err := t.page.Location(ctx)
	if err != nil {
		t.logger.Warn("Could not read page location.", zap.Error(err))
		return nil
	}
	props := schemas.Properties{}
	if *use.Origin {
		props["origin"] = loc.Origin
	}
	if *use.PagePath {
		props["pagePath"] = loc.Pathname
	}
	return props
}

// TrackClickOnElement logs "Click on element" when an element matching selector
// is clicked. An empty selector falls back to OnClickSelector. It returns the
// elements bound.
func (t *Tracker) TrackClickOnElement(ctx context.Context, selector string) []dom.Element {
	if selector == "" {
		selector = t.opts.OnClickSelector
	}
	return t.trackEventOnElements(ctx, schemas.DOMEventClick, selector, func(ev *dom.Event) {
		t.LogClickedElementEvent(t.ctx, ev)
	})
}

// TrackHoverOnElement logs "Hover on element" when the pointer enters an element
// matching selector. An empty selector falls back to OnHoverSelector.
func (t *Tracker) TrackHoverOnElement(ctx context.Context, selector string) []dom.Element {
	if selector == "" {
		selector = t.opts.OnHoverSelector
	}
	return t.trackEventOnElements(ctx, schemas.DOMEventMouseEnter, selector, func(ev *dom.Event) {
		t.LogHoveredElementEvent(t.ctx, ev)
	})
}

func (t *Tracker) trackEventOnElements(ctx context.Context, eventType, selector string, h dom.Handler) []dom.Element {
	if selector == "" {
		return nil
	}
	elements := t.query(ctx, selector)

	bound := make([]dom.Element, 0, len(elements))
	unbinds := make([]dom.Unbind, 0, len(elements))
	for _, el := range elements {
		unbind, err := el.AddEventListener(ctx, eventType, h, dom.ListenerOptions{})
		if err != nil {
			t.logger.Warn("Failed to bind element listener.",
				zap.String("event", eventType), zap.String("element", el.Handle()), zap.Error(err))
			continue
		}
		bound = append(bound, el)
		unbinds = append(unbinds, unbind)
	}

	t.mu.Lock()
	t.unbinds = append(t.unbinds, unbinds...)
	t.mu.Unlock()
	return bound
}

// LogClickedElementEvent logs a click on ev's current target. It returns false
// when there is no target.
func (t *Tracker) LogClickedElementEvent(ctx context.Context, ev *dom.Event) bool {
	return t.logElementEvent(ctx, ev, schemas.EventElementClick)
}

// LogHoveredElementEvent logs a hover on ev's current target. It returns false
// when there is no target.
func (t *Tracker) LogHoveredElementEvent(ctx context.Context, ev *dom.Event) bool {
	return t.logElementEvent(ctx, ev, schemas.EventElementHover)
}

func (t *Tracker) logElementEvent(ctx context.Context, ev *dom.Event, name string) bool {
	if ev == nil || ev.CurrentTarget == nil {
		return false
	}
	props := t.propertiesFromElement(ctx, ev.CurrentTarget)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.logEventLocked(ctx, name, props)
	return true
}

func (t *Tracker) propertiesFromElement(ctx context.Context, el dom.Element) schemas.Properties {
	ds, err := el.Dataset(ctx)
	if err != nil {
		t.logger.Warn("Failed to read element dataset.", zap.String("element", el.Handle()), zap.Error(err))
		return nil
	}
	return properties.Extract(ds, t.opts.ExcludedProperties)
}

// TrackScreenViews starts the scroll map and viewed-element tracking.
func (t *Tracker) TrackScreenViews(ctx context.Context) {
	t.TrackScrollMap(ctx)
	t.TrackScreenElementView(ctx, "")
}

// TrackScrollMap restarts scroll-depth tracking for a fresh page view.
func (t *Tracker) TrackScrollMap(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scroll.Restart()
	t.addScrollListenerLocked(ctx)
}

// TrackScreenElementView logs "Viewed element" the first time each element
// matching selector is seen in the viewport after scrolling settles. An empty
// selector falls back to OnViewedSelector. It returns the matched elements.
func (t *Tracker) TrackScreenElementView(ctx context.Context, selector string) []dom.Element {
	if selector == "" {
		selector = t.opts.OnViewedSelector
	}
	elements := t.query(ctx, selector)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, el := range elements {
		h := el.Handle()
		if _, dup := t.trackedHandles[h]; dup {
			continue
		}
		t.trackedHandles[h] = struct{}{}
		t.tracked = append(t.tracked, el)
	}
	t.addScrollListenerLocked(ctx)
	return elements
}

// addScrollListenerLocked schedules a check right away and, the first time,
// subscribes to window scrolling.
func (t *Tracker) addScrollListenerLocked(ctx context.Context) {
	if t.stopped {
		return
	}
	t.debounce.Schedule()
	if t.scrollBound {
		return
	}
	unbind, err := t.page.AddEventListener(ctx, schemas.DOMEventScroll, t.onScroll, scrollListenerOptions)
	if err != nil {
		t.logger.Warn("Failed to bind scroll listener.", zap.Error(err))
		return
	}
	t.scrollBound = true
	t.unbinds = append(t.unbinds, unbind)
}

func (t *Tracker) onScroll(*dom.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.debounce.Schedule()
}

func (t *Tracker) onDebounce(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || !t.debounce.Current(gen) {
		return
	}
	t.debounce.Fired()
	t.logScreenViewsLocked(t.ctx)
}

func (t *Tracker) logScreenViewsLocked(ctx context.Context) {
	vp, err := t.page.Viewport(ctx)
	if err != nil {
		t.logger.Warn("Could not read viewport.", zap.Error(err))
		return
	}
	t.logScrollMapLocked(ctx, vp)
	t.logViewedElementsLocked(ctx, vp)
}

func (t *Tracker) logScrollMapLocked(ctx context.Context, vp dom.Viewport) {
	percent := visibility.ScrollPercent(vp.ScrollY, vp.Height, vp.DocumentHeight)
	milestone, ok := t.scroll.Sample(percent)
	if !ok {
		return
	}
	t.logEventLocked(ctx, schemas.EventPageScroll, schemas.Properties{"value": milestone})
}

// logViewedElementsLocked logs every tracked element now in view and stops
// tracking it. It reports whether anything was logged.
func (t *Tracker) logViewedElementsLocked(ctx context.Context, vp dom.Viewport) bool {
	if len(t.tracked) == 0 {
		return false
	}

	remaining := t.tracked[:0:0]
	var viewed []dom.Element
	for _, el := range t.tracked {
		if t.inView(ctx, el, vp) {
			viewed = append(viewed, el)
		} else {
			remaining = append(remaining, el)
		}
	}
	if len(viewed) == 0 {
		return false
	}

	for _, el := range viewed {
		t.logEventLocked(ctx, schemas.EventElementView, t.propertiesFromElement(ctx, el))
		delete(t.trackedHandles, el.Handle())
	}
	t.tracked = remaining
	return true
}

func (t *Tracker) inView(ctx context.Context, el dom.Element, vp dom.Viewport) bool {
	style, err := el.ComputedStyle(ctx)
	if err != nil {
		t.logger.Debug("Could not read computed style.", zap.String("element", el.Handle()), zap.Error(err))
		return false
	}
	if !visibility.IsVisible(style) {
		return false
	}
	rect, err := el.BoundingRect(ctx)
	if err != nil {
		t.logger.Debug("Could not read bounding rect.", zap.String("element", el.Handle()), zap.Error(err))
		return false
	}
	return visibility.IsInView(rect, vp.ScrollY, vp.Height, t.opts.ViewedPartially, t.opts.MinVisibleHeight)
}

// TrackPerformanceMetrics collects page-load metrics in the background and logs
// them as one "Performance metrics" event. It does nothing without a supported
// metrics source, and only the first call starts a collection.
func (t *Tracker) TrackPerformanceMetrics(ctx context.Context) {
	if t.metricsSource == nil || !t.metricsSource.Supported(ctx) {
		return
	}
	t.mu.Lock()
	if t.stopped || t.metricsStarted {
		t.mu.Unlock()
		return
	}
	t.metricsStarted = true
	t.mu.Unlock()

	collector := perfmetrics.NewCollector(t.metricsSource, t.logger, perfmetrics.WithInterval(t.metricsInterval))
	results := collector.Collect(t.ctx)
	go func() {
		m, ok := <-results
		if !ok {
			return
		}
		t.LogEvent(t.ctx, schemas.EventPerformanceMetrics, m.AsProperties())
	}()
}

// Stop removes every listener, cancels a pending scroll check and stops metrics
// collection. Buffered events stay queued.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.debounce.Cancel()
	unbinds := t.unbinds
	t.unbinds = nil
	t.mu.Unlock()

	t.cancel()
	for _, unbind := range unbinds {
		unbind()
	}
}

// TrackedElements reports how many elements still wait for a "Viewed element" event.
func (t *Tracker) TrackedElements() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

// MaxScrollPercent is the last scroll milestone logged in this page view.
func (t *Tracker) MaxScrollPercent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scroll.MaxPercentViewed()
}

func (t *Tracker) query(ctx context.Context, selector string) []dom.Element {
	if selector == "" {
		return nil
	}
	elements, err := t.page.QuerySelectorAll(ctx, selector)
	if err != nil {
		t.logger.Warn("Selector query failed.", zap.String("selector", selector), zap.Error(err))
		return nil
	}
	return elements
}
