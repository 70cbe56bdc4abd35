// internal/browser/page.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepulse/internal/browser/dom"
	"github.com/xkilldash9x/pagepulse/internal/config"
	"github.com/xkilldash9x/pagepulse/internal/perfmetrics"
	"github.com/xkilldash9x/pagepulse/internal/properties"
	"github.com/xkilldash9x/pagepulse/internal/visibility"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrDetached is returned when an element handle no longer resolves to a node.
var ErrDetached = errors.New("element is no longer attached to the document")

// inboxSize bounds the bridge messages waiting for dispatch.
const inboxSize = 256

const unbindTimeout = 5 * time.Second

// message is what the bridge script sends through the binding.
type message struct {
	Kind    string                   `json:"kind"`
	ID      int64                    `json:"id"`
	Type    string                   `json:"type"`
	Target  string                   `json:"target"`
	Entries []perfmetrics.PaintEntry `json:"entries"`
}

// Page is a Chrome tab driven over the DevTools protocol. It implements
// dom.Page and perfmetrics.Source. Bridge events are delivered to handlers one at
// a time, in the order the page raised them, on a dedicated goroutine.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig

	nextID    atomic.Int64
	mu        sync.Mutex
	listeners map[int64]dom.Handler
	painters  map[int64]func([]perfmetrics.PaintEntry)

	inbox     chan string
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ dom.Page           = (*Page)(nil)
	_ perfmetrics.Source = (*Page)(nil)
)

// Launch starts a browser with cfg and opens a tab with the bridge installed.
// The browser lives until Close is called or ctx is canceled.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Page, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, AllocatorOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Debugf))

	// The first Run on the tab context starts the browser. It must not carry a
	// shorter deadline or the browser dies with it.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	p := newPage(tabCtx, func() {
		tabCancel()
		allocCancel()
	}, cfg, logger)
	if err := p.install(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func newPage(ctx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger) *Page {
	p := &Page{
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.Named("browser"),
		cfg:       cfg,
		listeners: make(map[int64]dom.Handler),
		painters:  make(map[int64]func([]perfmetrics.PaintEntry)),
		inbox:     make(chan string, inboxSize),
		done:      make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// install registers the binding, the bridge script and the viewport size.
func (p *Page) install(ctx context.Context) error {
	chromedp.ListenTarget(p.ctx, p.onTargetEvent)

	actions := []chromedp.Action{
		runtime.AddBinding(bindingName),
		chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(bridgeScript).Do(c)
			return err
		}),
	}
	if p.cfg.ViewportWidth > 0 && p.cfg.ViewportHeight > 0 {
		actions = append(actions, chromedp.EmulateViewport(int64(p.cfg.ViewportWidth), int64(p.cfg.ViewportHeight)))
	}
	if err := p.runActions(ctx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("could not install page bridge: %w", err)
	}
	p.logger.Debug("Installed page bridge.")
	return nil
}

// Navigate loads url and waits for the body to be ready.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if p.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.NavigationTimeout)
		defer cancel()
	}
	if err := p.runActions(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// Close shuts the tab and the browser down and stops dispatching.
func (p *Page) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
	})
}

// onTargetEvent runs on the chromedp event loop and must not block.
func (p *Page) onTargetEvent(ev interface{}) {
	called, ok := ev.(*runtime.EventBindingCalled)
	if !ok || called.Name != bindingName {
		return
	}
	select {
	case p.inbox <- called.Payload:
	default:
		p.logger.Warn("Dropped page event; dispatch is falling behind.")
	}
}

func (p *Page) dispatch() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case raw := <-p.inbox:
			p.deliver(raw)
		}
	}
}

func (p *Page) deliver(raw string) {
	var msg message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		p.logger.Warn("Could not decode page bridge message.", zap.Error(err), zap.String("payload", raw))
		return
	}

	switch msg.Kind {
	case "event":
		p.mu.Lock()
		h := p.listeners[msg.ID]
		p.mu.Unlock()
		if h == nil {
			return
		}
		ev := &dom.Event{Type: msg.Type}
		if msg.Target != "window" {
			ev.CurrentTarget = &element{page: p, handle: msg.Target}
		}
		h(ev)
	case "paint":
		p.mu.Lock()
		fn := p.painters[msg.ID]
		p.mu.Unlock()
		if fn != nil {
			fn(msg.Entries)
		}
	default:
		p.logger.Debug("Ignoring unknown bridge message.", zap.String("kind", msg.Kind))
	}
}

// QuerySelectorAll accepts CSS selectors, and XPath expressions when the selector
// starts with "/", "(" or "xpath:".
func (p *Page) QuerySelectorAll(ctx context.Context, selector string) ([]dom.Element, error) {
	var handles []string
	if err := p.call(ctx, "query", &handles, selector); err != nil {
		return nil, err
	}
	out := make([]dom.Element, len(handles))
	for i, h := range handles {
		out[i] = &element{page: p, handle: h}
	}
	return out, nil
}

// Viewport reads the window scroll offset and document height.
func (p *Page) Viewport(ctx context.Context) (dom.Viewport, error) {
	var vp struct {
		ScrollY        float64 `json:"scrollY"`
		Height         float64 `json:"height"`
		DocumentHeight float64 `json:"documentHeight"`
	}
	if err := p.call(ctx, "viewport", &vp); err != nil {
		return dom.Viewport{}, err
	}
	return dom.Viewport{ScrollY: vp.ScrollY, Height: vp.Height, DocumentHeight: vp.DocumentHeight}, nil
}

// Location reads window.location and document.referrer.
func (p *Page) Location(ctx context.Context) (dom.Location, error) {
	var loc struct {
		Href     string `json:"href"`
		Origin   string `json:"origin"`
		Pathname string `json:"pathname"`
		Referrer string `json:"referrer"`
	}
	if err := p.call(ctx, "location", &loc); err != nil {
		return dom.Location{}, err
	}
	return dom.Location{Href: loc.Href, Origin: loc.Origin, Pathname: loc.Pathname, Referrer: loc.Referrer}, nil
}

// AddEventListener subscribes h to a window event.
func (p *Page) AddEventListener(ctx context.Context, eventType string, h dom.Handler, opts dom.ListenerOptions) (dom.Unbind, error) {
	return p.listen(ctx, "window", eventType, h, opts)
}

func (p *Page) listen(ctx context.Context, target, eventType string, h dom.Handler, opts dom.ListenerOptions) (dom.Unbind, error) {
	id := p.nextID.Add(1)
	p.mu.Lock()
	p.listeners[id] = h
	p.mu.Unlock()

	var bound bool
	err := p.call(ctx, "listen", &bound, target, eventType, id, opts.Capture, opts.Passive)
	if err == nil && !bound {
		err = ErrDetached
	}
	if err != nil {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to listen for %s on %s: %w", eventType, target, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
			if p.ctx.Err() != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), unbindTimeout)
			defer cancel()
			var removed bool
			if err := p.call(ctx, "unlisten", &removed, id); err != nil {
				p.logger.Debug("Could not remove page listener.", zap.Int64("id", id), zap.Error(err))
			}
		})
	}, nil
}

// call invokes window.__pagepulse.<method>(args...) and decodes the result into res.
func (p *Page) call(ctx context.Context, method string, res interface{}, args ...interface{}) error {
	expr, err := callExpression(method, args...)
	if err != nil {
		return err
	}
	if err := p.runActions(ctx, chromedp.Evaluate(expr, res)); err != nil {
		return fmt.Errorf("page bridge %s failed: %w", method, err)
	}
	return nil
}

func callExpression(method string, args ...interface{}) (string, error) {
	if args == nil {
		args = []interface{}{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode bridge arguments: %w", err)
	}
	return fmt.Sprintf("window.__pagepulse.%s(...%s)", method, encoded), nil
}

// runActions executes actions bounded by both the tab lifetime and ctx.
func (p *Page) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// element is a handle stamped onto a node by the bridge script.
type element struct {
	page   *Page
	handle string
}

func (e *element) Handle() string { return e.handle }

func (e *element) Dataset(ctx context.Context) (properties.Dataset, error) {
	var ds map[string]*string
	if err := e.page.call(ctx, "dataset", &ds, e.handle); err != nil {
		return nil, err
	}
	if ds == nil {
		return nil, ErrDetached
	}
	return properties.Dataset(ds), nil
}

func (e *element) BoundingRect(ctx context.Context) (visibility.Rect, error) {
	var r *struct {
		Top    float64 `json:"top"`
		Left   float64 `json:"left"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := e.page.call(ctx, "rect", &r, e.handle); err != nil {
		return visibility.Rect{}, err
	}
	if r == nil {
		return visibility.Rect{}, ErrDetached
	}
	return visibility.Rect{Top: r.Top, Left: r.Left, Width: r.Width, Height: r.Height}, nil
}

func (e *element) ComputedStyle(ctx context.Context) (visibility.Style, error) {
	var s *struct {
		Hidden     bool   `json:"hidden"`
		Visibility string `json:"visibility"`
		Opacity    string `json:"opacity"`
		Display    string `json:"display"`
	}
	if err := e.page.call(ctx, "style", &s, e.handle); err != nil {
		return visibility.Style{}, err
	}
	if s == nil {
		return visibility.Style{}, ErrDetached
	}
	return visibility.Style{Hidden: s.Hidden, Visibility: s.Visibility, Opacity: s.Opacity, Display: s.Display}, nil
}

func (e *element) AddEventListener(ctx context.Context, eventType string, h dom.Handler, opts dom.ListenerOptions) (dom.Unbind, error) {
	return e.page.listen(ctx, e.handle, eventType, h, opts)
}
