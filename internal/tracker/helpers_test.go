package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pagepulse/api/schemas"
	"github.com/xkilldash9x/pagepulse/internal/analytics"
	"github.com/xkilldash9x/pagepulse/internal/browser/dom"
	"github.com/xkilldash9x/pagepulse/internal/browser/static"
)

// manualClock fires timers only when the test says so.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	wait    time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm := &manualTimer{clock: c, wait: d, fn: f}
	c.timers = append(c.timers, tm)
	return tm
}

func (tm *manualTimer) Stop() bool {
	tm.clock.mu.Lock()
	defer tm.clock.mu.Unlock()
	wasPending := !tm.stopped && !tm.fired
	tm.stopped = true
	return wasPending
}

// Pending returns the timers that are neither stopped nor fired.
func (c *manualClock) Pending() []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*manualTimer
	for _, tm := range c.timers {
		if !tm.stopped && !tm.fired {
			out = append(out, tm)
		}
	}
	return out
}

// FireAll runs every pending timer on the calling goroutine.
func (c *manualClock) FireAll() int {
	pending := c.Pending()
	c.mu.Lock()
	for _, tm := range pending {
		tm.fired = true
	}
	c.mu.Unlock()
	for _, tm := range pending {
		tm.fn()
	}
	return len(pending)
}

// recordingClient captures what the tracker sends to the analytics session.
type recordingClient struct {
	mu          sync.Mutex
	readyOnInit bool
	initErr     error
	logErr      error

	inits   int
	apiKey  string
	userID  string
	cfg     analytics.SessionConfig
	onReady func()
	events  []schemas.Event
}

func (c *recordingClient) Init(_ context.Context, apiKey, userID string, cfg analytics.SessionConfig, onReady func()) error {
	c.mu.Lock()
	c.inits++
	c.apiKey, c.userID, c.cfg, c.onReady = apiKey, userID, cfg, onReady
	err, ready := c.initErr, c.readyOnInit
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if ready {
		onReady()
	}
	return nil
}

func (c *recordingClient) LogEvent(name string, props schemas.Properties) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logErr != nil {
		return c.logErr
	}
	c.events = append(c.events, schemas.Event{Name: name, Properties: props})
	return nil
}

func (c *recordingClient) ready() {
	c.mu.Lock()
	fn := c.onReady
	c.mu.Unlock()
	fn()
}

func (c *recordingClient) Events() []schemas.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schemas.Event(nil), c.events...)
}

func (c *recordingClient) Names() []string {
	var names []string
	for _, e := range c.Events() {
		names = append(names, e.Name)
	}
	return names
}

var shopLocation = dom.Location{
	Href:     "https://shop.test/products?utm_source=news",
	Origin:   "https://shop.test",
	Pathname: "/products",
	Referrer: "https://search.test/",
}

const productPage = `<html><body style="height: 2000px">
	<button class="js-track-click" data-product-id="sku-1" data-numeric-price="19.90"
		data-v-7ba5bd90 data-track-exclude="[internal]" data-internal="secret">Buy</button>
	<button class="js-track-click cta" data-boolean-primary="true">Checkout</button>
	<a class="js-track-hover" data-link="help">Help</a>
	<div class="js-track-viewed" data-block="hero" style="top: 100px; height: 50px">Hero</div>
	<div class="js-track-viewed" data-block="footer" style="top: 1500px; height: 50px">Footer</div>
	<div class="js-track-viewed" data-block="hidden" style="display: none; top: 10px; height: 10px">Ghost</div>
</body></html>`

func newDocument(t *testing.T) *static.Document {
	t.Helper()
	doc, err := static.ParseString(productPage, static.WithLocation(shopLocation))
	require.NoError(t, err)
	return doc
}

// newReadyTracker returns a tracker whose session is already ready.
func newReadyTracker(t *testing.T, doc *static.Document, opts Options, extra ...Option) (*Tracker, *recordingClient, *manualClock) {
	t.Helper()
	client := &recordingClient{readyOnInit: true}
	clock := &manualClock{}
	tr := New(doc, client, opts, nil, append([]Option{WithClock(clock)}, extra...)...)
	tr.SetAPIKey(context.Background(), "key")
	t.Cleanup(tr.Stop)
	return tr, client, clock
}
