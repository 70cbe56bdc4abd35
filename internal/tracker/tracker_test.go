package tracker

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pagepulse/api/schemas"
	"github.com/xkilldash9x/pagepulse/internal/browser/dom"
	"github.com/xkilldash9x/pagepulse/internal/perfmetrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var pageDefaults = schemas.Properties{"origin": "https://shop.test", "pagePath": "/products"}

func withDefaults(p schemas.Properties) schemas.Properties {
	out := schemas.Properties{}
	for k, v := range p {
		out[k] = v
	}
	for k, v := range pageDefaults {
		out[k] = v
	}
	return out
}

func TestSession_QueueUntilReadyThenDirect(t *testing.T) {
	ctx := context.Background()
	client := &recordingClient{}
	tr := New(newDocument(t), client, Options{UserID: "u-1", InstanceName: "shop"}, zaptest.NewLogger(t))
	defer tr.Stop()

	tr.LogEvent(ctx, "first", nil)
	tr.LogEvent(ctx, "second", nil)
	tr.SetAPIKey(ctx, "api-key")
	tr.LogEvent(ctx, "third", nil)

	assert.Empty(t, client.Events(), "nothing is delivered before the session is ready")
	assert.Equal(t, "api-key", client.apiKey)
	assert.Equal(t, "u-1", client.userID)
	assert.Equal(t, "shop", client.cfg.InstanceName)
	assert.Equal(t, shopLocation.Href, client.cfg.PageURL)
	assert.Equal(t, shopLocation.Referrer, client.cfg.Referrer)
	assert.True(t, client.cfg.IncludeReferrer)
	assert.True(t, client.cfg.IncludeUtm)

	client.ready()
	tr.LogEvent(ctx, "fourth", nil)

	assert.Equal(t, []string{"first", "second", "third", "fourth"}, client.Names())

	// A second ready signal must not redeliver anything.
	client.ready()
	assert.Len(t, client.Events(), 4)
}

func TestSession_ReadyDuringInit(t *testing.T) {
	ctx := context.Background()
	client := &recordingClient{readyOnInit: true}
	tr := New(newDocument(t), client, Options{}, zaptest.NewLogger(t))
	defer tr.Stop()

	tr.LogEvent(ctx, "queued", nil)
	tr.SetAPIKey(ctx, "k")
	tr.LogEvent(ctx, "direct", nil)

	assert.Equal(t, []string{"queued", "direct"}, client.Names())
}

func TestSession_InitFailureKeepsBuffering(t *testing.T) {
	ctx := context.Background()
	client := &recordingClient{initErr: errors.New("bad key")}
	tr := New(newDocument(t), client, Options{}, zaptest.NewLogger(t))
	defer tr.Stop()

	tr.SetAPIKey(ctx, "")
	tr.LogEvent(ctx, "held", nil)
	assert.Empty(t, client.Events())
	assert.Equal(t, 1, client.inits)
}

func TestProcessQueue_EmitErrorDropsRemainder(t *testing.T) {
	ctx := context.Background()
	client := &recordingClient{logErr: errors.New("down")}
	tr := New(newDocument(t), client, Options{}, zaptest.NewLogger(t))
	defer tr.Stop()

	tr.LogEvent(ctx, "a", nil)
	tr.LogEvent(ctx, "b", nil)
	tr.ProcessQueue()

	client.mu.Lock()
	client.logErr = nil
	client.mu.Unlock()

	tr.ProcessQueue()
	tr.LogEvent(ctx, "c", nil)
	assert.Equal(t, []string{"c"}, client.Names())
}

func TestLogEvent_MergePrecedenceAndPrefix(t *testing.T) {
	ctx := context.Background()
	tr, client, _ := newReadyTracker(t, newDocument(t), Options{
		EventPrefix:          "[Shop]",
		FixedEventProperties: schemas.Properties{"app": "web", "origin": "fixed", "shared": "fixed"},
	})

	tr.LogEvent(ctx, "Checkout", schemas.Properties{"shared": "caller", "amount": 3, "pagePath": "caller"})

	events := client.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "[Shop] Checkout", events[0].Name)
	want := schemas.Properties{
		"amount":   3,
		"app":      "web",
		"shared":   "fixed",
		"origin":   "https://shop.test",
		"pagePath": "/products",
	}
	if diff := cmp.Diff(want, events[0].Properties); diff != "" {
		t.Errorf("merged properties mismatch (-want +got):\n%s", diff)
	}
}

func TestLogEvent_DoesNotMutateCallerProperties(t *testing.T) {
	ctx := context.Background()
	tr, client, _ := newReadyTracker(t, newDocument(t), Options{})

	props := schemas.Properties{"a": 1}
	tr.LogEvent(ctx, "x", props)
	assert.Equal(t, schemas.Properties{"a": 1}, props)

	props["a"] = 2
	assert.Equal(t, 1, client.Events()[0].Properties["a"])
}

func TestLogEvent_DefaultPropertyToggles(t *testing.T) {
	ctx := context.Background()
	tr, client, _ := newReadyTracker(t, newDocument(t), Options{
		UseDefaultEventProperties: DefaultEventProperties{Origin: Bool(false)},
	})

	tr.LogEvent(ctx, "x", nil)
	assert.Equal(t, schemas.Properties{"pagePath": "/products"}, client.Events()[0].Properties)
}

func TestLogPageView(t *testing.T) {
	ctx := context.Background()
	tr, client, _ := newReadyTracker(t, newDocument(t), Options{EventPrefix: "App"})

	tr.LogPageView(ctx, "Home", schemas.Properties{"page": "1"})

	events := client.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "App Viewed home page", events[0].Name)
	assert.Equal(t, withDefaults(schemas.Properties{"page": "1"}), events[0].Properties)
}

func TestTrackClickOnElement(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t)
	tr, client, _ := newReadyTracker(t, doc, Options{})

	bound := tr.TrackClickOnElement(ctx, "")
	require.Len(t, bound, 2)

	_, err := doc.Dispatch(ctx, ".js-track-click", schemas.DOMEventClick)
	require.NoError(t, err)

	events := client.Events()
	require.Len(t, events, 2)
	assert.Equal(t, schemas.EventElementClick, events[0].Name)
	assert.Equal(t, withDefaults(schemas.Properties{"productId": "sku-1", "price": 19.9}), events[0].Properties,
		"control key, listed keys and the v- pattern are all excluded")
	assert.Equal(t, withDefaults(schemas.Properties{"primary": true}), events[1].Properties)
}

func TestTrackClickOnElement_ExplicitSelectorWins(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t)
	tr, client, _ := newReadyTracker(t, doc, Options{})

	bound := tr.TrackClickOnElement(ctx, ".cta")
	require.Len(t, bound, 1)

	_, err := doc.Dispatch(ctx, ".js-track-click", schemas.DOMEventClick)
	require.NoError(t, err)
	assert.Len(t, client.Events(), 1)
}

func TestTrackClickOnElement_InvalidSelector(t *testing.T) {
	tr, _, _ := newReadyTracker(t, newDocument(t), Options{})
	assert.Empty(t, tr.TrackClickOnElement(context.Background(), "button["))
}

func TestTrackHoverOnElement(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t)
	tr, client, _ := newReadyTracker(t, doc, Options{})

	require.Len(t, tr.TrackHoverOnElement(ctx, ""), 1)

	_, err := doc.Dispatch(ctx, "a", schemas.DOMEventMouseEnter)
	require.NoError(t, err)
	_, err = doc.Dispatch(ctx, "a", schemas.DOMEventClick)
	require.NoError(t, err)

	events := client.Events()
	require.Len(t, events, 1)
	assert.Equal(t, schemas.EventElementHover, events[0].Name)
	assert.Equal(t, withDefaults(schemas.Properties{"link": "help"}), events[0].Properties)
}

func TestLogElementEvent_MissingTarget(t *testing.T) {
	ctx := context.Background()
	tr, client, _ := newReadyTracker(t, newDocument(t), Options{})

	assert.False(t, tr.LogClickedElementEvent(ctx, nil))
	assert.False(t, tr.LogClickedElementEvent(ctx, &dom.Event{Type: schemas.DOMEventClick}))
	assert.False(t, tr.LogHoveredElementEvent(ctx, nil))
	assert.False(t, tr.LogHoveredElementEvent(ctx, &dom.Event{Type: schemas.DOMEventMouseEnter}))
	assert.Empty(t, client.Events())
}

func TestTrackScrollMap_DebouncedMilestones(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t)
	tr, client, clock := newReadyTracker(t, doc, Options{})

	tr.TrackScrollMap(ctx)
	require.Len(t, clock.Pending(), 1, "registering runs the scroll handler once")
	assert.Equal(t, DefaultScrollTimeout, clock.Pending()[0].wait)
	assert.Equal(t, []dom.ListenerOptions{{Capture: true, Passive: true}}, doc.WindowListeners(schemas.DOMEventScroll))

	clock.FireAll()
	// 800 of 2000 px visible: 40%.
	assert.Equal(t, 25.0, tr.MaxScrollPercent())

	doc.ScrollTo(200)
	doc.ScrollTo(400)
	require.Len(t, clock.Pending(), 1, "each sample replaces the pending check")
	assert.Len(t, client.Events(), 1, "no work before the quiet period ends")

	clock.FireAll()
	doc.ScrollTo(1200)
	clock.FireAll()
	doc.ScrollTo(0)
	clock.FireAll()

	var values []any
	for _, e := range client.Events() {
		require.Equal(t, schemas.EventPageScroll, e.Name)
		values = append(values, e.Properties["value"])
	}
	assert.Equal(t, []any{25.0, 50.0, 100.0}, values)
}

func TestTrackScrollMap_RestartAndSingleListener(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t)
	tr, client, clock := newReadyTracker(t, doc, Options{ScrollSteps: []float64{50}})

	tr.TrackScrollMap(ctx)
	doc.ScrollTo(400)
	clock.FireAll()

	tr.TrackScrollMap(ctx)
	tr.TrackScreenElementView(ctx, "#none")
	assert.Len(t, doc.WindowListeners(schemas.DOMEventScroll), 1)

	clock.FireAll()
	assert.Len(t, client.Events(), 2, "a restart lets the milestone fire again")
}

func TestTrackScrollMap_NoSteps(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t)
	tr, client, clock := newReadyTracker(t, doc, Options{ScrollSteps: []float64{}})

	tr.TrackScrollMap(ctx)
	doc.ScrollTo(1200)
	clock.FireAll()
	assert.Empty(t, client.Events())
}

func TestTrackScrollMap_ZeroTimeoutChecksImmediately(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t)
	tr, client, clock := newReadyTracker(t, doc, Options{ScrollTimeout: Duration(0), ScrollSteps: []float64{50}})

	tr.TrackScrollMap(ctx)
	require.Len(t, clock.Pending(), 1)
	assert.Zero(t, clock.Pending()[0].wait)

	doc.ScrollTo(1200)
	clock.FireAll()
	assert.Equal(t, []string{schemas.EventPageScroll}, client.Names())
}

func TestTrackScreenElementView(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t)
	tr, client, clock := newReadyTracker(t, doc, Options{ScrollSteps: []float64{}})

	elements := tr.TrackScreenElementView(ctx, "")
	require.Len(t, elements, 3)
	assert.Equal(t, 3, tr.TrackedElements())

	clock.FireAll()
	events := client.Events()
	require.Len(t, events, 1)
	assert.Equal(t, schemas.EventElementView, events[0].Name)
	assert.Equal(t, withDefaults(schemas.Properties{"block": "hero"}), events[0].Properties)
	assert.Equal(t, 2, tr.TrackedElements())

	// Nothing new in view: no events, set unchanged.
	doc.ScrollTo(0)
	clock.FireAll()
	assert.Len(t, client.Events(), 1)
	assert.Equal(t, 2, tr.TrackedElements())

	doc.ScrollTo(1000)
	clock.FireAll()
	events = client.Events()
	require.Len(t, events, 2)
	assert.Equal(t, withDefaults(schemas.Properties{"block": "footer"}), events[1].Properties)
	assert.Equal(t, 1, tr.TrackedElements(), "the hidden element is never viewed")

	// Elements still tracked are not added twice; viewed ones are tracked again.
	tr.TrackScreenElementView(ctx, "")
	assert.Equal(t, 3, tr.TrackedElements())
}

func TestTrackScreenViews_FreshPageViewFiresAgain(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t)
	tr, client, clock := newReadyTracker(t, doc, Options{ScrollSteps: []float64{}})

	countViewed := func() int {
		n := 0
		for _, name := range client.Names() {
			if name == schemas.EventElementView {
				n++
			}
		}
		return n
	}

	tr.TrackScreenViews(ctx)
	clock.FireAll()
	require.Equal(t, 1, countViewed())
	assert.Equal(t, 2, tr.TrackedElements())

	tr.TrackScreenViews(ctx)
	assert.Equal(t, 3, tr.TrackedElements())
	clock.FireAll()
	assert.Equal(t, 2, countViewed(), "the hero block is viewed again on a fresh page view")
	assert.Equal(t, 2, tr.TrackedElements())
}

func TestTrackScreenElementView_Partial(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t)
	tr, client, clock := newReadyTracker(t, doc, Options{
		ScrollSteps:      []float64{},
		ViewedPartially:  true,
		MinVisibleHeight: 10,
	})

	tr.TrackScreenElementView(ctx, "[data-block=footer]")
	doc.ScrollTo(710)
	clock.FireAll()
	assert.Len(t, client.Events(), 1, "partial mode counts an element overlapping by at least the minimum")
}

func TestTrack_BindsEverything(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t)
	tr, client, clock := newReadyTracker(t, doc, Options{})

	tr.Track(ctx)

	clicks, err := doc.ListenerCount(".js-track-click", schemas.DOMEventClick)
	require.NoError(t, err)
	assert.Equal(t, 2, clicks)
	hovers, err := doc.ListenerCount(".js-track-hover", schemas.DOMEventMouseEnter)
	require.NoError(t, err)
	assert.Equal(t, 1, hovers)
	assert.Len(t, doc.WindowListeners(schemas.DOMEventScroll), 1)

	clock.FireAll()
	assert.ElementsMatch(t, []string{schemas.EventPageScroll, schemas.EventElementView}, client.Names())
}

func TestStop_RemovesListenersAndPendingWork(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t)
	tr, client, clock := newReadyTracker(t, doc, Options{})

	tr.Track(ctx)
	require.Len(t, clock.Pending(), 1)

	tr.Stop()
	tr.Stop()

	assert.Empty(t, clock.Pending(), "the pending check is cancelled")
	assert.Empty(t, doc.WindowListeners(schemas.DOMEventScroll))
	clicks, err := doc.ListenerCount(".js-track-click", schemas.DOMEventClick)
	require.NoError(t, err)
	assert.Zero(t, clicks)

	doc.ScrollTo(1200)
	_, err = doc.Dispatch(ctx, ".js-track-click", schemas.DOMEventClick)
	require.NoError(t, err)
	assert.Zero(t, clock.FireAll())
	assert.Empty(t, client.Events())
}

func TestDebounce_StaleTimerIsIgnored(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t)
	tr, client, clock := newReadyTracker(t, doc, Options{})

	tr.TrackScrollMap(ctx)
	stale := clock.Pending()[0]
	doc.ScrollTo(400)

	// A timer that fires after being replaced must not run the check.
	stale.fn()
	assert.Empty(t, client.Events())

	clock.FireAll()
	assert.Len(t, client.Events(), 1)
}

type stubMetricsSource struct {
	supported bool
}

func (s stubMetricsSource) Supported(context.Context) bool { return s.supported }

func (s stubMetricsSource) ObservePaint(_ context.Context, fn func([]perfmetrics.PaintEntry)) (func(), error) {
	fn([]perfmetrics.PaintEntry{
		{Name: perfmetrics.FirstPaint, StartTime: 10, Duration: 0.4},
		{Name: perfmetrics.FirstContentfulPaint, StartTime: 20, Duration: 0},
	})
	return func() {}, nil
}

func (s stubMetricsSource) TimeToInteractive(context.Context) (float64, bool, error) {
	return 300.2, true, nil
}

func (s stubMetricsSource) NavigationTiming(context.Context) (perfmetrics.NavigationTiming, error) {
	return perfmetrics.NavigationTiming{RequestStart: 5, ResponseStart: 45}, nil
}

func TestTrackPerformanceMetrics(t *testing.T) {
	ctx := context.Background()
	tr, client, _ := newReadyTracker(t, newDocument(t), Options{},
		WithMetricsSource(stubMetricsSource{supported: true}),
		WithMetricsInterval(time.Millisecond))

	tr.TrackPerformanceMetrics(ctx)
	tr.TrackPerformanceMetrics(ctx)

	require.Eventually(t, func() bool { return len(client.Events()) > 0 }, 2*time.Second, 5*time.Millisecond)
	events := client.Events()
	require.Len(t, events, 1)
	assert.Equal(t, schemas.EventPerformanceMetrics, events[0].Name)
	assert.Equal(t, withDefaults(schemas.Properties{
		"firstPaint":           10.0,
		"firstContentfulPaint": 20.0,
		"timeToInteractive":    300.0,
		"timeToFirstByte":      40.0,
	}), events[0].Properties)
}

func TestTrackPerformanceMetrics_Unsupported(t *testing.T) {
	ctx := context.Background()
	tr, client, _ := newReadyTracker(t, newDocument(t), Options{},
		WithMetricsSource(stubMetricsSource{supported: false}))
	tr.TrackPerformanceMetrics(ctx)

	bare, bareClient, _ := newReadyTracker(t, newDocument(t), Options{})
	bare.TrackPerformanceMetrics(ctx)

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, client.Events())
	assert.Empty(t, bareClient.Events())
}

func TestResolveOptions(t *testing.T) {
	t.Run("zero options take every default", func(t *testing.T) {
		got := ResolveOptions(Options{})
		def := DefaultOptions()
		assert.Equal(t, def.OnClickSelector, got.OnClickSelector)
		assert.Equal(t, def.OnHoverSelector, got.OnHoverSelector)
		assert.Equal(t, def.OnViewedSelector, got.OnViewedSelector)
		assert.Equal(t, []float64{100, 75, 50, 25, 10}, got.ScrollSteps)
		assert.Equal(t, 100*time.Millisecond, *got.ScrollTimeout)
		require.Len(t, got.ExcludedProperties, 1)
		assert.True(t, got.ExcludedProperties[0].MatchString("v-123"))
		assert.True(t, *got.UseDefaultEventProperties.Origin)
		assert.True(t, *got.UseDefaultEventProperties.PagePath)
		assert.Equal(t, 24.0, got.MinVisibleHeight)
		assert.True(t, *got.IncludeReferrer)
		assert.True(t, *got.IncludeUtm)
	})

	t.Run("caller values win per key", func(t *testing.T) {
		rule := regexp.MustCompile(`^internal`)
		got := ResolveOptions(Options{
			UseDefaultEventProperties: DefaultEventProperties{PagePath: Bool(false)},
			OnClickSelector:           "button",
			ScrollSteps:               []float64{33},
			ScrollTimeout:             Duration(time.Second),
			ExcludedProperties:        []*regexp.Regexp{rule},
			IncludeUtm:                Bool(false),
		})
		assert.True(t, *got.UseDefaultEventProperties.Origin)
		assert.False(t, *got.UseDefaultEventProperties.PagePath)
		assert.Equal(t, "button", got.OnClickSelector)
		assert.Equal(t, DefaultOnHoverSelector, got.OnHoverSelector)
		assert.Equal(t, []float64{33}, got.ScrollSteps)
		assert.Equal(t, time.Second, *got.ScrollTimeout)
		assert.Equal(t, []*regexp.Regexp{rule}, got.ExcludedProperties)
		assert.False(t, *got.IncludeUtm)
		assert.True(t, *got.IncludeReferrer)
	})

	t.Run("empty slices disable the feature", func(t *testing.T) {
		got := ResolveOptions(Options{ScrollSteps: []float64{}, ExcludedProperties: []*regexp.Regexp{}})
		assert.NotNil(t, got.ScrollSteps)
		assert.Empty(t, got.ScrollSteps)
		assert.NotNil(t, got.ExcludedProperties)
		assert.Empty(t, got.ExcludedProperties)
	})

	t.Run("a zero scroll timeout is kept", func(t *testing.T) {
		got := ResolveOptions(Options{ScrollTimeout: Duration(0)})
		require.NotNil(t, got.ScrollTimeout)
		assert.Zero(t, *got.ScrollTimeout)

		got = ResolveOptions(Options{ScrollTimeout: Duration(-time.Second)})
		assert.Zero(t, *got.ScrollTimeout, "negative timeouts clamp to zero")
	})

	t.Run("defaults are never shared", func(t *testing.T) {
		a := DefaultOptions()
		a.ScrollSteps[0] = 1
		*a.UseDefaultEventProperties.Origin = false
		b := DefaultOptions()
		assert.Equal(t, 100.0, b.ScrollSteps[0])
		assert.True(t, *b.UseDefaultEventProperties.Origin)
	})
}
