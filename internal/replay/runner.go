package replay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepulse/api/schemas"
	"github.com/xkilldash9x/pagepulse/internal/analytics"
	"github.com/xkilldash9x/pagepulse/internal/browser/dom"
	"github.com/xkilldash9x/pagepulse/internal/browser/static"
	"github.com/xkilldash9x/pagepulse/internal/tracker"
)

// settleMargin is added to the scroll timeout when waiting for the final
// debounce at the end of a replay.
const settleMargin = 25 * time.Millisecond

// Result summarises a replay.
type Result struct {
	Steps            int
	TrackedElements  int
	MaxScrollPercent float64
	// Unmatched lists the selectors of click and hover steps that hit nothing.
	Unmatched []string
}

// Runner replays scenarios against a fresh tracker each time.
type Runner struct {
	client      analytics.Client
	opts        tracker.Options
	logger      *zap.Logger
	trackerOpts []tracker.Option
}

// NewRunner creates a runner that reports to client.
func NewRunner(client analytics.Client, opts tracker.Options, logger *zap.Logger, trackerOpts ...tracker.Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		client:      client,
		opts:        opts,
		logger:      logger.Named("replay"),
		trackerOpts: trackerOpts,
	}
}

// Run builds the scenario page, binds the tracker and plays every step in order.
// The session is started at the first ready step, or before the first step when
// the scenario has none.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (Result, error) {
	var res Result
	if sc.HTML == "" {
		return res, fmt.Errorf("scenario %q has no page markup", sc.Name)
	}
	loc, err := locationFor(sc.URL, sc.Referrer)
	if err != nil {
		return res, err
	}
	doc, err := static.ParseString(sc.HTML,
		static.WithViewport(dom.Viewport{Height: sc.Viewport.Height, DocumentHeight: sc.Viewport.DocumentHeight}),
		static.WithLocation(loc))
	if err != nil {
		return res, err
	}
	if sc.Viewport.Height == 0 {
		vp, _ := doc.Viewport(ctx)
		vp.Height = static.DefaultViewportHeight
		doc.SetViewport(vp)
	}

	t := tracker.New(doc, r.client, r.opts, r.logger, r.trackerOpts...)
	defer t.Stop()

	started := !hasReadyStep(sc.Steps)
	if started {
		t.SetAPIKey(ctx, sc.APIKey)
	}
	t.Track(ctx)
	r.logger.Info("Replaying scenario.", zap.String("scenario", sc.Name), zap.Int("steps", len(sc.Steps)))

	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch st.Action {
		case ActionClick, ActionHover:
			eventType := schemas.DOMEventClick
			if st.Action == ActionHover {
				eventType = schemas.DOMEventMouseEnter
			}
			n, err := doc.Dispatch(ctx, st.Selector, eventType)
			if err != nil {
				return res, fmt.Errorf("step %d: %w", i+1, err)
			}
			if n == 0 {
				r.logger.Warn("Step selector matched nothing.", zap.Int("step", i+1), zap.String("selector", st.Selector))
				res.Unmatched = append(res.Unmatched, st.Selector)
			}
		case ActionScroll:
			doc.ScrollTo(st.Y)
		case ActionWait:
			if err := sleep(ctx, st.Duration); err != nil {
				return res, err
			}
		case ActionReady:
			if !started {
				t.SetAPIKey(ctx, sc.APIKey)
				started = true
			}
		case ActionPageView:
			t.LogPageView(ctx, st.Page, schemas.Properties(st.Properties))
		case ActionEvent:
			t.LogEvent(ctx, st.Name, schemas.Properties(st.Properties))
		case ActionNavigate:
			next, err := locationFor(st.URL, loc.Href)
			if err != nil {
				return res, fmt.Errorf("step %d: %w", i+1, err)
			}
			doc.SetLocation(next)
			loc = next
		default:
			return res, fmt.Errorf("step %d: unknown action %q", i+1, st.Action)
		}
		res.Steps++
	}

	// Let the last debounced scroll check run before reading the results.
	if err := sleep(ctx, *t.Options().ScrollTimeout+settleMargin); err != nil {
		return res, err
	}
	res.TrackedElements = t.TrackedElements()
	res.MaxScrollPercent = t.MaxScrollPercent()
	return res, nil
}

func hasReadyStep(steps []Step) bool {
	for _, st := range steps {
		if st.Action == ActionReady {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
