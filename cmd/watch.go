// File: cmd/watch.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepulse/internal/browser"
	"github.com/xkilldash9x/pagepulse/internal/config"
	"github.com/xkilldash9x/pagepulse/internal/observability"
	"github.com/xkilldash9x/pagepulse/internal/tracker"
)

type watchOptions struct {
	pageName string
	duration time.Duration
	apiKey   string
	dryRun   bool
	headless bool
}

// newWatchCmd creates the `watch` command, which tracks a live page in Chrome.
func newWatchCmd() *cobra.Command {
	opts := &watchOptions{}
	watchCmd := &cobra.Command{
		Use:   "watch <url>",
		Short: "Track interactions on a live page until interrupted",
		Long: `Opens the URL in Chrome, binds the configured click, hover and viewed
selectors and reports events through the delivery pipeline. Runs until
SIGINT/SIGTERM or --duration elapses.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("api-key") {
				cfg.SetSessionAPIKey(opts.apiKey)
			}
			if cmd.Flags().Changed("dry-run") {
				cfg.SetDeliveryDryRun(opts.dryRun)
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(opts.headless)
			}
			return runWatch(cmd.Context(), cfg, args[0], opts, observability.GetLogger())
		},
	}

	watchCmd.Flags().StringVar(&opts.pageName, "page-name", "", "log a page view with this name once the page is tracked")
	watchCmd.Flags().DurationVar(&opts.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	watchCmd.Flags().StringVar(&opts.apiKey, "api-key", "", "analytics API key (overrides session.api_key)")
	watchCmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "log events instead of uploading them")
	watchCmd.Flags().BoolVar(&opts.headless, "headless", true, "run Chrome without a window")
	return watchCmd
}

func runWatch(ctx context.Context, cfg config.Interface, rawURL string, opts *watchOptions, logger *zap.Logger) error {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return err
	}
	apiKey, err := sessionAPIKey(cfg)
	if err != nil {
		return err
	}

	trackerOpts, err := cfg.Tracker().Options(cfg.Session())
	if err != nil {
		return err
	}

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	pipe, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := pipe.Close(); err != nil {
			logger.Warn("Delivery pipeline did not shut down cleanly.", zap.Error(err))
		}
	}()

	page, err := browser.Launch(ctx, cfg.Browser(), logger)
	if err != nil {
		return err
	}
	defer page.Close()

	if err := page.Navigate(ctx, target); err != nil {
		return err
	}

	t := tracker.New(page, pipe.client, trackerOpts, logger,
		tracker.WithMetricsSource(page),
		tracker.WithMetricsInterval(cfg.Tracker().MetricsPollInterval))
	defer t.Stop()

	t.SetAPIKey(ctx, apiKey)
	t.Track(ctx)
	if cfg.Tracker().PerformanceMetrics {
		t.TrackPerformanceMetrics(ctx)
	}
	if opts.pageName != "" {
		t.LogPageView(ctx, opts.pageName, nil)
	}

	logger.Info("Watching page.", zap.String("url", target), zap.Int("tracked_elements", t.TrackedElements()))
	<-ctx.Done()

	logger.Info("Stopped watching page.",
		zap.String("url", target),
		zap.Float64("max_scroll_percent", t.MaxScrollPercent()))
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	return ctx.Err()
}

// normalizeURL adds https:// to a bare host. Only http, https and file URLs are accepted.
func normalizeURL(raw string) (string, error) {
	withScheme := raw
	if !strings.Contains(raw, "://") {
		withScheme = "https://" + raw
	}
	u, err := url.Parse(withScheme)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "file" {
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Scheme != "file" && u.Host == "" {
		return "", fmt.Errorf("URL %q has no host", raw)
	}
	return u.String(), nil
}
