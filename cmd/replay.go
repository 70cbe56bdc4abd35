// File: cmd/replay.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/pagepulse/internal/config"
	"github.com/xkilldash9x/pagepulse/internal/observability"
	"github.com/xkilldash9x/pagepulse/internal/replay"
)

// replayReport is printed to stdout once a scenario finishes.
type replayReport struct {
	Scenario         string   `yaml:"scenario"`
	Steps            int      `yaml:"steps"`
	TrackedElements  int      `yaml:"tracked_elements"`
	MaxScrollPercent float64  `yaml:"max_scroll_percent"`
	Unmatched        []string `yaml:"unmatched,omitempty"`
}

// newReplayCmd creates the `replay` command.
func newReplayCmd() *cobra.Command {
	var dryRun bool
	replayCmd := &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Replay scripted interactions against a static HTML page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dry-run") {
				cfg.SetDeliveryDryRun(dryRun)
			}
			return runReplay(cmd.Context(), cfg, args[0], cmd.OutOrStdout(), observability.GetLogger())
		},
	}
	replayCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log events instead of uploading them")
	return replayCmd
}

func runReplay(ctx context.Context, cfg config.Interface, path string, out io.Writer, logger *zap.Logger) error {
	sc, err := replay.Load(path)
	if err != nil {
		return err
	}
	if sc.APIKey == "" {
		if sc.APIKey, err = sessionAPIKey(cfg); err != nil {
			return err
		}
	}

	trackerOpts, err := cfg.Tracker().Options(cfg.Session())
	if err != nil {
		return err
	}

	pipe, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}

	runner := replay.NewRunner(pipe.client, trackerOpts, logger)
	res, runErr := runner.Run(ctx, sc)

	// Close drains buffered events, so it runs before the report is printed.
	if err := pipe.Close(); err != nil {
		logger.Warn("Delivery pipeline did not shut down cleanly.", zap.Error(err))
	}
	if runErr != nil {
		return fmt.Errorf("scenario %q failed: %w", sc.Name, runErr)
	}

	report := replayReport{
		Scenario:         sc.Name,
		Steps:            res.Steps,
		TrackedElements:  res.TrackedElements,
		MaxScrollPercent: res.MaxScrollPercent,
		Unmatched:        res.Unmatched,
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to write replay report: %w", err)
	}
	return enc.Close()
}
