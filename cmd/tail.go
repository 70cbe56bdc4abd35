// File: cmd/tail.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepulse/api/schemas"
	"github.com/xkilldash9x/pagepulse/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type tailOptions struct {
	follow    bool
	fromStart bool
	raw       bool
	eventType string
}

// newTailCmd creates the `tail` command, which follows the NDJSON event file.
func newTailCmd() *cobra.Command {
	opts := &tailOptions{}
	tailCmd := &cobra.Command{
		Use:   "tail [file]",
		Short: "Follow the local event file",
		Long: `Prints deliveries appended to the NDJSON event file. The file defaults to
delivery.event_file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			path := cfg.Delivery().EventFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no event file given and delivery.event_file is not set")
			}
			return runTail(cmd.Context(), path, opts, cmd.OutOrStdout(), observability.GetLogger())
		},
	}
	tailCmd.Flags().BoolVarP(&opts.follow, "follow", "f", true, "keep waiting for new events")
	tailCmd.Flags().BoolVar(&opts.fromStart, "from-start", false, "print the events already in the file")
	tailCmd.Flags().BoolVar(&opts.raw, "raw", false, "print the JSON lines unchanged")
	tailCmd.Flags().StringVar(&opts.eventType, "event", "", "only print events with this event_type")
	return tailCmd
}

func runTail(ctx context.Context, path string, opts *tailOptions, out io.Writer, logger *zap.Logger) error {
	// Without follow there is nothing to wait for, so read the whole file.
	whence := io.SeekEnd
	if opts.fromStart || !opts.follow {
		whence = io.SeekStart
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    opts.follow,
		ReOpen:    opts.follow,
		MustExist: !opts.follow,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail event file: %w", err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				logger.Warn("Error reading from event file.", zap.Error(line.Err))
				continue
			}
			if err := printDeliveryLine(out, line.Text, opts); err != nil {
				logger.Warn("Skipping malformed event line.", zap.Error(err))
			}
		}
	}
}

func printDeliveryLine(out io.Writer, text string, opts *tailOptions) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var d schemas.Delivery
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		return err
	}
	if opts.eventType != "" && d.EventType != opts.eventType {
		return nil
	}
	if opts.raw {
		_, err := fmt.Fprintln(out, text)
		return err
	}
	_, err := fmt.Fprintln(out, formatDelivery(d))
	return err
}

// formatDelivery renders one delivery as "time  event_type  k=v ...", keys sorted.
func formatDelivery(d schemas.Delivery) string {
	at := d.Time
	if at.IsZero() && d.TimeMillis > 0 {
		at = time.UnixMilli(d.TimeMillis)
	}

	var b strings.Builder
	b.WriteString(at.UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteString("  ")
	b.WriteString(d.EventType)

	keys := make([]string, 0, len(d.Properties))
	for k := range d.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := json.MarshalToString(d.Properties[k])
		if err != nil {
			v = fmt.Sprint(d.Properties[k])
		}
		b.WriteString("  ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(v)
	}
	return b.String()
}
