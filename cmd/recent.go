// File: cmd/recent.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepulse/api/schemas"
	"github.com/xkilldash9x/pagepulse/internal/config"
	"github.com/xkilldash9x/pagepulse/internal/observability"
	"github.com/xkilldash9x/pagepulse/internal/store"
)

// eventReader is the read side shared by the Postgres and SQLite stores.
type eventReader interface {
	RecentEvents(ctx context.Context, limit int) ([]schemas.Delivery, error)
}

// openReader opens the configured store for reading. Postgres wins when both are set.
func openReader(ctx context.Context, cfg config.Interface, logger *zap.Logger) (eventReader, func(), error) {
	if url := cfg.Store().PostgresURL; url != "" {
		pg, err := store.OpenPostgres(ctx, url, logger)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	if path := cfg.Store().SQLitePath; path != "" {
		lite, err := store.OpenSQLite(path, logger)
		if err != nil {
			return nil, nil, err
		}
		return lite, func() { _ = lite.Close() }, nil
	}
	return nil, nil, fmt.Errorf("no event store configured (set store.postgres_url or store.sqlite_path)")
}

// newRecentCmd creates the `recent` command.
func newRecentCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	recentCmd := &cobra.Command{
		Use:   "recent",
		Short: "Print the newest stored events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			reader, closeFn, err := openReader(cmd.Context(), cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			defer closeFn()
			return printRecent(cmd.Context(), reader, limit, asJSON, cmd.OutOrStdout())
		},
	}
	recentCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to print")
	recentCmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per line")
	return recentCmd
}

func printRecent(ctx context.Context, r eventReader, limit int, asJSON bool, out io.Writer) error {
	events, err := r.RecentEvents(ctx, limit)
	if err != nil {
		return err
	}
	for _, d := range events {
		if asJSON {
			line, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("failed to encode event %s: %w", d.InsertID, err)
			}
			if _, err := fmt.Fprintln(out, string(line)); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintln(out, formatDelivery(d)); err != nil {
			return err
		}
	}
	return nil
}
