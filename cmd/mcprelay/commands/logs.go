package commands

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcprelay/mcprelay/internal/audit"
	"github.com/mcprelay/mcprelay/internal/config"
)

func newLogsCmd() *cobra.Command {
	var status, sessionID, method, since string
	var limit int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the request audit log",
		Example: `  mcprelay logs
  mcprelay logs --status error
  mcprelay logs --method tools/call
  mcprelay logs --since 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				cfg = config.Defaults()
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

			store, err := audit.NewStore(cfg.Audit.DBPath, logger, 0)
			if err != nil {
				return fmt.Errorf("opening audit db: %w", err)
			}
			defer store.Close() //nolint:errcheck // best-effort cleanup

			var sinceTime string
			if since != "" {
				dur, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", since, err)
				}
				sinceTime = time.Now().Add(-dur).UTC().Format(time.RFC3339)
			}

			entries, err := store.Query(audit.QueryOpts{
				Status:    status,
				SessionID: sessionID,
				Method:    method,
				Since:     sinceTime,
				Limit:     limit,
			})
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Println("No audit entries found.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "TIME\tSESSION\tUSER\tMETHOD\tCAPABILITY\tSTATUS\tLATENCY\n") //nolint:errcheck // CLI output
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%dms\n", //nolint:errcheck // CLI output
					e.Timestamp, shortID(e.SessionID), e.UserID, e.Method, e.Capability, e.Status, e.LatencyMs)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (ok, error)")
	cmd.Flags().StringVar(&sessionID, "session", "", "filter by session id")
	cmd.Flags().StringVar(&method, "method", "", "filter by JSON-RPC method")
	cmd.Flags().StringVar(&since, "since", "", "only entries newer than this duration (e.g. 1h, 30m)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max entries to show (default 50)")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
