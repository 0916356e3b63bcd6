package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gluk-w/ttyvault/internal/logging"
	"github.com/gluk-w/ttyvault/internal/sshaudit"
)

func auditCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Review and prune the audit trail",
	}

	var q sshaudit.QueryOptions
	var since time.Duration
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show recent audit events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				t := time.Now().Add(-since)
				q.Since = &t
			}
			res, err := env.app.audit.Query(q)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tCONNECTION\tUSER\tHOST\tDETAILS")
			for _, e := range res.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.DateTime),
					e.EventType, dash(e.ConnectionName), dash(e.Username), dash(e.Host), dash(logging.Sanitize(e.Details)))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if shown := int64(res.Offset + len(res.Entries)); shown < res.Total {
				fmt.Fprintf(cmd.OutOrStdout(), "(%d of %d; use --offset to page)\n", len(res.Entries), res.Total)
			}
			return nil
		},
	}
	fl := list.Flags()
	fl.StringVar(&q.ConnectionName, "connection", "", "Only events for this connection")
	fl.StringVar(&q.EventType, "event", "", "Only this event type")
	fl.DurationVar(&since, "since", 0, "Only events newer than this, e.g. 24h")
	fl.IntVar(&q.Limit, "limit", 50, "Maximum entries to show (at most 1000)")
	fl.IntVar(&q.Offset, "offset", 0, "Entries to skip")

	var days int
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete audit events older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := env.app.audit.PurgeOlderThan(days)
			if err != nil {
				return err
			}
			if days <= 0 {
				days = env.app.audit.RetentionDays()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d event(s) older than %d day(s).\n", n, days)
			return nil
		},
	}
	purge.Flags().IntVar(&days, "days", 0, "Retention in days (default TTYVAULT_AUDIT_RETENTION_DAYS)")

	cmd.AddCommand(list, purge)
	return cmd
}

func logsCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show or clear the application log",
	}

	var lines int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the last lines of the log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := logging.ReadTail(env.settings.LogPath, lines)
			if err != nil {
				return err
			}
			if out != "" {
				fmt.Fprintln(cmd.OutOrStdout(), out)
			}
			return nil
		},
	}
	tail.Flags().IntVarP(&lines, "lines", "n", 100, "Number of lines")

	clearLog := &cobra.Command{
		Use:   "clear",
		Short: "Truncate the log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.Clear(env.settings.LogPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Log cleared.")
			return nil
		},
	}

	cmd.AddCommand(tail, clearLog)
	return cmd
}
