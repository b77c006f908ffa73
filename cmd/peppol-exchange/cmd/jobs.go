package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/peppol-exchange/internal/exchange"
)

// Jobs are meant to be run from cron. Each is safe to run concurrently with
// the server and with itself.

var processQueueCmd = &cobra.Command{
	Use:   "process-queue",
	Short: "Send every queued document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			summary, err := a.exchange.ProcessQueue(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, summary, processingTable(summary))
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Resolve documents stuck in sending",
	Long: `Look up documents that stayed in sending longer than sending_timeout.
Documents the provider knows about are marked sent; the rest are requeued
or failed according to the retry budget.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			summary, err := a.exchange.RecoverStuckSending(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, summary, processingTable(summary))
		})
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "sync-status",
	Short: "Poll the provider for delivery status of sent documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			summary, err := a.exchange.SyncStatuses(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, summary, func(w io.Writer) {
				fmt.Fprintf(w, "checked: %d\nupdated: %d\nerrors:  %d\n", summary.Checked, summary.Updated, summary.Errors)
			})
		})
	},
}

var pollInboundCmd = &cobra.Command{
	Use:   "poll-inbound",
	Short: "Record documents received by the active provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			summary, err := a.exchange.PollInbound(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, summary, func(w io.Writer) {
				fmt.Fprintf(w, "listed:  %d\ncreated: %d\nknown:   %d\nerrors:  %d\n", summary.Listed, summary.Created, summary.Known, summary.Errors)
			})
		})
	},
}

var purgeDays int

var purgeLogCmd = &cobra.Command{
	Use:   "purge-log",
	Short: "Delete exchange log entries past retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			retention := a.cfg.LogRetention()
			if purgeDays > 0 {
				retention = time.Duration(purgeDays) * 24 * time.Hour
			}
			printVerbose(cmd, "Purging log entries older than %s\n", retention)
			n, err := a.exchange.PurgeLog(cmd.Context(), retention)
			if err != nil {
				return err
			}
			return render(cmd, map[string]int64{"deleted": n}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted: %d\n", n)
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(processQueueCmd, recoverCmd, syncStatusCmd, pollInboundCmd, purgeLogCmd)

	purgeLogCmd.Flags().IntVar(&purgeDays, "older-than-days", 0, "Retention in days (default log_retention_days)")
}

func processingTable(s exchange.ProcessingSummary) func(io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintf(w, "succeeded: %d\nrequeued:  %d\nfailed:    %d\ntotal:     %d\n", s.Succeeded, s.Requeued, s.Failed, s.Total)
	}
}
