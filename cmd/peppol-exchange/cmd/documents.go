package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/peppol-exchange/internal/model"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <invoice-id>",
	Short: "Queue a CRM invoice for sending",
	Long: `Create the outbound document for a CRM invoice and queue it. Enqueueing
an invoice twice returns the existing document; a failed one is requeued.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			id, err := a.exchange.EnqueueForSending(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return showDocument(cmd, a, id)
		})
	},
}

var resendCmd = &cobra.Command{
	Use:   "resend <document-id>",
	Short: "Requeue a failed document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.exchange.Resend(cmd.Context(), args[0]); err != nil {
				return err
			}
			return showDocument(cmd, a, args[0])
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <document-id>",
	Short: "Record a received document as an expense",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			res, err := a.exchange.ReconcileReceived(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s (expense %s)\n", res.DocumentID, res.Status, res.LocalReferenceID)
			})
		})
	},
}

var showLogLimit int

var showCmd = &cobra.Command{
	Use:   "show <document-id>",
	Short: "Show a document and its exchange log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			doc, err := a.exchange.Document(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			entries, err := a.exchange.Log(cmd.Context(), doc.ID, showLogLimit)
			if err != nil {
				return err
			}
			out := struct {
				Document *model.Document          `json:"document"`
				Log      []*model.ExchangeLogEntry `json:"log"`
			}{doc, entries}
			return render(cmd, out, func(w io.Writer) {
				printDocument(w, doc)
				for _, e := range entries {
					fmt.Fprintf(w, "  %s  %-13s %-8s %s\n", e.Timestamp.Format(time.DateTime), e.Action, e.Status, e.Message)
				}
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd, resendCmd, reconcileCmd, showCmd)

	showCmd.Flags().IntVar(&showLogLimit, "log-limit", 20, "Number of log entries to show")
}

func showDocument(cmd *cobra.Command, a *app, id string) error {
	doc, err := a.exchange.Document(cmd.Context(), id)
	if err != nil {
		return err
	}
	return render(cmd, doc, func(w io.Writer) { printDocument(w, doc) })
}

func printDocument(w io.Writer, d *model.Document) {
	fmt.Fprintf(w, "%s  %s %s  %s\n", d.ID, d.Direction, d.DocumentType, d.Status)
	fmt.Fprintf(w, "  provider: %s %s\n", d.Provider, d.ProviderDocumentID)
	if d.LocalReferenceID != "" {
		fmt.Fprintf(w, "  local reference: %s\n", d.LocalReferenceID)
	}
	if d.ErrorMessage != "" {
		fmt.Fprintf(w, "  error: %s\n", d.ErrorMessage)
	}
}
