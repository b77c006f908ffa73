package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"

	// Global flags
	cfgFile      string
	logLevel     string
	outputFormat string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "peppol-exchange",
	Short: "Exchange invoices over the PEPPOL network",
	Long: `PEPPOL Exchange sends invoices and credit notes through a PEPPOL access
point provider and records the documents it receives.

Supports:
  - Providers: Ademico, Unit4, Recommand
  - UBL 2.1 / BIS Billing 3.0 invoices and credit notes
  - Provider webhooks and status polling

Examples:
  # Run the API and webhook server
  peppol-exchange serve

  # Queue an invoice and send everything queued
  peppol-exchange enqueue 1042
  peppol-exchange process-queue

  # Validate UBL files
  peppol-exchange validate invoices/*.xml`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default peppol.yaml in . or ./configs)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (env: PEPPOL_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "json", "Output format (json, table)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}

func printVerbose(cmd *cobra.Command, format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), format, args...)
	}
}

// render writes v as indented JSON, or through table when --format=table
func render(cmd *cobra.Command, v interface{}, table func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if outputFormat == "table" && table != nil {
		table(w)
		return nil
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
