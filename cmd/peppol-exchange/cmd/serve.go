package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rezonia/peppol-exchange/internal/server"
)

var (
	serverAddr  string
	serverDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and webhook server",
	Long: `Start the HTTP server for provider webhooks and operator calls.

Endpoints:
  - POST /webhooks/:provider             - Provider notifications
  - GET  /api/v1/documents               - List exchanged documents
  - POST /api/v1/invoices/:id/enqueue    - Queue an invoice for sending
  - POST /api/v1/queue/process           - Send queued documents
  - POST /api/v1/documents/:id/reconcile - Record a received document
  - POST /api/v1/validate                - Validate UBL
  - GET  /metrics                        - Prometheus metrics
  - GET  /health                         - Health check

Examples:
  # Start server with the configured address
  peppol-exchange serve

  # Start on a custom port in debug mode
  peppol-exchange serve --address :9090 --debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverAddr, "address", "", "Server listen address (overrides http.address)")
	serveCmd.Flags().BoolVar(&serverDebug, "debug", false, "Enable debug mode")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, func(a *app) error {
		config := &server.Config{
			Address:      a.cfg.HTTP.Address,
			APIKey:       a.cfg.HTTP.APIKey,
			ReadTimeout:  a.cfg.HTTP.ReadTimeout,
			WriteTimeout: a.cfg.HTTP.WriteTimeout,
			Debug:        a.cfg.HTTP.Debug || serverDebug,
		}
		if serverAddr != "" {
			config.Address = serverAddr
		}
		if config.APIKey == "" {
			a.logger.Warn("operator API is unauthenticated, set http.api_key")
		}

		a.logger.Info("starting peppol exchange",
			"address", config.Address,
			"active_provider", a.cfg.ActiveProvider,
			"environment", a.cfg.Environment,
			"database", a.cfg.Database.Driver,
		)
		return server.NewServer(config, a.exchange, a.webhooks, a.logger).Run(ctx)
	})
}
