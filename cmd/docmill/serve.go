package main

import (
	"github.com/spf13/cobra"

	"github.com/ahalverson/docmill/internal/config"
	"github.com/ahalverson/docmill/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the docmill server",
	Long: `Start the docmill HTTP server with its queue worker pool.

The server provides:
  - POST /documents               - Upload and process a PDF
  - GET  /documents/{id}          - Processing status
  - GET  /documents/{id}/pages    - Per-page detail
  - POST /documents/{id}/cancel   - Cancel processing
  - POST /documents/{id}/retry    - Re-enqueue failed pages
  - GET  /search?q=               - Search extracted text
  - GET  /health, /ready          - Health checks

Examples:
  docmill serve                  # Start on default port 8080
  docmill serve --port 3000      # Start on custom port
  docmill serve --host 0.0.0.0   # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		services, cleanup, err := setupServices()
		if err != nil {
			return err
		}
		defer cleanup()

		// Pick up queue and planner tuning without a restart.
		services.ConfigMgr.WatchConfig()
		services.ConfigMgr.OnChange(func(cfg *config.Config) {
			services.Logger.Info("configuration reloaded", "log_level", cfg.LogLevel)
		})

		srv, err := server.New(server.Config{
			Host:     serveHost,
			Port:     servePort,
			Services: services,
			Logger:   services.Logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
