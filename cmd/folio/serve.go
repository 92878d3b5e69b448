package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the folio server",
	Long: `Start the folio HTTP server and worker pool.

The server runs one splitter, the configured number of converters and one
merger against the task database. Claims left behind by a previous process
are released on start. On Ctrl+C or SIGTERM the workers hand back any page
they hold before the database is closed.

Examples:
  folio serve                    # Start on default port 8080
  folio serve --port 3000        # Start on custom port
  folio serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(os.Stdout, false)
		if err != nil {
			return err
		}

		srv, err := server.New(server.Config{
			Host:          serveHost,
			Port:          servePort,
			Home:          env.home,
			ConfigManager: env.config,
			Logger:        env.logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
