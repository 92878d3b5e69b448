package api

import (
	"net/http"

	"github.com/spf13/cobra"
)

// Endpoint is an HTTP route together with the CLI command that calls it,
// so the two can never drift apart.
type Endpoint interface {
	// Route returns the HTTP method, path, and handler for this endpoint.
	Route() (method, path string, handler http.HandlerFunc)

	// RequiresInit reports whether the handler needs the store, task
	// manager and worker pool to be up.
	RequiresInit() bool

	// Command returns a Cobra command that calls this endpoint via HTTP.
	// getServerURL is evaluated when the command runs.
	Command(getServerURL func() string) *cobra.Command
}
