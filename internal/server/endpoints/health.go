package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/store"
	"github.com/jackzampolin/folio/internal/svcctx"
	"github.com/jackzampolin/folio/internal/tasks"
)

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status   string   `json:"status"`
	Database string   `json:"database,omitempty"`
	Workers  int      `json:"workers,omitempty"`
	Provider []string `json:"providers,omitempty"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Status: %s\n", resp.Status)
			return nil
		},
	}
}

// ReadyEndpoint handles GET /ready.
type ReadyEndpoint struct{}

func (e *ReadyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ready", e.handler
}

func (e *ReadyEndpoint) RequiresInit() bool { return false }

func (e *ReadyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok"}

	s := svcctx.StoreFrom(r.Context())
	if s == nil {
		resp.Status = "degraded"
		resp.Database = "not_initialized"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if err := s.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	if pool := svcctx.PoolFrom(r.Context()); pool != nil {
		for _, ws := range pool.Status().Workers {
			if ws.Running {
				resp.Workers++
			}
		}
	}
	if reg := svcctx.RegistryFrom(r.Context()); reg != nil {
		resp.Provider = reg.List()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *ReadyEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check server readiness (database and workers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/ready", &resp); err != nil {
				return err
			}
			return api.Output(cmd.OutOrStdout(), resp)
		},
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeServiceError maps a task manager error to its HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tasks.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrTaskNotFound), errors.Is(err, store.ErrPageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidState), errors.Is(err, store.ErrTaskCancelled), store.IsConflict(err):
		status = http.StatusConflict
	}
	writeError(w, status, err.Error())
}

// taskManager returns the task manager or writes 503.
func taskManager(w http.ResponseWriter, r *http.Request) *tasks.Manager {
	tm := svcctx.TasksFrom(r.Context())
	if tm == nil {
		writeError(w, http.StatusServiceUnavailable, "task manager not initialized")
	}
	return tm
}
