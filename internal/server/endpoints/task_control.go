package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/store"
)

var (
	_ api.Endpoint = (*CreateTaskEndpoint)(nil)
	_ api.Endpoint = (*ListTasksEndpoint)(nil)
	_ api.Endpoint = (*GetTaskEndpoint)(nil)
	_ api.Endpoint = (*CancelTaskEndpoint)(nil)
	_ api.Endpoint = (*RetryFailedEndpoint)(nil)
	_ api.Endpoint = (*MergePartialEndpoint)(nil)
)

// CancelTaskEndpoint handles POST /api/tasks/{id}/cancel.
type CancelTaskEndpoint struct{}

func (e *CancelTaskEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/tasks/{id}/cancel", e.handler
}

func (e *CancelTaskEndpoint) RequiresInit() bool { return true }

func (e *CancelTaskEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	tm := taskManager(w, r)
	if tm == nil {
		return
	}
	task, err := tm.CancelTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (e *CancelTaskEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var task store.Task
			if err := client.Post(cmd.Context(), "/api/tasks/"+args[0]+"/cancel", nil, &task); err != nil {
				return err
			}
			return api.Output(cmd.OutOrStdout(), task)
		},
	}
}

// RetryFailedResponse reports how many pages were re-queued.
type RetryFailedResponse struct {
	Task  *store.Task `json:"task"`
	Reset int         `json:"reset"`
}

// RetryFailedEndpoint handles POST /api/tasks/{id}/retry-failed.
type RetryFailedEndpoint struct{}

func (e *RetryFailedEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/tasks/{id}/retry-failed", e.handler
}

func (e *RetryFailedEndpoint) RequiresInit() bool { return true }

func (e *RetryFailedEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	tm := taskManager(w, r)
	if tm == nil {
		return
	}
	task, n, err := tm.RetryFailedPages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RetryFailedResponse{Task: task, Reset: n})
}

func (e *RetryFailedEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed <task-id>",
		Short: "Re-queue every failed page of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp RetryFailedResponse
			if err := client.Post(cmd.Context(), "/api/tasks/"+args[0]+"/retry-failed", nil, &resp); err != nil {
				return err
			}
			if api.GetOutputFormat() == api.OutputFormatYAML && resp.Reset == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no failed pages")
			}
			return api.Output(cmd.OutOrStdout(), resp)
		},
	}
}

// MergePartialEndpoint handles POST /api/tasks/{id}/merge.
type MergePartialEndpoint struct{}

func (e *MergePartialEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/tasks/{id}/merge", e.handler
}

func (e *MergePartialEndpoint) RequiresInit() bool { return true }

func (e *MergePartialEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	tm := taskManager(w, r)
	if tm == nil {
		return
	}
	task, err := tm.MergePartial(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (e *MergePartialEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <task-id>",
		Short: "Merge the completed pages of a partially failed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var task store.Task
			if err := client.Post(cmd.Context(), "/api/tasks/"+args[0]+"/merge", nil, &task); err != nil {
				return err
			}
			return api.Output(cmd.OutOrStdout(), task)
		},
	}
}
