package endpoints

import (
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/store"
)

var (
	_ api.Endpoint = (*ListPagesEndpoint)(nil)
	_ api.Endpoint = (*GetPageEndpoint)(nil)
	_ api.Endpoint = (*RetryPageEndpoint)(nil)
)

// ListPagesResponse is the response for listing a task's pages.
type ListPagesResponse struct {
	Pages []*store.Page `json:"pages"`
}

// ListPagesEndpoint handles GET /api/tasks/{id}/pages.
type ListPagesEndpoint struct{}

func (e *ListPagesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/tasks/{id}/pages", e.handler
}

func (e *ListPagesEndpoint) RequiresInit() bool { return true }

func (e *ListPagesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	tm := taskManager(w, r)
	if tm == nil {
		return
	}
	status := store.PageStatus(r.URL.Query().Get("status"))
	pages, err := tm.ListPages(r.Context(), r.PathValue("id"), status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if pages == nil {
		pages = []*store.Page{}
	}
	writeJSON(w, http.StatusOK, ListPagesResponse{Pages: pages})
}

func (e *ListPagesEndpoint) Command(getServerURL func() string) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "pages <task-id>",
		Short: "List a task's pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/tasks/" + args[0] + "/pages"
			if status != "" {
				path += "?status=" + status
			}
			client := api.NewClient(getServerURL())
			var resp ListPagesResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only pages in this status")
	return cmd
}

// pageID parses the {id} path value, writing 400 on failure.
func pageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid page id")
		return 0, false
	}
	return id, true
}

// GetPageEndpoint handles GET /api/pages/{id}.
type GetPageEndpoint struct{}

func (e *GetPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/pages/{id}", e.handler
}

func (e *GetPageEndpoint) RequiresInit() bool { return true }

func (e *GetPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id, ok := pageID(w, r)
	if !ok {
		return
	}
	tm := taskManager(w, r)
	if tm == nil {
		return
	}
	page, err := tm.GetPage(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (e *GetPageEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "page <page-id>",
		Short: "Show a page, including its converted content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var page store.Page
			if err := client.Get(cmd.Context(), "/api/pages/"+args[0], &page); err != nil {
				return err
			}
			return api.Output(cmd.OutOrStdout(), page)
		},
	}
}

// RetryPageEndpoint handles POST /api/pages/{id}/retry.
type RetryPageEndpoint struct{}

func (e *RetryPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/pages/{id}/retry", e.handler
}

func (e *RetryPageEndpoint) RequiresInit() bool { return true }

func (e *RetryPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id, ok := pageID(w, r)
	if !ok {
		return
	}
	tm := taskManager(w, r)
	if tm == nil {
		return
	}
	task, err := tm.RetryPage(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (e *RetryPageEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-page <page-id>",
		Short: "Re-queue a single page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var task store.Task
			if err := client.Post(cmd.Context(), "/api/pages/"+args[0]+"/retry", nil, &task); err != nil {
				return err
			}
			return api.Output(cmd.OutOrStdout(), task)
		},
	}
}
