package endpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/store"
	"github.com/jackzampolin/folio/internal/tasks"
)

const maxRequestBody = 1 << 20

const createTaskSchemaJSON = `{
	"type": "object",
	"required": ["path"],
	"additionalProperties": false,
	"properties": {
		"path":       {"type": "string", "minLength": 1},
		"filename":   {"type": "string"},
		"provider":   {"type": "string"},
		"model":      {"type": "string"},
		"page_range": {"type": "string", "pattern": "^[0-9,\\s-]*$"},
		"output_dir": {"type": "string"}
	}
}`

var createTaskSchema = jsonschema.MustCompileString("create_task.json", createTaskSchemaJSON)

// CreateTaskRequest is the request body for submitting a document.
// Path refers to a file on the server's filesystem.
type CreateTaskRequest struct {
	Path      string `json:"path"`
	Filename  string `json:"filename,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	PageRange string `json:"page_range,omitempty"`
	OutputDir string `json:"output_dir,omitempty"`
}

// CreateTaskEndpoint handles POST /api/tasks.
type CreateTaskEndpoint struct{}

func (e *CreateTaskEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/tasks", e.handler
}

func (e *CreateTaskEndpoint) RequiresInit() bool { return true }

func (e *CreateTaskEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := createTaskSchema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req CreateTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tm := taskManager(w, r)
	if tm == nil {
		return
	}
	task, err := tm.Submit(r.Context(), tasks.SubmitRequest{
		Path:      req.Path,
		Filename:  req.Filename,
		Provider:  req.Provider,
		Model:     req.Model,
		PageRange: req.PageRange,
		OutputDir: req.OutputDir,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (e *CreateTaskEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req CreateTaskRequest
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Queue a document for conversion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			req.Path = path
			if req.OutputDir != "" {
				if req.OutputDir, err = filepath.Abs(req.OutputDir); err != nil {
					return err
				}
			}
			client := api.NewClient(getServerURL())
			var task store.Task
			if err := client.Post(cmd.Context(), "/api/tasks", req, &task); err != nil {
				return err
			}
			return api.Output(cmd.OutOrStdout(), task)
		},
	}
	cmd.Flags().StringVar(&req.Provider, "provider", "", "Provider id (default from config)")
	cmd.Flags().StringVar(&req.Model, "model", "", "Model name (default from config)")
	cmd.Flags().StringVar(&req.PageRange, "pages", "", "Page range, e.g. 1-3,7")
	cmd.Flags().StringVar(&req.OutputDir, "out", "", "Directory for the merged Markdown")
	return cmd
}

// ListTasksResponse is the response for listing tasks.
type ListTasksResponse struct {
	Tasks []*store.Task `json:"tasks"`
}

// ListTasksEndpoint handles GET /api/tasks.
type ListTasksEndpoint struct{}

func (e *ListTasksEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/tasks", e.handler
}

func (e *ListTasksEndpoint) RequiresInit() bool { return true }

func (e *ListTasksEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskFilter{Status: store.TaskStatus(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	tm := taskManager(w, r)
	if tm == nil {
		return
	}
	list, err := tm.ListTasks(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []*store.Task{}
	}
	writeJSON(w, http.StatusOK, ListTasksResponse{Tasks: list})
}

func (e *ListTasksEndpoint) Command(getServerURL func() string) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/tasks?limit=%d", limit)
			if status != "" {
				path += "&status=" + status
			}
			client := api.NewClient(getServerURL())
			var resp ListTasksResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only tasks in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of tasks")
	return cmd
}

// GetTaskEndpoint handles GET /api/tasks/{id}.
type GetTaskEndpoint struct{}

func (e *GetTaskEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/tasks/{id}", e.handler
}

func (e *GetTaskEndpoint) RequiresInit() bool { return true }

func (e *GetTaskEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	tm := taskManager(w, r)
	if tm == nil {
		return
	}
	task, err := tm.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (e *GetTaskEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var task store.Task
			if err := client.Get(cmd.Context(), "/api/tasks/"+args[0], &task); err != nil {
				return err
			}
			return api.Output(cmd.OutOrStdout(), task)
		},
	}
}
