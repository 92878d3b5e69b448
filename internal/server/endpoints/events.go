package endpoints

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/events"
	"github.com/jackzampolin/folio/internal/svcctx"
)

var _ api.Endpoint = (*ListEventsEndpoint)(nil)

// ListEventsResponse carries retained events after a sequence number.
// Clients poll with since=last_seq.
type ListEventsResponse struct {
	LastSeq int64          `json:"last_seq"`
	Events  []events.Event `json:"events"`
}

// ListEventsEndpoint handles GET /api/events.
type ListEventsEndpoint struct{}

func (e *ListEventsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/events", e.handler
}

func (e *ListEventsEndpoint) RequiresInit() bool { return true }

func (e *ListEventsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	bus := svcctx.EventsFrom(r.Context())
	if bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not initialized")
		return
	}

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}
	taskID := r.URL.Query().Get("task_id")

	resp := ListEventsResponse{LastSeq: bus.LastSeq(), Events: []events.Event{}}
	for _, ev := range bus.Since(since) {
		if taskID != "" && ev.TaskID != taskID {
			continue
		}
		resp.Events = append(resp.Events, ev)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListEventsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var since int64
	var taskID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent task events",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/events?since=%d", since)
			if taskID != "" {
				path += "&task_id=" + taskID
			}
			client := api.NewClient(getServerURL())
			var resp ListEventsResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "Only events after this sequence number")
	cmd.Flags().StringVar(&taskID, "task", "", "Only events for this task")
	return cmd
}
