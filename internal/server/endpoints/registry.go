package endpoints

import (
	"github.com/jackzampolin/folio/internal/api"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},

		// Task endpoints
		&CreateTaskEndpoint{},
		&ListTasksEndpoint{},
		&GetTaskEndpoint{},
		&CancelTaskEndpoint{},
		&RetryFailedEndpoint{},
		&MergePartialEndpoint{},

		// Page endpoints
		&ListPagesEndpoint{},
		&GetPageEndpoint{},
		&RetryPageEndpoint{},

		// Event endpoints
		&ListEventsEndpoint{},
	}
}
