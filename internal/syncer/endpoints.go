package syncer

import (
	"strings"

	"sogara/internal/models"
)

// EndpointResolver maps a queue action to the server endpoint that
// accepts it.
type EndpointResolver interface {
	Resolve(action string) string
}

// StaticEndpoints is the fixed action→path table, prefixed with the sync
// server base URL. Unknown actions go to the generic sync endpoint.
type StaticEndpoints struct {
	BaseURL string
}

var actionPaths = map[string]string{
	models.ActionSyncVisitors:     "/api/visitors/sync",
	models.ActionSyncStaff:        "/api/staff/sync",
	models.ActionSyncAppointments: "/api/appointments/sync",
	models.ActionSyncPackages:     "/api/packages/sync",
}

const defaultSyncPath = "/api/sync"

func (s StaticEndpoints) Resolve(action string) string {
	path, ok := actionPaths[action]
	if !ok {
		path = defaultSyncPath
	}
	return strings.TrimSuffix(s.BaseURL, "/") + path
}
