package api

import (
	"github.com/drapik/tg-stream-bot/internal/events"
	"github.com/drapik/tg-stream-bot/internal/pool"
	"github.com/drapik/tg-stream-bot/internal/registry"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	Pool             pool.Stats              `json:"pool"`
	InFlight         int64                   `json:"in_flight"`
	Totals           map[registry.Status]int `json:"totals"`
	EventSubscribers int                     `json:"event_subscribers"`
	EventsDropped    int64                   `json:"events_dropped"`
	LastSweep        *events.Event           `json:"last_sweep,omitempty"`
}

// AcquisitionsResponse is returned by GET /v1/acquisitions.
type AcquisitionsResponse struct {
	Acquisitions []registry.Acquisition `json:"acquisitions"`
}

// ReloadResponse is returned by POST /v1/access/reload.
type ReloadResponse struct {
	Entries int `json:"entries"`
}
