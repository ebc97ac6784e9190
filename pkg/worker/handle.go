// Package worker decouples the request state machine from the process doing
// model/tool I/O. Workers are spawned lazily through a substrate interface,
// reused across requests to the same parent, and their ordered event stream
// is folded back into state-machine transitions so an I/O crash can never
// take the controller down with it.
package worker

import (
	"context"

	"github.com/ramify-ai/ramify/pkg/model"
)

// HandleStatus tracks a worker's lifecycle
type HandleStatus string

const (
	HandleMissing  HandleStatus = "missing"
	HandleStarting HandleStatus = "starting"
	HandleRunning  HandleStatus = "running"
	HandleReady    HandleStatus = "ready"
)

// Handle identifies one live worker
type Handle struct {
	Addr   string       `json:"addr"`
	Status HandleStatus `json:"status"`
}

// Alive reports whether the handle points at a spawned worker
func (h Handle) Alive() bool {
	return h.Status != HandleMissing && h.Addr != ""
}

// StartPayload is the request handed to a worker when it picks up work
type StartPayload struct {
	RequestID string          `json:"request_id"`
	Prompt    string          `json:"prompt"`
	Messages  []model.Message `json:"messages"`
}

// Spawner is the process/actor substrate the runtime consumes. It spawns
// isolated workers and delivers messages to them; start and exit
// notifications flow back through the Delegate's Handle* methods. Per-request
// event ordering is the substrate's responsibility.
type Spawner interface {
	// Spawn starts a worker for the given parent and returns its address.
	// The worker-started notification arrives asynchronously.
	Spawn(ctx context.Context, parentID string) (string, error)

	// Deliver routes a start payload to a running worker
	Deliver(addr string, payload StartPayload) error
}
