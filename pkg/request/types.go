// Package request implements the per-request control loop: a single-writer
// state machine that walks idle → reasoning ↔ acting → completed/error,
// emitting effects (model calls, tool calls, notifications) instead of doing
// I/O itself. One Machine instance serves one controller; concurrency lives
// between instances, never inside one.
package request

import (
	"github.com/ramify-ai/ramify/pkg/toolexec"
)

// Status is the closed set of request states
type Status string

const (
	StatusIdle      Status = "idle"
	StatusReasoning Status = "reasoning"
	StatusActing    Status = "acting"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// IsTerminal reports whether the status ends a request
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// TerminationReason records why a request ended
type TerminationReason string

const (
	TerminationNone          TerminationReason = ""
	TerminationFinalAnswer   TerminationReason = "final_answer"
	TerminationMaxIterations TerminationReason = "max_iterations"
	TerminationError         TerminationReason = "error"
	TerminationCancelled     TerminationReason = "cancelled"
)

// Policy controls admission while a request is in flight
type Policy string

// PolicyReject refuses new requests while one is active. There is no
// queueing policy; rejection is the sole backpressure mechanism.
const PolicyReject Policy = "reject"

// PendingToolCall is one tool call requested by the model, with its result
// once the acting pass resolves it
type PendingToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Result    *toolexec.Result       `json:"result,omitempty"`
}

// Config configures a state machine instance
type Config struct {
	// MaxIterations is the inclusive reasoning-pass cutoff
	MaxIterations int

	// Policy is the admission policy; PolicyReject is the only one
	Policy Policy

	// StrictExhaustion makes iteration exhaustion terminate with StatusError
	// instead of StatusCompleted
	StrictExhaustion bool

	// BaseToolContext is the persistent tool context, replaced wholesale on
	// explicit configuration update, never merged
	BaseToolContext map[string]interface{}

	// Model is the model name advertised on emitted model-call effects
	Model string
}

// DefaultMaxIterations bounds the reasoning loop when unconfigured
const DefaultMaxIterations = 10
