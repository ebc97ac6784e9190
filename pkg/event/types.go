package event

// Kind identifies a worker event type
type Kind string

const (
	KindRequestStarted   Kind = "request_started"
	KindLLMStarted       Kind = "llm_started"
	KindLLMDelta         Kind = "llm_delta"
	KindLLMCompleted     Kind = "llm_completed"
	KindToolStarted      Kind = "tool_started"
	KindToolCompleted    Kind = "tool_completed"
	KindRequestCompleted Kind = "request_completed"
	KindRequestFailed    Kind = "request_failed"
	KindRequestCancelled Kind = "request_cancelled"
	KindCheckpoint       Kind = "checkpoint"
)

// IsValid reports whether k is one of the known event kinds
func (k Kind) IsValid() bool {
	switch k {
	case KindRequestStarted, KindLLMStarted, KindLLMDelta, KindLLMCompleted,
		KindToolStarted, KindToolCompleted, KindRequestCompleted,
		KindRequestFailed, KindRequestCancelled, KindCheckpoint:
		return true
	}
	return false
}

// IsTerminal reports whether k ends a request
func (k Kind) IsTerminal() bool {
	return k == KindRequestCompleted || k == KindRequestFailed || k == KindRequestCancelled
}

// Envelope is the message a worker emits for every observable step of a
// request. Field set is fixed; consumers must not depend on Data beyond the
// keys documented per kind.
type Envelope struct {
	ID         string                 `json:"id"`
	Seq        int64                  `json:"seq"`
	AtMs       int64                  `json:"at_ms"`
	RunID      string                 `json:"run_id"`
	RequestID  string                 `json:"request_id"`
	Iteration  int                    `json:"iteration"`
	Kind       Kind                   `json:"kind"`
	LLMCallID  string                 `json:"llm_call_id,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	ToolName   string                 `json:"tool_name,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// NotificationType identifies an externally published lifecycle signal
type NotificationType string

const (
	NotifyRequestStarted   NotificationType = "request.started"
	NotifyRequestCompleted NotificationType = "request.completed"
	NotifyRequestFailed    NotificationType = "request.failed"
	NotifyRequestError     NotificationType = "request.error"
	NotifyUsage            NotificationType = "usage"
)

// ErrorReason classifies a request.error notification
type ErrorReason string

const (
	ReasonBusy               ErrorReason = "busy"
	ReasonRuntimeStartFailed ErrorReason = "runtime_start_failed"
	ReasonPolicyViolation    ErrorReason = "policy_violation"
)

// Notification is a lifecycle signal published to external observers
type Notification struct {
	Type      NotificationType `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	Query     string           `json:"query,omitempty"`
	Result    string           `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	Reason    ErrorReason      `json:"reason,omitempty"`
	Message   string           `json:"message,omitempty"`

	// Usage fields, set only for NotifyUsage
	CallID       string `json:"call_id,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	TotalTokens  int    `json:"total_tokens,omitempty"`
}

// Publisher delivers lifecycle notifications to external observers
type Publisher interface {
	Publish(n Notification)
}
