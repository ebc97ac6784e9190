package request

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ramify-ai/ramify/pkg/event"
	"github.com/ramify-ai/ramify/pkg/model"
	"github.com/ramify-ai/ramify/pkg/toolexec"
)

// Machine is one request state machine instance. All methods mutate under a
// single mutex so one in-flight transition exists at a time; callers drive it
// from a single goroutine per instance.
type Machine struct {
	cfg    Config
	logger zerolog.Logger

	status            Status
	activeRequestID   string
	iteration         int
	conversation      []model.Message
	pending           []PendingToolCall
	terminationReason TerminationReason
	failure           error
	finalAnswer       string

	baseToolContext map[string]interface{}
	runToolContext  map[string]interface{}

	streamingText     strings.Builder
	streamingThinking strings.Builder

	trace *Trace

	mu sync.Mutex
}

// NewMachine creates a state machine in StatusIdle
func NewMachine(cfg Config, logger zerolog.Logger) *Machine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyReject
	}

	return &Machine{
		cfg:             cfg,
		logger:          logger,
		status:          StatusIdle,
		baseToolContext: cfg.BaseToolContext,
	}
}

// Start admits a new request. Under PolicyReject, a start while a request is
// in flight returns a busy request.error effect and mutates nothing.
func (m *Machine) Start(prompt, requestID string) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Policy == PolicyReject &&
		(m.status == StatusReasoning || m.status == StatusActing) &&
		m.activeRequestID != "" {
		m.logger.Warn().
			Str("request_id", requestID).
			Str("active_request_id", m.activeRequestID).
			Str("status", string(m.status)).
			Msg("Request rejected, machine busy")

		return []Effect{NotifyEffect{Notification: event.Notification{
			Type:      event.NotifyRequestError,
			RequestID: requestID,
			Reason:    event.ReasonBusy,
			Message:   fmt.Sprintf("Agent is busy (status: %s)", m.status),
		}}}
	}

	if requestID == "" {
		requestID = uuid.New().String()
	}

	m.status = StatusReasoning
	m.activeRequestID = requestID
	m.iteration = 1
	m.pending = nil
	m.terminationReason = TerminationNone
	m.failure = nil
	m.finalAnswer = ""
	m.runToolContext = nil
	m.streamingText.Reset()
	m.streamingThinking.Reset()
	m.trace = NewTrace(requestID)

	m.conversation = append(m.conversation, model.Message{Role: "user", Content: prompt})

	m.logger.Info().
		Str("request_id", requestID).
		Int("max_iterations", m.cfg.MaxIterations).
		Msg("Request admitted")

	return []Effect{
		NotifyEffect{Notification: event.Notification{
			Type:      event.NotifyRequestStarted,
			RequestID: requestID,
			Query:     prompt,
		}},
		m.modelCallEffectLocked(),
	}
}

// ApplyModelResult folds one model response into the machine. A text-only
// answer completes the request; tool calls move it to acting and emit one
// tool-call effect per pending call.
func (m *Machine) ApplyModelResult(callID string, resp *model.Response) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusReasoning {
		m.logger.Warn().
			Str("call_id", callID).
			Str("status", string(m.status)).
			Msg("Model result ignored outside reasoning")
		return nil
	}

	var effects []Effect
	if resp.Usage != nil {
		effects = append(effects, NotifyEffect{Notification: event.Notification{
			Type:         event.NotifyUsage,
			RequestID:    m.activeRequestID,
			CallID:       callID,
			Model:        m.cfg.Model,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}})
	}

	if len(resp.ToolCalls) == 0 {
		m.conversation = append(m.conversation, model.Message{Role: "assistant", Content: resp.Content})
		m.finalAnswer = resp.Content
		effects = append(effects, m.terminateLocked(StatusCompleted, TerminationFinalAnswer)...)
		return effects
	}

	// One model turn populates the pending set atomically; nothing survives
	// from a previous turn.
	m.conversation = append(m.conversation, model.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	m.pending = make([]PendingToolCall, 0, len(resp.ToolCalls))
	m.status = StatusActing

	for _, tc := range resp.ToolCalls {
		m.pending = append(m.pending, PendingToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
		effects = append(effects, ToolCallEffect{
			CallID:    tc.ID,
			RequestID: m.activeRequestID,
			Iteration: m.iteration,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}

	return effects
}

// ApplyModelError terminates the request; model calls are not retried at
// this layer.
func (m *Machine) ApplyModelError(callID string, err error) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.IsTerminal() {
		return nil
	}

	m.logger.Error().Err(err).Str("call_id", callID).Msg("Model call failed")
	m.failure = fmt.Errorf("model call %s failed: %w", callID, err)

	return m.terminateLocked(StatusError, TerminationError)
}

// ApplyToolResult records one tool call's result. Unknown-tool and failed
// executions arrive as results too, so the acting pass always drains. When
// the last pending call resolves, the iteration advances and the machine
// either re-enters reasoning or terminates on iteration exhaustion.
func (m *Machine) ApplyToolResult(callID string, result toolexec.Result) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusActing {
		m.logger.Warn().
			Str("call_id", callID).
			Str("status", string(m.status)).
			Msg("Tool result ignored outside acting")
		return nil
	}

	found := false
	for i := range m.pending {
		if m.pending[i].ID == callID {
			r := result
			m.pending[i].Result = &r
			found = true
			break
		}
	}
	if !found {
		m.logger.Warn().Str("call_id", callID).Msg("Tool result for unknown call ignored")
		return nil
	}

	for i := range m.pending {
		if m.pending[i].Result == nil {
			return nil // still acting
		}
	}

	// All calls resolved: append results to the conversation in call order
	for _, p := range m.pending {
		content := renderToolResult(*p.Result)
		m.conversation = append(m.conversation, model.Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: p.ID,
		})
	}

	m.iteration++
	if m.iteration > m.cfg.MaxIterations {
		m.logger.Info().
			Str("request_id", m.activeRequestID).
			Int("iteration", m.iteration).
			Msg("Iteration budget exhausted")

		status := StatusCompleted
		if m.cfg.StrictExhaustion {
			status = StatusError
		}
		m.finalAnswer = fmt.Sprintf("[stopped after %d iterations]", m.cfg.MaxIterations)
		return m.terminateLocked(status, TerminationMaxIterations)
	}

	m.status = StatusReasoning
	m.pending = nil

	return []Effect{m.modelCallEffectLocked()}
}

// ApplyPartial folds a streamed delta into the display accumulators. Deltas
// never change status and emit no effects.
func (m *Machine) ApplyPartial(callID string, delta string, kind model.DeltaKind) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.IsTerminal() || m.status == StatusIdle {
		return nil
	}

	switch kind {
	case model.DeltaThinking:
		m.streamingThinking.WriteString(delta)
	default:
		m.streamingText.WriteString(delta)
	}

	return nil
}

// Cancel terminates the active request. Idempotent once terminal.
func (m *Machine) Cancel(requestID, reason string) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.IsTerminal() || m.status == StatusIdle {
		return nil
	}
	if requestID != "" && requestID != m.activeRequestID {
		m.logger.Warn().
			Str("request_id", requestID).
			Str("active_request_id", m.activeRequestID).
			Msg("Cancel for non-active request ignored")
		return nil
	}

	m.logger.Info().
		Str("request_id", m.activeRequestID).
		Str("reason", reason).
		Msg("Request cancelled")

	m.failure = fmt.Errorf("cancelled: %s", reason)
	return m.terminateLocked(StatusError, TerminationCancelled)
}

// Fail terminates the active request with an external failure, e.g. a worker
// exit. No-op once terminal.
func (m *Machine) Fail(err error) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.IsTerminal() || m.status == StatusIdle {
		return nil
	}

	m.logger.Error().Err(err).Str("request_id", m.activeRequestID).Msg("Request failed")
	m.failure = err

	return m.terminateLocked(StatusError, TerminationError)
}

// SetBaseToolContext replaces the persistent tool context wholesale. This is
// the explicit configuration-update path; base and run are never merged into
// each other in storage.
func (m *Machine) SetBaseToolContext(ctx map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.baseToolContext = ctx
}

// SetRunContextValue sets one key of the ephemeral per-request tool context
func (m *Machine) SetRunContextValue(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runToolContext == nil {
		m.runToolContext = make(map[string]interface{})
	}
	m.runToolContext[key] = value
}

// terminateLocked performs the shared terminal bookkeeping: status, reason,
// active id cleared, pending calls discarded and the per-request tool
// context deleted so nothing leaks into the next request.
func (m *Machine) terminateLocked(status Status, reason TerminationReason) []Effect {
	requestID := m.activeRequestID

	m.status = status
	m.terminationReason = reason
	m.activeRequestID = ""
	m.pending = nil
	m.runToolContext = nil

	n := event.Notification{RequestID: requestID}
	switch {
	case status == StatusCompleted:
		n.Type = event.NotifyRequestCompleted
		n.Result = m.finalAnswer
	case reason == TerminationCancelled:
		n.Type = event.NotifyRequestFailed
		n.Error = m.failure.Error()
	default:
		n.Type = event.NotifyRequestFailed
		if m.failure != nil {
			n.Error = m.failure.Error()
		} else {
			n.Error = string(reason)
		}
	}

	m.logger.Info().
		Str("request_id", requestID).
		Str("status", string(status)).
		Str("reason", string(reason)).
		Msg("Request terminal")

	return []Effect{NotifyEffect{Notification: n}}
}

// modelCallEffectLocked builds the next reasoning pass effect
func (m *Machine) modelCallEffectLocked() Effect {
	messages := make([]model.Message, len(m.conversation))
	copy(messages, m.conversation)

	return ModelCallEffect{
		CallID:    uuid.New().String(),
		RequestID: m.activeRequestID,
		Iteration: m.iteration,
		Model:     m.cfg.Model,
		Messages:  messages,
	}
}

// renderToolResult flattens a tool result into conversation text
func renderToolResult(r toolexec.Result) string {
	if r.Error != "" {
		if r.ErrorKind != "" {
			return fmt.Sprintf("error (%s): %s", r.ErrorKind, r.Error)
		}
		return "error: " + r.Error
	}
	return fmt.Sprintf("%v", r.Output)
}

// Status returns the current status
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ActiveRequestID returns the in-flight request id, empty when none
func (m *Machine) ActiveRequestID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeRequestID
}

// Iteration returns the current iteration counter
func (m *Machine) Iteration() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iteration
}

// TerminationReason returns why the last request ended
func (m *Machine) TerminationReason() TerminationReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminationReason
}

// FinalAnswer returns the completed request's answer text
func (m *Machine) FinalAnswer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalAnswer
}

// Failure returns the recorded failure cause, nil when none
func (m *Machine) Failure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// Conversation returns a copy of the append-only message sequence
func (m *Machine) Conversation() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Message, len(m.conversation))
	copy(out, m.conversation)
	return out
}

// PendingToolCalls returns a copy of the current pending set
func (m *Machine) PendingToolCalls() []PendingToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PendingToolCall, len(m.pending))
	copy(out, m.pending)
	return out
}

// BaseToolContext returns the persistent tool context
func (m *Machine) BaseToolContext() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseToolContext
}

// RunToolContext returns a copy of the per-request tool context; nil once
// the request is terminal
func (m *Machine) RunToolContext() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runToolContext == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m.runToolContext))
	for k, v := range m.runToolContext {
		out[k] = v
	}
	return out
}

// StreamingText returns the accumulated streamed answer text
func (m *Machine) StreamingText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamingText.String()
}

// StreamingThinking returns the accumulated streamed thinking text
func (m *Machine) StreamingThinking() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamingThinking.String()
}

// Trace returns the active request's trace, nil before any request
func (m *Machine) Trace() *Trace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trace
}
