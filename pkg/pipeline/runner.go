package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ramify-ai/ramify/internal/metrics"
	"github.com/ramify-ai/ramify/pkg/event"
	"github.com/ramify-ai/ramify/pkg/model"
	"github.com/ramify-ai/ramify/pkg/request"
	"github.com/ramify-ai/ramify/pkg/toolexec"
)

// Runner drives one state machine to a terminal status by executing its
// effects in place: model calls through the client, tool calls through the
// executor. Children of a fan-out run this loop instead of delegating to a
// worker, so a pipeline needs no substrate of its own.
type Runner struct {
	client    model.Client
	executor  *toolexec.Executor
	publisher event.Publisher
	opts      toolexec.Options
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewRunner creates a runner over the given client and executor
func NewRunner(client model.Client, executor *toolexec.Executor, publisher event.Publisher, opts toolexec.Options, m *metrics.Metrics, logger zerolog.Logger) *Runner {
	if publisher == nil {
		publisher = event.NopPublisher{}
	}
	return &Runner{
		client:    client,
		executor:  executor,
		publisher: publisher,
		opts:      opts,
		metrics:   m,
		logger:    logger,
	}
}

// Run starts the machine with the prompt and loops until it reaches a
// terminal status or the context ends. Returns the final answer on
// completion and the recorded failure otherwise.
func (r *Runner) Run(ctx context.Context, m *request.Machine, prompt, requestID string) (string, error) {
	effects := m.Start(prompt, requestID)
	for _, e := range effects {
		if n, ok := e.(request.NotifyEffect); ok && n.Notification.Reason == event.ReasonBusy {
			r.publisher.Publish(n.Notification)
			if r.metrics != nil {
				r.metrics.RequestsRejectedTotal.Inc()
			}
			return "", fmt.Errorf("request %s rejected: %s", requestID, n.Notification.Message)
		}
	}

	started := time.Now()
	if r.metrics != nil {
		r.metrics.RequestsActive.Inc()
		defer r.metrics.RequestsActive.Dec()
	}

	for {
		var next []request.Effect
		for _, e := range effects {
			produced, err := r.apply(ctx, m, e)
			if err != nil {
				return "", err
			}
			next = append(next, produced...)
		}

		if m.Status().IsTerminal() {
			r.recordTerminal(m, started)
			if m.Status() == request.StatusError {
				if err := m.Failure(); err != nil {
					return "", err
				}
				return "", fmt.Errorf("request %s terminated with %s", requestID, m.TerminationReason())
			}
			return m.FinalAnswer(), nil
		}

		if len(next) == 0 {
			return "", fmt.Errorf("request %s stalled in status %s", requestID, m.Status())
		}
		effects = next
	}
}

func (r *Runner) apply(ctx context.Context, m *request.Machine, e request.Effect) ([]request.Effect, error) {
	switch eff := e.(type) {
	case request.NotifyEffect:
		r.publisher.Publish(eff.Notification)
		return nil, nil

	case request.ModelCallEffect:
		if err := ctx.Err(); err != nil {
			return m.Cancel(eff.RequestID, err.Error()), nil
		}

		onDelta := func(d model.Delta) {
			m.ApplyPartial(d.CallID, d.Text, d.Kind)
		}
		resp, err := r.client.Complete(ctx, model.Request{
			CallID:   eff.CallID,
			Model:    eff.Model,
			Messages: eff.Messages,
			Tools:    r.toolSchemas(),
		}, onDelta)
		if err != nil {
			return m.ApplyModelError(eff.CallID, err), nil
		}
		resp.CallID = eff.CallID
		return m.ApplyModelResult(eff.CallID, resp), nil

	case request.ToolCallEffect:
		began := time.Now()
		result := r.executor.Execute(ctx, eff.Name, eff.Arguments,
			m.BaseToolContext(), m.RunToolContext(),
			toolexec.CallScope{
				CallID:    eff.CallID,
				RequestID: eff.RequestID,
				Iteration: eff.Iteration,
			}, r.opts)
		if r.metrics != nil {
			status := "success"
			if !result.Success {
				status = "error"
			}
			r.metrics.ToolExecutionsTotal.WithLabelValues(eff.Name, status).Inc()
			r.metrics.ToolDuration.WithLabelValues(eff.Name).Observe(time.Since(began).Seconds())
			if result.Attempts > 1 {
				r.metrics.ToolRetriesTotal.WithLabelValues(eff.Name).Add(float64(result.Attempts - 1))
			}
		}
		return m.ApplyToolResult(eff.CallID, result), nil

	default:
		r.logger.Warn().Msgf("Unhandled effect %T dropped", e)
		return nil, nil
	}
}

// recordTerminal counts one request outcome with its duration and iterations
func (r *Runner) recordTerminal(m *request.Machine, started time.Time) {
	if r.metrics == nil {
		return
	}
	status := string(m.Status())
	r.metrics.RequestsTotal.WithLabelValues(status, string(m.TerminationReason())).Inc()
	r.metrics.RequestDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
	r.metrics.RequestIterations.Observe(float64(m.Iteration()))
}

func (r *Runner) toolSchemas() []model.ToolSchema {
	raw := r.executor.Registry().Schemas()
	out := make([]model.ToolSchema, 0, len(raw))
	for _, s := range raw {
		schema := model.ToolSchema{}
		if v, ok := s["name"].(string); ok {
			schema.Name = v
		}
		if v, ok := s["description"].(string); ok {
			schema.Description = v
		}
		if v, ok := s["input_schema"].(map[string]interface{}); ok {
			schema.InputSchema = v
		}
		out = append(out, schema)
	}
	return out
}
