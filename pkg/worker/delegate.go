package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ramify-ai/ramify/internal/metrics"
	"github.com/ramify-ai/ramify/pkg/event"
	"github.com/ramify-ai/ramify/pkg/request"
)

// ErrBusy is returned when admission control rejects a start
var ErrBusy = errors.New("busy")

// defaultEventBuffer bounds the per-delegate event channel
const defaultEventBuffer = 256

// Config configures a Delegate
type Config struct {
	ParentID  string
	Machine   *request.Machine
	Spawner   Spawner
	Publisher event.Publisher
	Logger    zerolog.Logger

	// Metrics, when set, receives worker and request lifecycle counters
	Metrics *metrics.Metrics

	// EventBuffer overrides the event channel capacity
	EventBuffer int
}

// Delegate owns one worker handle on behalf of one state machine instance.
// It routes start payloads out and folds the worker's event stream back in.
// The fold path runs on a single goroutine so per-request order is preserved.
type Delegate struct {
	parentID  string
	machine   *request.Machine
	spawner   Spawner
	publisher event.Publisher
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	handle       Handle
	pendingStart *StartPayload

	events chan event.Envelope

	mu sync.Mutex
}

// NewDelegate creates a delegate with no worker spawned yet
func NewDelegate(cfg Config) (*Delegate, error) {
	if cfg.Machine == nil {
		return nil, fmt.Errorf("machine is required")
	}
	if cfg.Spawner == nil {
		return nil, fmt.Errorf("spawner is required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = event.NopPublisher{}
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	return &Delegate{
		parentID:  cfg.ParentID,
		machine:   cfg.Machine,
		spawner:   cfg.Spawner,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		handle:    Handle{Status: HandleMissing},
		events:    make(chan event.Envelope, cfg.EventBuffer),
	}, nil
}

// Handle returns the current worker handle
func (d *Delegate) Handle() Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle
}

// StartRequest admits a request and routes it to the worker, spawning one
// lazily when none is alive. Returns ErrBusy on admission rejection.
func (d *Delegate) StartRequest(ctx context.Context, prompt, requestID string) error {
	effects := d.machine.Start(prompt, requestID)
	busy := false
	for _, n := range publishEffects(d.publisher, effects) {
		if n.Type == event.NotifyRequestError && n.Reason == event.ReasonBusy {
			busy = true
		}
	}
	if busy {
		if d.metrics != nil {
			d.metrics.RequestsRejectedTotal.Inc()
		}
		return fmt.Errorf("request %s rejected: %w", requestID, ErrBusy)
	}

	payload := StartPayload{
		RequestID: d.machine.ActiveRequestID(),
		Prompt:    prompt,
		Messages:  d.machine.Conversation(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.handle.Alive() {
		addr, err := d.spawner.Spawn(ctx, d.parentID)
		if err != nil {
			wasTerminal := d.machine.Status().IsTerminal()
			failEffects := d.machine.Fail(fmt.Errorf("runtime_start_failed: %w", err))
			publishEffects(d.publisher, failEffects)
			d.recordTerminal(wasTerminal)
			d.publisher.Publish(event.Notification{
				Type:      event.NotifyRequestError,
				RequestID: payload.RequestID,
				Reason:    event.ReasonRuntimeStartFailed,
				Message:   err.Error(),
			})
			return fmt.Errorf("failed to spawn worker: %w", err)
		}

		d.handle = Handle{Addr: addr, Status: HandleStarting}
		d.pendingStart = &payload
		if d.metrics != nil {
			d.metrics.WorkerSpawnsTotal.Inc()
		}

		d.logger.Info().
			Str("parent", d.parentID).
			Str("worker", addr).
			Str("request_id", payload.RequestID).
			Msg("Worker spawning, start payload buffered")

		return nil
	}

	if err := d.spawner.Deliver(d.handle.Addr, payload); err != nil {
		failEffects := d.machine.Fail(fmt.Errorf("worker delivery failed: %w", err))
		publishEffects(d.publisher, failEffects)
		return fmt.Errorf("failed to deliver start payload: %w", err)
	}
	d.handle.Status = HandleRunning

	return nil
}

// HandleWorkerStarted processes a worker-started notification. A buffered
// start payload is delivered immediately; otherwise the worker idles ready.
func (d *Delegate) HandleWorkerStarted(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle.Addr != "" && d.handle.Addr != addr {
		d.logger.Warn().
			Str("expected", d.handle.Addr).
			Str("got", addr).
			Msg("Worker-started notification for unknown worker ignored")
		return
	}

	d.handle.Addr = addr

	if d.pendingStart != nil {
		payload := *d.pendingStart
		d.pendingStart = nil

		if err := d.spawner.Deliver(addr, payload); err != nil {
			d.logger.Error().Err(err).Str("worker", addr).Msg("Failed to deliver buffered start")
			failEffects := d.machine.Fail(fmt.Errorf("worker delivery failed: %w", err))
			publishEffects(d.publisher, failEffects)
			d.handle = Handle{Status: HandleMissing}
			return
		}

		d.handle.Status = HandleRunning
		d.logger.Info().Str("worker", addr).Str("request_id", payload.RequestID).Msg("Buffered start delivered")
		return
	}

	d.handle.Status = HandleReady
}

// HandleWorkerExit processes an exit notification. When the exiting worker
// is ours and a request is active, a request_failed transition is
// synthesized so the request never hangs. Exits for workers we do not
// recognize are logged and ignored rather than conservatively failed: the
// common cause is a stale notification for an already-replaced worker, and
// failing the live request on it would turn a harmless race into an outage.
func (d *Delegate) HandleWorkerExit(addr, reason string) {
	d.mu.Lock()

	if !d.handle.Alive() || d.handle.Addr != addr {
		d.mu.Unlock()
		d.logger.Warn().
			Str("worker", addr).
			Str("reason", reason).
			Msg("Exit notification for unmatched worker ignored")
		return
	}

	d.handle = Handle{Status: HandleMissing}
	d.pendingStart = nil
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.WorkerExitsTotal.Inc()
	}

	d.logger.Error().
		Str("worker", addr).
		Str("reason", reason).
		Msg("Worker exited")

	wasTerminal := d.machine.Status().IsTerminal()
	effects := d.machine.Fail(fmt.Errorf("worker_exit: %s", reason))
	publishEffects(d.publisher, effects)
	d.recordTerminal(wasTerminal)
}

// Deliver enqueues a worker event for folding. Blocks when the channel is
// full; the substrate's per-request ordering carries through the channel.
func (d *Delegate) Deliver(ctx context.Context, env event.Envelope) error {
	select {
	case d.events <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes and folds events until the context ends. The machine is the
// sole consumer of the channel, so per-request order is preserved.
func (d *Delegate) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-d.events:
			d.Fold(env)
		}
	}
}

// recordTerminal counts one request outcome when the machine crossed into a
// terminal status since the caller sampled it
func (d *Delegate) recordTerminal(wasTerminal bool) {
	if d.metrics == nil || wasTerminal || !d.machine.Status().IsTerminal() {
		return
	}
	d.metrics.RequestsTotal.
		WithLabelValues(string(d.machine.Status()), string(d.machine.TerminationReason())).
		Inc()
}

// publishEffects publishes every notification effect and returns them
func publishEffects(p event.Publisher, effects []request.Effect) []event.Notification {
	var out []event.Notification
	for _, e := range effects {
		if n, ok := e.(request.NotifyEffect); ok {
			p.Publish(n.Notification)
			out = append(out, n.Notification)
		}
	}
	return out
}
