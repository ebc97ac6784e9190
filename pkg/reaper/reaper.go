// Package reaper force-releases tracked resources whose TTL has elapsed. It
// is the backstop for crashed or abandoned requests: the pipeline untracks
// resources it deletes itself, and anything left behind is swept here.
package reaper

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ramify-ai/ramify/internal/metrics"
	"github.com/ramify-ai/ramify/pkg/resource"
)

// Deleter deletes a resource from its owning store. Implementations must
// treat deleting an absent resource as a no-op.
type Deleter interface {
	Delete(ref resource.Ref) error
}

// registration tracks one resource's deadline
type registration struct {
	ref      resource.Ref
	deadline time.Time
}

// Config configures the reaper
type Config struct {
	// SweepInterval is how often expired registrations are collected
	SweepInterval time.Duration
	Logger        zerolog.Logger

	// Metrics, when set, receives sweep and tracking counters
	Metrics *metrics.Metrics
}

// Reaper sweeps tracked resources past their deadline
type Reaper struct {
	deleters map[resource.Kind]Deleter
	tracked  map[string]registration
	cron     *cron.Cron
	interval time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	swept    int64
	mu       sync.Mutex
}

// New creates a reaper. Deleters are registered per resource kind before Start.
func New(cfg Config) *Reaper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}

	return &Reaper{
		deleters: make(map[resource.Kind]Deleter),
		tracked:  make(map[string]registration),
		interval: cfg.SweepInterval,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// RegisterDeleter wires the store that owns a resource kind
func (r *Reaper) RegisterDeleter(kind resource.Kind, d Deleter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deleters[kind] = d
}

// Start begins periodic sweeping
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return fmt.Errorf("reaper is already running")
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := c.AddFunc(spec, r.Sweep); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.Start()
	r.cron = c

	r.logger.Info().Dur("interval", r.interval).Msg("Reaper started")
	return nil
}

// Stop halts sweeping; tracked registrations are retained
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron == nil {
		return
	}
	r.cron.Stop()
	r.cron = nil

	r.logger.Info().Msg("Reaper stopped")
}

// Track registers a resource for deletion after ttl. Re-tracking an already
// tracked resource replaces its deadline (last TTL wins).
func (r *Reaper) Track(ref resource.Ref, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracked[key(ref)] = registration{
		ref:      ref,
		deadline: time.Now().Add(ttl),
	}
	if r.metrics != nil {
		r.metrics.ResourcesTracked.Set(float64(len(r.tracked)))
	}
}

// Untrack removes a registration; called when the owner deletes the resource
// itself. Untracking an unknown resource is a no-op.
func (r *Reaper) Untrack(ref resource.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tracked, key(ref))
	if r.metrics != nil {
		r.metrics.ResourcesTracked.Set(float64(len(r.tracked)))
	}
}

// TrackedCount returns the number of live registrations
func (r *Reaper) TrackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.tracked)
}

// SweptCount returns how many resources the reaper has deleted
func (r *Reaper) SweptCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.swept
}

// Sweep deletes every tracked resource whose deadline has passed. Exposed so
// tests and shutdown paths can force a pass.
func (r *Reaper) Sweep() {
	now := time.Now()

	if r.metrics != nil {
		r.metrics.ReaperSweepsTotal.Inc()
	}

	r.mu.Lock()
	var expired []registration
	for k, reg := range r.tracked {
		if reg.deadline.Before(now) {
			expired = append(expired, reg)
			delete(r.tracked, k)
		}
	}
	deleters := make(map[resource.Kind]Deleter, len(r.deleters))
	for kind, d := range r.deleters {
		deleters[kind] = d
	}
	if r.metrics != nil {
		r.metrics.ResourcesTracked.Set(float64(len(r.tracked)))
	}
	r.mu.Unlock()

	for _, reg := range expired {
		d, ok := deleters[reg.ref.Kind]
		if !ok {
			r.logger.Warn().Str("ref", reg.ref.String()).Msg("No deleter for expired resource kind")
			continue
		}

		if err := d.Delete(reg.ref); err != nil {
			r.logger.Error().Err(err).Str("ref", reg.ref.String()).Msg("Failed to reap resource")
			continue
		}

		r.logger.Info().Str("ref", reg.ref.String()).Msg("Resource reaped")
		if r.metrics != nil {
			r.metrics.ResourcesReaped.Inc()
		}
		r.mu.Lock()
		r.swept++
		r.mu.Unlock()
	}
}

func key(ref resource.Ref) string {
	return string(ref.Kind) + "/" + ref.ID
}
