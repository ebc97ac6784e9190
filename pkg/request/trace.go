package request

import (
	"sync"

	"github.com/ramify-ai/ramify/pkg/event"
)

// TraceCap is the fixed per-request event cap. Once hit, further appends are
// dropped and the trace is marked truncated for good.
const TraceCap = 2000

// Trace is a bounded ordered event log for one request id. Diagnostic only;
// correctness never depends on its contents.
type Trace struct {
	requestID string
	events    []event.Envelope
	truncated bool
	mu        sync.Mutex
}

// NewTrace creates a trace for the given request id
func NewTrace(requestID string) *Trace {
	return &Trace{requestID: requestID}
}

// RequestID returns the request this trace belongs to
func (t *Trace) RequestID() string {
	return t.requestID
}

// Append records an event. Returns false once the cap is hit; from then on
// every append is a no-op and Truncated reports true permanently.
func (t *Trace) Append(e event.Envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.events) >= TraceCap {
		t.truncated = true
		return false
	}
	t.events = append(t.events, e)
	return true
}

// Events returns a copy of the recorded events in append order
func (t *Trace) Events() []event.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]event.Envelope, len(t.events))
	copy(out, t.events)
	return out
}

// Len returns the number of stored events
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.events)
}

// Truncated reports whether the cap was ever hit
func (t *Trace) Truncated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.truncated
}
