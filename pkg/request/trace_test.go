package request

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ramify-ai/ramify/pkg/event"
)

func TestTrace_AppendsInOrder(t *testing.T) {
	tr := NewTrace("req-1")

	for i := 0; i < 5; i++ {
		ok := tr.Append(event.Envelope{Seq: int64(i), RequestID: "req-1", Kind: event.KindCheckpoint})
		assert.True(t, ok)
	}

	events := tr.Events()
	assert.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i), e.Seq)
	}
	assert.False(t, tr.Truncated())
}

func TestTrace_CapAndPermanentTruncation(t *testing.T) {
	tr := NewTrace("req-1")

	for i := 0; i < TraceCap; i++ {
		assert.True(t, tr.Append(event.Envelope{Seq: int64(i)}))
	}

	// Cap hit: appends become no-ops and truncated sticks
	assert.False(t, tr.Append(event.Envelope{Seq: TraceCap}))
	assert.True(t, tr.Truncated())
	assert.Equal(t, TraceCap, tr.Len())

	assert.False(t, tr.Append(event.Envelope{Seq: TraceCap + 1}))
	assert.Equal(t, TraceCap, tr.Len())
	assert.True(t, tr.Truncated())
}

func TestTrace_MachineResetsTracePerRequest(t *testing.T) {
	m := newTestMachine(Config{MaxIterations: 2})

	m.Start("first", "req-1")
	first := m.Trace()
	first.Append(event.Envelope{RequestID: "req-1"})
	m.Cancel("req-1", "done with it")

	m.Start("second", "req-2")
	second := m.Trace()

	assert.NotSame(t, first, second)
	assert.Equal(t, "req-2", second.RequestID())
	assert.Equal(t, 0, second.Len())
}
