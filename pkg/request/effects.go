package request

import (
	"github.com/ramify-ai/ramify/pkg/event"
	"github.com/ramify-ai/ramify/pkg/model"
)

// Effect is an action the caller must perform on the machine's behalf. The
// machine never blocks or does I/O; it hands effects back and waits for the
// corresponding Apply call.
type Effect interface {
	isEffect()
}

// ModelCallEffect requests one model call over the full conversation
type ModelCallEffect struct {
	CallID    string
	RequestID string
	Iteration int
	Model     string
	Messages  []model.Message
}

func (ModelCallEffect) isEffect() {}

// ToolCallEffect requests execution of one pending tool call
type ToolCallEffect struct {
	CallID    string
	RequestID string
	Iteration int
	Name      string
	Arguments map[string]interface{}
}

func (ToolCallEffect) isEffect() {}

// NotifyEffect publishes a lifecycle notification
type NotifyEffect struct {
	Notification event.Notification
}

func (NotifyEffect) isEffect() {}
