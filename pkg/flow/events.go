package flow

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Event names published on the engine bus.
const (
	EventActivityStarted   = "activity.started"
	EventActivityCompleted = "activity.completed"
	EventGatewaySatisfied  = "gateway.satisfied"
	EventGatewayDiscarded  = "gateway.discarded"
	EventInstanceCompleted = "instance.completed"
	EventInstanceFailed    = "instance.failed"
	EventTaskCreated       = "task.created"
	EventTaskCompleted     = "task.completed"
	EventTaskRejected      = "task.rejected"
	EventCompensationStart = "compensation.started"
	EventCompensationDone  = "compensation.completed"
)

// EventPayload carries the identifying keys of the state change.
type EventPayload struct {
	ProcessInstanceKey int64
	TokenKey           int64
	ElementId          string
	TaskKey            int64
	Detail             map[string]interface{}
}

type EventHandler func(name string, payload EventPayload)

// EventBus is the in-process synchronous dispatch that decouples the
// executors: state changes are published and interested engines react,
// instead of calling into each other directly. Dispatch is at-least-once and
// happens on the publisher's goroutine.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	log      hclog.Logger
}

func NewEventBus(log hclog.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string][]EventHandler),
		log:      log,
	}
}

func (b *EventBus) Subscribe(name string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], handler)
}

func (b *EventBus) Publish(name string, payload EventPayload) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers[name]...)
	b.mu.RUnlock()
	if b.log != nil {
		b.log.Debug("publishing event", "event", name, "processInstance", payload.ProcessInstanceKey, "element", payload.ElementId)
	}
	for _, handler := range handlers {
		handler(name, payload)
	}
}
