package sop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event is what external collaborators (notification senders, audit
// sinks) observe. It is deliberately small; payloads stay in the step
// records.
type Event struct {
	Name       EventName
	InstanceID int64
	StepID     string
	Role       string
	Error      string
	At         time.Time
}

type EventHandler func(ctx context.Context, event *Event)

// eventEmitter holds per-name handler lists. Handler failures are the
// handler's problem: panics are recovered and logged, never propagated
// into the engine.
type eventEmitter struct {
	mu       sync.RWMutex
	handlers map[EventName][]EventHandler
}

func newEventEmitter() *eventEmitter {
	return &eventEmitter{handlers: make(map[EventName][]EventHandler)}
}

func (e *eventEmitter) register(name EventName, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = append(e.handlers[name], handler)
}

func (e *eventEmitter) emit(ctx context.Context, event *Event) {
	e.mu.RLock()
	handlers := e.handlers[event.Name]
	e.mu.RUnlock()
	for _, handler := range handlers {
		e.invoke(ctx, handler, event)
	}
}

func (e *eventEmitter) invoke(ctx context.Context, handler EventHandler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("event handler panic, event: %s, instanceID: %d, err: %v", event.Name, event.InstanceID, r))
		}
	}()
	handler(ctx, event)
}
