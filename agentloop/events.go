package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of loop event.
type EventKind string

const (
	EventLoopStart     EventKind = "loop_start"
	EventTurnStart     EventKind = "turn_start"
	EventTextDelta     EventKind = "text_delta"
	EventToolCallStart EventKind = "tool_call_start"
	EventToolCallEnd   EventKind = "tool_call_end"
	EventTurnEnd       EventKind = "turn_end"
	EventLoopDetected  EventKind = "loop_detected"
	EventTurnLimit     EventKind = "turn_limit"
	EventWarning       EventKind = "warning"
	EventError         EventKind = "error"
	EventLoopEnd       EventKind = "loop_end"
)

// LoopEvent is a typed event emitted by the controller.
type LoopEvent struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Turn      int            `json:"turn,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers loop events to the host application via a channel.
// A nil *EventEmitter drops everything, which is what the controller uses
// when no observer was requested.
type EventEmitter struct {
	ch     chan LoopEvent
	closed bool
	mu     sync.Mutex
}

// NewEventEmitter creates an EventEmitter with a buffered channel.
func NewEventEmitter(bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{ch: make(chan LoopEvent, bufferSize)}
}

// Emit sends an event to the channel. Events are dropped when the emitter is
// closed or the buffer is full; the loop never blocks on its observer.
func (e *EventEmitter) Emit(runID string, turn int, kind EventKind, data map[string]any) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := LoopEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		RunID:     runID,
		Turn:      turn,
		Data:      data,
	}
	select {
	case e.ch <- event:
	default:
	}
}

// Events returns the read-only event channel, or nil for a nil emitter.
func (e *EventEmitter) Events() <-chan LoopEvent {
	if e == nil {
		return nil
	}
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
