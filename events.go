package stateflow

import (
	"log/slog"
	"time"
)

// EventType identifies a kind of progress event.
type EventType string

const (
	EventStart     EventType = "start"
	EventNodeEnter EventType = "node_enter"
	EventNodeExit  EventType = "node_exit"
	EventInterrupt EventType = "interrupt"
	EventResumed   EventType = "resumed"
	EventNotify    EventType = "notify"
	EventError     EventType = "error"
	EventComplete  EventType = "complete"
)

// ProgressEvent is an ordered notification describing engine activity.
// Sequence numbers are strictly increasing per thread.
type ProgressEvent struct {
	Type      EventType      `json:"type"`
	ThreadID  string         `json:"thread_id"`
	Sequence  int64          `json:"sequence"`
	Node      string         `json:"node,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventSink receives progress events. Push is called in emission order; a
// sink that blocks delays the emitting thread, so slow consumers should
// buffer internally.
type EventSink interface {
	Push(event ProgressEvent)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(event ProgressEvent)

func (f EventSinkFunc) Push(event ProgressEvent) { f(event) }

// EventPublisher is the engine's outbound event seam. The streaming adapter
// implements it; the engine never depends on any transport.
type EventPublisher interface {
	Publish(threadID string, typ EventType, node string, payload map[string]any)
}

// NullPublisher discards all events.
type NullPublisher struct{}

func (NullPublisher) Publish(threadID string, typ EventType, node string, payload map[string]any) {}

// CompositeSink fans one event out to several sinks in order.
type CompositeSink struct {
	sinks []EventSink
}

// NewCompositeSink returns a sink that forwards to each given sink in turn.
func NewCompositeSink(sinks ...EventSink) *CompositeSink {
	return &CompositeSink{sinks: sinks}
}

// Add appends a sink to the chain.
func (c *CompositeSink) Add(sink EventSink) {
	c.sinks = append(c.sinks, sink)
}

func (c *CompositeSink) Push(event ProgressEvent) {
	for _, sink := range c.sinks {
		sink.Push(event)
	}
}

// LoggingSink writes every event to a slog logger. Useful in development.
type LoggingSink struct {
	logger *slog.Logger
}

// NewLoggingSink returns a sink that logs events at info level.
func NewLoggingSink(logger *slog.Logger) *LoggingSink {
	return &LoggingSink{logger: logger}
}

func (s *LoggingSink) Push(event ProgressEvent) {
	s.logger.Info("progress event",
		"type", event.Type,
		"thread_id", event.ThreadID,
		"sequence", event.Sequence,
		"node", event.Node)
}
