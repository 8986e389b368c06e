package stateflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Notifier is the opaque notification collaborator used by escalate and
// notify primitives. The engine never depends on a concrete transport.
type Notifier interface {
	Notify(ctx context.Context, recipient string, payload map[string]any) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, recipient string, payload map[string]any) error

func (f NotifierFunc) Notify(ctx context.Context, recipient string, payload map[string]any) error {
	return f(ctx, recipient, payload)
}

// NullNotifier discards all notifications.
type NullNotifier struct{}

func (NullNotifier) Notify(ctx context.Context, recipient string, payload map[string]any) error {
	return nil
}

// SlogNotifier logs notifications instead of delivering them. Useful in
// development and in the CLI.
type SlogNotifier struct {
	logger *slog.Logger
}

// NewSlogNotifier returns a Notifier that logs at warn level.
func NewSlogNotifier(logger *slog.Logger) *SlogNotifier {
	return &SlogNotifier{logger: logger}
}

func (n *SlogNotifier) Notify(ctx context.Context, recipient string, payload map[string]any) error {
	n.logger.Warn("notification", "recipient", recipient, "payload", payload)
	return nil
}

// Notification records one delivered notification.
type Notification struct {
	Recipient string
	Payload   map[string]any
}

// MemoryNotifier records notifications in memory for tests and examples.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

// NewMemoryNotifier returns an empty recording notifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (n *MemoryNotifier) Notify(ctx context.Context, recipient string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Notification{Recipient: recipient, Payload: copyMap(payload)})
	return nil
}

// Sent returns a copy of all recorded notifications.
func (n *MemoryNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

// DocumentClient is the opaque document-operation collaborator node
// functions use for side effects against named record types. The core never
// implements a real backend; implementations live with the caller.
type DocumentClient interface {
	Create(ctx context.Context, doctype string, fields map[string]any) (string, error)
	Update(ctx context.Context, doctype, id string, fields map[string]any) error
	Submit(ctx context.Context, doctype, id string) error
	Cancel(ctx context.Context, doctype, id string) error
}

// DocumentOp records one document operation performed through the memory
// client.
type DocumentOp struct {
	Op      string
	Doctype string
	ID      string
	Fields  map[string]any
}

// MemoryDocumentClient is an in-memory DocumentClient for tests, examples,
// and the CLI. It assigns sequential IDs per doctype and records every
// operation in order.
type MemoryDocumentClient struct {
	mu      sync.Mutex
	counter int
	ops     []DocumentOp
	docs    map[string]map[string]any
}

// NewMemoryDocumentClient returns an empty in-memory document client.
func NewMemoryDocumentClient() *MemoryDocumentClient {
	return &MemoryDocumentClient{docs: map[string]map[string]any{}}
}

func (c *MemoryDocumentClient) Create(ctx context.Context, doctype string, fields map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	id := fmt.Sprintf("%s-%04d", doctype, c.counter)
	c.docs[id] = copyMap(fields)
	c.ops = append(c.ops, DocumentOp{Op: "create", Doctype: doctype, ID: id, Fields: copyMap(fields)})
	return id, nil
}

func (c *MemoryDocumentClient) Update(ctx context.Context, doctype, id string, fields map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[id]
	if !ok {
		return fmt.Errorf("document %q not found", id)
	}
	for k, v := range fields {
		doc[k] = v
	}
	c.ops = append(c.ops, DocumentOp{Op: "update", Doctype: doctype, ID: id, Fields: copyMap(fields)})
	return nil
}

func (c *MemoryDocumentClient) Submit(ctx context.Context, doctype, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; !ok {
		return fmt.Errorf("document %q not found", id)
	}
	c.ops = append(c.ops, DocumentOp{Op: "submit", Doctype: doctype, ID: id})
	return nil
}

func (c *MemoryDocumentClient) Cancel(ctx context.Context, doctype, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; !ok {
		return fmt.Errorf("document %q not found", id)
	}
	c.ops = append(c.ops, DocumentOp{Op: "cancel", Doctype: doctype, ID: id})
	return nil
}

// Ops returns a copy of all recorded operations in order.
func (c *MemoryDocumentClient) Ops() []DocumentOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DocumentOp, len(c.ops))
	copy(out, c.ops)
	return out
}
