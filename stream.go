package stateflow

import (
	"sync"
	"time"
)

// DefaultStreamBuffer is the per-thread replay buffer size.
const DefaultStreamBuffer = 256

// Streams converts the engine's event callbacks into ordered, externally
// consumable feeds. Every event gets a strictly increasing per-thread
// sequence number, subscribers observe events in exact emission order, and
// late subscribers may replay buffered history.
type Streams struct {
	mu      sync.Mutex
	threads map[string]*threadStream
	bufSize int
}

type threadStream struct {
	mu       sync.Mutex
	seq      int64
	buffer   []ProgressEvent // bounded; oldest non-terminal events evicted first
	sinks    map[*Subscription]EventSink
	terminal bool
}

// StreamOptions configures a Streams adapter.
type StreamOptions struct {
	// BufferSize bounds the per-thread replay buffer. Defaults to
	// DefaultStreamBuffer. Terminal events are always retained.
	BufferSize int
}

// NewStreams creates a streaming adapter.
func NewStreams(opts StreamOptions) *Streams {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultStreamBuffer
	}
	return &Streams{
		threads: map[string]*threadStream{},
		bufSize: opts.BufferSize,
	}
}

func (s *Streams) thread(threadID string) *threadStream {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.threads[threadID]
	if !ok {
		ts = &threadStream{sinks: map[*Subscription]EventSink{}}
		s.threads[threadID] = ts
	}
	return ts
}

// lookup is the non-creating counterpart of thread, for read paths that
// must not resurrect released entries.
func (s *Streams) lookup(threadID string) (*threadStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.threads[threadID]
	return ts, ok
}

// Publish implements EventPublisher. It assigns the sequence number and
// timestamp, records the event in the replay buffer, and pushes it to every
// attached sink before returning, preserving emission order.
func (s *Streams) Publish(threadID string, typ EventType, node string, payload map[string]any) {
	ts := s.thread(threadID)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.seq++
	event := ProgressEvent{
		Type:      typ,
		ThreadID:  threadID,
		Sequence:  ts.seq,
		Node:      node,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	ts.record(event, s.bufSize)
	if typ == EventComplete || typ == EventError {
		ts.terminal = true
	}
	for _, sink := range ts.sinks {
		sink.Push(event)
	}
}

// record appends to the buffer, evicting the oldest non-terminal event when
// full. Terminal events are never evicted.
func (ts *threadStream) record(event ProgressEvent, bufSize int) {
	if len(ts.buffer) < bufSize {
		ts.buffer = append(ts.buffer, event)
		return
	}
	for i, buffered := range ts.buffer {
		if buffered.Type != EventComplete && buffered.Type != EventError {
			ts.buffer = append(ts.buffer[:i], ts.buffer[i+1:]...)
			ts.buffer = append(ts.buffer, event)
			return
		}
	}
	ts.buffer = append(ts.buffer, event)
}

// Subscription identifies one attached sink; Close detaches it.
type Subscription struct {
	streams  *Streams
	threadID string
	once     sync.Once
}

// Close detaches the subscription's sink. Safe to call more than once, and
// after the thread has been released.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		ts, ok := sub.streams.lookup(sub.threadID)
		if !ok {
			return
		}
		ts.mu.Lock()
		defer ts.mu.Unlock()
		delete(ts.sinks, sub)
	})
}

// Attach subscribes a sink to a thread's event feed. Events published after
// Attach returns are delivered in order.
func (s *Streams) Attach(threadID string, sink EventSink) *Subscription {
	return s.attach(threadID, sink, -1)
}

// AttachReplay subscribes a sink and first replays buffered history with
// sequence numbers greater than since. Replayed and live events arrive in
// one ordered sequence with no gaps or duplicates, subject to the buffer
// bound.
func (s *Streams) AttachReplay(threadID string, sink EventSink, since int64) *Subscription {
	return s.attach(threadID, sink, since)
}

func (s *Streams) attach(threadID string, sink EventSink, since int64) *Subscription {
	ts := s.thread(threadID)
	sub := &Subscription{streams: s, threadID: threadID}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if since >= 0 {
		for _, event := range ts.buffer {
			if event.Sequence > since {
				sink.Push(event)
			}
		}
	}
	ts.sinks[sub] = sink
	return sub
}

// History returns the buffered events for a thread with sequence numbers
// greater than since.
func (s *Streams) History(threadID string, since int64) []ProgressEvent {
	ts, ok := s.lookup(threadID)
	if !ok {
		return nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	var out []ProgressEvent
	for _, event := range ts.buffer {
		if event.Sequence > since {
			out = append(out, event)
		}
	}
	return out
}

// Release drops all buffered history and subscriptions for a thread. Called
// by retention policies, never by the engine.
func (s *Streams) Release(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
}
