package stateflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// DefaultMaxNodeVisits is the default node-visit guard, protecting against
// cyclic or runaway workflow definitions.
const DefaultMaxNodeVisits = 100

// NewThreadID returns a new unique thread identifier.
func NewThreadID() string {
	id, err := typeid.WithPrefix("thread")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Store is the checkpoint store. Defaults to an in-memory store, which
	// does not survive process restarts.
	Store CheckpointStore

	// Registry resolves workflow definitions on resume.
	Registry *Registry

	// Events receives progress events. Defaults to discarding them.
	Events EventPublisher

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// Documents and Notifier are the collaborators handed to node
	// functions. Both are optional.
	Documents DocumentClient
	Notifier  Notifier

	// MaxNodeVisits is the default recursion guard, overridable per call.
	MaxNodeVisits int
}

// Engine runs one workflow definition against one state, node by node,
// persisting checkpoints and detecting suspension. Each thread executes its
// nodes strictly sequentially; many threads run concurrently, isolated by
// thread ID.
type Engine struct {
	store         CheckpointStore
	registry      *Registry
	events        EventPublisher
	logger        *slog.Logger
	docs          DocumentClient
	notifier      Notifier
	maxNodeVisits int
	threadLocks   sync.Map // threadID -> *sync.Mutex
}

// NewEngine creates an execution engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryCheckpointStore()
	}
	if opts.Events == nil {
		opts.Events = NullPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxNodeVisits <= 0 {
		opts.MaxNodeVisits = DefaultMaxNodeVisits
	}
	return &Engine{
		store:         opts.Store,
		registry:      opts.Registry,
		events:        opts.Events,
		logger:        opts.Logger,
		docs:          opts.Documents,
		notifier:      opts.Notifier,
		maxNodeVisits: opts.MaxNodeVisits,
	}, nil
}

// ExecuteConfig configures one execution.
type ExecuteConfig struct {
	// ThreadID identifies the execution. Generated if absent.
	ThreadID string

	// MaxNodeVisits overrides the engine's recursion guard for this call.
	MaxNodeVisits int

	// DisableEvents suppresses progress events for this execution.
	DisableEvents bool

	// Session is an opaque identity/session context passed through to node
	// functions but never interpreted by the engine.
	Session map[string]any
}

// ExecutionResult is the outcome of an Execute or Resume call. It is always
// fully consistent: either the call failed with an error and no result, or
// the result reflects exactly the state of the last persisted checkpoint.
type ExecutionResult struct {
	ThreadID      string           `json:"thread_id"`
	Status        Status           `json:"status"`
	FinalState    *ExecutionState  `json:"final_state"`
	InterruptData *ApprovalRequest `json:"interrupt_data,omitempty"`
}

func (e *Engine) lockThread(threadID string) func() {
	mu, _ := e.threadLocks.LoadOrStore(threadID, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}

// Execute runs a workflow definition against an initial state until the
// thread completes, suspends at an approval gate, or fails. The state is
// checkpointed after every node and before every suspension.
func (e *Engine) Execute(ctx context.Context, def *WorkflowDefinition, state *ExecutionState, cfg ExecuteConfig) (*ExecutionResult, error) {
	if def == nil {
		return nil, fmt.Errorf("workflow definition is required")
	}
	if state == nil {
		state = NewExecutionState(nil)
	}
	threadID := cfg.ThreadID
	if threadID == "" {
		threadID = NewThreadID()
	}

	unlock := e.lockThread(threadID)
	defer unlock()

	if _, err := e.store.Get(ctx, threadID); err == nil {
		return nil, fmt.Errorf("thread %q already exists", threadID)
	} else if !IsNotFound(err) {
		return nil, &CheckpointPersistenceError{Op: "get", ThreadID: threadID, Err: err}
	}

	maxVisits := cfg.MaxNodeVisits
	if maxVisits <= 0 {
		maxVisits = e.maxNodeVisits
	}
	r := &run{
		engine:    e,
		def:       def,
		threadID:  threadID,
		state:     state,
		session:   cfg.Session,
		maxVisits: maxVisits,
		silent:    cfg.DisableEvents,
		logger:    e.logger.With("thread_id", threadID, "workflow", def.Name()),
	}

	r.emit(EventStart, def.Entry(), map[string]any{"workflow": def.Name()})
	r.logger.Info("execution started", "entry", def.Entry())
	return r.loop(ctx, def.Entry(), nil)
}

// Resume supplies an approval decision to a suspended thread and continues
// executing from its checkpoint. Resuming a terminal thread returns the
// cached terminal result without re-executing anything; resuming a thread
// that is not suspended fails with an InvalidResumeError.
func (e *Engine) Resume(ctx context.Context, threadID string, decision ApprovalDecision) (*ExecutionResult, error) {
	unlock := e.lockThread(threadID)
	defer unlock()

	cp, err := e.store.Get(ctx, threadID)
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, &CheckpointPersistenceError{Op: "get", ThreadID: threadID, Err: err}
	}

	if cp.Status.IsTerminal() {
		// Idempotent: the decision was already consumed (or the thread
		// ended another way). No new checkpoint is written.
		return &ExecutionResult{ThreadID: threadID, Status: cp.Status, FinalState: cp.State}, nil
	}

	def, err := e.registry.Load(cp.WorkflowName)
	if err != nil {
		return nil, err
	}

	// Honor the visit limit the thread was started with, not the engine
	// default of whatever process happens to resume it.
	maxVisits := cp.MaxNodeVisits
	if maxVisits <= 0 {
		maxVisits = e.maxNodeVisits
	}
	r := &run{
		engine:    e,
		def:       def,
		threadID:  threadID,
		state:     cp.State.Copy(),
		seq:       cp.Sequence,
		cancelled: cp.Cancelled,
		maxVisits: maxVisits,
		logger:    e.logger.With("thread_id", threadID, "workflow", cp.WorkflowName),
	}

	if cp.Cancelled {
		return r.finishCancelled(ctx, cp.NodeName)
	}

	if cp.Status != StatusPaused || !cp.State.PendingApproval || cp.Interrupt == nil {
		return nil, &InvalidResumeError{ThreadID: threadID, Reason: "thread is not suspended at an approval"}
	}
	if err := decision.Validate(); err != nil {
		return nil, &InvalidResumeError{ThreadID: threadID, Reason: err.Error()}
	}
	if !decisionAllowed(cp.Interrupt, decision.Decision) {
		return nil, &InvalidResumeError{
			ThreadID: threadID,
			Reason:   fmt.Sprintf("decision %q not allowed for operation %q", decision.Decision, cp.Interrupt.Operation),
		}
	}
	decision.ThreadID = threadID

	r.state.PendingApproval = false
	r.emit(EventResumed, cp.NodeName, map[string]any{"decision": string(decision.Decision)})
	r.logger.Info("execution resumed", "node", cp.NodeName, "decision", decision.Decision)
	return r.loop(ctx, cp.NodeName, &decision)
}

// Cancel marks a thread cancelled. The engine observes the flag the next
// time it would resume or continue the thread and transitions directly to a
// cancelled terminal state without executing further nodes. Cancelling a
// terminal thread is a no-op.
func (e *Engine) Cancel(ctx context.Context, threadID string) error {
	for attempt := 0; attempt < 5; attempt++ {
		cp, err := e.store.Get(ctx, threadID)
		if err != nil {
			if IsNotFound(err) {
				return err
			}
			return &CheckpointPersistenceError{Op: "get", ThreadID: threadID, Err: err}
		}
		if cp.Status.IsTerminal() || cp.Cancelled {
			return nil
		}
		next := cp.Copy()
		next.Cancelled = true
		next.Sequence++
		next.CreatedAt = time.Now()
		err = e.store.Put(ctx, next)
		if err == nil {
			return nil
		}
		if IsConflict(err) {
			// Raced with the running thread; re-read and try again.
			continue
		}
		return &CheckpointPersistenceError{Op: "put", ThreadID: threadID, Err: err}
	}
	return &ConflictError{ThreadID: threadID}
}

func decisionAllowed(request *ApprovalRequest, decision Decision) bool {
	if len(request.AllowedDecisions) == 0 {
		return true
	}
	for _, allowed := range request.AllowedDecisions {
		if allowed == decision {
			return true
		}
	}
	return false
}

// errCancelObserved signals that a concurrent Cancel superseded the thread's
// checkpoint mid-run.
var errCancelObserved = errors.New("cancellation observed")

// run carries the per-call execution loop state.
type run struct {
	engine    *Engine
	def       *WorkflowDefinition
	threadID  string
	state     *ExecutionState
	session   map[string]any
	logger    *slog.Logger
	seq       int64
	visits    int
	maxVisits int
	silent    bool
	cancelled bool
}

func (r *run) emit(typ EventType, node string, payload map[string]any) {
	if r.silent {
		return
	}
	r.engine.events.Publish(r.threadID, typ, node, payload)
}

func (r *run) result(status Status, interrupt *ApprovalRequest) *ExecutionResult {
	return &ExecutionResult{
		ThreadID:      r.threadID,
		Status:        status,
		FinalState:    r.state.Copy(),
		InterruptData: interrupt,
	}
}

// checkpoint persists the thread's current position. Conflicting writes are
// re-read to distinguish an external cancellation from a true race.
func (r *run) checkpoint(ctx context.Context, node string, status Status, interrupt *ApprovalRequest) error {
	r.seq++
	cp := &Checkpoint{
		ThreadID:      r.threadID,
		WorkflowName:  r.def.Name(),
		NodeName:      node,
		Status:        status,
		State:         r.state.Copy(),
		Sequence:      r.seq,
		Interrupt:     interrupt,
		Cancelled:     r.cancelled,
		MaxNodeVisits: r.maxVisits,
		CreatedAt:     time.Now(),
	}
	err := r.engine.store.Put(ctx, cp)
	if err == nil {
		return nil
	}
	if IsConflict(err) {
		latest, gerr := r.engine.store.Get(ctx, r.threadID)
		if gerr == nil && latest.Cancelled {
			r.seq = latest.Sequence
			return errCancelObserved
		}
		return err
	}
	return &CheckpointPersistenceError{Op: "put", ThreadID: r.threadID, Err: err}
}

// observeCancellation checks the store-side cancellation flag, adopting the
// latest sequence so the run's next write stays consistent.
func (r *run) observeCancellation(ctx context.Context) (bool, error) {
	cp, err := r.engine.store.Get(ctx, r.threadID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, &CheckpointPersistenceError{Op: "get", ThreadID: r.threadID, Err: err}
	}
	if cp.Cancelled {
		r.seq = cp.Sequence
		return true, nil
	}
	return false, nil
}

func (r *run) finishCancelled(ctx context.Context, node string) (*ExecutionResult, error) {
	r.cancelled = true
	r.state.PendingApproval = false
	r.state.CurrentNode = node
	if err := r.checkpoint(ctx, node, StatusCancelled, nil); err != nil && !errors.Is(err, errCancelObserved) {
		return nil, err
	}
	r.emit(EventComplete, node, map[string]any{"status": string(StatusCancelled)})
	r.logger.Info("execution cancelled", "node", node)
	return r.result(StatusCancelled, nil), nil
}

// failThread records a business failure, persists an error checkpoint, and
// produces a consistent error result. The engine itself never crashes on
// node-level failures.
func (r *run) failThread(ctx context.Context, node, message string) (*ExecutionResult, error) {
	r.state.recordError(node, message)
	r.state.CurrentNode = node
	r.state.PendingApproval = false
	if err := r.checkpoint(ctx, node, StatusError, nil); err != nil {
		if errors.Is(err, errCancelObserved) {
			return r.finishCancelled(ctx, node)
		}
		return nil, err
	}
	r.emit(EventError, node, map[string]any{"error": message})
	r.logger.Error("execution failed", "node", node, "error", message)
	return r.result(StatusError, nil), nil
}

// loop is the engine's core: invoke the current node, apply its patch,
// checkpoint, emit events, and route on the outcome. decision is non-nil
// only on the first iteration of a resume, feeding the suspended node's
// continuation.
func (r *run) loop(ctx context.Context, node string, decision *ApprovalDecision) (*ExecutionResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cancelled, err := r.observeCancellation(ctx)
		if err != nil {
			return nil, err
		}
		if cancelled {
			return r.finishCancelled(ctx, node)
		}

		if r.visits >= r.maxVisits {
			// Fail closed: persist the error before surfacing it.
			if _, err := r.failThread(ctx, node, fmt.Sprintf("node visit limit of %d exceeded", r.maxVisits)); err != nil {
				return nil, err
			}
			return nil, &RecursionLimitError{ThreadID: r.threadID, Limit: r.maxVisits}
		}
		r.visits++

		fn, ok := r.def.Node(node)
		if !ok {
			return r.failThread(ctx, node, fmt.Sprintf("node %q not found in workflow %q", node, r.def.Name()))
		}

		resumed := decision != nil
		if !resumed {
			r.emit(EventNodeEnter, node, nil)
		}

		nc := &NodeContext{
			threadID: r.threadID,
			node:     node,
			fields:   copyMap(r.state.Fields),
			decision: decision,
			logger:   r.logger.With("node", node),
			docs:     r.engine.docs,
			notifier: r.engine.notifier,
			session:  r.session,
		}
		outcome, nodeErr := fn(ctx, nc)
		decision = nil // consumed

		if nodeErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			wrapped := &NodeExecutionError{Node: node, Err: nodeErr}
			return r.failThread(ctx, node, wrapped.Error())
		}

		// State mutation happens here and only here: the engine merges the
		// node's patch, never writes workflow fields of its own.
		r.state.Apply(outcome.patch)
		for _, ne := range outcome.errs {
			name := ne.Node
			if name == "" {
				name = node
			}
			r.state.recordError(name, ne.Message)
		}

		switch outcome.kind {
		case outcomeSuspend:
			if outcome.request == nil {
				return r.failThread(ctx, node, "node suspended without an approval request")
			}
			r.state.CurrentNode = node
			r.state.PendingApproval = true
			if !resumed {
				r.state.recordStep(node)
			}
			// The checkpoint must be durable before control returns:
			// the suspension's only footprint is this record.
			if err := r.checkpoint(ctx, node, StatusPaused, outcome.request); err != nil {
				if errors.Is(err, errCancelObserved) {
					return r.finishCancelled(ctx, node)
				}
				return nil, err
			}
			r.emitNotes(node, outcome.notes)
			r.emit(EventNodeExit, node, map[string]any{"status": string(StatusPaused)})
			r.emit(EventInterrupt, node, map[string]any{
				"operation":  outcome.request.Operation,
				"risk_level": string(outcome.request.RiskLevel),
				"preview":    outcome.request.Preview,
			})
			r.logger.Info("execution paused for approval",
				"node", node, "operation", outcome.request.Operation, "risk", outcome.request.RiskLevel)
			return r.result(StatusPaused, outcome.request), nil

		case outcomeTerminal:
			status := outcome.status
			if !status.IsTerminal() {
				return r.failThread(ctx, node, fmt.Sprintf("node returned non-terminal status %q", status))
			}
			r.state.CurrentNode = node
			r.state.PendingApproval = false
			if !resumed {
				r.state.recordStep(node)
			}
			if err := r.checkpoint(ctx, node, status, nil); err != nil {
				if errors.Is(err, errCancelObserved) {
					return r.finishCancelled(ctx, node)
				}
				return nil, err
			}
			r.emitNotes(node, outcome.notes)
			if status == StatusError {
				r.emit(EventError, node, map[string]any{"status": string(status)})
			} else {
				r.emit(EventComplete, node, map[string]any{"status": string(status)})
			}
			r.logger.Info("execution finished", "node", node, "status", status)
			return r.result(status, nil), nil

		case outcomeContinue:
			next := outcome.next
			if next == "" {
				return r.failThread(ctx, node, "node continued without a successor")
			}
			if _, ok := r.def.Node(next); !ok {
				return r.failThread(ctx, node, fmt.Sprintf("successor %q not found in workflow %q", next, r.def.Name()))
			}
			if !resumed {
				r.state.recordStep(node)
			}
			r.state.CurrentNode = next
			r.state.PendingApproval = false
			if err := r.checkpoint(ctx, next, StatusRunning, nil); err != nil {
				if errors.Is(err, errCancelObserved) {
					return r.finishCancelled(ctx, node)
				}
				return nil, err
			}
			r.emitNotes(node, outcome.notes)
			r.emit(EventNodeExit, node, map[string]any{"next": next})
			node = next

		default:
			return r.failThread(ctx, node, "node returned an empty outcome")
		}
	}
}

func (r *run) emitNotes(node string, notes []string) {
	for _, note := range notes {
		r.emit(EventNotify, node, map[string]any{"message": note})
	}
}
