// Package service exposes workflow execution over HTTP. It is a thin
// translator between HTTP/SSE requests and the engine and registry; it owns
// no business state of its own.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/deepnoodle-ai/stateflow"
)

// Options configures a Service.
type Options struct {
	Registry *stateflow.Registry
	Engine   *stateflow.Engine
	Streams  *stateflow.Streams
	// Store enables GET /threads when it supports listing. Optional.
	Store  stateflow.CheckpointStore
	Logger *slog.Logger
}

// Service is the HTTP surface over the execution engine.
type Service struct {
	registry *stateflow.Registry
	engine   *stateflow.Engine
	streams  *stateflow.Streams
	lister   stateflow.ThreadLister
	logger   *slog.Logger
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Streams == nil {
		return nil, fmt.Errorf("streams adapter is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Service{
		registry: opts.Registry,
		engine:   opts.Engine,
		streams:  opts.Streams,
		logger:   opts.Logger,
	}
	if lister, ok := opts.Store.(stateflow.ThreadLister); ok {
		s.lister = lister
	}
	return s, nil
}

// Handler returns the HTTP handler for the service.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /workflows/{name}", s.handleGetWorkflow)
	mux.HandleFunc("GET /threads", s.handleListThreads)
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /resume", s.handleResume)
	return mux
}

func (s *Service) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := stateflow.ListFilter{Tag: r.URL.Query().Get("tag")}
	workflows := s.registry.List(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": workflows,
		"total":     len(workflows),
	})
}

func (s *Service) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	def, err := s.registry.Load(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateflow.WorkflowSummary{
		Name:           def.Name(),
		Description:    def.Description(),
		Tags:           def.Tags(),
		Schema:         def.Schema(),
		EstimatedSteps: def.EstimatedSteps(),
	})
}

func (s *Service) handleListThreads(w http.ResponseWriter, r *http.Request) {
	if s.lister == nil {
		s.writeError(w, fmt.Errorf("checkpoint store does not support listing"))
		return
	}
	threads, err := s.lister.ListThreads(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threads": threads,
		"total":   len(threads),
	})
}

type executeRequest struct {
	WorkflowName string         `json:"workflow_name"`
	InitialState map[string]any `json:"initial_state"`
	Stream       bool           `json:"stream"`
	ThreadID     string         `json:"thread_id,omitempty"`
	Session      map[string]any `json:"session,omitempty"`
}

func (s *Service) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	def, err := s.registry.Load(req.WorkflowName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	state, err := def.ValidateState(req.InitialState)
	if err != nil {
		s.writeError(w, err)
		return
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = stateflow.NewThreadID()
	}
	cfg := stateflow.ExecuteConfig{ThreadID: threadID, Session: req.Session}

	run := func(r *http.Request) (*stateflow.ExecutionResult, error) {
		return s.engine.Execute(r.Context(), def, state, cfg)
	}
	if req.Stream {
		s.streamRun(w, r, threadID, run)
		return
	}
	result, err := run(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type resumeRequest struct {
	ThreadID string `json:"thread_id"`
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
	Stream   bool   `json:"stream,omitempty"`
}

func (s *Service) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ThreadID == "" {
		s.writeBadRequest(w, "thread_id is required")
		return
	}
	decision := stateflow.ApprovalDecision{
		ThreadID: req.ThreadID,
		Decision: stateflow.Decision(req.Decision),
		Comment:  req.Comment,
	}

	run := func(r *http.Request) (*stateflow.ExecutionResult, error) {
		return s.engine.Resume(r.Context(), req.ThreadID, decision)
	}
	if req.Stream {
		s.streamRun(w, r, req.ThreadID, run)
		return
	}
	result, err := run(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// streamRun runs an execution while relaying its progress events as
// server-sent events, one frame per event, terminated by a result or error
// frame once the engine returns control.
func (s *Service) streamRun(w http.ResponseWriter, r *http.Request, threadID string, run func(r *http.Request) (*stateflow.ExecutionResult, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fmt.Errorf("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events := make(chan stateflow.ProgressEvent, stateflow.DefaultStreamBuffer)
	sub := s.streams.Attach(threadID, stateflow.EventSinkFunc(func(event stateflow.ProgressEvent) {
		events <- event
	}))
	defer sub.Close()

	type outcome struct {
		result *stateflow.ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := run(r)
		done <- outcome{result: result, err: err}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-events:
			writeSSE(w, flusher, string(event.Type), event)
		case out := <-done:
			// Drain events already emitted before the engine returned.
			for {
				select {
				case event := <-events:
					writeSSE(w, flusher, string(event.Type), event)
					continue
				default:
				}
				break
			}
			if out.err != nil {
				writeSSE(w, flusher, "error", errorBody(out.err))
			} else {
				writeSSE(w, flusher, "result", out.result)
			}
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func errorBody(err error) map[string]any {
	body := map[string]any{"message": err.Error(), "type": errorType(err)}
	var verr *stateflow.ValidationError
	if errors.As(err, &verr) {
		body["missing_fields"] = verr.Missing
		body["invalid_fields"] = verr.Invalid
	}
	return map[string]any{"error": body}
}

func errorType(err error) string {
	var (
		verr *stateflow.ValidationError
		nf   *stateflow.NotFoundError
		ir   *stateflow.InvalidResumeError
		ce   *stateflow.ConflictError
		re   *stateflow.RecursionLimitError
		cpe  *stateflow.CheckpointPersistenceError
	)
	switch {
	case errors.As(err, &verr):
		return "validation_error"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &ir):
		return "invalid_resume"
	case errors.As(err, &ce):
		return "conflict"
	case errors.As(err, &re):
		return "recursion_limit"
	case errors.As(err, &cpe):
		return "checkpoint_persistence"
	}
	return "internal"
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errorType(err) {
	case "validation_error":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "invalid_resume", "conflict":
		status = http.StatusConflict
	case "checkpoint_persistence":
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody(err))
}

func (s *Service) writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{"type": "bad_request", "message": message},
	})
}
