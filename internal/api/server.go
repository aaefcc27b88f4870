// Package api implements the HTTP API for the analysis agent.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/datatalk-ai/datatalk/internal/agent"
	"github.com/datatalk-ai/datatalk/internal/archive"
	"github.com/datatalk-ai/datatalk/internal/artifact"
	"github.com/datatalk-ai/datatalk/internal/buildinfo"
	"github.com/datatalk-ai/datatalk/internal/events"
	"github.com/datatalk-ai/datatalk/internal/llm"
	"github.com/datatalk-ai/datatalk/internal/memory"
	"github.com/datatalk-ai/datatalk/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg}, logger)
}

// Server is the HTTP API server.
type Server struct {
	address      string
	port         int
	orchestrator *agent.Orchestrator
	archiveStore *archive.Store
	usageStore   *usage.Store
	bus          *events.Bus
	logger       *slog.Logger
	server       *http.Server
}

// NewServer creates the API server. archiveStore and usageStore may be
// nil, which disables the corresponding endpoints.
func NewServer(address string, port int, orchestrator *agent.Orchestrator, archiveStore *archive.Store, usageStore *usage.Store, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:      address,
		port:         port,
		orchestrator: orchestrator,
		archiveStore: archiveStore,
		usageStore:   usageStore,
		bus:          bus,
		logger:       logger.With("component", "api"),
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/conversations/{id}/clear", s.handleClear)
	mux.HandleFunc("GET /v1/conversations/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /v1/conversations/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // turns can retry through long backoffs
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// chatRequest is the body of POST /v1/chat.
type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Query          string `json:"query"`
	Stream         bool   `json:"stream,omitempty"`
}

// chatResponse is the terminal payload of a turn, streamed or not.
type chatResponse struct {
	Kind         string          `json:"kind"`
	Text         string          `json:"text,omitempty"`
	Table        *artifact.Table `json:"table,omitempty"`
	Chart        *artifact.Chart `json:"chart,omitempty"`
	Message      string          `json:"message,omitempty"`
	Model        string          `json:"model,omitempty"`
	Attempts     int             `json:"attempts"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
}

func toChatResponse(res *agent.TurnResult) chatResponse {
	return chatResponse{
		Kind:         res.Kind.String(),
		Text:         res.Text,
		Table:        res.Table,
		Chart:        res.Chart,
		Message:      res.Message,
		Model:        res.Model,
		Attempts:     res.Attempts,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if req.ConversationID == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, "conversation_id and query are required", s.logger)
		return
	}

	if req.Stream {
		s.handleChatStream(w, r, req)
		return
	}

	res, err := s.orchestrator.ProcessTurn(r.Context(), req.ConversationID, req.Query, nil)
	if err != nil {
		if llm.IsCancellation(err) {
			// Client went away; nothing left to answer.
			return
		}
		s.logger.Error("turn failed", "conversation_id", req.ConversationID, "error", err)
		writeError(w, http.StatusBadGateway, "turn failed: "+err.Error(), s.logger)
		return
	}

	s.archiveTurn(r.Context(), req, res)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, toChatResponse(res), s.logger)
}

// handleChatStream serves a turn as server-sent events: delta events
// while text arrives, then a single result event. Deltas are a preview;
// a retried attempt restarts them, and only the result event is
// authoritative.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, req chatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", s.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sendEvent := func(event string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	res, err := s.orchestrator.ProcessTurn(r.Context(), req.ConversationID, req.Query, func(delta string) {
		sendEvent("delta", map[string]string{"text": delta})
	})
	if err != nil {
		if !llm.IsCancellation(err) {
			sendEvent("error", map[string]string{"error": err.Error()})
		}
		return
	}

	s.archiveTurn(r.Context(), req, res)
	sendEvent("result", toChatResponse(res))
}

// archiveTurn writes the turn to the durable transcript. Failures are
// logged, never surfaced: the user already has their answer.
func (s *Server) archiveTurn(ctx context.Context, req chatRequest, res *agent.TurnResult) {
	if s.archiveStore == nil || res.Kind == agent.ResultRetryRequested {
		return
	}

	msgs := []memory.Message{memory.NewTextMessage(memory.RoleUser, req.Query)}
	switch res.Kind {
	case agent.ResultTable:
		msgs = append(msgs, memory.NewArtifactMessage(memory.RoleTool, artifact.NewTable(res.Table)))
	case agent.ResultChart:
		msgs = append(msgs, memory.NewArtifactMessage(memory.RoleTool, artifact.NewChart(res.Chart)))
	}
	msgs = append(msgs, memory.NewTextMessage(memory.RoleAssistant, res.Text))

	if err := s.archiveStore.RecordTurn(ctx, req.ConversationID, msgs); err != nil {
		s.logger.Warn("transcript archive failed", "conversation_id", req.ConversationID, "error", err)
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "conversation id is required", s.logger)
		return
	}
	s.orchestrator.Reset(id)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "cleared", "conversation_id": id}, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history := s.orchestrator.History(id)

	type historyMessage struct {
		Role      string    `json:"role"`
		Content   string    `json:"content"`
		SizeBytes int       `json:"size_bytes"`
		Timestamp time.Time `json:"timestamp"`
	}
	out := make([]historyMessage, 0, len(history))
	for _, m := range history {
		out = append(out, historyMessage{
			Role:      string(m.Role),
			Content:   m.Content,
			SizeBytes: m.SizeBytes,
			Timestamp: m.Timestamp,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversation_id": id, "messages": out}, s.logger)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.archiveStore == nil {
		writeError(w, http.StatusNotFound, "archive disabled", s.logger)
		return
	}
	id := r.PathValue("id")
	entries, err := s.archiveStore.Transcript(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversation_id": id, "entries": entries}, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	if s.archiveStore == nil {
		writeError(w, http.StatusNotFound, "archive disabled", s.logger)
		return
	}
	ids, err := s.archiveStore.Conversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversations": ids}, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.orchestrator.Stats()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"active_conversations": st.ActiveConversations,
		"total_messages":       st.TotalMessages,
		"uptime_seconds":       int64(buildinfo.Uptime().Seconds()),
	}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usageStore == nil {
		writeError(w, http.StatusNotFound, "usage tracking disabled", s.logger)
		return
	}

	end := time.Now().Add(time.Minute)
	start := end.Add(-24*time.Hour - time.Minute)

	sum, err := s.usageStore.Summary(start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	byModel, err := s.usageStore.SummaryByModel(start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"window_hours": 24,
		"totals":       sum,
		"by_model":     byModel,
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "DataTalk",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}
