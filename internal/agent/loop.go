// Package agent implements the per-turn orchestration loop: it owns
// the critical section around a conversation's history, drives the
// backend through the retry invoker, and reconciles tool artifacts
// into the final turn result.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/datatalk-ai/datatalk/internal/events"
	"github.com/datatalk-ai/datatalk/internal/llm"
	"github.com/datatalk-ai/datatalk/internal/memory"
	"github.com/datatalk-ai/datatalk/internal/turnctx"
)

// UsageRecorder persists per-turn token accounting. Implemented by the
// usage store; nil disables recording.
type UsageRecorder interface {
	Record(ctx context.Context, conversationID, model string, inputTokens, outputTokens, attempts int) error
}

// Orchestrator runs turns end to end.
type Orchestrator struct {
	store             *memory.Store
	backend           *Backend
	invoker           *Invoker
	evictionThreshold int
	usage             UsageRecorder
	logger            *slog.Logger
	bus               *events.Bus
}

// NewOrchestrator wires the turn pipeline together. usage may be nil.
func NewOrchestrator(store *memory.Store, backend *Backend, invoker *Invoker, evictionThreshold int, usage UsageRecorder, logger *slog.Logger, bus *events.Bus) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:             store,
		backend:           backend,
		invoker:           invoker,
		evictionThreshold: evictionThreshold,
		usage:             usage,
		logger:            logger.With("component", "orchestrator"),
		bus:               bus,
	}
}

// ProcessTurn executes one turn for a conversation. Turns for the same
// conversation serialize on the store's per-conversation lock; turns
// for different conversations run in parallel.
//
// stream, if non-nil, receives the assistant's text deltas as they
// arrive. Deltas are a best-effort preview: a retried attempt restarts
// the stream from the beginning, and only the returned TurnResult is
// authoritative.
func (o *Orchestrator) ProcessTurn(ctx context.Context, conversationID, query string, stream llm.StreamCallback) (*TurnResult, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	tc := turnctx.New(conversationID, query)
	ctx = turnctx.With(ctx, tc)
	defer tc.Clear()

	start := time.Now()
	o.logger.Info("turn started",
		"conversation_id", conversationID,
		"query_len", len(query),
	)
	o.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourceAgent,
		Kind:      events.KindRequestStart,
		Data: map[string]any{
			"conversation_id": conversationID,
			"query_len":       len(query),
		},
	})

	var result *TurnResult
	err := o.store.WithConversation(conversationID, func(history []memory.Message) ([]memory.Message, error) {
		// The invoker fires this hook when it abandons the turn. The
		// conversation lock is already held here, so the reset is
		// expressed by persisting empty history below rather than by
		// re-entering the store.
		abandoned := false
		reset := func() { abandoned = true }

		res, attempts, err := o.invoker.Invoke(ctx, conversationID, reset, func(ctx context.Context) (*BackendResult, error) {
			// Discard artifacts a failed attempt may have stashed.
			tc.Clear()
			return o.backend.RunTurn(ctx, conversationID, history, query, stream)
		})
		if err != nil {
			if abandoned {
				result = retryRequested(err, attempts)
				return []memory.Message{}, nil
			}
			return nil, err
		}

		result = o.reconcile(tc, res, attempts)

		h := append(history, memory.NewTextMessage(memory.RoleUser, query))
		h = append(h, res.ToolMessages...)
		h = append(h, memory.NewTextMessage(memory.RoleAssistant, res.Text))

		evicted, stats, err := memory.Evict(h, o.evictionThreshold)
		if err != nil {
			return nil, fmt.Errorf("evict: %w", err)
		}
		if stats.MessagesEvicted > 0 {
			o.logger.Info("evicted oversized tool results",
				"conversation_id", conversationID,
				"messages", stats.MessagesEvicted,
				"bytes_saved", stats.BytesSaved,
			)
			o.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceMemory,
				Kind:      events.KindMemoryEvicted,
				Data: map[string]any{
					"conversation_id":  conversationID,
					"messages_evicted": stats.MessagesEvicted,
					"bytes_saved":      stats.BytesSaved,
				},
			})
		}
		return evicted, nil
	})
	if err != nil {
		o.logger.Error("turn failed",
			"conversation_id", conversationID,
			"elapsed", time.Since(start),
			"error", err,
		)
		return nil, err
	}

	if result.Kind == ResultRetryRequested {
		// The closure persisted empty history while it held the lock.
		// Drop the entry itself too, so the store stops counting a
		// conversation the user was just told is gone.
		o.store.Clear(conversationID)
	}

	if o.usage != nil && result.Kind != ResultRetryRequested {
		if err := o.usage.Record(ctx, conversationID, result.Model, result.InputTokens, result.OutputTokens, result.Attempts); err != nil {
			o.logger.Warn("usage recording failed", "conversation_id", conversationID, "error", err)
		}
	}

	o.logger.Info("turn complete",
		"conversation_id", conversationID,
		"kind", result.Kind.String(),
		"attempts", result.Attempts,
		"tokens_in", result.InputTokens,
		"tokens_out", result.OutputTokens,
		"elapsed", time.Since(start),
	)
	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindTurnComplete,
		Data: map[string]any{
			"conversation_id": conversationID,
			"kind":            result.Kind.String(),
			"attempts":        result.Attempts,
			"tokens_in":       result.InputTokens,
			"tokens_out":      result.OutputTokens,
			"elapsed_ms":      time.Since(start).Milliseconds(),
		},
	})

	return result, nil
}

// Reset clears a conversation's history on user request. Blocks until
// any in-flight turn for the conversation finishes.
func (o *Orchestrator) Reset(conversationID string) {
	o.store.Clear(conversationID)
	o.logger.Info("conversation reset", "conversation_id", conversationID)
	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindConversationReset,
		Data: map[string]any{
			"conversation_id": conversationID,
			"reason":          "user_request",
		},
	})
}

// History returns a copy of a conversation's current history.
func (o *Orchestrator) History(conversationID string) []memory.Message {
	return o.store.History(conversationID)
}

// Stats reports memory store statistics.
func (o *Orchestrator) Stats() memory.Stats {
	return o.store.Stats()
}

// reconcile picks the turn's primary payload. A chart wins over a
// table, which wins over plain text; the assistant's prose rides along
// either way.
func (o *Orchestrator) reconcile(tc *turnctx.TurnContext, res *BackendResult, attempts int) *TurnResult {
	r := &TurnResult{
		Text:         res.Text,
		Model:        res.Model,
		Attempts:     attempts,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	}
	switch {
	case tc.Chart() != nil:
		r.Kind = ResultChart
		r.Chart = tc.Chart()
	case tc.Table() != nil:
		r.Kind = ResultTable
		r.Table = tc.Table()
	default:
		r.Kind = ResultText
	}
	return r
}

func retryRequested(err error, attempts int) *TurnResult {
	msg := "The service is busy right now. Your conversation has been reset; please resend your question."
	if llm.IsUsageLimit(err) {
		msg = "This request exceeded the usage limit, likely due to accumulated history. Your conversation has been reset; please resend your question."
	}
	return &TurnResult{
		Kind:     ResultRetryRequested,
		Message:  msg,
		Attempts: attempts,
	}
}
