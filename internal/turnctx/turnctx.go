// Package turnctx carries per-turn ephemeral state to tool code.
//
// A TurnContext travels on the request's context.Context, so two turns
// executing the same code path concurrently each see only their own
// context. Tool handlers that produce a table or chart stash it here;
// the orchestrator reads the bag back after the backend call to decide
// what the turn resolves to. A package-level variable would be shared
// across goroutines and is exactly the bug this package exists to
// prevent.
package turnctx

import (
	"context"
	"sync"

	"github.com/datatalk-ai/datatalk/internal/artifact"
)

type contextKey string

const turnKey contextKey = "turn_context"

// TurnContext is the request-scoped bag of state for one inbound turn.
// It is created once per turn, never persisted, and never shared across
// turns or conversations. All methods are safe for concurrent use; the
// backend may fan tool calls out to multiple goroutines.
type TurnContext struct {
	conversationID string
	userQuery      string

	mu    sync.Mutex
	table *artifact.Table
	chart *artifact.Chart
}

// New creates a TurnContext for one inbound turn.
func New(conversationID, userQuery string) *TurnContext {
	return &TurnContext{
		conversationID: conversationID,
		userQuery:      userQuery,
	}
}

// ConversationID returns the conversation this turn belongs to.
func (tc *TurnContext) ConversationID() string {
	return tc.conversationID
}

// UserQuery returns the query that started this turn.
func (tc *TurnContext) UserQuery() string {
	return tc.userQuery
}

// SetTable stashes a table artifact produced by tool code. The last
// write within a turn wins.
func (tc *TurnContext) SetTable(t *artifact.Table) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.table = t
}

// Table returns the cached table artifact, or nil.
func (tc *TurnContext) Table() *artifact.Table {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.table
}

// SetChart stashes a chart artifact produced by tool code. The last
// write within a turn wins.
func (tc *TurnContext) SetChart(c *artifact.Chart) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.chart = c
}

// Chart returns the cached chart artifact, or nil.
func (tc *TurnContext) Chart() *artifact.Chart {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.chart
}

// Clear drops any cached artifacts. The orchestrator calls this on
// every exit path; calling it more than once is harmless.
func (tc *TurnContext) Clear() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.table = nil
	tc.chart = nil
}

// With binds tc as the current turn context for everything running
// under the returned context.
func With(ctx context.Context, tc *TurnContext) context.Context {
	if tc == nil {
		return ctx
	}
	return context.WithValue(ctx, turnKey, tc)
}

// FromContext extracts the current turn context. Returns nil when the
// caller is not running inside a turn (e.g. background maintenance).
func FromContext(ctx context.Context) *TurnContext {
	if ctx == nil {
		return nil
	}
	if tc, ok := ctx.Value(turnKey).(*TurnContext); ok {
		return tc
	}
	return nil
}
