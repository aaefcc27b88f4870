package agent

// Retry wrapper for backend API calls. Rate limits and overload
// responses are transient, so the invoker retries them with exponential
// backoff. Everything else either aborts the turn immediately (fatal
// errors, cancellation) or abandons the conversation (usage cap,
// exhausted retries) via the caller-supplied reset hook.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/datatalk-ai/datatalk/internal/events"
	"github.com/datatalk-ai/datatalk/internal/llm"
)

// ErrTurnAbandoned signals the invoker gave up on the turn and fired
// the reset hook. The orchestrator surfaces this as a retry-requested
// result rather than a fatal error.
var ErrTurnAbandoned = errors.New("turn abandoned")

// RetryPolicy bounds how persistently the invoker retries throttled
// backend calls.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff. The wait after failed
	// attempt n is BaseDelay * 2^n, so the first wait is BaseDelay*2.
	BaseDelay time.Duration
}

// Invoker executes backend calls under a retry policy.
type Invoker struct {
	policy RetryPolicy
	logger *slog.Logger
	bus    *events.Bus

	// after is the backoff clock, swappable in tests. Defaults to
	// time.After.
	after func(d time.Duration) <-chan time.Time
}

// NewInvoker creates an invoker. Zero or negative policy fields fall
// back to 3 attempts and a 500ms base delay.
func NewInvoker(policy RetryPolicy, logger *slog.Logger, bus *events.Bus) *Invoker {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		policy: policy,
		logger: logger.With("component", "invoker"),
		bus:    bus,
		after:  time.After,
	}
}

// Invoke runs call until it succeeds, fails permanently, or the policy
// is exhausted. It returns the result and the number of attempts made.
//
// reset is fired exactly once when the turn is abandoned: after the
// last rate-limited attempt, or immediately on a usage-cap error. The
// hook runs while the caller still holds the conversation lock, so it
// must not re-enter the store.
//
// Cancellation aborts immediately without firing reset. A retried call
// restarts from scratch, including any streaming output it produces.
func (inv *Invoker) Invoke(ctx context.Context, conversationID string, reset func(), call func(ctx context.Context) (*BackendResult, error)) (*BackendResult, int, error) {
	var lastErr error

	for attempt := 1; attempt <= inv.policy.MaxAttempts; attempt++ {
		res, err := call(ctx)
		if err == nil {
			return res, attempt, nil
		}
		lastErr = err

		if llm.IsCancellation(err) {
			return nil, attempt, err
		}
		if ctx.Err() != nil {
			// The attempt's own failure may be a throttle response that
			// raced the disconnect. Callers classify on the cancellation,
			// so that is what crosses the boundary.
			return nil, attempt, ctx.Err()
		}

		if llm.IsUsageLimit(err) {
			// Retrying cannot help: the request itself is over the cap,
			// usually because of accumulated history. Shed the history
			// and tell the user to resend.
			inv.logger.Warn("usage cap exceeded, resetting conversation",
				"conversation_id", conversationID,
				"attempt", attempt,
				"error", err,
			)
			inv.abandon(conversationID, "usage_limit", reset)
			return nil, attempt, fmt.Errorf("%w: %w", ErrTurnAbandoned, err)
		}

		if !llm.IsRateLimit(err) {
			return nil, attempt, err
		}

		if attempt == inv.policy.MaxAttempts {
			break
		}

		delay := inv.policy.BaseDelay * (1 << attempt)
		inv.logger.Warn("backend throttled, backing off",
			"conversation_id", conversationID,
			"attempt", attempt,
			"max_attempts", inv.policy.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		inv.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgent,
			Kind:      events.KindRetryWait,
			Data: map[string]any{
				"conversation_id": conversationID,
				"attempt":         attempt,
				"delay_ms":        delay.Milliseconds(),
			},
		})

		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-inv.after(delay):
		}
	}

	inv.logger.Warn("retries exhausted, resetting conversation",
		"conversation_id", conversationID,
		"attempts", inv.policy.MaxAttempts,
		"error", lastErr,
	)
	inv.abandon(conversationID, "retries_exhausted", reset)
	return nil, inv.policy.MaxAttempts, fmt.Errorf("%w: %w", ErrTurnAbandoned, lastErr)
}

func (inv *Invoker) abandon(conversationID, reason string, reset func()) {
	if reset != nil {
		reset()
	}
	inv.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindConversationReset,
		Data: map[string]any{
			"conversation_id": conversationID,
			"reason":          reason,
		},
	})
}
