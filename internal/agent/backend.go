package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/datatalk-ai/datatalk/internal/events"
	"github.com/datatalk-ai/datatalk/internal/llm"
	"github.com/datatalk-ai/datatalk/internal/memory"
	"github.com/datatalk-ai/datatalk/internal/tools"
)

// maxToolIterations bounds the tool loop within a single backend call.
// The model occasionally chains queries; eight round trips is plenty
// for any reasonable analysis.
const maxToolIterations = 8

const systemPrompt = `You are DataTalk, a conversational data analyst. You answer questions about the attached dataset.

Use list_tables to discover the schema, run_query to fetch data, and render_chart when a visualization answers the question better than prose. Query results and charts are shown to the user directly, so do not repeat full tables in your answer. Keep answers concise and grounded in the data you actually queried.`

// BackendResult is what one successful backend exchange produced: the
// assistant's final text plus the tool transcript to persist.
type BackendResult struct {
	Text         string
	ToolMessages []memory.Message
	Model        string
	InputTokens  int
	OutputTokens int
}

// Backend drives the model's tool loop for one attempt of a turn.
type Backend struct {
	client   llm.Client
	model    string
	registry *tools.Registry
	logger   *slog.Logger
	bus      *events.Bus
}

// NewBackend creates a backend runner.
func NewBackend(client llm.Client, model string, registry *tools.Registry, logger *slog.Logger, bus *events.Bus) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		client:   client,
		model:    model,
		registry: registry,
		logger:   logger.With("component", "backend"),
		bus:      bus,
	}
}

// RunTurn executes one attempt: send history plus the new query, run
// any tool calls the model makes, and return its final answer. Each
// attempt starts from the same history snapshot, so a retried attempt
// replays the whole exchange, tool calls included.
func (b *Backend) RunTurn(ctx context.Context, conversationID string, history []memory.Message, query string, stream llm.StreamCallback) (*BackendResult, error) {
	msgs := buildMessages(history, query)
	toolDefs := b.registry.List()

	result := &BackendResult{Model: b.model}

	for iter := 0; iter < maxToolIterations; iter++ {
		b.logger.Debug("calling backend",
			"conversation_id", conversationID,
			"iter", iter,
			"messages", len(msgs),
		)
		b.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgent,
			Kind:      events.KindLLMCall,
			Data: map[string]any{
				"conversation_id": conversationID,
				"iter":            iter,
				"model":           b.model,
			},
		})

		resp, err := b.client.ChatStream(ctx, b.model, msgs, toolDefs, stream)
		if err != nil {
			return nil, err
		}
		if resp.Model != "" {
			result.Model = resp.Model
		}
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens

		if len(resp.Message.ToolCalls) == 0 {
			result.Text = resp.Message.Content
			return result, nil
		}

		msgs = append(msgs, resp.Message)
		for _, tc := range resp.Message.ToolCalls {
			b.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceAgent,
				Kind:      events.KindToolCall,
				Data: map[string]any{
					"conversation_id": conversationID,
					"tool":            tc.Function.Name,
				},
			})

			out, err := b.registry.ExecuteArgs(ctx, tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				if llm.IsCancellation(err) {
					return nil, err
				}
				b.logger.Warn("tool failed",
					"conversation_id", conversationID,
					"tool", tc.Function.Name,
					"error", err,
				)
				// Feed the failure back so the model can correct itself.
				out = fmt.Sprintf("Error: %v", err)
			}

			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Content:    out,
				ToolCallID: tc.ID,
			})
			result.ToolMessages = append(result.ToolMessages, memory.NewTextMessage(memory.RoleTool, out))
		}
	}

	return nil, fmt.Errorf("tool loop exceeded %d iterations", maxToolIterations)
}

// buildMessages converts stored history plus the new query into the
// wire message list. Persisted tool results lose their call IDs, so
// they replay as user-role context rather than tool_result blocks.
func buildMessages(history []memory.Message, query string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: systemPrompt})

	for _, m := range history {
		switch m.Role {
		case memory.RoleUser:
			msgs = append(msgs, llm.Message{Role: "user", Content: m.Content})
		case memory.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: "assistant", Content: m.Content})
		case memory.RoleTool:
			msgs = append(msgs, llm.Message{
				Role:    "user",
				Content: "Tool result from an earlier turn:\n" + m.Content,
			})
		}
	}

	msgs = append(msgs, llm.Message{Role: "user", Content: query})
	return msgs
}
