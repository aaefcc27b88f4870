// Package tools defines the tools available to the analysis agent.
package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools  map[string]*Tool
	db     *sql.DB
	logger *slog.Logger
}

// NewRegistry creates a tool registry backed by the analysis dataset.
// db may be nil, in which case run_query reports that no dataset is
// attached instead of failing at startup.
func NewRegistry(db *sql.DB, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		db:     db,
		logger: logger.With("component", "tools"),
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "run_query",
		Description: "Execute a read-only SQL query against the attached dataset. Returns the result table. Use this to answer any question about the data.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sql": map[string]any{
					"type":        "string",
					"description": "A single SELECT statement. Writes are rejected.",
				},
			},
			"required": []string{"sql"},
		},
		Handler: r.handleRunQuery,
	})

	r.Register(&Tool{
		Name:        "render_chart",
		Description: "Render a chart for the user from labels and numeric series. Use after run_query when a visual answers the question better than a table.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type": map[string]any{
					"type":        "string",
					"description": "Chart type: bar, line, or pie",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "Chart title shown to the user",
				},
				"labels": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "X-axis labels (or slice labels for pie)",
				},
				"series": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name":   map[string]any{"type": "string"},
							"values": map[string]any{"type": "array", "items": map[string]any{"type": "number"}},
						},
					},
					"description": "One or more named numeric series, each aligned with labels",
				},
			},
			"required": []string{"type", "labels", "series"},
		},
		Handler: r.handleRenderChart,
	})

	r.Register(&Tool{
		Name:        "list_tables",
		Description: "List the tables and columns available in the attached dataset. Use this first when you do not know the schema.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleListTables,
	})
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// List returns all tools in the wire format the backend expects.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, t := range r.tools {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with given arguments.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	return tool.Handler(ctx, args)
}

// ExecuteArgs runs a tool by name with already-decoded arguments.
func (r *Registry) ExecuteArgs(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return tool.Handler(ctx, args)
}
