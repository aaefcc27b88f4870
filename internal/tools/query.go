package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/datatalk-ai/datatalk/internal/artifact"
	"github.com/datatalk-ai/datatalk/internal/turnctx"
)

const (
	// maxResultRows caps how many rows a single query returns. Larger
	// result sets are truncated with a note so the model can refine the
	// query instead of flooding memory.
	maxResultRows = 1000

	// previewRows caps how many rows are echoed back to the model. The
	// full table still reaches the user via the turn's artifact.
	previewRows = 50
)

func (r *Registry) handleRunQuery(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["sql"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("sql is required")
	}
	if r.db == nil {
		return "", fmt.Errorf("no dataset is attached")
	}
	if err := checkReadOnly(query); err != nil {
		return "", err
	}

	r.logger.Debug("running query", "sql", query)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("read columns: %w", err)
	}

	table := &artifact.Table{Columns: cols, Source: query}
	truncated := false
	for rows.Next() {
		if len(table.Rows) >= maxResultRows {
			truncated = true
			break
		}
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", fmt.Errorf("scan row: %w", err)
		}
		rec := make([]string, len(cols))
		for i, v := range raw {
			rec[i] = formatValue(v)
		}
		table.Rows = append(table.Rows, rec)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("read rows: %w", err)
	}

	// Stash the full table on the current turn so the orchestrator can
	// surface it to the user even after the raw text is evicted.
	if tc := turnctx.FromContext(ctx); tc != nil {
		tc.SetTable(table)
	}

	return renderPreview(table, truncated), nil
}

// checkReadOnly rejects statements that could modify the dataset. The
// dataset connection is also opened read-only; this check just gives
// the model a clearer error than the driver would.
func checkReadOnly(query string) error {
	q := strings.ToUpper(strings.TrimSpace(query))
	if strings.HasPrefix(q, "SELECT") || strings.HasPrefix(q, "WITH") || strings.HasPrefix(q, "EXPLAIN") {
		return nil
	}
	return fmt.Errorf("only SELECT queries are allowed")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// renderPreview formats a table as pipe-separated text for the model.
func renderPreview(t *artifact.Table, truncated bool) string {
	var b strings.Builder
	b.WriteString(strings.Join(t.Columns, " | "))
	b.WriteString("\n")

	n := len(t.Rows)
	shown := n
	if shown > previewRows {
		shown = previewRows
	}
	for _, row := range t.Rows[:shown] {
		b.WriteString(strings.Join(row, " | "))
		b.WriteString("\n")
	}

	switch {
	case truncated:
		fmt.Fprintf(&b, "(result truncated at %d rows; refine the query to narrow it)\n", maxResultRows)
	case shown < n:
		fmt.Fprintf(&b, "(%d of %d rows shown; the full table is displayed to the user)\n", shown, n)
	case n == 0:
		b.WriteString("(no rows)\n")
	}
	return b.String()
}

func (r *Registry) handleListTables(ctx context.Context, args map[string]any) (string, error) {
	if r.db == nil {
		return "", fmt.Errorf("no dataset is attached")
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "The dataset has no tables.", nil
	}

	var b strings.Builder
	for _, name := range names {
		cols, err := r.tableColumns(ctx, name)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s (%s)\n", name, strings.Join(cols, ", "))
	}
	return b.String(), nil
}

func (r *Registry) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, name+" "+strings.ToLower(ctype))
	}
	return cols, rows.Err()
}
