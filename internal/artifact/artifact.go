// Package artifact defines the structured results a turn can resolve to.
//
// Tool code produces tables and charts; the orchestrator decides once,
// at turn completion, which artifact (if any) becomes the turn's answer.
// The union is closed: downstream code switches on Kind exhaustively and
// never inspects runtime types.
package artifact

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which member of the artifact union is populated.
type Kind int

const (
	// KindText is plain prose from the reasoning backend.
	KindText Kind = iota

	// KindTable is a columnar result set produced by a data tool.
	KindTable

	// KindChart is a renderable chart specification produced by a
	// visualization tool.
	KindChart
)

// String returns the lowercase wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindTable:
		return "table"
	case KindChart:
		return "chart"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Table is a columnar result set. Rows are positional and parallel to
// Columns.
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
	// Source describes where the data came from (query text, dataset
	// name). Informational only.
	Source string `json:"source,omitempty"`
}

// RowCount returns the number of data rows.
func (t *Table) RowCount() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Series is one named sequence of points in a chart.
type Series struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// Chart is a renderable chart specification. Rendering itself is a
// presentation concern and lives outside this module.
type Chart struct {
	Type   string   `json:"type"` // bar, line, pie, scatter
	Title  string   `json:"title,omitempty"`
	Labels []string `json:"labels,omitempty"`
	Series []Series `json:"series"`
}

// Artifact is the closed union of turn results. Exactly one of Text,
// Table, or Chart is meaningful, selected by Kind.
type Artifact struct {
	Kind  Kind
	Text  string
	Table *Table
	Chart *Chart
}

// NewText wraps plain text as an artifact.
func NewText(s string) Artifact {
	return Artifact{Kind: KindText, Text: s}
}

// NewTable wraps a table as an artifact.
func NewTable(t *Table) Artifact {
	return Artifact{Kind: KindTable, Table: t}
}

// NewChart wraps a chart as an artifact.
func NewChart(c *Chart) Artifact {
	return Artifact{Kind: KindChart, Chart: c}
}

// SizeBytes returns the serialized size of the artifact, used by the
// memory eviction filter to budget conversation history.
func (a Artifact) SizeBytes() int {
	switch a.Kind {
	case KindText:
		return len(a.Text)
	case KindTable:
		if a.Table == nil {
			return 0
		}
		data, err := json.Marshal(a.Table)
		if err != nil {
			return 0
		}
		return len(data)
	case KindChart:
		if a.Chart == nil {
			return 0
		}
		data, err := json.Marshal(a.Chart)
		if err != nil {
			return 0
		}
		return len(data)
	default:
		return 0
	}
}
