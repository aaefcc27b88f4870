package agent

import "github.com/datatalk-ai/datatalk/internal/artifact"

// ResultKind discriminates the outcomes a turn can produce.
type ResultKind int

const (
	// ResultText is a plain prose answer.
	ResultText ResultKind = iota
	// ResultTable is a structured tabular answer.
	ResultTable
	// ResultChart is a rendered visualization.
	ResultChart
	// ResultRetryRequested means the backend stayed saturated through
	// every allowed attempt. The conversation has been reset; the user
	// should resend the question.
	ResultRetryRequested
)

func (k ResultKind) String() string {
	switch k {
	case ResultText:
		return "text"
	case ResultTable:
		return "table"
	case ResultChart:
		return "chart"
	case ResultRetryRequested:
		return "retry_requested"
	default:
		return "unknown"
	}
}

// TurnResult is the outcome of one turn. Exactly one payload field is
// populated, selected by Kind. Fatal failures are returned as errors,
// never as a TurnResult.
type TurnResult struct {
	Kind  ResultKind
	Text  string
	Table *artifact.Table
	Chart *artifact.Chart

	// Message explains a RetryRequested result to the user.
	Message string

	// Turn accounting, populated for successful turns.
	Model        string
	Attempts     int
	InputTokens  int
	OutputTokens int
}
