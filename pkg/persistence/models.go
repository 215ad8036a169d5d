package persistence

import (
	"encoding/json"
	"time"

	"stackscope/pkg/analysis"
	"stackscope/pkg/config"
)

// Run is one stored analysis.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Run struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	Model            string    `json:"model"`
	ProjectRoot      string    `json:"project_root"`
	ExceptionType    string    `json:"exception_type"`
	ExceptionMessage string    `json:"exception_message"`
	Outcome          string    `json:"outcome"`
	Reason           string    `json:"reason,omitempty"`
	Iterations       int       `json:"iterations"`
	TokensUsed       int       `json:"tokens_used"`
	ToolCalls        int       `json:"tool_calls"`
	FailedToolCalls  int       `json:"failed_tool_calls"`
	DurationMS       int64     `json:"duration_ms"`
	CostUSD          float64   `json:"cost_usd"`
	Plan             string    `json:"plan,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// ToolCall is one stored tool call record.
type ToolCall struct {
	RunID      string `json:"run_id"`
	CallID     string `json:"call_id"`
	ToolName   string `json:"tool_name"`
	Arguments  string `json:"arguments"`
	Output     string `json:"output"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Seq        int    `json:"seq"`
	RetryCount int    `json:"retry_count"`
	DurationMS int64  `json:"duration_ms"`
}

// FromResult converts an analysis result into rows. runErr is the error
// Analyze returned, if any.
func FromResult(res *analysis.Result, projectRoot string, runErr error) (*Run, []*ToolCall) {
	run := &Run{
		ID:              res.RunID,
		CreatedAt:       res.StartedAt.UTC(),
		Model:           res.Model,
		ProjectRoot:     projectRoot,
		Iterations:      res.Stats.Iterations,
		TokensUsed:      res.Stats.TokensUsed,
		ToolCalls:       res.Stats.ToolCalls,
		FailedToolCalls: res.Stats.FailedToolCalls,
		DurationMS:      res.Stats.Duration.Milliseconds(),
		Plan:            res.Plan,
		Outcome:         "NotStarted",
	}
	if res.StackTrace != nil {
		run.ExceptionType = res.StackTrace.ExceptionType
		run.ExceptionMessage = res.StackTrace.ExceptionMessage
	}
	if final := res.Final(); final != nil {
		run.Outcome = final.Kind.String()
		run.Reason = final.Reason
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	// Token usage is not split by direction here; price it all as input.
	run.CostUSD = config.CalculateCost(res.Model, run.TokensUsed, 0)

	records := res.Transcript().Records()
	calls := make([]*ToolCall, len(records))
	for i := range records {
		rec := &records[i]
		args := []byte("{}")
		if len(rec.Arguments) > 0 {
			if data, err := json.Marshal(rec.Arguments); err == nil {
				args = data
			}
		}
		calls[i] = &ToolCall{
			RunID:      run.ID,
			Seq:        i,
			CallID:     rec.CallID,
			ToolName:   rec.ToolName,
			Arguments:  string(args),
			Output:     rec.Output,
			ErrorKind:  rec.ErrorKind(),
			RetryCount: rec.RetryCount,
			DurationMS: rec.Duration.Milliseconds(),
		}
	}
	return run, calls
}
