package toolloop_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/llmerrors"
	"stackscope/pkg/agent/toolloop"
	"stackscope/pkg/codebase"
	"stackscope/pkg/sandbox"
	"stackscope/pkg/toolerrors"
	"stackscope/pkg/toolexec"
	"stackscope/pkg/tools"
	"stackscope/pkg/transcript"
)

// Mock LLM client for testing. Each call pops the next scripted response;
// requests are kept for inspection.
type mockLLMClient struct {
	mu        sync.Mutex
	responses []llm.CompletionResponse
	err       error
	requests  []llm.CompletionRequest
	repeat    bool // reuse the last response forever
}

func (m *mockLLMClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return llm.CompletionResponse{}, m.err
	}
	if len(m.responses) == 0 {
		return llm.CompletionResponse{}, errors.New("no more mock responses")
	}
	resp := m.responses[0]
	if !m.repeat || len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	// Copy tool calls so the loop's ID assignment cannot leak across calls.
	resp.ToolCalls = append([]llm.ToolCall(nil), resp.ToolCalls...)
	return resp, nil
}

func (m *mockLLMClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.StreamFromComplete(ctx, m, req), nil
}

func (m *mockLLMClient) GetModelName() string {
	return "mock-model"
}

const mathUtilsPy = `"""Math helpers."""


def divide(a, b):
    return a / b


def multiply(a, b):
    return a * b
`

const appPy = `from math_utils import divide


def main():
    print(divide(10, 0))


if __name__ == "__main__":
    main()
`

func newExecutor(t *testing.T) *toolexec.Executor {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "math_utils.py"), []byte(mathUtilsPy), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.py"), []byte(appPy), 0o644))

	sb, err := sandbox.New(root)
	require.NoError(t, err)
	return toolexec.New(tools.NewDispatcher(codebase.New(sb, codebase.Options{})), toolexec.Options{})
}

func seeded() transcript.Transcript {
	return transcript.New(
		transcript.System("You are a debugging assistant."),
		transcript.User("ZeroDivisionError: division by zero"),
	)
}

func call(id, name string, params map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Parameters: params}
}

func TestFinalAnswerOnFirstTurn(t *testing.T) {
	client := &mockLLMClient{responses: []llm.CompletionResponse{{Content: "## Plan"}}}
	loop := toolloop.New(client, newExecutor(t), nil)

	out := loop.Run(context.Background(), &toolloop.Config{Transcript: seeded()})

	require.Equal(t, toolloop.OutcomeSuccess, out.Kind, "err: %v", out.Err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, "## Plan", out.Answer)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, 3, out.Transcript.Len())
	require.Len(t, client.requests, 1)
	assert.Len(t, client.requests[0].Tools, len(tools.Definitions()))
}

func TestEndToEndInvestigation(t *testing.T) {
	client := &mockLLMClient{responses: []llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{
			call("c1", tools.ToolGetStackFrameContext, map[string]any{
				tools.ParamFrameFilePath:   "math_utils.py",
				tools.ParamFrameLineNumber: float64(5),
				tools.ParamContextLines:    float64(2),
			}),
			call("c2", tools.ToolFindSymbolReferences, map[string]any{tools.ParamSymbolName: "divide"}),
		}},
		{Content: "Guard the divisor in math_utils.divide."},
	}}
	loop := toolloop.New(client, newExecutor(t), nil)

	var transitions []string
	out := loop.Run(context.Background(), &toolloop.Config{
		Transcript: seeded(),
		OnStateChange: func(from, to toolloop.State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	require.Equal(t, toolloop.OutcomeSuccess, out.Kind, "err: %v", out.Err)
	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, []string{
		"AWAITING_MODEL->AWAITING_TOOL_EXECUTION",
		"AWAITING_TOOL_EXECUTION->AWAITING_MODEL",
		"AWAITING_MODEL->TERMINATED",
	}, transitions)

	records := out.Transcript.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "c1", records[0].CallID)
	assert.Equal(t, "c2", records[1].CallID)
	require.False(t, records[0].Failed(), records[0].Output)
	require.False(t, records[1].Failed(), records[1].Output)

	var frame tools.FrameContextResult
	require.NoError(t, json.Unmarshal([]byte(records[0].Output), &frame))
	assert.Equal(t, "   3   \n   4   def divide(a, b):\n   5 >     return a / b\n   6   \n   7   ", frame.Context)

	var refs codebase.ReferenceResult
	require.NoError(t, json.Unmarshal([]byte(records[1].Output), &refs))
	files := map[string]bool{}
	for _, loc := range refs.Locations {
		files[loc.FilePath] = true
	}
	assert.Equal(t, map[string]bool{"app.py": true, "math_utils.py": true}, files)

	// The second request carries the tool results in call order.
	require.Len(t, client.requests, 2)
	msgs := client.requests[1].Messages
	last := msgs[len(msgs)-1]
	require.Len(t, last.ToolResults, 2)
	assert.Equal(t, "c1", last.ToolResults[0].ToolCallID)
	assert.Equal(t, "c2", last.ToolResults[1].ToolCallID)
}

func TestIterationLimit(t *testing.T) {
	client := &mockLLMClient{
		repeat: true,
		responses: []llm.CompletionResponse{{ToolCalls: []llm.ToolCall{
			call("", tools.ToolListDirectory, map[string]any{tools.ParamDirPath: "."}),
		}}},
	}
	loop := toolloop.New(client, newExecutor(t), nil)

	out := loop.Run(context.Background(), &toolloop.Config{Transcript: seeded(), MaxIterations: 3})

	assert.Equal(t, toolloop.OutcomeLimitExceeded, out.Kind)
	assert.Equal(t, toolloop.LimitIterations, out.Reason)
	require.ErrorIs(t, out.Err, toolloop.ErrIterationLimit)
	assert.Equal(t, 3, out.Iterations)
	assert.Len(t, client.requests, 3)
	assert.Len(t, out.Transcript.Records(), 3)
}

func TestTokenBudget(t *testing.T) {
	client := &mockLLMClient{
		repeat: true,
		responses: []llm.CompletionResponse{{
			ToolCalls: []llm.ToolCall{call("", tools.ToolListDirectory, map[string]any{tools.ParamDirPath: "."})},
			Usage:     llm.Usage{InputTokens: 80, OutputTokens: 20},
		}},
	}
	loop := toolloop.New(client, newExecutor(t), nil)

	out := loop.Run(context.Background(), &toolloop.Config{Transcript: seeded(), TokenBudget: 150})

	assert.Equal(t, toolloop.OutcomeLimitExceeded, out.Kind)
	assert.Equal(t, toolloop.LimitTokens, out.Reason)
	require.ErrorIs(t, out.Err, toolloop.ErrTokenBudget)
	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, 200, out.TokensUsed)
}

func TestInvalidToolCallContinues(t *testing.T) {
	client := &mockLLMClient{responses: []llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{
			call("bad", tools.ToolReadFile, map[string]any{"path": "app.py"}),
		}},
		{Content: "done"},
	}}
	loop := toolloop.New(client, newExecutor(t), nil)

	out := loop.Run(context.Background(), &toolloop.Config{Transcript: seeded()})

	require.Equal(t, toolloop.OutcomeSuccess, out.Kind, "err: %v", out.Err)
	records := out.Transcript.Records()
	require.Len(t, records, 1)
	assert.Equal(t, toolerrors.KindInvalidToolCall.String(), records[0].ErrorKind())

	msgs := client.requests[1].Messages
	assert.True(t, msgs[len(msgs)-1].ToolResults[0].IsError)
}

// slowExecutor finishes earlier calls last.
type slowExecutor struct {
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (s *slowExecutor) Execute(_ context.Context, c llm.ToolCall) toolexec.ToolCallRecord {
	s.mu.Lock()
	s.active++
	if s.active > s.maxSeen {
		s.maxSeen = s.active
	}
	s.mu.Unlock()

	delay := time.Duration(c.Parameters["delay_ms"].(float64)) * time.Millisecond
	time.Sleep(delay)

	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	return toolexec.ToolCallRecord{CallID: c.ID, ToolName: c.Name, Output: `{}`}
}

func TestToolResultsKeepRequestOrder(t *testing.T) {
	calls := []llm.ToolCall{
		call("a", "slow", map[string]any{"delay_ms": float64(40)}),
		call("b", "slow", map[string]any{"delay_ms": float64(30)}),
		call("c", "slow", map[string]any{"delay_ms": float64(20)}),
		call("d", "slow", map[string]any{"delay_ms": float64(10)}),
		call("e", "slow", map[string]any{"delay_ms": float64(1)}),
	}
	client := &mockLLMClient{responses: []llm.CompletionResponse{{ToolCalls: calls}, {Content: "ok"}}}
	exec := &slowExecutor{}
	loop := toolloop.New(client, exec, nil)

	out := loop.Run(context.Background(), &toolloop.Config{Transcript: seeded(), ToolConcurrency: 2})

	require.Equal(t, toolloop.OutcomeSuccess, out.Kind, "err: %v", out.Err)
	var ids []string
	for _, rec := range out.Transcript.Records() {
		ids = append(ids, rec.CallID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
	assert.LessOrEqual(t, exec.maxSeen, 2)
}

func TestSecurityViolation(t *testing.T) {
	escape := call("", tools.ToolReadFile, map[string]any{tools.ParamFilePath: "../../etc/passwd"})
	client := &mockLLMClient{
		repeat:    true,
		responses: []llm.CompletionResponse{{ToolCalls: []llm.ToolCall{escape}}},
	}
	loop := toolloop.New(client, newExecutor(t), nil)

	out := loop.Run(context.Background(), &toolloop.Config{Transcript: seeded(), MaxPathViolations: 1})

	assert.Equal(t, toolloop.OutcomeFatalError, out.Kind)
	assert.Equal(t, toolloop.ReasonSecurityViolation, out.Reason)
	require.ErrorIs(t, out.Err, toolloop.ErrSecurityViolation)
	assert.Equal(t, 2, out.PathViolations)
	assert.Equal(t, 2, out.Iterations)
}

func TestCanceledContext(t *testing.T) {
	client := &mockLLMClient{responses: []llm.CompletionResponse{{Content: "never"}}}
	loop := toolloop.New(client, newExecutor(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := loop.Run(ctx, &toolloop.Config{Transcript: seeded()})

	assert.Equal(t, toolloop.OutcomeFatalError, out.Kind)
	assert.Equal(t, toolloop.ReasonCanceled, out.Reason)
	assert.True(t, toolloop.IsCanceled(&out))
	require.ErrorIs(t, out.Err, context.Canceled)
	assert.Empty(t, client.requests)
}

func TestModelErrorIsFatal(t *testing.T) {
	client := &mockLLMClient{err: llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key")}
	loop := toolloop.New(client, newExecutor(t), nil)

	out := loop.Run(context.Background(), &toolloop.Config{Transcript: seeded()})

	assert.Equal(t, toolloop.OutcomeFatalError, out.Kind)
	assert.Equal(t, toolloop.ReasonModelError, out.Reason)
	assert.True(t, llmerrors.Is(out.Err, llmerrors.ErrorTypeAuth))
	assert.Zero(t, out.Iterations)
}

func TestEmptyTranscriptRejected(t *testing.T) {
	client := &mockLLMClient{}
	loop := toolloop.New(client, newExecutor(t), nil)

	out := loop.Run(context.Background(), &toolloop.Config{})
	require.ErrorIs(t, out.Err, toolloop.ErrEmptyTranscript)
	assert.Empty(t, client.requests)
}

func TestMissingCallIDsAreAssigned(t *testing.T) {
	client := &mockLLMClient{responses: []llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{call("", tools.ToolListDirectory, map[string]any{tools.ParamDirPath: "."})}},
		{Content: "ok"},
	}}
	loop := toolloop.New(client, newExecutor(t), nil)

	out := loop.Run(context.Background(), &toolloop.Config{Transcript: seeded()})
	require.Equal(t, toolloop.OutcomeSuccess, out.Kind, "err: %v", out.Err)

	assistant := out.Transcript.At(2)
	rec := out.Transcript.Records()[0]
	require.NotEmpty(t, assistant.ToolCalls[0].ID)
	assert.Equal(t, assistant.ToolCalls[0].ID, rec.CallID)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, toolloop.CanTransition(toolloop.StateAwaitingModel, toolloop.StateAwaitingToolExecution))
	assert.True(t, toolloop.CanTransition(toolloop.StateAwaitingToolExecution, toolloop.StateTerminated))
	assert.False(t, toolloop.CanTransition(toolloop.StateTerminated, toolloop.StateAwaitingModel))
	assert.Equal(t, "FatalError", toolloop.OutcomeFatalError.String())
}

func TestCarriedCountersCountTowardLimits(t *testing.T) {
	client := &mockLLMClient{
		repeat: true,
		responses: []llm.CompletionResponse{{ToolCalls: []llm.ToolCall{
			call("", tools.ToolListDirectory, map[string]any{tools.ParamDirPath: "."}),
		}}},
	}
	loop := toolloop.New(client, newExecutor(t), nil)

	out := loop.Run(context.Background(), &toolloop.Config{
		Transcript:      seeded(),
		MaxIterations:   5,
		StartIterations: 4,
	})

	assert.Equal(t, toolloop.LimitIterations, out.Reason)
	assert.Equal(t, 5, out.Iterations)
	assert.Len(t, client.requests, 1)
}
