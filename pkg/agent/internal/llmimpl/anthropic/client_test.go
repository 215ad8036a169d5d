package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/llmerrors"
	"stackscope/pkg/tools"
)

// TestEnsureAlternation tests the message alternation logic.
func TestEnsureAlternation(t *testing.T) {
	tests := []struct {
		name         string
		input        []llm.CompletionMessage
		expectSystem string
		expectMsgLen int
		errContains  string
	}{
		{
			name:        "empty messages",
			input:       []llm.CompletionMessage{},
			errContains: "message list cannot be empty",
		},
		{
			name: "multiple system messages concatenated",
			input: []llm.CompletionMessage{
				{Role: llm.RoleSystem, Content: "You are helpful"},
				{Role: llm.RoleSystem, Content: "And concise"},
				{Role: llm.RoleUser, Content: "Hello"},
			},
			expectSystem: "You are helpful\n\nAnd concise",
			expectMsgLen: 1,
		},
		{
			name: "tool round trip keeps alternation",
			input: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Traceback"},
				llm.NewAssistantMessage("", []llm.ToolCall{{ID: "t1", Name: tools.ToolReadFile}}),
				llm.NewToolResultsMessage([]llm.ToolResult{{ToolCallID: "t1", Content: "{}"}}),
			},
			expectMsgLen: 3,
		},
		{
			name: "consecutive user messages merged",
			input: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Hello"},
				{Role: llm.RoleUser, Content: "Anyone there?"},
			},
			expectMsgLen: 1,
		},
		{
			name: "starts with assistant",
			input: []llm.CompletionMessage{
				{Role: llm.RoleAssistant, Content: "Hi"},
				{Role: llm.RoleUser, Content: "Hello"},
			},
			errContains: "first message must be user",
		},
		{
			name: "ends with assistant returns error",
			input: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Hello"},
				{Role: llm.RoleAssistant, Content: "Hi"},
			},
			errContains: "last message must be user",
		},
		{
			name:        "unknown role",
			input:       []llm.CompletionMessage{{Role: "tool", Content: "x"}},
			errContains: "invalid role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, msgs, err := ensureAlternation(tt.input)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectSystem, system)
			assert.Len(t, msgs, tt.expectMsgLen)
		})
	}
}

func TestEnsureAlternationMergesToolResults(t *testing.T) {
	in := []llm.CompletionMessage{
		{Role: llm.RoleUser, Content: "Traceback"},
		llm.NewAssistantMessage("", []llm.ToolCall{{ID: "a"}, {ID: "b"}}),
		llm.NewToolResultsMessage([]llm.ToolResult{{ToolCallID: "a"}}),
		llm.NewToolResultsMessage([]llm.ToolResult{{ToolCallID: "b"}}),
	}
	_, msgs, err := ensureAlternation(in)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Len(t, msgs[2].ToolResults, 2)
	assert.Len(t, in[2].ToolResults, 1, "input must not be mutated")
}

func TestBuildTools(t *testing.T) {
	out := buildTools(tools.Definitions())
	require.Len(t, out, len(tools.Definitions()))
	for _, tool := range out {
		require.NotNil(t, tool.OfTool)
		assert.NotEmpty(t, tool.OfTool.Name)
	}
}

// fakeAPI serves one canned Messages API response and records the request body.
func fakeAPI(t *testing.T, status int, body string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if seen != nil {
			_ = json.Unmarshal(raw, seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCompleteParsesToolUse(t *testing.T) {
	var seen map[string]any
	srv := fakeAPI(t, http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
		"content": [
			{"type": "text", "text": "Let me look."},
			{"type": "tool_use", "id": "toolu_1", "name": "read_file", "input": {"file_path": "app.py"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 12, "output_tokens": 3}
	}`, &seen)

	client := NewClaudeClientWithModel("test-key", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("investigate"),
		llm.NewUserMessage("Traceback"),
	})
	req.Tools = tools.Definitions()

	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Let me look.", resp.Content)
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, llm.Usage{InputTokens: 12, OutputTokens: 3}, resp.Usage)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "app.py", resp.ToolCalls[0].Parameters["file_path"])

	assert.Equal(t, "claude-test", seen["model"])
	assert.Len(t, seen["tools"], len(tools.Definitions()))
}

func TestCompleteClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   llmerrors.ErrorType
	}{
		{http.StatusTooManyRequests, llmerrors.ErrorTypeRateLimit},
		{http.StatusUnauthorized, llmerrors.ErrorTypeAuth},
		{http.StatusBadRequest, llmerrors.ErrorTypeBadPrompt},
		{http.StatusInternalServerError, llmerrors.ErrorTypeTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := fakeAPI(t, tt.status, `{"type":"error","error":{"type":"x","message":"nope"}}`, nil)
			client := NewClaudeClientWithModel("k", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
			_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
			require.Error(t, err)
			assert.True(t, llmerrors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestCompleteEmptyContent(t *testing.T) {
	srv := fakeAPI(t, http.StatusOK, `{"id":"m","type":"message","role":"assistant","model":"c","content":[],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":0}}`, nil)
	client := NewClaudeClientWithModel("k", "c", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse))
}

func TestCompleteRejectsBadSequence(t *testing.T) {
	client := NewClaudeClientWithModel("k", "c")
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewSystemMessage("only system")}))
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt))
	assert.True(t, strings.Contains(err.Error(), "non-system"))
}

// TestGetModelName tests model name retrieval.
func TestGetModelName(t *testing.T) {
	client := NewClaudeClientWithModel("test-key", "claude-sonnet-4-5")
	assert.Equal(t, "claude-sonnet-4-5", client.GetModelName())
}
