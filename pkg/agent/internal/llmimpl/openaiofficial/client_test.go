package openaiofficial

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/llmerrors"
	"stackscope/pkg/tools"
)

// TestGetModelName tests model name retrieval.
func TestGetModelName(t *testing.T) {
	client := NewOfficialClientWithModel("test-key", "o3")
	assert.Equal(t, "o3", client.GetModelName())
}

func TestAcceptsTemperature(t *testing.T) {
	assert.True(t, acceptsTemperature("gpt-4o"))
	assert.False(t, acceptsTemperature("gpt-5"))
	assert.False(t, acceptsTemperature("o3-mini"))
}

func TestConvertMessages(t *testing.T) {
	msgs := []llm.CompletionMessage{
		llm.NewSystemMessage("investigate"),
		llm.NewUserMessage("Traceback"),
		llm.NewAssistantMessage("checking", []llm.ToolCall{{ID: "call_1", Name: tools.ToolReadFile, Parameters: map[string]any{"file_path": "a.py"}}}),
		llm.NewToolResultsMessage([]llm.ToolResult{{ToolCallID: "call_1", Content: "{}"}}),
	}
	items, instructions, err := convertMessages(msgs)
	require.NoError(t, err)
	assert.Equal(t, "investigate", instructions)
	// user text, assistant text, function call, function output
	assert.Len(t, items, 4)

	_, _, err = convertMessages([]llm.CompletionMessage{llm.NewSystemMessage("only")})
	assert.Error(t, err)
	_, _, err = convertMessages(nil)
	assert.Error(t, err)
}

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

func TestCompleteParsesFunctionCall(t *testing.T) {
	var seen map[string]any
	srv := fakeAPI(t, http.StatusOK, `{
		"id": "resp_1", "object": "response", "created_at": 0, "status": "completed", "model": "gpt-4o",
		"output": [
			{"type": "function_call", "id": "fc_1", "call_id": "call_1", "name": "read_file",
			 "arguments": "{\"file_path\":\"app.py\"}", "status": "completed"}
		],
		"usage": {"input_tokens": 5, "output_tokens": 2, "total_tokens": 7}
	}`, &seen)

	client := NewOfficialClientWithModel("k", "gpt-4o", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewSystemMessage("sys"), llm.NewUserMessage("Traceback")})
	req.Tools = tools.Definitions()

	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "app.py", resp.ToolCalls[0].Parameters["file_path"])
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, llm.Usage{InputTokens: 5, OutputTokens: 2}, resp.Usage)

	assert.Equal(t, "sys", seen["instructions"])
	assert.Len(t, seen["tools"], len(tools.Definitions()))
}

func TestCompleteParsesText(t *testing.T) {
	srv := fakeAPI(t, http.StatusOK, `{
		"id": "resp_2", "object": "response", "created_at": 0, "status": "completed", "model": "gpt-4o",
		"output": [
			{"type": "message", "id": "msg_1", "role": "assistant", "status": "completed",
			 "content": [{"type": "output_text", "text": "root cause found", "annotations": []}]}
		],
		"usage": {"input_tokens": 5, "output_tokens": 3, "total_tokens": 8}
	}`, nil)
	client := NewOfficialClientWithModel("k", "gpt-4o", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, "root cause found", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
}

func TestCompleteClassifiesStatus(t *testing.T) {
	srv := fakeAPI(t, http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, nil)
	client := NewOfficialClientWithModel("k", "gpt-4o", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeRateLimit), "got %v", err)
}

// TestConvertPropertyToSchema tests property to schema conversion.
func TestConvertPropertyToSchema(t *testing.T) {
	tests := []struct {
		name     string
		property tools.Property
		wantType string
		hasEnum  bool
		hasItems bool
	}{
		{
			name: "simple string",
			property: tools.Property{
				Type:        "string",
				Description: "A string value",
			},
			wantType: "string",
			hasEnum:  false,
		},
		{
			name: "string with enum",
			property: tools.Property{
				Type:        "string",
				Description: "Color choice",
				Enum:        []string{"red", "green", "blue"},
			},
			wantType: "string",
			hasEnum:  true,
		},
		{
			name: "array type",
			property: tools.Property{
				Type:        "array",
				Description: "List of items",
				Items: &tools.Property{
					Type:        "string",
					Description: "Item",
				},
			},
			wantType: "array",
			hasItems: true,
		},
		{
			name: "number type",
			property: tools.Property{
				Type:        "number",
				Description: "A number",
			},
			wantType: "number",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := convertPropertyToSchema(&tt.property)

			if schema["type"] != tt.wantType {
				t.Errorf("expected type %q, got %v", tt.wantType, schema["type"])
			}

			if schema["description"] != tt.property.Description {
				t.Errorf("expected description %q, got %v", tt.property.Description, schema["description"])
			}

			if tt.hasEnum {
				if _, ok := schema["enum"]; !ok {
					t.Error("expected enum field to be set")
				}
			}

			if tt.hasItems {
				if _, ok := schema["items"]; !ok {
					t.Error("expected items field to be set")
				}
			}
		})
	}
}

