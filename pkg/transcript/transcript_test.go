package transcript

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/toolerrors"
	"stackscope/pkg/toolexec"
)

func sampleRecords() []toolexec.ToolCallRecord {
	return []toolexec.ToolCallRecord{
		{CallID: "c1", ToolName: "read_file", Output: `{"content":"x = 1\n"}`},
		{
			CallID:   "c2",
			ToolName: "read_file",
			Output:   `{"error":"file not found"}`,
			Error:    &toolerrors.Payload{Kind: toolerrors.KindNotFound.String(), Message: "file not found"},
		},
	}
}

func TestAppendDoesNotMutateReceiver(t *testing.T) {
	base := New(System("sys"), User("trace"))
	next := base.Append(Assistant("", []llm.ToolCall{{ID: "c1", Name: "read_file"}}))

	assert.Equal(t, 2, base.Len())
	assert.Equal(t, 3, next.Len())

	// Two branches from the same base must not share backing storage.
	a := base.Append(User("a"))
	b := base.Append(User("b"))
	assert.Equal(t, "a", a.At(2).Content)
	assert.Equal(t, "b", b.At(2).Content)
}

func TestAppendCopiesSlices(t *testing.T) {
	calls := []llm.ToolCall{{ID: "c1", Name: "read_file"}}
	tr := New(Assistant("", calls))
	calls[0].Name = "changed"

	assert.Equal(t, "read_file", tr.At(0).ToolCalls[0].Name)

	entries := tr.Entries()
	entries[0].ToolCalls[0].Name = "changed again"
	assert.Equal(t, "read_file", tr.At(0).ToolCalls[0].Name)
}

func TestAppendNothingReturnsSame(t *testing.T) {
	tr := New(User("x"))
	assert.Equal(t, 1, tr.Append().Len())
	assert.Equal(t, 0, Transcript{}.Len())
}

func TestLast(t *testing.T) {
	_, ok := Transcript{}.Last()
	assert.False(t, ok)

	last, ok := New(User("a"), User("b")).Last()
	require.True(t, ok)
	assert.Equal(t, "b", last.Content)
}

func TestMessages(t *testing.T) {
	tr := New(
		System("sys"),
		User("trace"),
		Assistant("looking", []llm.ToolCall{{ID: "c1", Name: "read_file"}, {ID: "c2", Name: "read_file"}}),
		ToolResults(sampleRecords()),
	)

	msgs := tr.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, llm.RoleUser, msgs[1].Role)
	assert.Equal(t, llm.RoleAssistant, msgs[2].Role)
	assert.Len(t, msgs[2].ToolCalls, 2)

	results := msgs[3].ToolResults
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "read_file", results[0].ToolName)
	assert.False(t, results[0].IsError)
	assert.Equal(t, "c2", results[1].ToolCallID)
	assert.True(t, results[1].IsError)
	assert.Contains(t, results[1].Content, "file not found")
}

func TestRecords(t *testing.T) {
	tr := New(User("trace"), ToolResults(sampleRecords()[:1]), ToolResults(sampleRecords()[1:]))
	recs := tr.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "c1", recs[0].CallID)
	assert.Equal(t, "c2", recs[1].CallID)
}

func TestCountTokensNilCounter(t *testing.T) {
	tr := New(User("12345678"))
	assert.Equal(t, 2, tr.CountTokens(nil))
	assert.Zero(t, Transcript{}.CountTokens(nil))
}

func TestJSONRoundTrip(t *testing.T) {
	tr := New(User("trace"), ToolResults(sampleRecords()))
	data, err := json.Marshal(tr)
	require.NoError(t, err)

	var back Transcript
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, 2, back.Len())
	assert.Equal(t, KindToolResults, back.At(1).Kind)
	assert.True(t, back.Records()[1].Failed())

	empty, err := json.Marshal(Transcript{})
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(empty))
}
