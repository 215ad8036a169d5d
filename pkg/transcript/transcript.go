// Package transcript holds the ordered record of one analysis conversation.
//
// A Transcript is a value. Append returns a new Transcript and never changes
// what earlier holders of the receiver can observe, so each loop iteration can
// hand its transcript to the next without copying defensively.
package transcript

import (
	"encoding/json"
	"fmt"
	"slices"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/toolexec"
	"stackscope/pkg/utils"
)

// Kind identifies an entry type.
type Kind string

// Entry kinds.
const (
	KindSystem      Kind = "system"
	KindUser        Kind = "user"
	KindAssistant   Kind = "assistant"
	KindToolResults Kind = "tool_results"
)

// Entry is one element of the transcript. Assistant entries may carry tool
// calls; tool-results entries carry one record per call, in request order.
type Entry struct {
	Kind      Kind                      `json:"kind"`
	Content   string                    `json:"content,omitempty"`
	ToolCalls []llm.ToolCall            `json:"tool_calls,omitempty"`
	Records   []toolexec.ToolCallRecord `json:"records,omitempty"`
}

// System creates a system directive entry.
func System(content string) Entry { return Entry{Kind: KindSystem, Content: content} }

// User creates a user prompt entry.
func User(content string) Entry { return Entry{Kind: KindUser, Content: content} }

// Assistant creates a model turn entry.
func Assistant(content string, calls []llm.ToolCall) Entry {
	return Entry{Kind: KindAssistant, Content: content, ToolCalls: calls}
}

// ToolResults creates an entry holding the records of one turn's tool calls.
func ToolResults(records []toolexec.ToolCallRecord) Entry {
	return Entry{Kind: KindToolResults, Records: records}
}

// clone copies the entry's slices so later mutation by the caller is not visible.
func (e Entry) clone() Entry {
	e.ToolCalls = slices.Clone(e.ToolCalls)
	e.Records = slices.Clone(e.Records)
	return e
}

// Transcript is an append-only ordered sequence of entries. The zero value is empty.
type Transcript struct {
	entries []Entry
}

// New returns a transcript holding entries.
func New(entries ...Entry) Transcript {
	return Transcript{}.Append(entries...)
}

// Append returns a new transcript with entries added at the end.
func (t Transcript) Append(entries ...Entry) Transcript {
	if len(entries) == 0 {
		return t
	}
	next := make([]Entry, len(t.entries), len(t.entries)+len(entries))
	copy(next, t.entries)
	for _, e := range entries {
		next = append(next, e.clone())
	}
	return Transcript{entries: next}
}

// Len returns the number of entries.
func (t Transcript) Len() int { return len(t.entries) }

// At returns a copy of entry i.
func (t Transcript) At(i int) Entry { return t.entries[i].clone() }

// Entries returns a copy of all entries.
func (t Transcript) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.clone()
	}
	return out
}

// Last returns the final entry and false when the transcript is empty.
func (t Transcript) Last() (Entry, bool) {
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return t.At(len(t.entries) - 1), true
}

// Records returns all tool call records in order.
func (t Transcript) Records() []toolexec.ToolCallRecord {
	var out []toolexec.ToolCallRecord
	for _, e := range t.entries {
		out = append(out, e.Records...)
	}
	return out
}

// Messages renders the transcript as model messages.
func (t Transcript) Messages() []llm.CompletionMessage {
	msgs := make([]llm.CompletionMessage, 0, len(t.entries))
	for _, e := range t.entries {
		switch e.Kind {
		case KindSystem:
			msgs = append(msgs, llm.NewSystemMessage(e.Content))
		case KindUser:
			msgs = append(msgs, llm.NewUserMessage(e.Content))
		case KindAssistant:
			msgs = append(msgs, llm.NewAssistantMessage(e.Content, slices.Clone(e.ToolCalls)))
		case KindToolResults:
			results := make([]llm.ToolResult, len(e.Records))
			for i := range e.Records {
				rec := &e.Records[i]
				results[i] = llm.ToolResult{
					ToolCallID: rec.CallID,
					ToolName:   rec.ToolName,
					Content:    rec.Output,
					IsError:    rec.Failed(),
				}
			}
			msgs = append(msgs, llm.NewToolResultsMessage(results))
		}
	}
	return msgs
}

// CountTokens estimates the transcript size with counter. A nil counter
// falls back to a character heuristic.
func (t Transcript) CountTokens(counter *utils.TokenCounter) int {
	total := 0
	for _, e := range t.entries {
		total += counter.CountTokens(e.Content)
		for i := range e.ToolCalls {
			tc := &e.ToolCalls[i]
			total += counter.CountTokens(tc.Name)
			if args, err := json.Marshal(tc.Parameters); err == nil {
				total += counter.CountTokens(string(args))
			}
		}
		for i := range e.Records {
			total += counter.CountTokens(e.Records[i].Output)
		}
	}
	return total
}

// MarshalJSON encodes the entries as a JSON array.
func (t Transcript) MarshalJSON() ([]byte, error) {
	if t.entries == nil {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(t.entries)
	if err != nil {
		return nil, fmt.Errorf("marshal transcript: %w", err)
	}
	return data, nil
}

// UnmarshalJSON decodes a JSON array of entries.
func (t *Transcript) UnmarshalJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("unmarshal transcript: %w", err)
	}
	*t = Transcript{entries: entries}
	return nil
}
