// Package validation provides request and response validation middleware for LLM clients.
package validation

import (
	"fmt"
	"strings"

	"stackscope/pkg/agent/llm"
)

// MessageValidationError represents a validation error for completion messages.
type MessageValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e MessageValidationError) Error() string {
	return fmt.Sprintf("message validation error - %s: '%s' (%s)", e.Field, e.Value, e.Reason)
}

// ValidateMessages checks a conversation before it is sent: at least one
// message, valid roles, non-empty turns, and every tool result answering a
// tool call issued by an earlier assistant turn.
func ValidateMessages(messages []llm.CompletionMessage) error {
	if len(messages) == 0 {
		return MessageValidationError{
			Field:  "messages",
			Value:  "[]",
			Reason: "at least one message is required",
		}
	}

	issued := map[string]bool{}
	for i := range messages {
		msg := &messages[i]
		if err := ValidateMessage(msg); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		for j := range msg.ToolCalls {
			issued[msg.ToolCalls[j].ID] = true
		}
		for j := range msg.ToolResults {
			id := msg.ToolResults[j].ToolCallID
			if !issued[id] {
				return fmt.Errorf("message %d: %w", i, MessageValidationError{
					Field:  "tool_call_id",
					Value:  id,
					Reason: "tool result does not answer an earlier tool call",
				})
			}
		}
	}
	return nil
}

// ValidateMessage validates a single completion message.
func ValidateMessage(msg *llm.CompletionMessage) error {
	if err := ValidateRole(msg.Role); err != nil {
		return err
	}

	switch {
	case len(msg.ToolCalls) > 0 && msg.Role != llm.RoleAssistant:
		return MessageValidationError{Field: "tool_calls", Value: string(msg.Role), Reason: "only assistant messages may carry tool calls"}
	case len(msg.ToolResults) > 0 && msg.Role != llm.RoleUser:
		return MessageValidationError{Field: "tool_results", Value: string(msg.Role), Reason: "only user messages may carry tool results"}
	case len(msg.ToolCalls) > 0 || len(msg.ToolResults) > 0:
		return nil
	}
	return ValidateContent(msg.Content)
}

// ValidateRole validates that a role is valid and non-empty.
func ValidateRole(role llm.CompletionRole) error {
	roleStr := string(role)
	if strings.TrimSpace(roleStr) == "" {
		return MessageValidationError{
			Field:  "role",
			Value:  roleStr,
			Reason: "role cannot be empty",
		}
	}

	if role != llm.RoleUser && role != llm.RoleAssistant && role != llm.RoleSystem {
		return MessageValidationError{
			Field:  "role",
			Value:  roleStr,
			Reason: "role must be one of: user, assistant, system",
		}
	}
	return nil
}

// ValidateContent validates that content is not empty.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return MessageValidationError{
			Field:  "content",
			Value:  content,
			Reason: "content cannot be empty or whitespace-only",
		}
	}
	return nil
}
