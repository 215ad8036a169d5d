// Package agent builds model clients for an analysis run.
//
// Layout:
//   - llm: provider-neutral request, response and middleware types
//   - llmerrors: classified transport errors
//   - middleware: metrics, logging, validation and resilience layers
//   - toolloop: the tool-calling state machine
//
// Provider implementations live under internal/llmimpl and are reached only
// through LLMClientFactory.
package agent
