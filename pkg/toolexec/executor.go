// Package toolexec runs model-issued tool calls through the decoder, the
// dispatcher and a retry policy, producing one ToolCallRecord per call.
package toolexec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/middleware/resilience/retry"
	"stackscope/pkg/logx"
	"stackscope/pkg/toolerrors"
	"stackscope/pkg/tools"
)

// DefaultTimeout bounds a single tool attempt.
const DefaultTimeout = 30 * time.Second

// ToolCallRecord is the immutable account of one tool call. Output is the
// JSON text handed back to the model, for failures as well as successes.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type ToolCallRecord struct {
	CallID     string              `json:"call_id"`
	ToolName   string              `json:"tool_name"`
	Arguments  map[string]any      `json:"arguments"`
	Output     string              `json:"output"`
	Error      *toolerrors.Payload `json:"error,omitempty"`
	RetryCount int                 `json:"retry_count"`
	Duration   time.Duration       `json:"duration"`
}

// Failed reports whether the call ended in an error.
func (r *ToolCallRecord) Failed() bool {
	return r.Error != nil
}

// ErrorKind returns the error kind name, or "" on success.
func (r *ToolCallRecord) ErrorKind() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Kind
}

// Observer is notified after every call completes.
type Observer interface {
	ObserveToolCall(rec *ToolCallRecord)
}

// Options configures an Executor. Zero values take defaults.
type Options struct {
	Policy   *retry.Policy
	Observer Observer
	Timeout  time.Duration
}

// Runner executes one decoded command. *tools.Dispatcher implements it.
type Runner interface {
	Execute(ctx context.Context, cmd tools.Command) (any, error)
}

// Executor applies the retry policy uniformly to every tool.
type Executor struct {
	dispatcher Runner
	policy     *retry.Policy
	observer   Observer
	logger     *logx.Logger
	timeout    time.Duration
}

// NewPolicy returns the tool retry policy for cfg: only transient tool errors
// are retried.
func NewPolicy(cfg retry.Config) *retry.Policy {
	return retry.NewPolicy(cfg, toolerrors.IsTransient)
}

// New creates an executor over d.
func New(d Runner, opts Options) *Executor {
	if opts.Policy == nil {
		opts.Policy = NewPolicy(retry.DefaultToolConfig)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Executor{
		dispatcher: d,
		policy:     opts.Policy,
		observer:   opts.Observer,
		logger:     logx.NewLogger("toolexec"),
		timeout:    opts.Timeout,
	}
}

// Execute decodes and runs call. It never returns an error: failures are
// captured in the record so they can be fed back to the model.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) ToolCallRecord {
	start := time.Now()
	rec := ToolCallRecord{
		CallID:    call.ID,
		ToolName:  call.Name,
		Arguments: copyArgs(call.Parameters),
	}
	if rec.CallID == "" {
		rec.CallID = "call_" + uuid.NewString()
	}

	result, retries, err := e.run(ctx, call)
	rec.RetryCount = retries
	rec.Duration = time.Since(start)

	output, fmtErr := tools.FormatResult(result, err)
	if fmtErr != nil {
		err = toolerrors.Wrap(toolerrors.KindInternal, call.Name, "", fmtErr)
		output, _ = tools.FormatResult(nil, err)
	}
	rec.Output = output
	if err != nil {
		payload := toolerrors.ToPayload(err)
		rec.Error = &payload
		e.logger.Debug("%s failed after %d retries: %s", call.Name, retries, payload.Message)
	}

	if e.observer != nil {
		e.observer.ObserveToolCall(&rec)
	}
	return rec
}

func (e *Executor) run(ctx context.Context, call llm.ToolCall) (any, int, error) {
	cmd, err := tools.Decode(call.Name, call.Parameters)
	if err != nil {
		return nil, 0, err
	}

	var result any
	retries, exhausted, err := retry.Do(ctx, e.policy, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			e.logger.Warn("retrying %s (attempt %d/%d)", call.Name, attempt, e.policy.Config.MaxAttempts)
		}
		v, attemptErr := e.attempt(ctx, cmd)
		if attemptErr == nil {
			result = v
		}
		return attemptErr
	})
	if exhausted {
		err = escalate(call.Name, err, retries+1)
	}
	return result, retries, err
}

// attempt runs cmd once under the per-attempt timeout. Filesystem calls that
// ignore the context are abandoned on timeout; the goroutine finishes on its own.
func (e *Executor) attempt(ctx context.Context, cmd tools.Command) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := e.dispatcher.Execute(attemptCtx, cmd)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil || attemptCtx.Err() == nil {
			return out.value, out.err
		}
	case <-attemptCtx.Done():
	}

	if parentErr := ctx.Err(); parentErr != nil {
		return nil, toolerrors.Wrap(toolerrors.KindInternal, cmd.ToolName(), "", parentErr)
	}
	te := toolerrors.Wrap(toolerrors.KindTransient, cmd.ToolName(), "", attemptCtx.Err())
	te.Message = fmt.Sprintf("tool execution timed out after %s", e.timeout)
	return nil, te
}

// escalate marks the last error of an exhausted retry loop.
func escalate(op string, err error, attempts int) error {
	out := &toolerrors.Error{Kind: toolerrors.KindTransient, Op: op, Err: err, Exhausted: true}
	var te *toolerrors.Error
	if errors.As(err, &te) {
		clone := *te
		clone.Kind = toolerrors.KindTransient
		clone.Exhausted = true
		out = &clone
	}
	msg := out.Message
	if msg == "" && out.Err != nil {
		msg = out.Err.Error()
	}
	out.Message = fmt.Sprintf("retries exhausted after %d attempts: %s", attempts, msg)
	return out
}

func copyArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
