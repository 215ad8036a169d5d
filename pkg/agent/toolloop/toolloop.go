// Package toolloop drives the tool-calling conversation with a model until
// it returns a final answer or a limit is hit.
package toolloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/middleware/metrics"
	"stackscope/pkg/logx"
	"stackscope/pkg/toolerrors"
	"stackscope/pkg/toolexec"
	"stackscope/pkg/tools"
	"stackscope/pkg/transcript"
	"stackscope/pkg/utils"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxIterations   = 20
	DefaultToolConcurrency = 4
)

const tracerName = "stackscope/toolloop"

// ToolExecutor runs one model-issued tool call. *toolexec.Executor implements it.
type ToolExecutor interface {
	Execute(ctx context.Context, call llm.ToolCall) toolexec.ToolCallRecord
}

// ToolLoop manages model interactions with tool calling.
type ToolLoop struct {
	llmClient llm.LLMClient
	executor  ToolExecutor
	logger    *logx.Logger
	recorder  metrics.Recorder
	tracer    trace.Tracer
}

// Option customizes a ToolLoop.
type Option func(*ToolLoop)

// WithRecorder reports run outcomes to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(tl *ToolLoop) { tl.recorder = r }
}

// WithTracer replaces the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(tl *ToolLoop) { tl.tracer = t }
}

// New creates a new ToolLoop instance.
func New(llmClient llm.LLMClient, executor ToolExecutor, logger *logx.Logger, opts ...Option) *ToolLoop {
	if logger == nil {
		logger = logx.NewLogger("toolloop")
	}
	tl := &ToolLoop{
		llmClient: llmClient,
		executor:  executor,
		logger:    logger,
		recorder:  metrics.Nop(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(tl)
	}
	return tl
}

// Config defines how one run behaves.
//
//nolint:govet // fieldalignment: struct fields ordered for clarity over memory alignment
type Config struct {
	// Transcript seeds the conversation: a system directive and the first
	// user prompt, or the transcript of an earlier run to continue.
	Transcript transcript.Transcript

	// Tools offered to the model. Nil means the full catalog.
	Tools []tools.ToolDefinition

	// ToolChoice is passed through to the provider ("auto", "any" or "").
	ToolChoice string

	// MaxIterations caps model requests. Zero means DefaultMaxIterations.
	MaxIterations int

	// TokenBudget caps cumulative input plus output tokens. Zero disables it.
	TokenBudget int

	// MaxPathViolations is the number of sandbox escapes tolerated. One more
	// terminates the run.
	MaxPathViolations int

	// ToolConcurrency bounds parallel tool calls within one turn.
	ToolConcurrency int

	// MaxTokens and Temperature are sent with every request.
	MaxTokens   int
	Temperature float32

	// Phase labels metrics and spans.
	Phase string

	// Counters carried over from an earlier phase of the same analysis. The
	// limits above apply to the totals.
	StartIterations     int
	StartTokens         int
	StartPathViolations int

	// OnStateChange, if set, observes every state transition.
	OnStateChange func(from, to State)
}

// run carries per-run state between iterations.
type run struct {
	cfg        *Config
	state      State
	tr         transcript.Transcript
	iterations int
	tokens     int
	violations int
}

func (r *run) transition(to State) {
	if !CanTransition(r.state, to) {
		panic(fmt.Sprintf("toolloop: invalid transition %s -> %s", r.state, to))
	}
	from := r.state
	r.state = to
	if r.cfg.OnStateChange != nil {
		r.cfg.OnStateChange(from, to)
	}
}

// Run executes the loop. It always returns an Outcome; failures are
// reported through Outcome.Kind and Outcome.Err.
func (tl *ToolLoop) Run(ctx context.Context, cfg *Config) Outcome {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = DefaultToolConcurrency
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = llm.DefaultMaxTokens
	}
	toolDefs := cfg.Tools
	if toolDefs == nil {
		toolDefs = tools.Definitions()
	}
	if cfg.Phase != "" {
		ctx = metrics.WithPhase(ctx, cfg.Phase)
	}

	ctx, span := tl.tracer.Start(ctx, "toolloop.run", trace.WithAttributes(
		attribute.String("model", tl.llmClient.GetModelName()),
		attribute.String("phase", cfg.Phase),
	))
	defer span.End()

	r := &run{
		cfg:        cfg,
		state:      StateAwaitingModel,
		tr:         cfg.Transcript,
		iterations: cfg.StartIterations,
		tokens:     cfg.StartTokens,
		violations: cfg.StartPathViolations,
	}
	if !hasUserPrompt(r.tr) {
		return tl.finish(span, r, Outcome{Kind: OutcomeFatalError, Reason: ReasonModelError, Err: ErrEmptyTranscript})
	}

	for {
		if err := ctx.Err(); err != nil {
			return tl.finish(span, r, canceled(err))
		}
		if r.iterations >= cfg.MaxIterations {
			tl.logger.Warn("⚠️  Maximum tool iterations (%d) reached", cfg.MaxIterations)
			return tl.finish(span, r, Outcome{
				Kind:   OutcomeLimitExceeded,
				Reason: LimitIterations,
				Err:    fmt.Errorf("%w: %d model requests", ErrIterationLimit, cfg.MaxIterations),
			})
		}
		if cfg.TokenBudget > 0 && r.tokens >= cfg.TokenBudget {
			tl.logger.Warn("⚠️  Token budget exhausted: %d of %d", r.tokens, cfg.TokenBudget)
			return tl.finish(span, r, Outcome{
				Kind:   OutcomeLimitExceeded,
				Reason: LimitTokens,
				Err:    fmt.Errorf("%w: used %d of %d", ErrTokenBudget, r.tokens, cfg.TokenBudget),
			})
		}

		req := llm.CompletionRequest{
			Messages:    r.tr.Messages(),
			Tools:       toolDefs,
			ToolChoice:  cfg.ToolChoice,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}

		resp, err := tl.complete(ctx, r.iterations+1, &req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return tl.finish(span, r, canceled(ctxErr))
			}
			return tl.finish(span, r, Outcome{
				Kind:   OutcomeFatalError,
				Reason: ReasonModelError,
				Err:    fmt.Errorf("LLM completion failed: %w", err),
			})
		}
		r.iterations++
		r.tokens += usedTokens(&req, &resp)
		assignCallIDs(resp.ToolCalls)
		r.tr = r.tr.Append(transcript.Assistant(resp.Content, resp.ToolCalls))

		if len(resp.ToolCalls) == 0 {
			return tl.finish(span, r, Outcome{Kind: OutcomeSuccess, Answer: resp.Content})
		}

		r.transition(StateAwaitingToolExecution)
		tl.logger.Info("Processing %d tool calls", len(resp.ToolCalls))
		records := tl.executeTools(ctx, cfg.ToolConcurrency, resp.ToolCalls)
		r.tr = r.tr.Append(transcript.ToolResults(records))

		for i := range records {
			if records[i].ErrorKind() == toolerrors.KindPathViolation.String() {
				r.violations++
			}
		}
		if r.violations > cfg.MaxPathViolations {
			tl.logger.Error("model requested %d paths outside the project root, stopping", r.violations)
			return tl.finish(span, r, Outcome{
				Kind:   OutcomeFatalError,
				Reason: ReasonSecurityViolation,
				Err:    fmt.Errorf("%w: %d (limit %d)", ErrSecurityViolation, r.violations, cfg.MaxPathViolations),
			})
		}

		r.transition(StateAwaitingModel)
		tl.logger.Info("🔄 Tools executed, continuing iteration")
	}
}

// complete issues one model request inside its own span.
func (tl *ToolLoop) complete(ctx context.Context, iteration int, req *llm.CompletionRequest) (llm.CompletionResponse, error) {
	ctx, span := tl.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.Int("iteration", iteration),
		attribute.Int("messages", len(req.Messages)),
	))
	defer span.End()

	tl.logger.Info("🔄 Starting LLM call to model '%s' with %d messages, %d max tokens, %d tools (iteration %d)",
		tl.llmClient.GetModelName(), len(req.Messages), req.MaxTokens, len(req.Tools), iteration)
	if logx.IsDebugEnabledForDomain("toolloop") {
		tl.logMessages(req.Messages)
	}

	start := time.Now()
	resp, err := tl.llmClient.Complete(ctx, *req)
	duration := time.Since(start)
	if err != nil {
		tl.logger.Error("❌ LLM call failed after %.3gs: %v", duration.Seconds(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err //nolint:wrapcheck // wrapped by Run
	}

	span.SetAttributes(
		attribute.Int("tool_calls", len(resp.ToolCalls)),
		attribute.Int("input_tokens", resp.Usage.InputTokens),
		attribute.Int("output_tokens", resp.Usage.OutputTokens),
	)
	tl.logger.Info("✅ LLM call completed in %.3gs, response length: %d chars, tool calls: %d",
		duration.Seconds(), len(resp.Content), len(resp.ToolCalls))
	return resp, nil
}

// executeTools runs calls concurrently and returns records in request order.
func (tl *ToolLoop) executeTools(ctx context.Context, limit int, calls []llm.ToolCall) []toolexec.ToolCallRecord {
	records := make([]toolexec.ToolCallRecord, len(calls))

	var g errgroup.Group
	g.SetLimit(limit)
	for i := range calls {
		g.Go(func() error {
			call := calls[i]
			toolCtx, span := tl.tracer.Start(ctx, "tool."+call.Name, trace.WithAttributes(
				attribute.String("call_id", call.ID),
			))
			defer span.End()

			tl.logger.Info("Executing tool: %s", call.Name)
			rec := tl.executor.Execute(toolCtx, call)
			span.SetAttributes(attribute.Int("retries", rec.RetryCount))
			if rec.Failed() {
				tl.logger.Warn("Tool %s failed after %.3fs: %s", call.Name, rec.Duration.Seconds(), rec.Error.Message)
				span.SetStatus(codes.Error, rec.Error.Kind)
			} else {
				tl.logger.Info("Tool %s completed in %.3fs", call.Name, rec.Duration.Seconds())
			}
			records[i] = rec
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	return records
}

func (tl *ToolLoop) finish(span trace.Span, r *run, out Outcome) Outcome {
	if r.state != StateTerminated {
		r.transition(StateTerminated)
	}
	out.Transcript = r.tr
	out.Iterations = r.iterations
	out.TokensUsed = r.tokens
	out.PathViolations = r.violations

	span.SetAttributes(
		attribute.String("outcome", out.Kind.String()),
		attribute.Int("iterations", out.Iterations),
		attribute.Int("tokens", out.TokensUsed),
	)
	if out.Err != nil {
		span.SetStatus(codes.Error, out.Err.Error())
	}
	tl.recorder.IncRunOutcome(out.Kind.String(), out.Reason)
	tl.logger.Info("run finished: %s %s after %d iterations, %d tokens", out.Kind, out.Reason, out.Iterations, out.TokensUsed)
	return out
}

func canceled(err error) Outcome {
	return Outcome{
		Kind:   OutcomeFatalError,
		Reason: ReasonCanceled,
		Err:    fmt.Errorf("%w: %w", ErrCanceled, err),
	}
}

// assignCallIDs gives every call an ID so results can be matched to it.
func assignCallIDs(calls []llm.ToolCall) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
}

func hasUserPrompt(tr transcript.Transcript) bool {
	for _, e := range tr.Entries() {
		if e.Kind == transcript.KindUser {
			return true
		}
	}
	return false
}

// usedTokens prefers provider-reported usage and estimates otherwise.
func usedTokens(req *llm.CompletionRequest, resp *llm.CompletionResponse) int {
	if total := resp.Usage.Total(); total > 0 {
		return total
	}
	return metrics.EstimatePromptTokens(*req) + utils.CountTokensSimple(resp.Content)
}

// IsCanceled reports whether out ended because the context was canceled or timed out.
func IsCanceled(out *Outcome) bool {
	return errors.Is(out.Err, ErrCanceled)
}

// logMessages logs detailed message information for debugging.
func (tl *ToolLoop) logMessages(messages []llm.CompletionMessage) {
	tl.logger.Debug("📝 Messages sent to LLM:")
	for i := range messages {
		msg := &messages[i]
		contentPreview := msg.Content
		if len(contentPreview) > 100 {
			contentPreview = contentPreview[:100] + "..."
		}

		toolInfo := ""
		if len(msg.ToolCalls) > 0 {
			toolInfo = fmt.Sprintf(", ToolCalls: %d", len(msg.ToolCalls))
		}
		if len(msg.ToolResults) > 0 {
			toolInfo += fmt.Sprintf(", ToolResults: %d", len(msg.ToolResults))
		}
		tl.logger.Debug("  [%d] Role: %s, Content: %q%s", i, msg.Role, contentPreview, toolInfo)

		for j := range msg.ToolCalls {
			tc := &msg.ToolCalls[j]
			tl.logger.Debug("    ToolCall[%d] ID=%s Name=%s Params=%v", j, tc.ID, tc.Name, tc.Parameters)
		}
		for j := range msg.ToolResults {
			tr := &msg.ToolResults[j]
			resultPreview := tr.Content
			if len(resultPreview) > 200 {
				resultPreview = resultPreview[:200] + "..."
			}
			tl.logger.Debug("    ToolResult[%d] ID=%s IsError=%v Content=%q", j, tr.ToolCallID, tr.IsError, resultPreview)
		}
	}
}
