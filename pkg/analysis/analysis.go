// Package analysis runs the two-phase stack trace investigation: the model
// first gathers code context with tools, then writes a remediation plan from
// the same conversation.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stackscope/pkg/agent"
	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/middleware/metrics"
	"stackscope/pkg/agent/toolloop"
	"stackscope/pkg/config"
	"stackscope/pkg/logx"
	"stackscope/pkg/sandbox"
	"stackscope/pkg/stacktrace"
	"stackscope/pkg/templates"
	"stackscope/pkg/tools"
	"stackscope/pkg/transcript"
)

// Phase names, used as metrics and span labels.
const (
	PhaseInvestigation = "investigation"
	PhaseRemediation   = "remediation"
)

// ErrEmptyStackTrace is returned when there is nothing to analyze.
var ErrEmptyStackTrace = errors.New("stack trace is empty")

// Options bounds one analysis. Iteration, token and path-violation limits
// apply to both phases together.
type Options struct {
	MaxIterations          int
	TokenBudget            int
	MaxPathViolations      int
	ToolConcurrency        int
	MaxTokens              int
	Temperature            float32
	RemediationMaxTokens   int
	RemediationTemperature float32
}

// OptionsFromConfig extracts the analysis limits from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxIterations:          cfg.Limits.MaxIterations,
		TokenBudget:            cfg.Limits.TokenBudget,
		MaxPathViolations:      cfg.Limits.MaxPathViolations,
		ToolConcurrency:        cfg.Limits.ToolConcurrency,
		MaxTokens:              cfg.Model.MaxTokens,
		Temperature:            cfg.Model.Temperature,
		RemediationMaxTokens:   cfg.Model.RemediationMaxTokens,
		RemediationTemperature: cfg.Model.RemediationTemperature,
	}
}

// Stats summarizes a finished analysis.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Stats struct {
	Iterations      int           `json:"iterations"`
	TokensUsed      int           `json:"tokens_used"`
	ToolCalls       int           `json:"tool_calls"`
	FailedToolCalls int           `json:"failed_tool_calls"`
	ToolRetries     int           `json:"tool_retries"`
	PathViolations  int           `json:"path_violations"`
	Duration        time.Duration `json:"duration"`
}

// Result is the outcome of Analyze. It is returned for failed runs too.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Result struct {
	RunID      string
	Model      string
	Plan       string
	StackTrace *stacktrace.StackTrace
	// Phases holds one outcome per phase that ran.
	Phases    []toolloop.Outcome
	StartedAt time.Time
	Stats     Stats
}

// Final returns the last phase outcome, or nil if no phase ran.
func (r *Result) Final() *toolloop.Outcome {
	if len(r.Phases) == 0 {
		return nil
	}
	return &r.Phases[len(r.Phases)-1]
}

// Transcript returns the conversation of the last phase, which includes
// every earlier phase.
func (r *Result) Transcript() transcript.Transcript {
	if final := r.Final(); final != nil {
		return final.Transcript
	}
	return transcript.Transcript{}
}

// PhaseError reports a phase that did not end with a final answer.
type PhaseError struct {
	Outcome *toolloop.Outcome
	Phase   string
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase ended with %s: %v", e.Phase, e.Outcome.Kind, e.Outcome.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Outcome.Err
}

// Analyzer runs analyses against one project tree.
type Analyzer struct {
	client   llm.LLMClient
	executor toolloop.ToolExecutor
	sandbox  *sandbox.Sandbox
	renderer *templates.Renderer
	recorder metrics.Recorder
	logger   *logx.Logger
	opts     Options
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

// WithRecorder reports run outcomes to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(a *Analyzer) { a.recorder = r }
}

// WithLogger replaces the default logger.
func WithLogger(l *logx.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// New creates an Analyzer. executor runs tool calls; sb locates stack frames
// inside the project.
func New(client llm.LLMClient, executor toolloop.ToolExecutor, sb *sandbox.Sandbox, opts Options, options ...Option) (*Analyzer, error) {
	renderer, err := templates.NewRenderer()
	if err != nil {
		return nil, err
	}
	a := &Analyzer{
		client:   client,
		executor: executor,
		sandbox:  sb,
		renderer: renderer,
		recorder: metrics.Nop(),
		logger:   logx.NewLogger("analysis"),
		opts:     opts,
	}
	for _, o := range options {
		o(a)
	}
	return a, nil
}

// Analyze investigates rawTrace and returns the remediation plan. The result
// is non-nil whenever the trace was accepted; on failure the error is a
// *PhaseError carrying the phase outcome.
func (a *Analyzer) Analyze(ctx context.Context, rawTrace string) (*Result, error) {
	if rawTrace == "" {
		return nil, ErrEmptyStackTrace
	}

	res := &Result{
		RunID:     uuid.NewString(),
		Model:     a.client.GetModelName(),
		StartedAt: time.Now(),
	}
	ctx = logx.WithRunID(ctx, res.RunID)
	defer func() { res.Stats.Duration = time.Since(res.StartedAt) }()

	st := stacktrace.Parse(rawTrace)
	st.MapFrames(a.sandbox)
	res.StackTrace = st
	a.logger.Info("analyzing %s with %d frames (%d in project)", st.Summary(), len(st.Frames), len(st.ProjectFrames()))

	seed, err := a.seedTranscript(st)
	if err != nil {
		return res, err
	}

	loop := toolloop.New(a.client, a.executor, a.logger.WithComponent("toolloop"), toolloop.WithRecorder(a.recorder))

	investigation := loop.Run(ctx, &toolloop.Config{
		Transcript:        seed,
		MaxIterations:     a.opts.MaxIterations,
		TokenBudget:       a.opts.TokenBudget,
		MaxPathViolations: a.opts.MaxPathViolations,
		ToolConcurrency:   a.opts.ToolConcurrency,
		MaxTokens:         agent.MaxOutputTokens(res.Model, a.opts.MaxTokens),
		Temperature:       a.opts.Temperature,
		Phase:             PhaseInvestigation,
	})
	res.Phases = append(res.Phases, investigation)
	a.updateStats(res)
	if !investigation.Succeeded() {
		return res, &PhaseError{Phase: PhaseInvestigation, Outcome: res.Final()}
	}

	remediationPrompt, err := a.renderer.Render(templates.RemediationTemplate, nil)
	if err != nil {
		return res, err
	}
	remediation := loop.Run(ctx, &toolloop.Config{
		Transcript:          investigation.Transcript.Append(transcript.User(remediationPrompt)),
		MaxIterations:       a.opts.MaxIterations,
		TokenBudget:         a.opts.TokenBudget,
		MaxPathViolations:   a.opts.MaxPathViolations,
		ToolConcurrency:     a.opts.ToolConcurrency,
		MaxTokens:           agent.MaxOutputTokens(res.Model, a.opts.RemediationMaxTokens),
		Temperature:         a.opts.RemediationTemperature,
		Phase:               PhaseRemediation,
		StartIterations:     investigation.Iterations,
		StartTokens:         investigation.TokensUsed,
		StartPathViolations: investigation.PathViolations,
	})
	res.Phases = append(res.Phases, remediation)
	a.updateStats(res)
	if !remediation.Succeeded() {
		return res, &PhaseError{Phase: PhaseRemediation, Outcome: res.Final()}
	}

	res.Plan = remediation.Answer
	a.logger.Info("remediation plan ready: %d chars, %d iterations, %d tokens", len(res.Plan), res.Stats.Iterations, res.Stats.TokensUsed)
	return res, nil
}

func (a *Analyzer) seedTranscript(st *stacktrace.StackTrace) (transcript.Transcript, error) {
	system, err := a.renderer.Render(templates.SystemTemplate, &templates.TemplateData{
		ToolDocumentation: tools.PromptDocumentation(),
	})
	if err != nil {
		return transcript.Transcript{}, err
	}

	project := st.ProjectFrames()
	hints := make([]templates.FrameHint, len(project))
	for i := range project {
		hints[i] = templates.FrameHint{
			Path:     project[i].RelPath,
			Line:     project[i].LineNumber,
			Function: project[i].Function,
			Code:     project[i].Code,
		}
	}
	user, err := a.renderer.Render(templates.InvestigationTemplate, &templates.TemplateData{
		StackTrace:       st.Raw,
		ExceptionType:    st.ExceptionType,
		ExceptionMessage: st.ExceptionMessage,
		Frames:           hints,
	})
	if err != nil {
		return transcript.Transcript{}, err
	}
	return transcript.New(transcript.System(system), transcript.User(user)), nil
}

func (a *Analyzer) updateStats(res *Result) {
	final := res.Final()
	res.Stats.Iterations = final.Iterations
	res.Stats.TokensUsed = final.TokensUsed
	res.Stats.PathViolations = final.PathViolations

	records := final.Transcript.Records()
	res.Stats.ToolCalls = len(records)
	res.Stats.FailedToolCalls = 0
	res.Stats.ToolRetries = 0
	for i := range records {
		if records[i].Failed() {
			res.Stats.FailedToolCalls++
		}
		res.Stats.ToolRetries += records[i].RetryCount
	}
}
