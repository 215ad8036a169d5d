package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/glamour"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"stackscope/pkg/agent"
	"stackscope/pkg/agent/middleware/metrics"
	"stackscope/pkg/agent/middleware/resilience/retry"
	"stackscope/pkg/analysis"
	"stackscope/pkg/codebase"
	"stackscope/pkg/config"
	"stackscope/pkg/logx"
	"stackscope/pkg/persistence"
	"stackscope/pkg/sandbox"
	"stackscope/pkg/stacktrace"
	"stackscope/pkg/toolexec"
	"stackscope/pkg/tools"
)

const defaultOutputFile = "remediation_plan.md"

type analyzeOptions struct {
	stackTrace     string
	stackTraceFile string
	projectDir     string
	outputFile     string
	modelName      string
	metricsOut     string
	maxIterations  int
	tokenBudget    int
	noRender       bool
}

func newAnalyzeCmd(d deps, configPath *string) *cobra.Command {
	var opts analyzeOptions

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Investigate a stack trace and write a remediation plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("model-name") {
				cfg.Model.Name = opts.modelName
			}
			if flags.Changed("max-iterations") {
				cfg.Limits.MaxIterations = opts.maxIterations
			}
			if flags.Changed("token-budget") {
				cfg.Limits.TokenBudget = opts.tokenBudget
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runAnalyze(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, &opts, d)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.stackTrace, "stack-trace", "s", "", "Stack trace text (or a path to a file holding it)")
	f.StringVarP(&opts.stackTraceFile, "stack-trace-file", "f", "", "File containing the stack trace")
	f.StringVarP(&opts.projectDir, "project-dir", "p", "", "Root directory of the project to investigate")
	f.StringVarP(&opts.outputFile, "output-file", "o", defaultOutputFile, "Where to write the remediation plan")
	f.StringVarP(&opts.modelName, "model-name", "m", config.DefaultModel, "Model to use")
	f.IntVar(&opts.maxIterations, "max-iterations", 0, "Maximum model turns across both phases")
	f.IntVar(&opts.tokenBudget, "token-budget", 0, "Token budget across both phases (0 disables)")
	f.StringVar(&opts.metricsOut, "metrics-out", "", "Write Prometheus metrics in text format to this file")
	f.BoolVar(&opts.noRender, "no-render", false, "Print the plan as raw markdown even on a terminal")

	_ = cmd.MarkFlagRequired("project-dir")
	cmd.MarkFlagsMutuallyExclusive("stack-trace", "stack-trace-file")
	cmd.MarkFlagsOneRequired("stack-trace", "stack-trace-file")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Logging.File != "" {
		if err := logx.EnableFileLogging(logx.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		}); err != nil {
			return nil, fmt.Errorf("failed to enable file logging: %w", err)
		}
	}
	return cfg, nil
}

func readStackTrace(opts *analyzeOptions) (string, error) {
	if opts.stackTraceFile != "" {
		data, err := os.ReadFile(opts.stackTraceFile)
		if err != nil {
			return "", fmt.Errorf("failed to read stack trace file: %w", err)
		}
		return string(data), nil
	}
	return stacktrace.Load(opts.stackTrace) //nolint:wrapcheck // already descriptive
}

// newExecutor wires the tool chain for a project: sandbox, codebase,
// dispatcher and the retrying executor.
func newExecutor(cfg *config.Config, projectDir string, observer toolexec.Observer) (*sandbox.Sandbox, *toolexec.Executor, error) {
	sb, err := sandbox.New(projectDir)
	if err != nil {
		return nil, nil, err //nolint:wrapcheck // sandbox errors name the root
	}
	cb := codebase.New(sb, codebase.Options{
		MaxResults:      cfg.Search.MaxResults,
		ExtraExclusions: cfg.Search.ExtraExclusions,
	})
	exec := toolexec.New(tools.NewDispatcher(cb), toolexec.Options{
		Policy:   toolexec.NewPolicy(retryConfig(cfg.Retry.Tool)),
		Observer: observer,
		Timeout:  cfg.Limits.ToolTimeout,
	})
	return sb, exec, nil
}

func retryConfig(p config.RetryPolicy) retry.Config {
	return retry.Config{
		MaxAttempts:   p.MaxAttempts,
		InitialDelay:  p.InitialDelay,
		MaxDelay:      p.MaxDelay,
		BackoffFactor: p.BackoffFactor,
		Jitter:        p.Jitter,
	}
}

func runAnalyze(ctx context.Context, stdout, stderr io.Writer, cfg *config.Config, opts *analyzeOptions, d deps) error {
	logger := logx.NewLogger("cli")

	trace, err := readStackTrace(opts)
	if err != nil {
		return err
	}

	internal := metrics.NewInternalRecorder()
	recorders := []metrics.Recorder{internal}
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled || opts.metricsOut != "" {
		registry = prometheus.NewRegistry()
		recorders = append(recorders, metrics.NewPrometheusRecorder(registry))
	}
	recorder := metrics.Multi(recorders...)

	sb, exec, err := newExecutor(cfg, opts.projectDir, recorder)
	if err != nil {
		return err
	}

	var factoryOpts []agent.FactoryOption
	if d.newProvider != nil {
		factoryOpts = append(factoryOpts, agent.WithProviderFunc(d.newProvider))
	}
	client, err := agent.NewLLMClientFactory(*cfg, recorder, factoryOpts...).CreateClient()
	if err != nil {
		return err
	}

	analyzer, err := analysis.New(client, exec, sb, analysis.OptionsFromConfig(cfg), analysis.WithRecorder(recorder))
	if err != nil {
		return err
	}

	res, runErr := analyzer.Analyze(ctx, trace)
	if res != nil {
		storeRun(ctx, cfg, res, sb.Root(), runErr, logger)
	}

	metricsOut := opts.metricsOut
	if metricsOut == "" {
		metricsOut = cfg.Metrics.DumpPath
	}
	if registry != nil && metricsOut != "" {
		if err := dumpMetrics(metricsOut, registry); err != nil {
			logger.Warn("failed to write metrics: %v", err)
		}
	}

	summary := internal.Summary()
	if runErr != nil {
		fmt.Fprintf(stderr, "Analysis stopped after %d model requests (%d tokens, %d tool calls)\n",
			summary.RequestCount, summary.TotalTokens, summary.ToolCalls)
		return runErr
	}

	if err := writePlan(opts.outputFile, res.Plan); err != nil {
		return err
	}
	if err := printPlan(stdout, res.Plan, d.isTerminal(stdout) && !opts.noRender); err != nil {
		return err
	}
	fmt.Fprintf(stderr, "Remediation plan written to %s (run %s: %d iterations, %d tokens, %d tool calls, $%.4f)\n",
		opts.outputFile, res.RunID, res.Stats.Iterations, res.Stats.TokensUsed, res.Stats.ToolCalls,
		config.CalculateCost(cfg.Model.Name, int(summary.PromptTokens), int(summary.CompletionTokens)))
	return nil
}

// storeRun records res when persistence is enabled. Failures are logged,
// never fatal.
func storeRun(ctx context.Context, cfg *config.Config, res *analysis.Result, root string, runErr error, logger *logx.Logger) {
	if cfg.Persistence.DBPath == "" {
		return
	}
	ops, err := persistence.Open(cfg.Persistence.DBPath)
	if err != nil {
		logger.Warn("run store unavailable: %v", err)
		return
	}
	defer func() { _ = ops.Close() }()

	run, calls := persistence.FromResult(res, root, runErr)
	if err := ops.RecordRun(ctx, run, calls); err != nil {
		logger.Warn("failed to record run %s: %v", res.RunID, err)
		return
	}
	logger.Debug("recorded run %s with %d tool calls", run.ID, len(calls))
}

func dumpMetrics(path string, g prometheus.Gatherer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	if err := metrics.WriteText(f, g); err != nil {
		_ = f.Close()
		return err //nolint:wrapcheck // WriteText errors are descriptive
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close metrics file: %w", err)
	}
	return nil
}

func writePlan(path, plan string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(plan), 0o644); err != nil { //nolint:gosec // plan is not sensitive
		return fmt.Errorf("failed to write remediation plan: %w", err)
	}
	return nil
}

// printPlan writes plan to w, rendered with glamour when render is set.
func printPlan(w io.Writer, plan string, render bool) error {
	out := plan
	if render {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(terminalWidth(w)),
		)
		if err == nil {
			if rendered, err := r.Render(plan); err == nil {
				out = rendered
			}
		}
	}
	_, err := fmt.Fprintln(w, out)
	return err //nolint:wrapcheck // write to stdout
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}

func terminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 { //nolint:gosec // fd fits in int
			return width
		}
	}
	return 100
}
