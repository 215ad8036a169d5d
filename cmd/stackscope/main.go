// Command stackscope analyzes a Python stack trace against a project tree
// and writes a markdown remediation plan.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stackscope/pkg/agent"
	"stackscope/pkg/agent/toolloop"
	"stackscope/pkg/logx"
	"stackscope/pkg/version"
)

// Exit codes.
const (
	exitOK                = 0
	exitFailure           = 1
	exitLimitExceeded     = 2
	exitSecurityViolation = 3
)

// deps are the seams tests replace.
type deps struct {
	// newProvider builds raw model clients. Nil uses the real providers.
	newProvider agent.ProviderFunc
	// isTerminal reports whether w is an interactive terminal.
	isTerminal func(w io.Writer) bool
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr, deps{}))
}

// execute runs the CLI and returns the process exit code.
// This allows defers to run before os.Exit is called.
func execute(args []string, stdout, stderr io.Writer, d deps) int {
	if d.isTerminal == nil {
		d.isTerminal = isTerminal
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd(d)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if closeErr := logx.Close(); closeErr != nil {
		fmt.Fprintf(stderr, "Warning: failed to close log file: %v\n", closeErr)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func newRootCmd(d deps) *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	root := &cobra.Command{
		Use:           "stackscope",
		Short:         "Explain Python stack traces with a model that can read your code",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if verbose {
				logx.SetDebug(true)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (default $STACKSCOPE_CONFIG)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newAnalyzeCmd(d, &configPath),
		newToolsCmd(),
		newToolCmd(&configPath),
		newRunsCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// exitCode maps a run error to the process exit code.
func exitCode(err error) int {
	switch {
	case errors.Is(err, toolloop.ErrSecurityViolation):
		return exitSecurityViolation
	case errors.Is(err, toolloop.ErrIterationLimit), errors.Is(err, toolloop.ErrTokenBudget):
		return exitLimitExceeded
	default:
		return exitFailure
	}
}
