package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stackscope/pkg/persistence"
)

func newRunsCmd(configPath *string) *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded analysis runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Persistence.DBPath == "" {
				return errors.New("persistence is disabled: set persistence.db_path or STACKSCOPE_DB")
			}
			ops, err := persistence.Open(cfg.Persistence.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = ops.Close() }()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer func() { _ = w.Flush() }()

			if runID != "" {
				return printRun(cmd, w, ops, runID)
			}

			runs, err := ops.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err //nolint:wrapcheck // already wrapped
			}
			fmt.Fprintln(w, "RUN\tSTARTED\tMODEL\tOUTCOME\tITER\tTOKENS\tEXCEPTION")
			for _, r := range runs {
				outcome := r.Outcome
				if r.Reason != "" {
					outcome += "(" + r.Reason + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Model, outcome,
					r.Iterations, r.TokensUsed, r.ExceptionType)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show (0 shows all)")
	cmd.Flags().StringVar(&runID, "id", "", "Show the tool calls of one run")
	return cmd
}

func printRun(cmd *cobra.Command, w *tabwriter.Writer, ops *persistence.DatabaseOperations, id string) error {
	run, err := ops.GetRun(cmd.Context(), id)
	if err != nil {
		return err //nolint:wrapcheck // already wrapped
	}
	calls, err := ops.GetToolCalls(cmd.Context(), id)
	if err != nil {
		return err //nolint:wrapcheck // already wrapped
	}

	fmt.Fprintf(w, "Run %s: %s %q\n", run.ID, run.ExceptionType, run.ExceptionMessage)
	fmt.Fprintf(w, "Outcome %s %s, %d iterations, %d tokens, %dms\n",
		run.Outcome, run.Reason, run.Iterations, run.TokensUsed, run.DurationMS)
	if run.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", run.Error)
	}
	fmt.Fprintln(w, "SEQ\tTOOL\tARGS\tERROR\tRETRIES\tMS")
	for _, c := range calls {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\n", c.Seq, c.ToolName, c.Arguments, c.ErrorKind, c.RetryCount, c.DurationMS)
	}
	return nil
}
