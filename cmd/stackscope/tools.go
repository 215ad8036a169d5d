package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/tools"
)

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the tool schemas offered to the model as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := json.MarshalIndent(tools.Definitions(), "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode tool definitions: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newToolCmd(configPath *string) *cobra.Command {
	var (
		rawArgs    string
		projectDir string
	)

	cmd := &cobra.Command{
		Use:   "tool <name>",
		Short: "Run one tool against a project without a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			params := map[string]any{}
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &params); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
			}

			_, exec, err := newExecutor(cfg, projectDir, nil)
			if err != nil {
				return err
			}
			rec := exec.Execute(cmd.Context(), llm.ToolCall{ID: "cli", Name: args[0], Parameters: params})
			fmt.Fprintln(cmd.OutOrStdout(), rec.Output)
			if rec.Failed() {
				return fmt.Errorf("tool %s failed: %s", args[0], rec.ErrorKind())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "Tool arguments as a JSON object")
	cmd.Flags().StringVarP(&projectDir, "project-dir", "p", ".", "Root directory the tool is confined to")
	return cmd
}
