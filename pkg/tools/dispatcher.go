package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"stackscope/pkg/codebase"
	"stackscope/pkg/logx"
	"stackscope/pkg/pyast"
	"stackscope/pkg/toolerrors"
)

// ReadFileResult is the output of read_file.
type ReadFileResult struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

// ListDirectoryResult is the output of list_directory.
type ListDirectoryResult struct {
	DirPath string   `json:"dir_path"`
	Entries []string `json:"entries"`
}

// ImportTreeResult is the output of get_import_tree.
type ImportTreeResult struct {
	FilePath string                 `json:"file_path"`
	Imports  []pyast.ImportRelation `json:"imports"`
}

// FrameContextResult is the output of get_stack_frame_context.
type FrameContextResult struct {
	FilePath        string `json:"file_path"`
	Context         string `json:"context"`
	FrameLineNumber int    `json:"frame_line_number"`
	ContextLines    int    `json:"context_lines"`
}

// Dispatcher executes decoded commands against one project tree.
type Dispatcher struct {
	codebase *codebase.Codebase
	imports  *pyast.Analyzer
	logger   *logx.Logger
}

// NewDispatcher creates a dispatcher over cb.
func NewDispatcher(cb *codebase.Codebase) *Dispatcher {
	return &Dispatcher{
		codebase: cb,
		imports:  pyast.NewAnalyzer(cb.Sandbox()),
		logger:   logx.NewLogger("tools"),
	}
}

// Execute runs cmd. Every Command implementation has a case here.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, toolerrors.FromOS(cmd.ToolName(), "", err)
	}
	d.logger.Debug("executing %s", cmd.ToolName())

	switch c := cmd.(type) {
	case ReadFile:
		content, err := d.codebase.ReadFile(c.FilePath, c.StartLine, c.EndLine)
		if err != nil {
			return nil, err
		}
		return ReadFileResult{FilePath: c.FilePath, Content: content}, nil

	case ListDirectory:
		entries, err := d.codebase.ListDirectory(c.DirPath)
		if err != nil {
			return nil, err
		}
		return ListDirectoryResult{DirPath: c.DirPath, Entries: entries}, nil

	case FindInFiles:
		res, err := d.codebase.Search(ctx, c.Pattern, c.FilePattern)
		if err != nil {
			return nil, err
		}
		return res, nil

	case FindSymbolReferences:
		res, err := d.codebase.FindReferences(ctx, c.SymbolName)
		if err != nil {
			return nil, err
		}
		return res, nil

	case FindSymbolDefinition:
		res, err := d.codebase.FindDefinitions(ctx, c.SymbolName)
		if err != nil {
			return nil, err
		}
		return res, nil

	case GetImportTree:
		imports, err := d.imports.Analyze(ctx, c.FilePath)
		if err != nil {
			return nil, err
		}
		if imports == nil {
			imports = []pyast.ImportRelation{}
		}
		return ImportTreeResult{FilePath: c.FilePath, Imports: imports}, nil

	case GetStackFrameContext:
		window := codebase.DefaultContextLines
		if c.ContextLines != nil {
			window = *c.ContextLines
		}
		text, err := d.codebase.FrameContext(c.FrameFilePath, c.FrameLineNumber, window)
		if err != nil {
			return nil, err
		}
		return FrameContextResult{
			FilePath:        c.FrameFilePath,
			Context:         text,
			FrameLineNumber: c.FrameLineNumber,
			ContextLines:    window,
		}, nil

	default:
		return nil, toolerrors.Newf(toolerrors.KindInternal, cmd.ToolName(), "unhandled command %T", cmd)
	}
}

// errorEnvelope is the model-facing shape of a failed call.
type errorEnvelope struct {
	Error toolerrors.Payload `json:"error"`
}

// FormatResult renders a tool outcome as the JSON text returned to the model.
// Failures render as {"error": {...}}.
func FormatResult(result any, err error) (string, error) {
	var v any = result
	if err != nil {
		v = errorEnvelope{Error: toolerrors.ToPayload(err)}
	}
	data, mErr := json.Marshal(v)
	if mErr != nil {
		return "", fmt.Errorf("failed to marshal tool result: %w", mErr)
	}
	return string(data), nil
}
