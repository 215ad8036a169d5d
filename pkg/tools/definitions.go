package tools

import (
	"fmt"
	"strings"
)

// Tool names.
const (
	ToolReadFile             = "read_file"
	ToolListDirectory        = "list_directory"
	ToolFindInFiles          = "find_in_files"
	ToolFindSymbolReferences = "find_symbol_references"
	ToolFindSymbolDefinition = "find_symbol_definition"
	ToolGetImportTree        = "get_import_tree"
	ToolGetStackFrameContext = "get_stack_frame_context"
)

// Parameter names.
const (
	ParamFilePath        = "file_path"
	ParamStartLine       = "start_line"
	ParamEndLine         = "end_line"
	ParamDirPath         = "dir_path"
	ParamPattern         = "pattern"
	ParamFilePattern     = "file_pattern"
	ParamSymbolName      = "symbol_name"
	ParamFrameFilePath   = "frame_file_path"
	ParamFrameLineNumber = "frame_line_number"
	ParamContextLines    = "context_lines"
)

const (
	typeString  = "string"
	typeInteger = "integer"
	typeObject  = "object"
)

// definitions is kept in presentation order.
//
//nolint:gochecknoglobals // Immutable tool catalog
var definitions = []ToolDefinition{
	{
		Name:        ToolReadFile,
		Description: "Read a file from the project, optionally restricted to a line range. Line numbers are 0-based and the range is inclusive. Omit both bounds to read the whole file.",
		InputSchema: InputSchema{
			Type: typeObject,
			Properties: map[string]Property{
				ParamFilePath:  {Type: typeString, Description: "Path to the file, relative to the project root"},
				ParamStartLine: {Type: typeInteger, Description: "First line to return (0-based). Defaults to 0."},
				ParamEndLine:   {Type: typeInteger, Description: "Last line to return (0-based, inclusive). Defaults to the last line."},
			},
			Required: []string{ParamFilePath},
		},
	},
	{
		Name:        ToolListDirectory,
		Description: "List the immediate children of a directory in the project. Use \".\" for the project root.",
		InputSchema: InputSchema{
			Type: typeObject,
			Properties: map[string]Property{
				ParamDirPath: {Type: typeString, Description: "Directory path, relative to the project root"},
			},
			Required: []string{ParamDirPath},
		},
	},
	{
		Name:        ToolFindInFiles,
		Description: "Search project files for lines matching an RE2 regular expression. Results are capped and report whether they were truncated.",
		InputSchema: InputSchema{
			Type: typeObject,
			Properties: map[string]Property{
				ParamPattern:     {Type: typeString, Description: "RE2 regular expression to search for"},
				ParamFilePattern: {Type: typeString, Description: "Glob applied to file names, for example \"*.py\". Defaults to all files."},
			},
			Required: []string{ParamPattern},
		},
	},
	{
		Name:        ToolFindSymbolReferences,
		Description: "Find whole-word occurrences of a symbol in Python files.",
		InputSchema: InputSchema{
			Type: typeObject,
			Properties: map[string]Property{
				ParamSymbolName: {Type: typeString, Description: "Symbol name, at least two characters"},
			},
			Required: []string{ParamSymbolName},
		},
	},
	{
		Name:        ToolFindSymbolDefinition,
		Description: "Find where a function, class, or module-level variable is defined in Python files.",
		InputSchema: InputSchema{
			Type: typeObject,
			Properties: map[string]Property{
				ParamSymbolName: {Type: typeString, Description: "Symbol name, at least two characters"},
			},
			Required: []string{ParamSymbolName},
		},
	},
	{
		Name:        ToolGetImportTree,
		Description: "List the imports of a single Python file.",
		InputSchema: InputSchema{
			Type: typeObject,
			Properties: map[string]Property{
				ParamFilePath: {Type: typeString, Description: "Path to a .py or .pyi file, relative to the project root"},
			},
			Required: []string{ParamFilePath},
		},
	},
	{
		Name:        ToolGetStackFrameContext,
		Description: "Show the source lines around a stack frame. The frame line is marked with \">\".",
		InputSchema: InputSchema{
			Type: typeObject,
			Properties: map[string]Property{
				ParamFrameFilePath:   {Type: typeString, Description: "File named by the stack frame"},
				ParamFrameLineNumber: {Type: typeInteger, Description: "Line number from the stack frame (1-based)"},
				ParamContextLines:    {Type: typeInteger, Description: "Lines to show on each side of the frame line. Defaults to 5."},
			},
			Required: []string{ParamFrameFilePath, ParamFrameLineNumber},
		},
	},
}

// Definitions returns the declared tools in presentation order.
func Definitions() []ToolDefinition {
	out := make([]ToolDefinition, len(definitions))
	copy(out, definitions)
	return out
}

// Lookup returns the definition of the named tool.
func Lookup(name string) (ToolDefinition, bool) {
	for i := range definitions {
		if definitions[i].Name == name {
			return definitions[i], true
		}
	}
	return ToolDefinition{}, false
}

// Names returns the tool names in presentation order.
func Names() []string {
	names := make([]string, len(definitions))
	for i := range definitions {
		names[i] = definitions[i].Name
	}
	return names
}

// PromptDocumentation renders the catalog as a markdown list for prompts.
func PromptDocumentation() string {
	var b strings.Builder
	for i := range definitions {
		def := &definitions[i]
		fmt.Fprintf(&b, "- **%s** - %s\n", def.Name, def.Description)
		fmt.Fprintf(&b, "  - Parameters:\n")
		for _, name := range orderedParams(def) {
			prop := def.InputSchema.Properties[name]
			req := "optional"
			if def.InputSchema.IsRequired(name) {
				req = "REQUIRED"
			}
			fmt.Fprintf(&b, "    - %s (%s, %s): %s\n", name, prop.Type, req, prop.Description)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// orderedParams lists required parameters first, then optional ones, each in
// the order they appear in paramOrder.
func orderedParams(def *ToolDefinition) []string {
	out := make([]string, 0, len(def.InputSchema.Properties))
	for _, required := range []bool{true, false} {
		for _, name := range paramOrder {
			if _, ok := def.InputSchema.Properties[name]; ok && def.InputSchema.IsRequired(name) == required {
				out = append(out, name)
			}
		}
	}
	return out
}

//nolint:gochecknoglobals // Fixed parameter presentation order
var paramOrder = []string{
	ParamFilePath, ParamDirPath, ParamPattern, ParamSymbolName, ParamFrameFilePath,
	ParamFrameLineNumber, ParamStartLine, ParamEndLine, ParamFilePattern, ParamContextLines,
}
