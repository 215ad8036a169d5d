package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"stackscope/pkg/toolerrors"
)

// Command is a decoded, schema-checked tool invocation. The set of
// implementations is closed: one struct per declared tool.
type Command interface {
	ToolName() string
	isCommand()
}

// ReadFile reads a file, optionally a 0-based inclusive line range.
type ReadFile struct {
	StartLine *int
	EndLine   *int
	FilePath  string
}

// ListDirectory lists the immediate children of a directory.
type ListDirectory struct {
	DirPath string
}

// FindInFiles runs a regex search over the tree.
type FindInFiles struct {
	Pattern     string
	FilePattern string
}

// FindSymbolReferences finds whole-word uses of a name.
type FindSymbolReferences struct {
	SymbolName string
}

// FindSymbolDefinition finds definitions of a name.
type FindSymbolDefinition struct {
	SymbolName string
}

// GetImportTree lists the imports of one Python file.
type GetImportTree struct {
	FilePath string
}

// GetStackFrameContext renders the lines around a frame. ContextLines is nil
// when the caller did not supply it.
type GetStackFrameContext struct {
	ContextLines    *int
	FrameFilePath   string
	FrameLineNumber int
}

func (ReadFile) ToolName() string             { return ToolReadFile }
func (ListDirectory) ToolName() string        { return ToolListDirectory }
func (FindInFiles) ToolName() string          { return ToolFindInFiles }
func (FindSymbolReferences) ToolName() string { return ToolFindSymbolReferences }
func (FindSymbolDefinition) ToolName() string { return ToolFindSymbolDefinition }
func (GetImportTree) ToolName() string        { return ToolGetImportTree }
func (GetStackFrameContext) ToolName() string { return ToolGetStackFrameContext }

func (ReadFile) isCommand()             {}
func (ListDirectory) isCommand()        {}
func (FindInFiles) isCommand()          {}
func (FindSymbolReferences) isCommand() {}
func (FindSymbolDefinition) isCommand() {}
func (GetImportTree) isCommand()        {}
func (GetStackFrameContext) isCommand() {}

// Decode checks args against the named tool's schema and builds the matching
// Command. Unknown tools, unknown or missing arguments, wrong JSON types and
// non-integral numbers for integer parameters fail with KindInvalidToolCall.
// A null value for an optional parameter is treated as absent.
func Decode(name string, args map[string]any) (Command, error) {
	def, ok := Lookup(name)
	if !ok {
		return nil, invalidCall(name, "unknown tool %q", name)
	}
	a, err := checkArgs(&def, args)
	if err != nil {
		return nil, err
	}

	switch name {
	case ToolReadFile:
		return ReadFile{FilePath: a.str(ParamFilePath), StartLine: a.optInt(ParamStartLine), EndLine: a.optInt(ParamEndLine)}, nil
	case ToolListDirectory:
		return ListDirectory{DirPath: a.str(ParamDirPath)}, nil
	case ToolFindInFiles:
		return FindInFiles{Pattern: a.str(ParamPattern), FilePattern: a.str(ParamFilePattern)}, nil
	case ToolFindSymbolReferences:
		return FindSymbolReferences{SymbolName: a.str(ParamSymbolName)}, nil
	case ToolFindSymbolDefinition:
		return FindSymbolDefinition{SymbolName: a.str(ParamSymbolName)}, nil
	case ToolGetImportTree:
		return GetImportTree{FilePath: a.str(ParamFilePath)}, nil
	case ToolGetStackFrameContext:
		return GetStackFrameContext{
			FrameFilePath:   a.str(ParamFrameFilePath),
			FrameLineNumber: *a.optInt(ParamFrameLineNumber),
			ContextLines:    a.optInt(ParamContextLines),
		}, nil
	default:
		return nil, invalidCall(name, "no decoder for tool %q", name)
	}
}

// DecodeJSON decodes a raw JSON argument object. Numbers are kept exact so
// that integer checks do not go through float64.
func DecodeJSON(name string, raw []byte) (Command, error) {
	args := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, invalidCall(name, "arguments are not valid JSON: %v", err)
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, invalidCall(name, "arguments must be a JSON object")
		}
		args = obj
	}
	return Decode(name, args)
}

// checkedArgs holds values that already passed schema checks.
type checkedArgs struct {
	strs map[string]string
	ints map[string]int
}

func (a checkedArgs) str(key string) string { return a.strs[key] }

func (a checkedArgs) optInt(key string) *int {
	v, ok := a.ints[key]
	if !ok {
		return nil
	}
	return &v
}

func checkArgs(def *ToolDefinition, args map[string]any) (checkedArgs, error) {
	out := checkedArgs{strs: map[string]string{}, ints: map[string]int{}}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		prop, ok := def.InputSchema.Properties[key]
		if !ok {
			return out, invalidCall(def.Name, "unknown argument %q", key)
		}
		val := args[key]
		if val == nil {
			if def.InputSchema.IsRequired(key) {
				return out, invalidCall(def.Name, "argument %q must not be null", key)
			}
			continue
		}
		switch prop.Type {
		case typeString:
			s, ok := val.(string)
			if !ok {
				return out, invalidCall(def.Name, "argument %q must be a string, got %s", key, jsonTypeName(val))
			}
			out.strs[key] = s
		case typeInteger:
			n, err := toInt(val)
			if err != nil {
				return out, invalidCall(def.Name, "argument %q %v", key, err)
			}
			out.ints[key] = n
		default:
			return out, invalidCall(def.Name, "argument %q has unsupported schema type %q", key, prop.Type)
		}
	}

	for _, req := range def.InputSchema.Required {
		if v, ok := args[req]; !ok || v == nil {
			return out, invalidCall(def.Name, "missing required argument %q", req)
		}
	}
	return out, nil
}

// toInt accepts the numeric shapes providers produce: float64 from
// encoding/json, json.Number, and native integers from SDK decoders.
func toInt(val any) (int, error) {
	switch v := val.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float32:
		return floatToInt(float64(v))
	case float64:
		return floatToInt(v)
	case json.Number:
		if n, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			return int(n), nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("must be an integer, got %q", string(v))
		}
		return floatToInt(f)
	default:
		return 0, fmt.Errorf("must be an integer, got %s", jsonTypeName(val))
	}
}

func floatToInt(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("must be an integer, got %v", f)
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("is out of range: %v", f)
	}
	return int(f), nil
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float32, float64, int, int32, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func invalidCall(tool, format string, args ...any) error {
	return toolerrors.Newf(toolerrors.KindInvalidToolCall, tool, format, args...)
}
