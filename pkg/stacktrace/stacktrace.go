// Package stacktrace parses Python tracebacks and maps their frames onto a
// project tree.
package stacktrace

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"stackscope/pkg/logx"
	"stackscope/pkg/sandbox"
)

// Fallback values when no exception line is found.
const (
	UnknownType    = "Unknown"
	UnknownMessage = "Unknown error message"
)

//nolint:gochecknoglobals // compiled patterns
var (
	ansiPattern    = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	chainPattern   = regexp.MustCompile(`(?:During handling of the above exception|The above exception was the direct cause of the following exception)[^\n]*\n+\s*Traceback`)
	framePattern   = regexp.MustCompile(`^\s*File "([^"]+)", line (\d+)(?:, in (.+))?\s*$`)
	typedException = regexp.MustCompile(`^\s*([A-Za-z0-9_.]+(?:Error|Exception|Warning)):\s*(.*)$`)
	anyException   = regexp.MustCompile(`^\s*([A-Za-z0-9_.]+):\s*(.+)$`)
	caretLine      = regexp.MustCompile(`^\s*[~^]+\s*$`)
)

var logger = logx.NewLogger("stacktrace") //nolint:gochecknoglobals // package logger

// Frame is one "File ..., line N, in func" entry.
type Frame struct {
	FilePath   string `json:"file_path"`
	Function   string `json:"function,omitempty"`
	Code       string `json:"code,omitempty"`
	RelPath    string `json:"rel_path,omitempty"` // Sandbox-relative path; empty when outside the project
	LineNumber int    `json:"line_number"`
}

// InProject reports whether the frame was mapped into the project root.
func (f *Frame) InProject() bool {
	return f.RelPath != ""
}

// StackTrace is a parsed traceback. For chained exceptions only the last
// traceback is kept.
type StackTrace struct {
	ExceptionType    string  `json:"exception_type"`
	ExceptionMessage string  `json:"exception_message"`
	Raw              string  `json:"raw"`
	Frames           []Frame `json:"frames"`
}

// Parse extracts the exception and frames from text. It never fails: an
// unrecognized trace yields UnknownType and no frames.
func Parse(text string) *StackTrace {
	clean := ansiPattern.ReplaceAllString(text, "")
	current := clean
	if parts := chainPattern.Split(clean, -1); len(parts) > 1 {
		current = "Traceback" + parts[len(parts)-1]
	}

	st := &StackTrace{Raw: clean, Frames: []Frame{}}
	var rest []string

	lines := strings.Split(strings.ReplaceAll(current, "\r\n", "\n"), "\n")
	for i := 0; i < len(lines); i++ {
		m := framePattern.FindStringSubmatch(lines[i])
		if m == nil {
			if !caretLine.MatchString(lines[i]) {
				rest = append(rest, lines[i])
			}
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			rest = append(rest, lines[i])
			continue
		}
		frame := Frame{FilePath: m[1], LineNumber: n, Function: strings.TrimSpace(m[3])}
		if next := i + 1; next < len(lines) && isCodeLine(lines[next]) {
			frame.Code = strings.TrimSpace(lines[next])
			i = next
		}
		st.Frames = append(st.Frames, frame)
	}

	st.ExceptionType, st.ExceptionMessage = UnknownType, UnknownMessage
	if typ, msg, ok := findException(rest); ok {
		st.ExceptionType, st.ExceptionMessage = typ, msg
	} else {
		logger.Warn("could not parse exception type and message from stack trace")
	}
	if len(st.Frames) == 0 {
		logger.Warn("no stack frames could be parsed from the stack trace")
	}
	return st
}

// isCodeLine reports whether line is the indented source line that follows a frame header.
func isCodeLine(line string) bool {
	if strings.TrimSpace(line) == "" || framePattern.MatchString(line) || caretLine.MatchString(line) {
		return false
	}
	return line[0] == ' ' || line[0] == '\t'
}

func findException(lines []string) (typ, msg string, ok bool) {
	for _, pattern := range []*regexp.Regexp{typedException, anyException} {
		for _, line := range lines {
			if m := pattern.FindStringSubmatch(line); m != nil {
				return m[1], strings.TrimSpace(m[2]), true
			}
		}
	}
	return "", "", false
}

// Load returns the contents of source when it names an existing file, and
// source itself otherwise.
func Load(source string) (string, error) {
	if source == "" || strings.ContainsAny(source, "\n\x00") {
		return source, nil
	}
	info, err := os.Stat(source)
	if err != nil {
		// Not a readable path (missing, or a long single-line trace): treat as text.
		return source, nil //nolint:nilerr // stat failure means raw text
	}
	if info.IsDir() {
		return "", fmt.Errorf("stack trace source %s is a directory", source)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("failed to read stack trace file %s: %w", source, err)
	}
	return string(data), nil
}

// MapFrames fills RelPath for frames whose file exists under the sandbox
// root. A frame path from another machine is matched by its longest suffix
// that exists in the project. Library and synthetic frames are never mapped.
func (st *StackTrace) MapFrames(sb *sandbox.Sandbox) {
	for i := range st.Frames {
		st.Frames[i].RelPath = mapPath(sb, st.Frames[i].FilePath)
	}
}

// ProjectFrames returns the frames inside the project, innermost last.
func (st *StackTrace) ProjectFrames() []Frame {
	var out []Frame
	for i := range st.Frames {
		if st.Frames[i].InProject() {
			out = append(out, st.Frames[i])
		}
	}
	return out
}

// Innermost returns the last frame and false when there are no frames.
func (st *StackTrace) Innermost() (Frame, bool) {
	if len(st.Frames) == 0 {
		return Frame{}, false
	}
	return st.Frames[len(st.Frames)-1], true
}

// Summary renders "Type: message".
func (st *StackTrace) Summary() string {
	return st.ExceptionType + ": " + st.ExceptionMessage
}

func mapPath(sb *sandbox.Sandbox, framePath string) string {
	if framePath == "" || strings.HasPrefix(framePath, "<") ||
		strings.Contains(framePath, "site-packages") || strings.Contains(framePath, "dist-packages") {
		return ""
	}
	if rel, ok := existingFile(sb, framePath); ok {
		return rel
	}

	parts := strings.Split(strings.ReplaceAll(framePath, `\`, "/"), "/")
	for start := 1; start < len(parts); start++ {
		suffix := path.Join(parts[start:]...)
		if suffix == "" || suffix == "." {
			continue
		}
		if rel, ok := existingFile(sb, suffix); ok {
			return rel
		}
	}
	return ""
}

func existingFile(sb *sandbox.Sandbox, p string) (string, bool) {
	resolved, err := sb.Validate(p, true)
	if err != nil {
		return "", false
	}
	info, err := os.Stat(resolved.Abs)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return resolved.Rel, true
}
