package codebase

import (
	"bytes"
	"os"

	"stackscope/pkg/toolerrors"
)

// ReadFile returns the whole file when both bounds are nil. Otherwise it
// returns lines [start, end] (0-based, inclusive) with their original line
// endings; nil start means 0, nil end means the last line, and both are
// clamped into the file. Bytes are passed through without UTF-8 validation.
func (c *Codebase) ReadFile(path string, startLine, endLine *int) (string, error) {
	content, _, err := c.readFile("read_file", path)
	if err != nil {
		return "", err
	}
	if startLine == nil && endLine == nil {
		return string(content), nil
	}

	lines := SplitLines(content)
	start, end := 0, len(lines)-1
	if startLine != nil {
		start = *startLine
	}
	if endLine != nil {
		end = *endLine
	}
	start = clamp(start, 0, len(lines)-1)
	end = clamp(end, 0, len(lines)-1)
	if len(lines) == 0 || start > end {
		return "", nil
	}
	return string(bytes.Join(lines[start:end+1], nil)), nil
}

// readFile validates path and returns its content and sandbox-relative form.
func (c *Codebase) readFile(op, path string) ([]byte, string, error) {
	resolved, err := c.sandbox.Validate(path, true)
	if err != nil {
		return nil, "", toolerrors.WithOp(err, op)
	}
	info, err := os.Stat(resolved.Abs)
	if err != nil {
		return nil, "", toolerrors.FromOS(op, resolved.Rel, err)
	}
	if info.IsDir() {
		return nil, "", toolerrors.New(toolerrors.KindIsADirectory, op, resolved.Rel, "path is a directory")
	}
	content, err := os.ReadFile(resolved.Abs)
	if err != nil {
		return nil, "", toolerrors.FromOS(op, resolved.Rel, err)
	}
	return content, resolved.Rel, nil
}

// SplitLines splits content after each "\n", keeping the terminator. A final
// line without a terminator is kept; empty content has no lines.
func SplitLines(content []byte) [][]byte {
	if len(content) == 0 {
		return nil
	}
	lines := bytes.SplitAfter(content, []byte("\n"))
	if len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func clamp(v, lo, hi int) int {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
