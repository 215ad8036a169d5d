package codebase

import (
	"fmt"
	"strings"

	"stackscope/pkg/toolerrors"
)

// DefaultContextLines is the frame context window when none is given.
const DefaultContextLines = 5

// FrameContext renders lines [frameLine-window, frameLine+window] (1-based,
// clamped to the file) with the frame line marked:
//
//	   4   def divide(a, b):
//	   5 >     return a / b
func (c *Codebase) FrameContext(path string, frameLine, window int) (string, error) {
	const op = "get_stack_frame_context"

	if frameLine < 1 {
		return "", toolerrors.Newf(toolerrors.KindInvalidArgument, op, "frame_line_number must be >= 1, got %d", frameLine)
	}
	if window < 0 {
		return "", toolerrors.Newf(toolerrors.KindInvalidArgument, op, "context_lines must be >= 0, got %d", window)
	}

	content, _, err := c.readFile(op, path)
	if err != nil {
		return "", err
	}

	lines := SplitLines(content)
	first := frameLine - window
	if first < 1 {
		first = 1
	}
	last := frameLine + window
	if last > len(lines) {
		last = len(lines)
	}

	if first > last {
		return "", nil
	}

	rendered := make([]string, 0, last-first+1)
	for n := first; n <= last; n++ {
		text := strings.TrimRight(string(lines[n-1]), "\r\n")
		marker := " "
		if n == frameLine {
			marker = ">"
		}
		rendered = append(rendered, fmt.Sprintf("%4d %s %s", n, marker, text))
	}
	return strings.Join(rendered, "\n"), nil
}
