package codebase

import (
	"os"
	"sort"

	"stackscope/pkg/toolerrors"
)

// ListDirectory returns the names of the immediate children of dir, sorted.
// Hidden entries are included.
func (c *Codebase) ListDirectory(dir string) ([]string, error) {
	const op = "list_directory"

	resolved, err := c.sandbox.Validate(dir, true)
	if err != nil {
		return nil, toolerrors.WithOp(err, op)
	}
	info, err := os.Stat(resolved.Abs)
	if err != nil {
		return nil, toolerrors.FromOS(op, resolved.Rel, err)
	}
	if !info.IsDir() {
		return nil, toolerrors.New(toolerrors.KindNotADirectory, op, resolved.Rel, "path is not a directory")
	}

	entries, err := os.ReadDir(resolved.Abs)
	if err != nil {
		return nil, toolerrors.FromOS(op, resolved.Rel, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
