// Package sandbox confines path arguments to a single project root.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"stackscope/pkg/toolerrors"
)

// ResolvedPath is a path proven to lie within the project root.
type ResolvedPath struct {
	Rel string // Slash-separated, relative to the root; "." for the root itself
	Abs string // Absolute, symlink-resolved
}

// Sandbox validates paths against an immutable project root.
//
// Thread Safety: Sandbox is safe for concurrent use.
type Sandbox struct {
	root string
}

// New creates a sandbox rooted at root. The root must be an existing directory;
// it is made absolute and symlink-resolved.
func New(root string) (*Sandbox, error) {
	if root == "" {
		return nil, fmt.Errorf("project root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root %q: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving project root %q: %w", root, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("accessing project root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %q is not a directory", root)
	}
	return &Sandbox{root: resolved}, nil
}

// Root returns the absolute, symlink-resolved project root.
func (s *Sandbox) Root() string {
	return s.root
}

// Validate resolves userPath against the root. Relative paths are joined to the
// root; absolute paths are taken as-is. An empty path means the root.
// Symlinks along the longest existing prefix are resolved before the
// containment check.
func (s *Sandbox) Validate(userPath string, mustExist bool) (ResolvedPath, error) {
	if strings.ContainsRune(userPath, 0) {
		return ResolvedPath{}, toolerrors.New(toolerrors.KindInvalidArgument, "", userPath, "path contains a NUL byte")
	}

	candidate := userPath
	if candidate == "" {
		candidate = s.root
	} else if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	resolved, exists, err := resolveExistingPrefix(candidate)
	if err != nil {
		return ResolvedPath{}, toolerrors.FromOS("", userPath, err)
	}

	rel, ok := s.relative(resolved)
	if !ok {
		return ResolvedPath{}, toolerrors.New(toolerrors.KindPathViolation, "", userPath,
			"path resolves outside the project root")
	}
	if mustExist && !exists {
		return ResolvedPath{}, toolerrors.New(toolerrors.KindNotFound, "", rel, "path does not exist")
	}
	return ResolvedPath{Rel: rel, Abs: resolved}, nil
}

// Rel returns the sandbox-relative form of an absolute path, reporting false
// when the path is outside the root. The path is not resolved.
func (s *Sandbox) Rel(abs string) (string, bool) {
	return s.relative(filepath.Clean(abs))
}

func (s *Sandbox) relative(abs string) (string, bool) {
	if abs == s.root {
		return ".", true
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// resolveExistingPrefix resolves symlinks in the longest existing prefix of
// path and re-appends the missing tail. exists reports whether the full path exists.
func resolveExistingPrefix(path string) (resolved string, exists bool, err error) {
	full, err := filepath.EvalSymlinks(path)
	if err == nil {
		return full, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
		return "", false, err
	}

	current := path
	var missing []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return path, false, nil
		}
		missing = append(missing, filepath.Base(current))
		if realParent, perr := filepath.EvalSymlinks(parent); perr == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				realParent = filepath.Join(realParent, missing[i])
			}
			return realParent, false, nil
		}
		current = parent
	}
}

