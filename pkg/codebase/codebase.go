// Package codebase provides read-only, sandboxed access to a project tree:
// file reads, directory listings, regex search, symbol lookup and frame context.
package codebase

import (
	"strings"

	"stackscope/pkg/logx"
	"stackscope/pkg/sandbox"
)

// DefaultMaxResults caps search results when Options.MaxResults is zero.
const DefaultMaxResults = 100

// DefaultExclusions names directories that are never searched. Entries
// starting with "*" match by suffix.
//
//nolint:gochecknoglobals // read-only default
var DefaultExclusions = []string{
	"__pycache__",
	"venv",
	".venv",
	"node_modules",
	"dist",
	"build",
	".git",
	".tox",
	".mypy_cache",
	".pytest_cache",
	"site-packages",
	"*.egg-info",
}

// Options configures a Codebase.
type Options struct {
	// Detector decides which files are skipped as binary. Nil means DefaultBinaryDetector.
	Detector BinaryDetector
	// ExtraExclusions are appended to DefaultExclusions.
	ExtraExclusions []string
	// MaxResults caps search results. Zero means DefaultMaxResults.
	MaxResults int
}

// Codebase answers questions about the files under a sandbox root.
//
// Thread Safety: Codebase is safe for concurrent use.
type Codebase struct {
	sandbox    *sandbox.Sandbox
	detector   BinaryDetector
	logger     *logx.Logger
	exclusions map[string]bool
	suffixes   []string
	maxResults int
}

// New creates a Codebase confined to sb.
func New(sb *sandbox.Sandbox, opts Options) *Codebase {
	c := &Codebase{
		sandbox:    sb,
		detector:   opts.Detector,
		logger:     logx.NewLogger("codebase"),
		exclusions: make(map[string]bool),
		maxResults: opts.MaxResults,
	}
	if c.detector == nil {
		c.detector = DefaultBinaryDetector
	}
	if c.maxResults <= 0 {
		c.maxResults = DefaultMaxResults
	}
	for _, ex := range append(append([]string{}, DefaultExclusions...), opts.ExtraExclusions...) {
		if strings.HasPrefix(ex, "*") {
			c.suffixes = append(c.suffixes, ex[1:])
			continue
		}
		c.exclusions[ex] = true
	}
	return c
}

// Sandbox returns the sandbox this codebase is confined to.
func (c *Codebase) Sandbox() *sandbox.Sandbox {
	return c.sandbox
}

// MaxResults returns the search result cap.
func (c *Codebase) MaxResults() int {
	return c.maxResults
}

func (c *Codebase) isExcludedDir(name string) bool {
	if strings.HasPrefix(name, ".") || c.exclusions[name] {
		return true
	}
	for _, suffix := range c.suffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
