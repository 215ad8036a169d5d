package codebase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"stackscope/pkg/logx"
	"stackscope/pkg/pyast"
	"stackscope/pkg/toolerrors"
)

const minSymbolLength = 2

// SymbolLocation is a whole-word reference to a symbol in a Python file.
type SymbolLocation struct {
	FilePath   string `json:"file_path"`
	Context    string `json:"context"`
	LineNumber int    `json:"line_number"`
}

// ReferenceResult holds symbol references in search order.
type ReferenceResult struct {
	Locations []SymbolLocation `json:"locations"`
	Truncated bool             `json:"truncated"`
}

// SymbolDefinition is where a name is bound in a Python file.
type SymbolDefinition struct {
	FilePath   string               `json:"file_path"`
	Name       string               `json:"name"`
	Kind       pyast.DefinitionKind `json:"type"`
	LineNumber int                  `json:"line_number"`
}

// DefinitionResult holds symbol definitions in walk order.
type DefinitionResult struct {
	Definitions  []SymbolDefinition `json:"definitions"`
	FilesSkipped int                `json:"files_skipped"`
	Truncated    bool               `json:"truncated"`
}

func validateSymbol(op, name string) error {
	if len(name) < minSymbolLength {
		return toolerrors.Newf(toolerrors.KindInvalidArgument, op,
			"symbol_name must be at least %d characters, got %q", minSymbolLength, name)
	}
	return nil
}

// FindReferences finds whole-word occurrences of name in *.py files.
func (c *Codebase) FindReferences(ctx context.Context, name string) (ReferenceResult, error) {
	const op = "find_symbol_references"
	if err := validateSymbol(op, name); err != nil {
		return ReferenceResult{}, err
	}

	pattern := `\b` + regexp.QuoteMeta(name) + `\b`
	found, err := c.search(ctx, op, pattern, "*.py")
	if err != nil {
		return ReferenceResult{}, err
	}

	result := ReferenceResult{
		Locations: make([]SymbolLocation, 0, len(found.Matches)),
		Truncated: found.Truncated,
	}
	for _, m := range found.Matches {
		result.Locations = append(result.Locations, SymbolLocation{
			FilePath:   m.FilePath,
			LineNumber: m.LineNumber,
			Context:    m.LineContent,
		})
	}
	return result, nil
}

// FindDefinitions finds function, class and variable definitions named name
// in *.py files. Files that do not parse are skipped.
func (c *Codebase) FindDefinitions(ctx context.Context, name string) (DefinitionResult, error) {
	const op = "find_symbol_definition"
	if err := validateSymbol(op, name); err != nil {
		return DefinitionResult{}, err
	}

	result := DefinitionResult{Definitions: make([]SymbolDefinition, 0)}
	root := c.sandbox.Root()
	needle := []byte(name)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		if d.IsDir() {
			if c.isExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") || filepath.Ext(d.Name()) != ".py" {
			return nil
		}
		rel, ok := c.sandbox.Rel(path)
		if !ok {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			logx.Debug(ctx, "codebase", "skipping unreadable %s: %v", rel, err)
			return nil
		}
		// Cheap prefilter before parsing.
		if !bytes.Contains(content, needle) {
			return nil
		}

		defs, err := pyast.ParseDefinitions(ctx, content)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			logx.Debug(ctx, "codebase", "skipping unparsable %s: %v", rel, err)
			result.FilesSkipped++
			return nil
		}
		for _, def := range defs {
			if def.Name != name {
				continue
			}
			if len(result.Definitions) >= c.maxResults {
				result.Truncated = true
				return filepath.SkipAll
			}
			result.Definitions = append(result.Definitions, SymbolDefinition{
				FilePath:   rel,
				Name:       def.Name,
				Kind:       def.Kind,
				LineNumber: def.Line,
			})
		}
		return nil
	})

	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			return DefinitionResult{}, toolerrors.FromOS(op, "", walkErr)
		}
		return DefinitionResult{}, toolerrors.Wrap(toolerrors.KindInternal, op, "", fmt.Errorf("walking project: %w", walkErr))
	}
	return result, nil
}
