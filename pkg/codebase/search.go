package codebase

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"stackscope/pkg/logx"
	"stackscope/pkg/toolerrors"
)

// maxLineBytes bounds a single scanned line.
const maxLineBytes = 1024 * 1024

// SearchMatch is one matching line. LineNumber is 1-based and LineContent is trimmed.
type SearchMatch struct {
	FilePath    string `json:"file_path"`
	LineContent string `json:"line_content"`
	LineNumber  int    `json:"line_number"`
}

// SearchResult holds matches in walk order, then line order.
type SearchResult struct {
	Matches       []SearchMatch `json:"matches"`
	FilesSearched int           `json:"files_searched"`
	Truncated     bool          `json:"truncated"`
}

// Search walks the project root in lexical order and returns lines matching
// the RE2 pattern. fileGlob, when set, filters files by base name. Hidden and
// excluded directories, binary files, and symlinked directories are skipped.
func (c *Codebase) Search(ctx context.Context, pattern, fileGlob string) (SearchResult, error) {
	return c.search(ctx, "find_in_files", pattern, fileGlob)
}

func (c *Codebase) search(ctx context.Context, op, pattern, fileGlob string) (SearchResult, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return SearchResult{}, toolerrors.Newf(toolerrors.KindInvalidPattern, op, "invalid regex pattern: %v", err)
	}
	if fileGlob != "" {
		if _, err := filepath.Match(fileGlob, ""); err != nil {
			return SearchResult{}, toolerrors.Newf(toolerrors.KindInvalidPattern, op, "invalid file pattern %q: %v", fileGlob, err)
		}
	}

	result := SearchResult{Matches: make([]SearchMatch, 0)}
	root := c.sandbox.Root()

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			logx.Debug(ctx, "codebase", "skipping %s: %v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if c.isExcludedDir(name) {
				return filepath.SkipDir
			}
			return nil
		}
		// Symlinks (to files or directories) and other irregular files are not followed.
		if !d.Type().IsRegular() {
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if fileGlob != "" {
			if ok, _ := filepath.Match(fileGlob, name); !ok {
				return nil
			}
		}
		if c.detector(path) {
			return nil
		}

		rel, ok := c.sandbox.Rel(path)
		if !ok {
			return nil
		}
		result.FilesSearched++

		full, err := c.scanFile(ctx, path, rel, re, &result)
		if err != nil {
			logx.Debug(ctx, "codebase", "skipping unreadable %s: %v", rel, err)
			return nil
		}
		if full {
			return filepath.SkipAll
		}
		return nil
	})

	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			return SearchResult{}, toolerrors.FromOS(op, "", walkErr)
		}
		return SearchResult{}, toolerrors.Wrap(toolerrors.KindInternal, op, "", fmt.Errorf("walking project: %w", walkErr))
	}
	return result, nil
}

// scanFile appends matches from one file. It returns true once the cap is
// reached and a further match has been seen, marking the result truncated.
func (c *Codebase) scanFile(ctx context.Context, absPath, rel string, re *regexp.Regexp, result *SearchResult) (bool, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return false, err
			}
		}
		line := scanner.Text()
		if !re.MatchString(line) {
			continue
		}
		if len(result.Matches) >= c.maxResults {
			result.Truncated = true
			return true, nil
		}
		result.Matches = append(result.Matches, SearchMatch{
			FilePath:    rel,
			LineNumber:  lineNum,
			LineContent: strings.TrimSpace(line),
		})
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return false, nil
}
