// Package pyast extracts imports and definitions from Python source using tree-sitter.
package pyast

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// maxDepth bounds recursion on pathological trees.
const maxDepth = 1000

// SyntaxError reports the first ERROR or MISSING node of a parse. Line and Column are 1-based.
type SyntaxError struct {
	Message string
	Line    int
	Column  int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d, column %d: %s", e.Line, e.Column, e.Message)
}

// parse returns a tree whose root has no syntax errors. Callers must Close the tree.
func parse(ctx context.Context, content []byte) (*sitter.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse canceled before start: %w", err)
	}

	// New parser per call; sitter.Parser is not safe for concurrent use.
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}

	root := tree.RootNode()
	if root.HasError() {
		synErr := firstSyntaxError(root, content)
		tree.Close()
		return nil, synErr
	}
	return tree, nil
}

func firstSyntaxError(root *sitter.Node, content []byte) *SyntaxError {
	if node := findErrorNode(root, 0); node != nil {
		point := node.StartPoint()
		msg := "invalid syntax"
		if node.IsMissing() {
			msg = fmt.Sprintf("missing %s", node.Type())
		} else if text := nodeText(node, content); text != "" && len(text) <= 40 {
			msg = fmt.Sprintf("unexpected %q", text)
		}
		return &SyntaxError{Message: msg, Line: int(point.Row) + 1, Column: int(point.Column) + 1}
	}
	return &SyntaxError{Message: "invalid syntax", Line: 1, Column: 1}
}

// findErrorNode returns the first ERROR or MISSING node in document order.
func findErrorNode(node *sitter.Node, depth int) *sitter.Node {
	if node == nil || depth > maxDepth {
		return nil
	}
	if node.IsError() || node.IsMissing() {
		return node
	}
	if !node.HasError() {
		return nil
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if found := findErrorNode(node.Child(i), depth+1); found != nil {
			return found
		}
	}
	return nil
}

func nodeText(node *sitter.Node, content []byte) string {
	start, end := node.StartByte(), node.EndByte()
	if end > uint32(len(content)) {
		end = uint32(len(content))
	}
	if start >= end {
		return ""
	}
	return string(content[start:end])
}
