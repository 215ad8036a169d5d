package pyast

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"stackscope/pkg/sandbox"
	"stackscope/pkg/toolerrors"
)

// Import types.
const (
	ImportPlain = "import"
	ImportFrom  = "from"
)

// ImportRelation is one import edge of a Python file.
type ImportRelation struct {
	SourceFile      string   `json:"source_file"`
	ImportedModule  string   `json:"imported_module"`
	ImportType      string   `json:"import_type"`
	ImportedSymbols []string `json:"imported_symbols,omitempty"`
}

// ParseImports returns the import edges of content in source order, including
// imports nested in functions and conditional blocks.
func ParseImports(ctx context.Context, content []byte, sourceFile string) ([]ImportRelation, error) {
	tree, err := parse(ctx, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	relations := make([]ImportRelation, 0)
	collectImports(tree.RootNode(), content, sourceFile, &relations, 0)
	return relations, nil
}

func collectImports(node *sitter.Node, content []byte, sourceFile string, out *[]ImportRelation, depth int) {
	if node == nil || depth > maxDepth {
		return
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child == nil {
			continue
		}
		switch child.Type() {
		case "import_statement":
			*out = append(*out, plainImports(child, content, sourceFile)...)
		case "import_from_statement", "future_import_statement":
			*out = append(*out, fromImport(child, content, sourceFile))
		default:
			collectImports(child, content, sourceFile, out, depth+1)
		}
	}
}

// plainImports yields one relation per module; aliases are dropped.
func plainImports(node *sitter.Node, content []byte, sourceFile string) []ImportRelation {
	var relations []ImportRelation
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		var module string
		switch child.Type() {
		case "dotted_name":
			module = nodeText(child, content)
		case "aliased_import":
			if name := child.ChildByFieldName("name"); name != nil {
				module = nodeText(name, content)
			}
		}
		if module != "" {
			relations = append(relations, ImportRelation{
				SourceFile:     sourceFile,
				ImportedModule: module,
				ImportType:     ImportPlain,
			})
		}
	}
	return relations
}

func fromImport(node *sitter.Node, content []byte, sourceFile string) ImportRelation {
	rel := ImportRelation{SourceFile: sourceFile, ImportType: ImportFrom, ImportedSymbols: []string{}}
	if node.Type() == "future_import_statement" {
		rel.ImportedModule = "__future__"
	}

	sawImport := false
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "import":
			sawImport = true
		case "relative_import":
			rel.ImportedModule = nodeText(child, content)
		case "dotted_name", "identifier":
			if sawImport {
				rel.ImportedSymbols = append(rel.ImportedSymbols, nodeText(child, content))
			} else if rel.ImportedModule == "" {
				rel.ImportedModule = nodeText(child, content)
			}
		case "wildcard_import":
			rel.ImportedSymbols = append(rel.ImportedSymbols, "*")
		case "aliased_import":
			name := child.ChildByFieldName("name")
			alias := child.ChildByFieldName("alias")
			if name == nil {
				continue
			}
			symbol := nodeText(name, content)
			if alias != nil {
				symbol += " as " + nodeText(alias, content)
			}
			rel.ImportedSymbols = append(rel.ImportedSymbols, symbol)
		}
	}
	return rel
}

// Analyzer builds import graphs for files inside a sandbox.
type Analyzer struct {
	sandbox *sandbox.Sandbox
}

// NewAnalyzer creates an analyzer confined to sb.
func NewAnalyzer(sb *sandbox.Sandbox) *Analyzer {
	return &Analyzer{sandbox: sb}
}

// Analyze returns the import relations of a .py or .pyi file.
func (a *Analyzer) Analyze(ctx context.Context, path string) ([]ImportRelation, error) {
	const op = "get_import_tree"

	resolved, err := a.sandbox.Validate(path, true)
	if err != nil {
		return nil, toolerrors.WithOp(err, op)
	}
	ext := strings.ToLower(filepath.Ext(resolved.Abs))
	if ext != ".py" && ext != ".pyi" {
		return nil, toolerrors.New(toolerrors.KindUnsupportedFileType, op, resolved.Rel,
			fmt.Sprintf("expected a .py or .pyi file, got %q", ext))
	}

	info, err := os.Stat(resolved.Abs)
	if err != nil {
		return nil, toolerrors.FromOS(op, resolved.Rel, err)
	}
	if info.IsDir() {
		return nil, toolerrors.New(toolerrors.KindIsADirectory, op, resolved.Rel, "path is a directory")
	}

	content, err := os.ReadFile(resolved.Abs)
	if err != nil {
		return nil, toolerrors.FromOS(op, resolved.Rel, err)
	}

	relations, err := ParseImports(ctx, content, resolved.Rel)
	if err != nil {
		return nil, classifyParseError(op, resolved.Rel, err)
	}
	return relations, nil
}

func classifyParseError(op, path string, err error) error {
	var synErr *SyntaxError
	if errors.As(err, &synErr) {
		return &toolerrors.Error{
			Kind:    toolerrors.KindSyntaxError,
			Op:      op,
			Path:    path,
			Message: synErr.Message,
			Line:    synErr.Line,
			Column:  synErr.Column,
			Err:     synErr,
		}
	}
	return toolerrors.FromOS(op, path, err)
}
