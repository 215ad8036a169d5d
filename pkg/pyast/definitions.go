package pyast

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"
)

// DefinitionKind classifies a Python definition.
type DefinitionKind string

const (
	KindFunction DefinitionKind = "function"
	KindClass    DefinitionKind = "class"
	KindVariable DefinitionKind = "variable"
)

// Definition is a named binding found in a Python module. Line is 1-based.
type Definition struct {
	Name string
	Kind DefinitionKind
	Line int
}

// ParseDefinitions returns every function and class definition at any depth,
// plus simple-name assignments at module or class level, in source order.
func ParseDefinitions(ctx context.Context, content []byte) ([]Definition, error) {
	tree, err := parse(ctx, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	defs := make([]Definition, 0)
	collectDefinitions(tree.RootNode(), content, false, &defs, 0)
	return defs, nil
}

func collectDefinitions(node *sitter.Node, content []byte, inFunction bool, out *[]Definition, depth int) {
	if node == nil || depth > maxDepth {
		return
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child == nil {
			continue
		}
		switch child.Type() {
		case "function_definition":
			addNamed(child, content, KindFunction, out)
			collectDefinitions(child, content, true, out, depth+1)
		case "class_definition":
			addNamed(child, content, KindClass, out)
			collectDefinitions(child, content, false, out, depth+1)
		case "assignment":
			if !inFunction {
				addAssignment(child, content, out)
			}
			collectDefinitions(child, content, inFunction, out, depth+1)
		default:
			collectDefinitions(child, content, inFunction, out, depth+1)
		}
	}
}

func addNamed(node *sitter.Node, content []byte, kind DefinitionKind, out *[]Definition) {
	name := node.ChildByFieldName("name")
	if name == nil {
		return
	}
	*out = append(*out, Definition{
		Name: nodeText(name, content),
		Kind: kind,
		Line: int(node.StartPoint().Row) + 1,
	})
}

// addAssignment records "x = ..." and "x: T = ...". Tuple, attribute and
// subscript targets are not definitions of a simple name.
func addAssignment(node *sitter.Node, content []byte, out *[]Definition) {
	left := node.ChildByFieldName("left")
	if left == nil || left.Type() != "identifier" {
		return
	}
	*out = append(*out, Definition{
		Name: nodeText(left, content),
		Kind: KindVariable,
		Line: int(node.StartPoint().Row) + 1,
	})
}
