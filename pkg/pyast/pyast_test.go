package pyast

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackscope/pkg/sandbox"
	"stackscope/pkg/toolerrors"
)

func TestParseImportsPlainAndFrom(t *testing.T) {
	src := []byte("import os\nfrom a.b import c as d\n")

	relations, err := ParseImports(context.Background(), src, "app.py")
	require.NoError(t, err)
	require.Len(t, relations, 2)

	assert.Equal(t, ImportRelation{SourceFile: "app.py", ImportedModule: "os", ImportType: ImportPlain}, relations[0])
	assert.Equal(t, ImportRelation{
		SourceFile:      "app.py",
		ImportedModule:  "a.b",
		ImportType:      ImportFrom,
		ImportedSymbols: []string{"c as d"},
	}, relations[1])
}

func TestParseImportsShapes(t *testing.T) {
	src := []byte(`import a.b, c as d
from ..pkg import x
from . import y, z
from m import *
from n import (p, q as r)
from __future__ import annotations

def f():
    import json
    if True:
        from lazy import thing

try:
    import fast
except ImportError:
    import slow
`)

	relations, err := ParseImports(context.Background(), src, "pkg/mod.py")
	require.NoError(t, err)

	type edge struct {
		module  string
		kind    string
		symbols []string
	}
	expected := []edge{
		{"a.b", ImportPlain, nil},
		{"c", ImportPlain, nil},
		{"..pkg", ImportFrom, []string{"x"}},
		{".", ImportFrom, []string{"y", "z"}},
		{"m", ImportFrom, []string{"*"}},
		{"n", ImportFrom, []string{"p", "q as r"}},
		{"__future__", ImportFrom, []string{"annotations"}},
		{"json", ImportPlain, nil},
		{"lazy", ImportFrom, []string{"thing"}},
		{"fast", ImportPlain, nil},
		{"slow", ImportPlain, nil},
	}

	require.Len(t, relations, len(expected))
	for i, want := range expected {
		got := relations[i]
		assert.Equal(t, "pkg/mod.py", got.SourceFile)
		assert.Equal(t, want.module, got.ImportedModule, "relation %d", i)
		assert.Equal(t, want.kind, got.ImportType, "relation %d", i)
		if want.symbols == nil {
			assert.Empty(t, got.ImportedSymbols, "relation %d", i)
		} else {
			assert.Equal(t, want.symbols, got.ImportedSymbols, "relation %d", i)
		}
	}
}

func TestParseImportsNone(t *testing.T) {
	relations, err := ParseImports(context.Background(), []byte("x = 1\n"), "a.py")
	require.NoError(t, err)
	assert.Empty(t, relations)
}

func TestParseImportsSyntaxError(t *testing.T) {
	src := []byte("import os\n\ndef broken(:\n    pass\n")

	_, err := ParseImports(context.Background(), src, "bad.py")
	require.Error(t, err)

	var synErr *SyntaxError
	require.True(t, errors.As(err, &synErr))
	assert.Equal(t, 3, synErr.Line)
	assert.GreaterOrEqual(t, synErr.Column, 1)
}

func TestParseCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ParseImports(ctx, []byte("import os\n"), "a.py")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseDefinitions(t *testing.T) {
	src := []byte(`LIMIT = 10
a = b = 2
x, y = 1, 2

def divide(a, b):
    local = a
    return a / b

class Calculator:
    precision = 2

    @staticmethod
    def divide(a, b):
        return a / b

async def fetch():
    pass
`)

	defs, err := ParseDefinitions(context.Background(), src)
	require.NoError(t, err)

	expected := []Definition{
		{Name: "LIMIT", Kind: KindVariable, Line: 1},
		{Name: "a", Kind: KindVariable, Line: 2},
		{Name: "b", Kind: KindVariable, Line: 2},
		{Name: "divide", Kind: KindFunction, Line: 5},
		{Name: "Calculator", Kind: KindClass, Line: 9},
		{Name: "precision", Kind: KindVariable, Line: 10},
		{Name: "divide", Kind: KindFunction, Line: 13},
		{Name: "fetch", Kind: KindFunction, Line: 16},
	}
	assert.Equal(t, expected, defs)
}

func TestAnalyzer(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "app.py"), []byte("import os\nfrom a.b import c as d\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stub.pyi"), []byte("import typing\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("import os\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bad.py"), []byte("def f(:\n"), 0o644))

	sb, err := sandbox.New(root)
	require.NoError(t, err)
	analyzer := NewAnalyzer(sb)
	ctx := context.Background()

	relations, err := analyzer.Analyze(ctx, "pkg/app.py")
	require.NoError(t, err)
	require.Len(t, relations, 2)
	assert.Equal(t, "pkg/app.py", relations[0].SourceFile)

	relations, err = analyzer.Analyze(ctx, "stub.pyi")
	require.NoError(t, err)
	assert.Len(t, relations, 1)

	_, err = analyzer.Analyze(ctx, "notes.txt")
	assert.True(t, toolerrors.Is(err, toolerrors.KindUnsupportedFileType))

	_, err = analyzer.Analyze(ctx, "missing.py")
	assert.True(t, toolerrors.Is(err, toolerrors.KindNotFound))

	_, err = analyzer.Analyze(ctx, "../outside.py")
	assert.True(t, toolerrors.Is(err, toolerrors.KindPathViolation))

	_, err = analyzer.Analyze(ctx, "bad.py")
	var te *toolerrors.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, toolerrors.KindSyntaxError, te.Kind)
	assert.Equal(t, 1, te.Line)
	assert.False(t, toolerrors.IsTransient(err))
}
