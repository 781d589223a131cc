package sanitizer

import (
	"errors"
	"fmt"
	"strings"

	sitter "github.com/tree-sitter/go-tree-sitter"
	python "github.com/tree-sitter/tree-sitter-python/bindings/go"
)

var pythonLanguage = sitter.NewLanguage(python.Language())

// SyntaxError is the first location the parser could not make sense of.
type SyntaxError struct {
	Line   int
	Column int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s (line %d, column %d)", e.Msg, e.Line, e.Column)
}

// Parse parses Python 3 source into the reduced tree. Any error or missing
// token anywhere in the input yields a *SyntaxError.
func Parse(src []byte) (*Module, error) {
	parser := sitter.NewParser()
	defer parser.Close()

	if err := parser.SetLanguage(pythonLanguage); err != nil {
		return nil, fmt.Errorf("loading python grammar: %w", err)
	}

	tree := parser.Parse(src, nil)
	if tree == nil {
		return nil, errors.New("parser produced no tree")
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, firstSyntaxError(root)
	}
	// The grammar still accepts the Python 2 statement forms of print and
	// exec; python3 rejects them, so we do too.
	if stmt := findLegacyStatement(root); stmt != nil {
		p := position(stmt)
		keyword := strings.TrimSuffix(stmt.Kind(), "_statement")
		return nil, &SyntaxError{Line: p.Line, Column: p.Column,
			Msg: fmt.Sprintf("Missing parentheses in call to '%s'", keyword)}
	}

	l := lowerer{src: src}
	return &Module{Position: position(root), Body: l.children(root)}, nil
}

func firstSyntaxError(n *sitter.Node) *SyntaxError {
	p := position(n)
	if n.IsMissing() {
		return &SyntaxError{Line: p.Line, Column: p.Column, Msg: fmt.Sprintf("expected %q", n.Kind())}
	}
	if n.IsError() {
		return &SyntaxError{Line: p.Line, Column: p.Column, Msg: "invalid syntax"}
	}
	for i := uint(0); i < n.ChildCount(); i++ {
		c := n.Child(i)
		if c != nil && (c.HasError() || c.IsMissing()) {
			return firstSyntaxError(c)
		}
	}
	return &SyntaxError{Line: p.Line, Column: p.Column, Msg: "invalid syntax"}
}

func findLegacyStatement(n *sitter.Node) *sitter.Node {
	switch n.Kind() {
	case "print_statement", "exec_statement":
		return n
	}
	for i := uint(0); i < n.NamedChildCount(); i++ {
		if c := n.NamedChild(i); c != nil {
			if found := findLegacyStatement(c); found != nil {
				return found
			}
		}
	}
	return nil
}

func position(n *sitter.Node) Position {
	sp := n.StartPosition()
	return Position{Line: int(sp.Row) + 1, Column: int(sp.Column) + 1}
}

type lowerer struct {
	src []byte
}

func (l *lowerer) lower(n *sitter.Node) Node {
	if n == nil {
		return nil
	}
	p := position(n)

	switch n.Kind() {
	case "import_statement":
		imp := &Import{Position: p}
		for i := uint(0); i < n.NamedChildCount(); i++ {
			if name := l.importedName(n.NamedChild(i)); name != "" {
				imp.Modules = append(imp.Modules, name)
			}
		}
		return imp

	case "import_from_statement":
		return l.importFrom(n, p)

	case "future_import_statement":
		return &ImportFrom{Position: p, Module: "__future__"}

	case "call":
		c := &Call{Position: p, Func: l.lower(n.ChildByFieldName("function"))}
		if args := n.ChildByFieldName("arguments"); args != nil {
			c.Args = l.children(args)
		}
		return c

	case "attribute":
		a := &Attribute{Position: p, Value: l.lower(n.ChildByFieldName("object"))}
		if attr := n.ChildByFieldName("attribute"); attr != nil {
			a.Attr = attr.Utf8Text(l.src)
		}
		return a

	case "identifier":
		return &Name{Position: p, ID: n.Utf8Text(l.src)}

	case "for_statement":
		return &Loop{Position: p, Kind: ForLoop, Body: l.children(n)}

	case "while_statement":
		return &Loop{Position: p, Kind: WhileLoop, Body: l.children(n)}

	default:
		return &Other{Position: p, Kind: n.Kind(), Children: l.children(n)}
	}
}

func (l *lowerer) children(n *sitter.Node) []Node {
	count := n.NamedChildCount()
	if count == 0 {
		return nil
	}
	out := make([]Node, 0, count)
	for i := uint(0); i < count; i++ {
		if c := l.lower(n.NamedChild(i)); c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (l *lowerer) importFrom(n *sitter.Node, p Position) *ImportFrom {
	imp := &ImportFrom{Position: p}
	mod := n.ChildByFieldName("module_name")
	if mod == nil {
		return imp
	}
	switch mod.Kind() {
	case "dotted_name":
		imp.Module = l.dotted(mod)
	case "relative_import":
		for i := uint(0); i < mod.NamedChildCount(); i++ {
			c := mod.NamedChild(i)
			switch c.Kind() {
			case "import_prefix":
				imp.Level = strings.Count(c.Utf8Text(l.src), ".")
			case "dotted_name":
				imp.Module = l.dotted(c)
			}
		}
	}
	return imp
}

func (l *lowerer) importedName(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	switch n.Kind() {
	case "dotted_name":
		return l.dotted(n)
	case "aliased_import":
		return l.dotted(n.ChildByFieldName("name"))
	}
	return ""
}

// dotted joins identifier parts, dropping whitespace and comments that
// Python allows between them.
func (l *lowerer) dotted(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	parts := make([]string, 0, n.NamedChildCount())
	for i := uint(0); i < n.NamedChildCount(); i++ {
		c := n.NamedChild(i)
		if c.Kind() == "identifier" {
			parts = append(parts, c.Utf8Text(l.src))
		}
	}
	return strings.Join(parts, ".")
}
