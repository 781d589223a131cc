package sanitizer

// Node is one element of the reduced syntax tree the rules run against.
// The set of variants is closed; walk switches over all of them.
type Node interface {
	Pos() Position
	node()
}

// Position is a 1-based source location.
type Position struct {
	Line   int
	Column int
}

func (p Position) Pos() Position { return p }

// Module is the root of a parsed submission.
type Module struct {
	Position
	Body []Node
}

// Import is `import a.b, c as d`. Modules holds dotted names as written.
type Import struct {
	Position
	Modules []string
}

// ImportFrom is `from a.b import x`. Level counts leading dots of a
// relative import; Module is empty for `from . import x`.
type ImportFrom struct {
	Position
	Module string
	Level  int
}

// Call is any call expression.
type Call struct {
	Position
	Func Node
	Args []Node
}

// Attribute is `value.attr`.
type Attribute struct {
	Position
	Value Node
	Attr  string
}

// Name is a bare identifier.
type Name struct {
	Position
	ID string
}

// LoopKind distinguishes loop statements.
type LoopKind int

const (
	ForLoop LoopKind = iota
	WhileLoop
)

// Loop is a `for` or `while` statement. Comprehensions are not loops here.
type Loop struct {
	Position
	Kind LoopKind
	Body []Node
}

// Other is any construct the rules do not inspect directly. Its children
// are still walked.
type Other struct {
	Position
	Kind     string
	Children []Node
}

func (*Module) node()     {}
func (*Import) node()     {}
func (*ImportFrom) node() {}
func (*Call) node()       {}
func (*Attribute) node()  {}
func (*Name) node()       {}
func (*Loop) node()       {}
func (*Other) node()      {}

// Walk visits n and its descendants depth-first in source order. Returning
// false from fn skips the children of that node.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch v := n.(type) {
	case *Module:
		walkAll(v.Body, fn)
	case *Call:
		Walk(v.Func, fn)
		walkAll(v.Args, fn)
	case *Attribute:
		Walk(v.Value, fn)
	case *Loop:
		walkAll(v.Body, fn)
	case *Other:
		walkAll(v.Children, fn)
	case *Import, *ImportFrom, *Name:
	default:
		panic("sanitizer: unknown node type")
	}
}

func walkAll(nodes []Node, fn func(Node) bool) {
	for _, c := range nodes {
		Walk(c, fn)
	}
}
