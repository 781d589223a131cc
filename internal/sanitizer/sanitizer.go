package sanitizer

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// Category groups violations for metrics and audit.
type Category string

const (
	CategorySyntax             Category = "syntax"
	CategoryInput              Category = "input"
	CategoryDangerousModule    Category = "dangerous_module"
	CategoryUnapprovedModule   Category = "unapproved_module"
	CategoryDangerousFunction  Category = "dangerous_function"
	CategoryReflection         Category = "reflection"
	CategoryResourceExhaustion Category = "resource_exhaustion"
	CategoryInjection          Category = "injection"
)

// Violation is one rule the submission broke.
type Violation struct {
	Category Category `json:"category"`
	Symbol   string   `json:"symbol,omitempty"`
	Line     int      `json:"line,omitempty"`
	Message  string   `json:"message"`
}

// Outcome is the result of validating one submission. Violations is empty
// exactly when Safe is true. Malformed marks input that never got as far as
// rule checks (unparseable or empty).
type Outcome struct {
	Safe       bool        `json:"is_safe"`
	Violations []Violation `json:"violations,omitempty"`
	Malformed  bool        `json:"malformed,omitempty"`
}

// Messages returns the violation texts in the order they were found.
func (o Outcome) Messages() []string {
	msgs := make([]string, len(o.Violations))
	for i, v := range o.Violations {
		msgs[i] = v.Message
	}
	return msgs
}

// Categories returns the distinct categories present, in first-seen order.
func (o Outcome) Categories() []Category {
	seen := make(map[Category]bool, len(o.Violations))
	var out []Category
	for _, v := range o.Violations {
		if !seen[v.Category] {
			seen[v.Category] = true
			out = append(out, v.Category)
		}
	}
	return out
}

// Sanitizer statically checks Python source against a Policy. It never runs
// the code and is safe for concurrent use.
type Sanitizer struct {
	policy *Policy
}

func New(policy *Policy) *Sanitizer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Sanitizer{policy: policy}
}

// Policy returns the rule set in force.
func (s *Sanitizer) Policy() *Policy {
	return s.policy
}

// Validate parses source and reports every rule it breaks. A parse failure
// short-circuits with a single violation.
func (s *Sanitizer) Validate(source string) Outcome {
	if strings.TrimSpace(source) == "" {
		return malformed(Violation{
			Category: CategoryInput,
			Message:  "Empty code input is not allowed",
		})
	}

	c := newCollector()

	if n := utf8.RuneCountInString(source); n > s.policy.MaxCodeChars {
		c.add(Violation{
			Category: CategoryInput,
			Message:  fmt.Sprintf("Code size (%d chars) exceeds maximum allowed (%d chars)", n, s.policy.MaxCodeChars),
		})
	}

	mod, err := Parse([]byte(source))
	if err != nil {
		var se *SyntaxError
		if !errors.As(err, &se) {
			log.Error().Err(err).Msg("python parser failed")
			se = &SyntaxError{Line: 1, Column: 1, Msg: "unable to parse"}
		}
		return malformed(Violation{
			Category: CategorySyntax,
			Line:     se.Line,
			Message:  "Syntax error in code: " + se.Error(),
		})
	}

	loops := 0
	Walk(mod, func(n Node) bool {
		switch v := n.(type) {
		case *Import:
			for _, name := range v.Modules {
				s.checkImport(c, name, v.Line, "Import of")
			}
		case *ImportFrom:
			if v.Level > 0 {
				c.add(Violation{
					Category: CategoryUnapprovedModule,
					Symbol:   strings.Repeat(".", v.Level) + v.Module,
					Line:     v.Line,
					Message:  "Relative imports are not allowed",
				})
			} else {
				s.checkImport(c, v.Module, v.Line, "Import from")
			}
		case *Call:
			if name, ok := v.Func.(*Name); ok && s.policy.DangerousBuiltins.Contains(name.ID) {
				c.add(dangerousFunction(name.ID, v.Line))
			}
		case *Attribute:
			if s.policy.ReflectiveAttributes.Contains(v.Attr) {
				c.add(reflective(v.Attr, v.Line))
			}
			if name, ok := v.Value.(*Name); ok && s.policy.DeniedModules.Contains(name.ID) {
				c.add(deniedModuleAccess(name.ID, v.Line))
			}
			s.checkPrivateAttribute(c, v)
		case *Name:
			if s.policy.ReflectiveAttributes.Contains(v.ID) {
				c.add(reflective(v.ID, v.Line))
			}
			// Any reference counts, not just a call: `f = open` or `map(open, x)`.
			if s.policy.DangerousBuiltins.Contains(v.ID) {
				c.add(dangerousFunction(v.ID, v.Line))
			}
		case *Loop:
			loops++
		case *Module, *Other:
		}
		return true
	})

	if loops > s.policy.MaxLoops {
		c.add(Violation{
			Category: CategoryResourceExhaustion,
			Symbol:   "loop",
			Message: fmt.Sprintf("Too many loops (%d found, maximum %d) - potential resource exhaustion",
				loops, s.policy.MaxLoops),
		})
	}

	return c.outcome()
}

func (s *Sanitizer) checkImport(c *collector, name string, line int, verb string) {
	if name == "" {
		return
	}
	top, _, _ := strings.Cut(name, ".")
	switch {
	case s.policy.DeniedModules.Contains(top):
		c.add(Violation{
			Category: CategoryDangerousModule,
			Symbol:   top,
			Line:     line,
			Message:  fmt.Sprintf("%s dangerous module '%s' is not allowed", verb, top),
		})
	case !s.policy.AllowedModules.Contains(top):
		c.add(Violation{
			Category: CategoryUnapprovedModule,
			Symbol:   top,
			Line:     line,
			Message:  fmt.Sprintf("%s unapproved module '%s' is not allowed", verb, top),
		})
	}
}

// checkPrivateAttribute catches modules reached through another module's
// private alias, such as random._os or collections._sys, and any other
// private attribute read straight off an allowed module.
func (s *Sanitizer) checkPrivateAttribute(c *collector, a *Attribute) {
	if !strings.HasPrefix(a.Attr, "_") {
		return
	}
	if target := strings.TrimLeft(a.Attr, "_"); s.policy.DeniedModules.Contains(target) {
		c.add(deniedModuleAccess(target, a.Line))
		return
	}
	if strings.HasPrefix(a.Attr, "__") && strings.HasSuffix(a.Attr, "__") {
		return
	}
	if name, ok := a.Value.(*Name); ok && s.policy.AllowedModules.Contains(name.ID) {
		c.add(Violation{
			Category: CategoryReflection,
			Symbol:   name.ID + "." + a.Attr,
			Line:     a.Line,
			Message:  fmt.Sprintf("Access to private attribute '%s' of module '%s' is not allowed", a.Attr, name.ID),
		})
	}
}

func deniedModuleAccess(module string, line int) Violation {
	return Violation{
		Category: CategoryDangerousModule,
		Symbol:   module,
		Line:     line,
		Message:  fmt.Sprintf("Access to dangerous module '%s' is not allowed", module),
	}
}

func dangerousFunction(name string, line int) Violation {
	return Violation{
		Category: CategoryDangerousFunction,
		Symbol:   name,
		Line:     line,
		Message:  fmt.Sprintf("Use of dangerous function '%s' is not allowed", name),
	}
}

func reflective(attr string, line int) Violation {
	return Violation{
		Category: CategoryReflection,
		Symbol:   attr,
		Line:     line,
		Message:  fmt.Sprintf("Access to dangerous attribute '%s' is not allowed", attr),
	}
}

func malformed(v Violation) Outcome {
	return Outcome{Safe: false, Violations: []Violation{v}, Malformed: true}
}

// collector keeps violations in discovery order, reporting each
// (category, symbol, message) once.
type collector struct {
	seen       map[string]struct{}
	violations []Violation
}

func newCollector() *collector {
	return &collector{seen: make(map[string]struct{})}
}

func (c *collector) add(v Violation) {
	key := string(v.Category) + "\x00" + v.Symbol + "\x00" + v.Message
	if _, dup := c.seen[key]; dup {
		return
	}
	c.seen[key] = struct{}{}
	c.violations = append(c.violations, v)
}

func (c *collector) outcome() Outcome {
	return Outcome{Safe: len(c.violations) == 0, Violations: c.violations}
}
