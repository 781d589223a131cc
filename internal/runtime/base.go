package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// Runtime describes how to run a submission for one language.
type Runtime interface {
	// Name returns the language identifier (e.g. "python").
	Name() string

	// Image returns the container image used by container backends.
	Image() string

	// Command returns the argv that runs the file at codePath on the host.
	Command(codePath string) []string

	// ContainerCommand returns the argv that runs codePath inside the image.
	ContainerCommand(codePath string) []string

	// Env returns the complete child environment. Nothing is inherited.
	Env(home string) []string

	// FileExtension returns the extension for submission files (e.g. ".py").
	FileExtension() string
}

// Registry maps language names and their aliases to a Runtime.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry holding the given runtimes.
func NewRegistry(rts ...Runtime) *Registry {
	r := &Registry{runtimes: make(map[string]Runtime)}
	for _, rt := range rts {
		r.Register(rt)
	}
	return r
}

// Register adds a runtime under its name and any extra aliases.
func (r *Registry) Register(rt Runtime, aliases ...string) {
	r.runtimes[rt.Name()] = rt
	for _, a := range aliases {
		r.runtimes[a] = rt
	}
}

// Get returns the runtime for the given language. An empty language selects
// the only registered runtime when there is exactly one.
func (r *Registry) Get(language string) (Runtime, error) {
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		if rt, ok := r.single(); ok {
			return rt, nil
		}
	}
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s)", language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

func (r *Registry) single() (Runtime, bool) {
	var only Runtime
	for _, rt := range r.runtimes {
		if only != nil && only != rt {
			return nil, false
		}
		only = rt
	}
	return only, only != nil
}

// Languages returns the accepted language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}
