package sanitizer

import (
	mapset "github.com/deckarep/golang-set/v2"

	"safe-code-runner/internal/config"
)

var defaultAllowedModules = []string{
	"math", "random", "datetime", "itertools", "collections", "string",
	"re", "json", "statistics", "decimal", "fractions", "anytree",
}

var defaultDeniedModules = []string{
	// operating system and process control
	"os", "sys", "subprocess", "shutil", "glob", "platform", "pwd", "grp",
	"resource", "syslog", "signal", "pty", "fcntl", "posix", "nt",
	"threading", "multiprocessing", "asyncio", "concurrent", "_thread",
	// networking
	"socket", "ssl", "urllib", "requests", "http", "ftplib", "smtplib",
	"poplib", "imaplib", "telnetlib", "webbrowser", "xmlrpc", "socketserver",
	// filesystem and serialization of arbitrary objects
	"io", "pathlib", "tempfile", "fileinput", "linecache", "pickle", "marshal",
	"shelve", "dbm", "copyreg", "copy_reg",
	// reflection, introspection and the import machinery
	"ctypes", "gc", "weakref", "inspect", "builtins", "__builtin__", "imp",
	"importlib", "pkgutil", "modulefinder", "runpy", "code", "codeop",
	"timeit", "trace", "traceback", "pdb", "bdb", "faulthandler", "tokenize",
	// secrets and hashing
	"hashlib", "hmac", "secrets",
}

var defaultDangerousBuiltins = []string{
	"eval", "exec", "compile", "open", "input", "raw_input", "__import__",
	"getattr", "setattr", "delattr", "hasattr", "globals", "locals", "vars",
	"dir", "help", "exit", "quit", "reload", "breakpoint", "memoryview",
}

var defaultReflectiveAttributes = []string{
	"__class__", "__bases__", "__base__", "__subclasses__", "__mro__",
	"__globals__", "__builtins__", "__dict__", "__code__", "__closure__",
	"__getattribute__", "__import__", "__loader__", "__spec__", "__self__",
	"__func__", "__reduce__", "__reduce_ex__", "f_globals", "f_locals",
	"f_back", "gi_frame", "cr_frame", "tb_frame",
}

// Policy is the fixed rule set a Sanitizer enforces.
type Policy struct {
	AllowedModules       mapset.Set[string]
	DeniedModules        mapset.Set[string]
	DangerousBuiltins    mapset.Set[string]
	ReflectiveAttributes mapset.Set[string]
	MaxLoops             int
	MaxCodeChars         int
	MaxTextChars         int
}

// DefaultPolicy returns the built-in lists with a loop threshold of 4 and a
// 10000 character source limit.
func DefaultPolicy() *Policy {
	return &Policy{
		AllowedModules:       mapset.NewSet(defaultAllowedModules...),
		DeniedModules:        mapset.NewSet(defaultDeniedModules...),
		DangerousBuiltins:    mapset.NewSet(defaultDangerousBuiltins...),
		ReflectiveAttributes: mapset.NewSet(defaultReflectiveAttributes...),
		MaxLoops:             4,
		MaxCodeChars:         10000,
		MaxTextChars:         5000,
	}
}

// PolicyFromConfig overlays configured lists on the defaults. A list left
// empty in config keeps its default.
func PolicyFromConfig(cfg config.SanitizerConfig) *Policy {
	p := DefaultPolicy()
	if len(cfg.AllowedModules) > 0 {
		p.AllowedModules = mapset.NewSet(cfg.AllowedModules...)
	}
	if len(cfg.DeniedModules) > 0 {
		p.DeniedModules = mapset.NewSet(cfg.DeniedModules...)
	}
	if len(cfg.DangerousBuiltins) > 0 {
		p.DangerousBuiltins = mapset.NewSet(cfg.DangerousBuiltins...)
	}
	if len(cfg.ReflectiveAttributes) > 0 {
		p.ReflectiveAttributes = mapset.NewSet(cfg.ReflectiveAttributes...)
	}
	if cfg.MaxLoops > 0 {
		p.MaxLoops = cfg.MaxLoops
	}
	if cfg.MaxCodeChars > 0 {
		p.MaxCodeChars = cfg.MaxCodeChars
	}
	if cfg.MaxTextChars > 0 {
		p.MaxTextChars = cfg.MaxTextChars
	}
	return p
}
