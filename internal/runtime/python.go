package runtime

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// trustedBinDirs are the only places the interpreter may be resolved from,
// so a writable directory early in PATH cannot shadow it.
var trustedBinDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/opt/homebrew/bin",
}

// childPath is the PATH handed to the interpreter.
const childPath = "/usr/local/bin:/usr/bin:/bin"

// Python runs submissions with a CPython 3 interpreter.
type Python struct {
	Binary   string // absolute path on the host
	ImageRef string
	HashSeed string
}

// NewPython resolves binary (a name or absolute path) against the trusted
// directories.
func NewPython(binary, image, hashSeed string) (*Python, error) {
	resolved, err := ResolveTrusted(binary)
	if err != nil {
		return nil, err
	}
	if hashSeed == "" {
		hashSeed = "0"
	}
	return &Python{Binary: resolved, ImageRef: image, HashSeed: hashSeed}, nil
}

func (p *Python) Name() string { return "python" }

func (p *Python) Image() string { return p.ImageRef }

func (p *Python) FileExtension() string { return ".py" }

// Command runs with -s (no user site-packages) and -B (no .pyc writes).
func (p *Python) Command(codePath string) []string {
	return []string{p.Binary, "-s", "-B", codePath}
}

func (p *Python) ContainerCommand(codePath string) []string {
	return []string{"python3", "-s", "-B", codePath}
}

func (p *Python) Env(home string) []string {
	return []string{
		"PATH=" + childPath,
		"HOME=" + home,
		"LANG=C.UTF-8",
		"PYTHONHASHSEED=" + p.HashSeed,
		"PYTHONIOENCODING=utf-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONNOUSERSITE=1",
		"PYTHONUNBUFFERED=1",
	}
}

// ResolveTrusted looks name up and rejects anything outside trustedBinDirs.
// Symlinks are not followed: /usr/bin/python3 -> python3.12 is fine.
func ResolveTrusted(name string) (string, error) {
	resolved, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("interpreter not found: %w", err)
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("interpreter path: %w", err)
	}
	resolved = filepath.Clean(resolved)

	for _, dir := range trustedBinDirs {
		if strings.HasPrefix(resolved, dir+"/") {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("interpreter %q is not in a trusted directory (allowed: %v)", resolved, trustedBinDirs)
}
