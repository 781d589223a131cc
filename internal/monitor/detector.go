package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// ProbeDetector flags source and output that look like someone feeling out
// the sandbox. Findings are advisory: they are logged and counted but never
// change how a submission is judged.
type ProbeDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

func NewProbeDetector() *ProbeDetector {
	return &ProbeDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeCode scans submitted source line by line.
func (d *ProbeDetector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	for i, line := range strings.Split(code, "\n") {
		for _, p := range d.patterns {
			if !p.Regex.MatchString(line) {
				continue
			}
			detections = append(detections, Detection{
				Pattern:  p.Name,
				Severity: p.Severity.String(),
				Detail:   p.Description,
				Line:     i + 1,
			})
			log.Warn().
				Str("pattern", p.Name).
				Str("severity", p.Severity.String()).
				Int("line", i+1).
				Msg("probe pattern in accepted code")
		}
	}

	return detections
}

var outputPatterns = []struct {
	name   string
	substr string
	sev    Severity
}{
	{"passwd_leak", "root:x:0:0", SeverityCritical},
	{"kernel_leak", "Linux version", SeverityHigh},
	{"environ_leak", "PATH=/", SeverityMedium},
	{"docker_socket", "docker.sock", SeverityCritical},
	{"containerd_socket", "containerd.sock", SeverityCritical},
}

// AnalyzeOutput checks what a run printed for signs that a probe worked.
func (d *ProbeDetector) AnalyzeOutput(output string) []Detection {
	var detections []Detection
	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}
	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "proc_access",
			Description: "String naming a /proc entry",
			Regex:       regexp.MustCompile(`/proc/(self|\d+|1)/(root|exe|fd|ns|maps|environ|cmdline|status)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "sensitive_file",
			Description: "String naming a host credential or config file",
			Regex:       regexp.MustCompile(`/etc/(passwd|shadow|sudoers|hosts)|\.ssh/|id_rsa`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "String naming cgroup release hooks",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "host_socket",
			Description: "String naming a container runtime socket",
			Regex:       regexp.MustCompile(`/var/run/docker|/var/run/containerd|/run/containerd`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Cloud metadata endpoint",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "name_smuggling",
			Description: "Dunder or module name assembled from pieces",
			Regex:       regexp.MustCompile(`['"]__['"]\s*\+|\+\s*['"]__['"]|\\x5f\\x5f|chr\(\s*95\s*\)`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "encoded_payload",
			Description: "Long base64 or hex literal",
			Regex:       regexp.MustCompile(`['"][A-Za-z0-9+/]{80,}={0,2}['"]|['"](\\x[0-9a-fA-F]{2}){20,}['"]`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "fork_bomb",
			Description: "Shell fork bomb text",
			Regex:       regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Reverse shell command text",
			Regex:       regexp.MustCompile(`(?i)\b(nc|ncat|netcat|socat)\s+.*-[elp]\b|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "crypto_miner",
			Description: "Cryptocurrency mining markers",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight)`),
			Severity:    SeverityMedium,
		},
	}
}
