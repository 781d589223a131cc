package sandbox

import (
	"bytes"
	"regexp"
	"strings"
)

const truncatedMarker = "\n... [output truncated]"

// cappedBuffer keeps the first max bytes written and silently drops the
// rest, so a chatty child can never grow server memory without bound.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + truncatedMarker
	}
	return c.buf.String()
}

func (c *cappedBuffer) Truncated() bool { return c.truncated }

// Placeholders substituted for host paths in anything returned to callers.
const (
	submissionPlaceholder = "<submission>"
	sandboxPlaceholder    = "<sandbox>"
)

// redactor rewrites host filesystem paths of one execution.
type redactor struct {
	frame *regexp.Regexp
	pairs []string
}

func newRedactor(codePath, scratchDir string) *redactor {
	r := &redactor{
		frame: regexp.MustCompile(`File "` + regexp.QuoteMeta(codePath) + `", line`),
	}
	r.pairs = append(r.pairs, codePath, submissionPlaceholder)
	if scratchDir != "" {
		r.pairs = append(r.pairs, scratchDir, sandboxPlaceholder)
	}
	return r
}

// Redact turns traceback frames for the submission into "Your code, line N"
// and replaces every other occurrence of the paths with a placeholder.
func (r *redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	s = r.frame.ReplaceAllLiteralString(s, "Your code, line")
	return strings.NewReplacer(r.pairs...).Replace(s)
}
