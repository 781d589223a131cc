package sanitizer

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

type textRule struct {
	category Category
	symbol   string
	message  string
	patterns []*regexp.Regexp
}

// Free-text answers are checked family by family; the first matching
// pattern of a family reports it.
var textRules = []textRule{
	{
		category: CategoryInjection,
		symbol:   "sql",
		message:  "Potential SQL injection pattern detected",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
			regexp.MustCompile(`(?i)\bselect\s+[\w\s,*()]+\s+from\s+\w+`),
			regexp.MustCompile(`(?i)\b(insert\s+into|delete\s+from|drop\s+(table|database)|alter\s+table|truncate\s+table)\b`),
			regexp.MustCompile(`(?i)\bupdate\s+\w+\s+set\b`),
			regexp.MustCompile(`(?i)\b(or|and)\s+\d+\s*=\s*\d+`),
			regexp.MustCompile(`(?i)\b(or|and)\s+'[^']*'\s*=\s*'`),
			regexp.MustCompile(`'\s*;\s*--`),
		},
	},
	{
		category: CategoryInjection,
		symbol:   "xss",
		message:  "Potential XSS pattern detected",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
			regexp.MustCompile(`(?i)<\s*script`),
			regexp.MustCompile(`(?i)<[^>]*\bon\w+\s*=`),
			regexp.MustCompile(`(?i)<\s*(iframe|object|embed|form|input|link|meta)\b[^>]*>`),
		},
	},
	{
		category: CategoryInjection,
		symbol:   "url_scheme",
		message:  "Script URLs are not allowed",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(javascript|vbscript)\s*:`),
			regexp.MustCompile(`(?i)\bdata\s*:\s*[\w/+.-]+\s*(;\s*base64)?\s*,`),
		},
	},
}

// ValidateText checks a free-text answer (quiz responses and similar) for
// size and injection patterns. Empty text is safe.
func (s *Sanitizer) ValidateText(text string) Outcome {
	c := newCollector()
	if text == "" {
		return c.outcome()
	}

	if n := utf8.RuneCountInString(text); n > s.policy.MaxTextChars {
		c.add(Violation{
			Category: CategoryInput,
			Message:  fmt.Sprintf("Text size (%d chars) exceeds maximum allowed (%d chars)", n, s.policy.MaxTextChars),
		})
	}

	for _, rule := range textRules {
		for _, re := range rule.patterns {
			if re.MatchString(text) {
				c.add(Violation{Category: rule.category, Symbol: rule.symbol, Message: rule.message})
				break
			}
		}
	}

	return c.outcome()
}
