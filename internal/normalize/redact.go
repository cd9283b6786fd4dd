package normalize

import "regexp"

// redactionPatterns matches secret-shaped tokens: API keys, AWS access
// keys, and bearer tokens. Kept as a named table so tests can enumerate it
// directly.
var redactionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{20,}=*`),
}

// Redact replaces secret-shaped substrings with [REDACTED]. Off by
// default; callers opt in.
func Redact(s string) string {
	for _, p := range redactionPatterns {
		s = p.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
