package health

import "regexp"

// Masks applied in order; URLs go before paths because URLs contain paths.
var sanitizers = []struct {
	re   *regexp.Regexp
	mask string
}{
	{regexp.MustCompile(`(?i)\b(password|passwd|token|api[_-]?key|secret|credential)s?\s*[:=]\s*[^,\s}]+`), "$1=[REDACTED]"},
	{regexp.MustCompile(`\b[a-z][a-z0-9+.-]*://[^\s]+`), "[URL]"},
	{regexp.MustCompile(`[A-Za-z]:\\[^:\s]+`), "[PATH]"},
	{regexp.MustCompile(`(?:^|\s)/[A-Za-z0-9/_.-]+`), " [PATH]"},
	{regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`), "[IP]"},
	{regexp.MustCompile(`\[[0-9a-fA-F:]+\]`), "[IP]"},
	{regexp.MustCompile(`:\d{2,5}\b`), "[PORT]"},
}

// Sanitize masks URLs, file paths, addresses, ports and credential pairs in
// an error message before it is served on /healthz.
func Sanitize(msg string) string {
	for _, s := range sanitizers {
		msg = s.re.ReplaceAllString(msg, s.mask)
	}
	return msg
}
