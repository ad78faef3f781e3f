package extract

import (
	"regexp"
	"strings"
)

var intentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bremind me\b`),
	regexp.MustCompile(`\bset (a )?reminder\b`),
	regexp.MustCompile(`\breminder (to|for)\b`),
	regexp.MustCompile(`\bdon'?t forget\b`),
	regexp.MustCompile(`\bafter \d+\b`),
	regexp.MustCompile(`\bin \d+\b`),
	regexp.MustCompile(`\btomorrow at\b`),
	regexp.MustCompile(`\btoday at\b`),
	regexp.MustCompile(`\bnext (week|month|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`),
}

// DetectIntent reports whether text looks like a request to set a reminder.
func DetectIntent(text string) bool {
	_, ok := MatchIntent(text)
	return ok
}

// MatchIntent is DetectIntent that also returns the matching pattern.
func MatchIntent(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, re := range intentPatterns {
		if re.MatchString(lower) {
			return re.String(), true
		}
	}
	return "", false
}
