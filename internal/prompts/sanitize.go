package prompts

import "strings"

// DefaultMaxChars bounds interpolated prompt variables.
const DefaultMaxChars = 4000

// emptyPlaceholder stands in for missing values so templates never render
// dangling labels.
const emptyPlaceholder = "(no content)"

// Sanitize prepares free text for prompt interpolation: empty or null input
// becomes a placeholder, template braces are defused, and the result is
// truncated to maxChars.
func Sanitize(input string, maxChars int) string {
	s := strings.TrimSpace(input)
	if s == "" || s == "null" {
		return emptyPlaceholder
	}
	s = strings.ReplaceAll(s, "{{", "{ {")
	s = strings.ReplaceAll(s, "}}", "} }")
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if runes := []rune(s); len(runes) > maxChars {
		s = string(runes[:maxChars])
	}
	return s
}
