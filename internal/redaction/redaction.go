// Package redaction scrubs secret-looking material from text before it
// reaches logs or outbound error streams.
package redaction

import "regexp"

const Placeholder = "[REDACTED]"

var (
	authorizationBearerPattern = regexp.MustCompile(
		`(?i)((?:"|')?authorization(?:"|')?\s*(?:=|:)\s*)(bearer\s+)([^"'\s,;]+)`,
	)
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|refresh[_-]?token|token|secret|password|session|cookie|credential)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	bearerTokenPattern      = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	standaloneSecretPattern = regexp.MustCompile(
		`(?i)(sk-[A-Za-z0-9]{16,}|ghp_[A-Za-z0-9]{16,}|xox[a-z]-[A-Za-z0-9\-]{10,}|ya29\.[A-Za-z0-9\-_]+|pat_[A-Za-z0-9]{16,})`,
	)
	keyedLongValuePattern = regexp.MustCompile(
		`(?i)(APIKey|api_key|apikey|key)["']?\s*[:=]\s*["']?[A-Za-z0-9\-\._]{20,}["']?`,
	)
	keyedLongValueTail = regexp.MustCompile(`(["']?\s*[:=]\s*)["']?[A-Za-z0-9\-\._]{20,}["']?`)

	urlPattern     = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)
	longRunPattern = regexp.MustCompile(`[A-Za-z0-9]{20,}`)
)

// SanitizeLogLine scrubs credential-shaped substrings from a log line. It is
// conservative: identifiers and plain prose survive, keyed secrets and known
// token prefixes do not.
func SanitizeLogLine(line string) string {
	sanitized := authorizationBearerPattern.ReplaceAllStringFunc(line, func(match string) string {
		submatches := authorizationBearerPattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + submatches[2] + Placeholder
	})

	sanitized = sensitiveKeyValuePattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		submatches := sensitiveKeyValuePattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + Placeholder + submatches[3]
	})

	sanitized = bearerTokenPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		parts := bearerTokenPattern.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		return parts[1] + Placeholder
	})

	sanitized = keyedLongValuePattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		return keyedLongValueTail.ReplaceAllString(match, Placeholder)
	})

	return standaloneSecretPattern.ReplaceAllString(sanitized, Placeholder)
}

// SanitizeErrorStream scrubs text destined for outbound failure reporting.
// Beyond SanitizeLogLine it also strips fully-qualified URLs and any bare
// alphanumeric run of 20+ characters, so delivery errors can never leak
// webhook endpoints or embedded tokens.
func SanitizeErrorStream(s string) string {
	sanitized := urlPattern.ReplaceAllString(s, Placeholder)
	sanitized = SanitizeLogLine(sanitized)
	return longRunPattern.ReplaceAllString(sanitized, Placeholder)
}
