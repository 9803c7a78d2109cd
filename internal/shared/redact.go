package shared

import (
	"regexp"
	"sort"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match credentials that end up in log lines: engine stderr,
// collector endpoints and config values. A pattern with two groups keeps the
// first and redacts the second.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|access[_-]?token|auth[_-]?token)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Model hub tokens passed to engines through the environment.
	regexp.MustCompile(`\bhf_[A-Za-z0-9]{30,}\b`),
	// Credentials in URLs, e.g. an OTLP endpoint with basic auth.
	regexp.MustCompile(`(://[^:/@\s]+:)([^@\s]+)@`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				tail := ""
				if strings.HasSuffix(match, "@") {
					tail = "@"
				}
				return submatch[1] + redactedPlaceholder + tail
			}
			return redactedPlaceholder
		})
	}
	return result
}

var sensitiveKeys = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnvValue returns value, or the placeholder when key looks secret.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return Redact(value)
}

// RedactEnv renders env as sorted KEY=value pairs safe to log.
func RedactEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+RedactEnvValue(k, v))
	}
	sort.Strings(out)
	return out
}
