package core

import "strings"

const RedactedValue = "[REDACTED]"

// RedactSensitiveMap returns a copy of fields with credential material masked.
// Identifiers used to correlate cache entries are kept.
func RedactSensitiveMap(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	return redactSensitiveMap(fields)
}

func redactSensitiveMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactSensitiveValue(value)
	}
	return target
}

func redactSensitiveValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactSensitiveMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactSensitiveValue(typed[i])
		}
		return out
	default:
		return value
	}
}

var sensitiveKeyTokens = []string{
	"secret",
	"token",
	"assertion",
	"authorization",
	"code_verifier",
	"client_info",
	"password",
	"claims",
	"cnf",
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return key == "code"
}

func isTraceabilityKey(key string) bool {
	switch key {
	case "correlation_id",
		"client_id",
		"home_account_id",
		"environment",
		"realm",
		"cache_key",
		"token_type",
		"token_count",
		"credential_type",
		"thumbprint",
		"request_claims_hash",
		"trace_id":
		return true
	default:
		return false
	}
}
