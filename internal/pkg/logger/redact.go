package logger

import "strings"

// secretKeyHints marks log field keys whose values must never appear in full.
var secretKeyHints = []string{"token", "secret", "password", "api_key", "apikey", "dsn", "credential"}

// RedactSecret masks a credential for safe logging, keeping a short prefix
// so operators can tell which key is in play.
// "ya29.a0AfH6SMB..." → "ya29***"
func RedactSecret(val string) string {
	if len(val) <= 4 {
		return "***"
	}
	return val[:4] + "***"
}

func redactSecretValue(key, val string) string {
	lower := strings.ToLower(key)
	for _, hint := range secretKeyHints {
		if strings.Contains(lower, hint) {
			return RedactSecret(val)
		}
	}
	// Connection strings can embed a password regardless of the field name.
	if strings.Contains(val, "://") && strings.Contains(val, "@") {
		if i := strings.Index(val, "://"); i >= 0 {
			if j := strings.Index(val[i:], "@"); j >= 0 {
				return val[:i+3] + "***" + val[i+j:]
			}
		}
	}
	return val
}
