package observability

import "unicode"

const maxFieldRunes = 256

// scrub strips control characters (except common whitespace) and caps the
// value at limit runes so attacker-controlled input cannot break log lines.
func scrub(value string, limit int) string {
	if limit <= 0 {
		limit = maxFieldRunes
	}
	out := make([]rune, 0, len(value))
	for _, r := range value {
		switch {
		case r == '\n', r == '\r', r == '\t':
			out = append(out, r)
		case unicode.IsControl(r):
			// drop
		default:
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return string(out)
}

// SanitizeRoute returns a log-safe route path, defaulting to "/".
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return scrub(route, 180)
}

// SanitizeMethod returns a log-safe HTTP method.
func SanitizeMethod(method string) string {
	return scrub(method, 10)
}

// SanitizeUserID caps user identifiers before they reach logs.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return scrub(uid, 64)
}
