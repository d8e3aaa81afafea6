package observability

import (
	"strings"
	"unicode"
)

const maxFieldRunes = 256

// sanitizeString strips control characters that could forge log lines and
// caps the value at limit runes.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = maxFieldRunes
	}

	var b strings.Builder
	b.Grow(len(value))
	kept := 0
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
		kept++
		if kept >= limit {
			break
		}
	}
	return b.String()
}

// SanitizeRoute normalises a request route for log fields. Empty routes
// collapse to "/".
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod caps an HTTP method string for log fields.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// SanitizeUserID bounds user identifiers before they reach log output.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return sanitizeString(uid, 64)
}
