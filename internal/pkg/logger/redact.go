package logger

import (
	"regexp"
	"strings"
)

// RedactUsername masks a platform username for safe logging.
// "spammer_2024" → "sp***". Short usernames (≤2 chars) are fully masked.
func RedactUsername(username string) string {
	username = strings.TrimPrefix(username, "@")
	if username == "" {
		return ""
	}
	if len(username) > 2 {
		return username[:2] + "***"
	}
	return "***"
}

// RedactPhone masks all but the last two digits of a phone number.
func RedactPhone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 2 {
		return "***"
	}
	seen := 0
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			seen++
			if seen > digits-2 {
				b.WriteRune(r)
			} else {
				b.WriteRune('*')
			}
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var phoneRegex = regexp.MustCompile(`\+?\d[\d\s().-]{6,18}\d`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "username"):
		return RedactUsername(val)
	case strings.Contains(key, "first_name"), strings.Contains(key, "last_name"), key == "name":
		return RedactUsername(val)
	case strings.Contains(key, "phone"):
		return RedactPhone(val)
	}
	// Redact embedded phone numbers in generic fields (message excerpts etc.)
	return phoneRegex.ReplaceAllStringFunc(val, RedactPhone)
}
