package outbox

import "regexp"

const maxErrorMessageLength = 512

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\b\d{3}[-.\s]\d{3}[-.\s]\d{4}\b`)
	ipPattern    = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// SanitizeErrorMessage redacts email/phone/IP-shaped substrings and
// truncates over maxErrorMessageLength bytes before a failure reason is
// persisted to outbox/inbox metadata, grounded on outbox_test.go's
// TestSanitizeErrorMessage.
func SanitizeErrorMessage(msg string) string {
	msg = emailPattern.ReplaceAllString(msg, "[REDACTED]")
	msg = phonePattern.ReplaceAllString(msg, "[REDACTED]")
	msg = ipPattern.ReplaceAllString(msg, "[REDACTED]")

	if len(msg) > maxErrorMessageLength {
		msg = msg[:maxErrorMessageLength] + "...[truncated]"
	}

	return msg
}
