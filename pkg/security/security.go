// Package security provides validation, sanitization, and limits for schedq.
package security

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tessara/schedq/pkg/core"
)

// Limits applied to user-supplied fields.
const (
	// MaxJobNameLength is the maximum length for job names.
	MaxJobNameLength = 255

	// MaxHandlerNameLength is the maximum length for handler names.
	MaxHandlerNameLength = 255

	// MaxEventNameLength is the maximum length for event names.
	MaxEventNameLength = 255

	// MaxPayloadSize is the maximum size in bytes for job payloads (1MB).
	MaxPayloadSize = 1 << 20

	// MaxRetries is the hard limit for retry attempts.
	MaxRetries = 100

	// MaxConcurrency is the hard limit for per-job concurrency.
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages.
	MaxErrorMessageLength = 4096
)

// validName matches alphanumeric, hyphens, underscores, dots and colons.
// Colons allow namespaced event names such as "ticket:created".
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.:]*$`)

// ValidateJobName validates a job name.
func ValidateJobName(name string) error {
	if name == "" {
		return core.ErrInvalidJobName
	}
	if len(name) > MaxJobNameLength {
		return core.ErrJobNameTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidJobName
	}
	return nil
}

// ValidateHandlerName validates a handler name.
func ValidateHandlerName(name string) error {
	if name == "" || len(name) > MaxHandlerNameLength || !validName.MatchString(name) {
		return core.ErrInvalidHandlerName
	}
	return nil
}

// ValidateEventName validates a platform event name.
func ValidateEventName(name string) error {
	if name == "" || len(name) > MaxEventNameLength || !validName.MatchString(name) {
		return core.ErrInvalidEventName
	}
	return nil
}

// ValidatePayload enforces the payload size limit.
func ValidatePayload(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return core.ErrPayloadTooLarge
	}
	return nil
}

// ValidateTimezone checks that the name resolves to an IANA location.
// Empty means UTC and is valid.
func ValidateTimezone(name string) error {
	if name == "" {
		return nil
	}
	if _, err := time.LoadLocation(name); err != nil {
		return core.Validation("timezone", err)
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Strip null bytes and control characters (except whitespace)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits.
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits.
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
