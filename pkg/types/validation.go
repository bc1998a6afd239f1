package types

import (
	"regexp"
	"strings"
)

// MaxBodyBytes bounds the size of a single message body.
const MaxBodyBytes = 4096

const directThreadPrefix = "dm:"

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks if a user ID meets format requirements.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// Validate checks the parts of a message the sender controls.
func (m *Message) Validate() error {
	if !IsValidUserID(m.SenderID) || !IsValidUserID(m.RecipientID) {
		return ErrInvalidUserID
	}
	if m.SenderID == m.RecipientID {
		return ErrSelfMessage
	}
	if strings.TrimSpace(m.Body) == "" {
		return ErrEmptyBody
	}
	if len(m.Body) > MaxBodyBytes {
		return ErrBodyTooLarge
	}
	return nil
}

// DirectThreadID returns the canonical thread id of the conversation between
// two users. The result does not depend on argument order.
func DirectThreadID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directThreadPrefix + a + ":" + b
}

// ParseDirectThreadID splits a direct thread id into its two participants.
func ParseDirectThreadID(threadID string) (string, string, bool) {
	rest, ok := strings.CutPrefix(threadID, directThreadPrefix)
	if !ok {
		return "", "", false
	}
	a, b, ok := strings.Cut(rest, ":")
	if !ok || !IsValidUserID(a) || !IsValidUserID(b) || a == b {
		return "", "", false
	}
	return a, b, true
}

// IsValidThreadID accepts direct thread ids and opaque room ids.
func IsValidThreadID(threadID string) bool {
	if threadID == "" || len(threadID) > 128 {
		return false
	}
	if strings.HasPrefix(threadID, directThreadPrefix) {
		_, _, ok := ParseDirectThreadID(threadID)
		return ok
	}
	return true
}
