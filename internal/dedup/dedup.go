// Package dedup decides whether a message is already represented in a
// conversation.
package dedup

import (
	"time"

	"chatzone/internal/message"
)

// Tolerance is the window within which two messages with identical
// participants and body are treated as the same message.
const Tolerance = time.Second

// Matcher holds a tunable tolerance window. The zero value uses Tolerance.
type Matcher struct {
	Window time.Duration
}

func (m Matcher) window() time.Duration {
	if m.Window <= 0 {
		return Tolerance
	}
	return m.Window
}

// Same reports whether a and b denote the same message: a shared non-empty
// id, a shared temp id, or identical participants and body with timestamps
// closer than the window.
func (m Matcher) Same(a, b message.Message) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	if a.TempID != "" && a.TempID == b.TempID {
		return true
	}
	if a.FromUser != b.FromUser || a.ToUser != b.ToUser {
		return false
	}
	if a.BodyKey() != b.BodyKey() {
		return false
	}
	diff := a.Timestamp.Sub(b.Timestamp)
	if diff < 0 {
		diff = -diff
	}
	return diff < m.window()
}

// IsDuplicate reports whether incoming matches any message in existing.
func (m Matcher) IsDuplicate(incoming message.Message, existing []message.Message) bool {
	for _, cur := range existing {
		if m.Same(incoming, cur) {
			return true
		}
	}
	return false
}

// IsDuplicate applies the default tolerance.
func IsDuplicate(incoming message.Message, existing []message.Message) bool {
	return Matcher{}.IsDuplicate(incoming, existing)
}
