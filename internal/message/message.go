package message

import (
	"time"
)

// Status is the delivery state of a message as seen by the local client.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Kind distinguishes plain text bodies from file references.
type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

// Message is the canonical shape every inbound and outbound record is
// normalized into before it reaches a conversation.
type Message struct {
	ID        string    `json:"_id,omitempty"`
	TempID    string    `json:"tempId,omitempty"`
	FromUser  string    `json:"fromUser"`
	ToUser    string    `json:"toUser"`
	Kind      Kind      `json:"messageType"`
	Text      string    `json:"message,omitempty"`
	File      *FileInfo `json:"fileInfo,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

// FileInfo describes an uploaded file referenced by a message.
type FileInfo struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
	FileURL  string `json:"fileUrl"`
}

// Preview caches the latest message summary shown in a contact list.
type Preview struct {
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	IsFile    bool      `json:"isFile"`
}

// IsFile reports whether the body is a file reference.
func (m Message) IsFile() bool {
	return m.Kind == KindFile && m.File != nil
}

// BodyKey returns the comparable body used for content matching.
func (m Message) BodyKey() string {
	if m.IsFile() {
		if m.File.FileURL != "" {
			return "file:" + m.File.FileURL
		}
		return "file:" + m.File.FileName
	}
	return "text:" + m.Text
}

// Preview summarizes the message for contact list rendering.
func (m Message) Preview() Preview {
	if m.IsFile() {
		return Preview{Text: "📎 " + m.File.FileName, Timestamp: m.Timestamp, IsFile: true}
	}
	return Preview{Text: m.Text, Timestamp: m.Timestamp}
}

// Peer returns the participant that is not self. Names compare exactly,
// the same way Between does.
func (m Message) Peer(self string) string {
	if m.FromUser == self {
		return m.ToUser
	}
	return m.FromUser
}

// Between reports whether the message belongs to the (a, b) conversation in
// either direction.
func (m Message) Between(a, b string) bool {
	return (m.FromUser == a && m.ToUser == b) || (m.FromUser == b && m.ToUser == a)
}

// WithStatus returns a copy carrying the given status.
func (m Message) WithStatus(s Status) Message {
	m.Status = s
	return m
}

// Clone returns a deep copy so file metadata is never shared between
// snapshots.
func (m Message) Clone() Message {
	if m.File != nil {
		f := *m.File
		m.File = &f
	}
	return m
}

// ConversationKey identifies a conversation by its unordered participant pair.
type ConversationKey struct {
	A string
	B string
}

// KeyFor builds the ordered key for a participant pair.
func KeyFor(x, y string) ConversationKey {
	if x > y {
		x, y = y, x
	}
	return ConversationKey{A: x, B: y}
}

func (k ConversationKey) String() string {
	return k.A + "|" + k.B
}
