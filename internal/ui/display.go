// Package ui renders the session in a terminal and turns typed input into
// session operations.
package ui

import (
	"context"
	"time"

	"chatzone/internal/chat"
	"chatzone/internal/message"
)

// Line is one rendered message with its delivery state.
type Line struct {
	message.Message
	State    string
	Progress int
}

const (
	StateSent    = "sent"
	StatePending = "pending"
	StateFailed  = "failed"
)

// key identifies a line across state transitions.
func (l Line) key() string {
	if l.TempID != "" {
		return l.TempID
	}
	return l.ID
}

// Notification is used for alerts such as failed sends.
type Notification struct {
	Text      string    `json:"text"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	TempID    string    `json:"tempId,omitempty"`
}

// Sink is the interface every terminal surface satisfies.
type Sink interface {
	ShowConversation(peer string, lines []Line)
	ShowSystem(string)
	UpdateContacts(contacts []chat.ContactView, total int)
	ShowNotification(Notification)
}

type multiSink struct {
	sinks []Sink
}

// NewMultiSink fans updates out to each registered sink.
func NewMultiSink(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

func (m *multiSink) ShowConversation(peer string, lines []Line) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.ShowConversation(peer, lines)
		}
	}
}

func (m *multiSink) ShowSystem(text string) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.ShowSystem(text)
		}
	}
}

func (m *multiSink) UpdateContacts(contacts []chat.ContactView, total int) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.UpdateContacts(contacts, total)
		}
	}
}

func (m *multiSink) ShowNotification(n Notification) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.ShowNotification(n)
		}
	}
}

// Source is the read side of the session a sink renders from.
type Source interface {
	Subscribe() (<-chan chat.Update, func())
	Focused() string
	MergedMessages(peer string) []message.Message
	IsPending(tempID string) bool
	IsFailed(tempID string) bool
	Progress(tempID string) (int, bool)
	Contacts() []chat.ContactView
	TotalUnread() int
}

// Lines builds the rendered conversation with peer.
func Lines(src Source, peer string) []Line {
	merged := src.MergedMessages(peer)
	out := make([]Line, 0, len(merged))
	for _, m := range merged {
		l := Line{Message: m, State: StateSent}
		if m.TempID != "" {
			switch {
			case src.IsPending(m.TempID):
				l.State = StatePending
				l.Progress, _ = src.Progress(m.TempID)
			case src.IsFailed(m.TempID):
				l.State = StateFailed
			}
		}
		out = append(out, l)
	}
	return out
}

// Drive renders session updates into sink until ctx ends or the session
// closes.
func Drive(ctx context.Context, src Source, sink Sink) {
	updates, cancel := src.Subscribe()
	defer cancel()
	sink.UpdateContacts(src.Contacts(), src.TotalUnread())
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			apply(src, sink, u)
		}
	}
}

func apply(src Source, sink Sink, u chat.Update) {
	switch u.Kind {
	case chat.UpdateMessages:
		if peer := src.Focused(); peer != "" {
			sink.ShowConversation(peer, Lines(src, peer))
		}
	case chat.UpdateFocus:
		if u.Peer != "" {
			sink.ShowSystem("chatting with " + u.Peer)
			sink.ShowConversation(u.Peer, Lines(src, u.Peer))
		}
	case chat.UpdateUnread, chat.UpdateContacts, chat.UpdateTyping:
		sink.UpdateContacts(src.Contacts(), src.TotalUnread())
	case chat.UpdateBanner:
		sink.ShowNotification(Notification{Text: u.Text, Level: "error", Timestamp: time.Now(), TempID: u.TempID})
	case chat.UpdateExpired:
		sink.ShowSystem("session expired, log in again")
	}
}
