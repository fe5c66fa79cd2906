package chat

import "sync"

type UpdateKind string

const (
	UpdateMessages UpdateKind = "messages"
	UpdateUnread   UpdateKind = "unread"
	UpdateContacts UpdateKind = "contacts"
	UpdateFocus    UpdateKind = "focus"
	UpdateTyping   UpdateKind = "typing"
	UpdateBanner   UpdateKind = "banner"
	UpdateExpired  UpdateKind = "expired"
)

const subscriberBuffer = 64

// Update tells a view which part of the session changed. Views re-read the
// state they render; updates carry no payload beyond a hint.
type Update struct {
	Kind    UpdateKind `json:"kind"`
	Peer    string     `json:"peer,omitempty"`
	TempID  string     `json:"tempId,omitempty"`
	Text    string     `json:"text,omitempty"`
	Version uint64     `json:"version,omitempty"`
}

// hub fans updates out to subscribers. Slow subscribers miss updates
// rather than stall the session.
type hub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Update
	closed bool
}

func (h *hub) init() { h.subs = make(map[int]chan Update) }

func (h *hub) publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (h *hub) subscribe() (<-chan Update, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Update, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribe returns a stream of updates and a function that ends it.
func (s *Session) Subscribe() (<-chan Update, func()) { return s.hub.subscribe() }
