// Package unread tracks per-peer unread counters and last message previews.
package unread

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatzone/internal/message"
)

// ReadMarker tells the backend that local has read everything from peer.
type ReadMarker interface {
	MarkRead(ctx context.Context, peer, local string) error
}

// State is an immutable view of counters and previews.
type State struct {
	counts   map[string]int
	previews map[string]message.Preview
}

func (s *State) Count(peer string) int { return s.counts[peer] }

func (s *State) Preview(peer string) (message.Preview, bool) {
	p, ok := s.previews[peer]
	return p, ok
}

// Counts returns a copy of all non-zero counters.
func (s *State) Counts() map[string]int {
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

func (s *State) clone() *State {
	next := &State{
		counts:   make(map[string]int, len(s.counts)),
		previews: make(map[string]message.Preview, len(s.previews)),
	}
	for k, v := range s.counts {
		next.counts[k] = v
	}
	for k, v := range s.previews {
		next.previews[k] = v
	}
	return next
}

// Tracker is the single writer of unread state for the local user.
type Tracker struct {
	self    string
	marker  ReadMarker
	timeout time.Duration
	log     zerolog.Logger

	// OnMarkError is called from the background goroutine when a read-state
	// acknowledgement fails.
	OnMarkError func(error)

	mu      sync.Mutex
	focused string
	cur     atomic.Pointer[State]
	wg      sync.WaitGroup
}

// NewTracker creates a tracker for self. marker may be nil.
func NewTracker(self string, marker ReadMarker, timeout time.Duration, log zerolog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	t := &Tracker{self: self, marker: marker, timeout: timeout, log: log}
	t.cur.Store(&State{counts: map[string]int{}, previews: map[string]message.Preview{}})
	return t
}

// State returns the current snapshot.
func (t *Tracker) State() *State { return t.cur.Load() }

func (t *Tracker) Count(peer string) int { return t.cur.Load().Count(peer) }

func (t *Tracker) Preview(peer string) (message.Preview, bool) {
	return t.cur.Load().Preview(peer)
}

// Total sums all counters except the excluded peers.
func (t *Tracker) Total(exclude ...string) int {
	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		skip[e] = struct{}{}
	}
	total := 0
	for peer, n := range t.cur.Load().counts {
		if _, ok := skip[peer]; ok {
			continue
		}
		total += n
	}
	return total
}

// Focused returns the peer whose conversation is open.
func (t *Tracker) Focused() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.focused
}

func (t *Tracker) mutate(fn func(*State)) {
	next := t.cur.Load().clone()
	fn(next)
	t.cur.Store(next)
}

// OnInbound records an inbound message. It reports whether the counter was
// incremented. The preview for the conversation is refreshed either way.
func (t *Tracker) OnInbound(msg message.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.FromUser != t.self && msg.ToUser != t.self {
		return false
	}
	peer := msg.Peer(t.self)
	counted := msg.ToUser == t.self && msg.FromUser != t.self && msg.FromUser != t.focused
	t.mutate(func(s *State) {
		setPreview(s, peer, msg.Preview())
		if counted {
			s.counts[peer]++
		}
	})
	return counted
}

// RecordOutgoing refreshes the preview for the peer of a locally sent message.
func (t *Tracker) RecordOutgoing(msg message.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer := msg.Peer(t.self)
	if peer == "" {
		return
	}
	t.mutate(func(s *State) { setPreview(s, peer, msg.Preview()) })
}

func setPreview(s *State, peer string, p message.Preview) {
	if cur, ok := s.previews[peer]; ok && cur.Timestamp.After(p.Timestamp) {
		return
	}
	s.previews[peer] = p
}

// OnFocus marks peer as focused and clears its counter at once. The backend
// acknowledgement runs in the background and never blocks or reverts the
// local clear.
func (t *Tracker) OnFocus(peer string) {
	t.mu.Lock()
	t.focused = peer
	if peer != "" {
		t.mutate(func(s *State) { delete(s.counts, peer) })
	}
	t.mu.Unlock()
	if peer == "" || t.marker == nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		if err := t.marker.MarkRead(ctx, peer, t.self); err != nil {
			t.log.Warn().Err(err).Str("peer", peer).Msg("mark read failed")
			if t.OnMarkError != nil {
				t.OnMarkError(err)
			}
		}
	}()
}

// Sync replaces counters and previews with the server's view. The focused
// peer keeps a zero counter. Negative counts are clamped.
func (t *Tracker) Sync(counts map[string]int, previews map[string]message.Preview) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mutate(func(s *State) {
		s.counts = make(map[string]int, len(counts))
		for peer, n := range counts {
			if n <= 0 || peer == t.focused || peer == t.self {
				continue
			}
			s.counts[peer] = n
		}
		for peer, p := range previews {
			setPreview(s, peer, p)
		}
	})
}

// Reset drops all state, including focus.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.focused = ""
	t.cur.Store(&State{counts: map[string]int{}, previews: map[string]message.Preview{}})
}

// Wait blocks until background acknowledgements finish.
func (t *Tracker) Wait() { t.wg.Wait() }
