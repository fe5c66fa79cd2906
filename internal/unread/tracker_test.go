package unread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatzone/internal/message"
)

type blockingMarker struct {
	mu      sync.Mutex
	release chan struct{}
	calls   []string
	err     error
}

func (b *blockingMarker) MarkRead(ctx context.Context, peer, local string) error {
	b.mu.Lock()
	b.calls = append(b.calls, peer+"<-"+local)
	b.mu.Unlock()
	if b.release != nil {
		<-b.release
	}
	return b.err
}

func inbound(from, to, text string) message.Message {
	return message.Message{FromUser: from, ToUser: to, Kind: message.KindText, Text: text, Timestamp: time.Now()}
}

func TestOnInboundCountsQualifyingOnly(t *testing.T) {
	tr := NewTracker("me", nil, 0, zerolog.Nop())
	if !tr.OnInbound(inbound("bob", "me", "1")) {
		t.Fatalf("expected increment")
	}
	tr.OnInbound(inbound("bob", "me", "2"))
	if tr.OnInbound(inbound("me", "bob", "3")) {
		t.Fatalf("own message must not count")
	}
	if tr.OnInbound(inbound("bob", "carol", "x")) {
		t.Fatalf("message for someone else must not count")
	}
	if got := tr.Count("bob"); got != 2 {
		t.Fatalf("expected 2 unread, got %d", got)
	}
	p, ok := tr.Preview("bob")
	if !ok || p.Text != "3" {
		t.Fatalf("preview should follow the latest message, got %+v", p)
	}
}

func TestFocusedPeerDoesNotAccumulate(t *testing.T) {
	tr := NewTracker("me", nil, 0, zerolog.Nop())
	tr.OnFocus("bob")
	if tr.OnInbound(inbound("bob", "me", "hi")) {
		t.Fatalf("focused peer must not count")
	}
	if tr.Count("bob") != 0 {
		t.Fatalf("expected zero")
	}
}

func TestFocusClearsImmediately(t *testing.T) {
	marker := &blockingMarker{release: make(chan struct{})}
	tr := NewTracker("me", marker, time.Second, zerolog.Nop())
	for i := 0; i < 5; i++ {
		tr.OnInbound(inbound("carol", "me", "m"))
	}
	if tr.Count("carol") != 5 {
		t.Fatalf("expected 5 unread")
	}
	tr.OnFocus("carol")
	if got := tr.Count("carol"); got != 0 {
		t.Fatalf("focus must clear before acknowledgement, got %d", got)
	}
	close(marker.release)
	tr.Wait()
	marker.mu.Lock()
	defer marker.mu.Unlock()
	if len(marker.calls) != 1 || marker.calls[0] != "carol<-me" {
		t.Fatalf("unexpected mark read calls: %v", marker.calls)
	}
}

func TestMarkErrorDoesNotRevert(t *testing.T) {
	marker := &blockingMarker{err: errors.New("boom")}
	tr := NewTracker("me", marker, time.Second, zerolog.Nop())
	var got error
	var mu sync.Mutex
	tr.OnMarkError = func(err error) { mu.Lock(); got = err; mu.Unlock() }
	tr.OnInbound(inbound("bob", "me", "x"))
	tr.OnFocus("bob")
	tr.Wait()
	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatalf("expected error callback")
	}
	if tr.Count("bob") != 0 {
		t.Fatalf("failed acknowledgement must not restore the counter")
	}
}

func TestSyncKeepsFocusedAtZero(t *testing.T) {
	tr := NewTracker("me", nil, 0, zerolog.Nop())
	tr.OnFocus("bob")
	tr.Sync(map[string]int{"bob": 3, "carol": 2, "dave": -1}, map[string]message.Preview{
		"carol": {Text: "later", Timestamp: time.Now()},
	})
	if tr.Count("bob") != 0 || tr.Count("carol") != 2 || tr.Count("dave") != 0 {
		t.Fatalf("unexpected counts: %v", tr.State().Counts())
	}
	if p, _ := tr.Preview("carol"); p.Text != "later" {
		t.Fatalf("preview not synced")
	}
	if tr.Total() != 2 || tr.Total("carol") != 0 {
		t.Fatalf("unexpected totals")
	}
}

func TestOldSnapshotUnchanged(t *testing.T) {
	tr := NewTracker("me", nil, 0, zerolog.Nop())
	tr.OnInbound(inbound("bob", "me", "x"))
	before := tr.State()
	tr.OnInbound(inbound("bob", "me", "y"))
	if before.Count("bob") != 1 || tr.Count("bob") != 2 {
		t.Fatalf("snapshot mutated in place")
	}
}
