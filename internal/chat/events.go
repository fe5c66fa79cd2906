package chat

import (
	"context"
	"time"

	"chatzone/internal/normalize"
	"chatzone/internal/realtime"
)

// HandleEvent applies one realtime event.
func (s *Session) HandleEvent(evt realtime.Event) {
	if s.expired.Load() {
		return
	}
	switch realtime.Canonical(evt.Name) {
	case realtime.EventMessage:
		s.handleMessage(evt)
	case realtime.EventPeerOnline:
		s.dir.MarkOnline(evt.PeerName())
		s.hub.publish(Update{Kind: UpdateContacts, Peer: evt.PeerName()})
	case realtime.EventPeerOffline:
		s.dir.MarkOffline(evt.PeerName())
		s.hub.publish(Update{Kind: UpdateContacts, Peer: evt.PeerName()})
	case realtime.EventUsers:
		s.dir.SetOnline(evt.Users())
		s.hub.publish(Update{Kind: UpdateContacts})
	default:
		s.log.Debug().Str("event", evt.Name).Msg("ignoring realtime event")
	}
}

func (s *Session) handleMessage(evt realtime.Event) {
	msg, err := s.norm.FromJSON(normalize.SourceSocket, evt.Data)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed realtime message")
		s.metrics.IncDropped()
		return
	}
	if msg.FromUser != s.cfg.Self && msg.ToUser != s.cfg.Self {
		s.log.Debug().Str("from", msg.FromUser).Str("to", msg.ToUser).Msg("ignoring message for another user")
		return
	}
	if s.store.AddSent(msg) == 0 {
		s.metrics.IncDuplicate()
		return
	}
	s.metrics.IncReceived()
	if msg.FromUser != s.cfg.Self {
		s.dir.MarkOnline(msg.FromUser)
	}
	s.onInbound(msg)
}

// Run applies events until the channel closes or ctx ends, and refreshes
// unread state from the server every interval. A zero interval disables
// the refresh.
func (s *Session) Run(ctx context.Context, events <-chan realtime.Event, interval time.Duration) error {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			s.HandleEvent(evt)
		case <-tick:
			if s.expired.Load() {
				continue
			}
			if err := s.SyncUnread(ctx); err != nil {
				s.log.Warn().Err(err).Msg("unread sync failed")
			}
		}
	}
}
