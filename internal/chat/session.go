// Package chat wires the message components into the session the view
// layer talks to.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatzone/internal/api"
	"chatzone/internal/conversation"
	"chatzone/internal/dedup"
	"chatzone/internal/message"
	"chatzone/internal/metrics"
	"chatzone/internal/normalize"
	"chatzone/internal/pipeline"
	"chatzone/internal/presence"
	"chatzone/internal/unread"
)

type HistorySource interface {
	History(ctx context.Context, self, peer string) ([]normalize.Record, error)
	AssistantHistory(ctx context.Context, self string) ([]normalize.Record, error)
}

type UnreadSource interface {
	Unread(ctx context.Context, self string) (api.UnreadSummary, error)
}

type UserLister interface {
	AllUsers(ctx context.Context) ([]string, error)
}

// Cache keeps confirmed messages per conversation across restarts.
type Cache interface {
	Put(key message.ConversationKey, msgs ...message.Message) error
	Recent(key message.ConversationKey, limit int) ([]message.Message, error)
	Clear() error
}

type Config struct {
	Self           string
	AssistantName  string
	Tolerance      time.Duration
	MaxUpload      int64
	PendingTimeout time.Duration
	MarkTimeout    time.Duration
	CacheLimit     int
}

type Deps struct {
	History     HistorySource
	Unread      UnreadSource
	Users       UserLister
	ReadMarker  unread.ReadMarker
	Persister   pipeline.Persister
	Broadcaster pipeline.Broadcaster
	Uploader    pipeline.Uploader
	Asker       pipeline.Asker
	Stager      pipeline.Stager
	Cache       Cache
	Normalizer  *normalize.Normalizer
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
	// OnExpired is called once when the session ends because the backend
	// rejected its credentials.
	OnExpired func()
}

// ContactView is one row of the contact list.
type ContactView struct {
	presence.Contact
	Unread  int              `json:"unread"`
	Preview *message.Preview `json:"preview,omitempty"`
	Typing  bool             `json:"typing,omitempty"`
}

// Session is the single owner of conversation, unread and presence state
// for the logged-in user.
type Session struct {
	cfg       Config
	store     *conversation.Store
	tracker   *unread.Tracker
	pipe      *pipeline.Pipeline
	dir       *presence.Directory
	norm      *normalize.Normalizer
	matcher   dedup.Matcher
	history   HistorySource
	unreadSrc UnreadSource
	users     UserLister
	cache     Cache
	metrics   *metrics.Metrics
	log       zerolog.Logger
	onExpired func()

	gen     atomic.Uint64
	expired atomic.Bool

	mu      sync.RWMutex
	focused string
	typing  map[string]bool

	hub hub
}

func New(cfg Config, deps Deps) *Session {
	if cfg.AssistantName == "" {
		cfg.AssistantName = pipeline.DefaultAssistantName
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalize.New(deps.Log)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	s := &Session{
		cfg:       cfg,
		dir:       presence.New(cfg.Self, cfg.AssistantName),
		norm:      deps.Normalizer,
		matcher:   dedup.Matcher{Window: cfg.Tolerance},
		history:   deps.History,
		unreadSrc: deps.Unread,
		users:     deps.Users,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		log:       deps.Log,
		onExpired: deps.OnExpired,
		typing:    make(map[string]bool),
	}
	s.hub.init()
	s.store = conversation.NewStore(s.matcher, func(snap *conversation.Snapshot) {
		s.hub.publish(Update{Kind: UpdateMessages, Version: snap.Version()})
	})
	var marker unread.ReadMarker
	if deps.ReadMarker != nil {
		marker = assistantSkipper{inner: deps.ReadMarker, assistant: cfg.AssistantName}
	}
	s.tracker = unread.NewTracker(cfg.Self, marker, cfg.MarkTimeout, deps.Log)
	s.tracker.OnMarkError = s.handleError
	s.pipe = pipeline.New(pipeline.Config{
		Self:           cfg.Self,
		AssistantName:  cfg.AssistantName,
		MaxUpload:      cfg.MaxUpload,
		PendingTimeout: cfg.PendingTimeout,
	}, pipeline.Deps{
		Store:       s.store,
		Persister:   deps.Persister,
		Broadcaster: deps.Broadcaster,
		Uploader:    deps.Uploader,
		Asker:       deps.Asker,
		Stager:      deps.Stager,
		Normalizer:  s.norm,
		Metrics:     s.metrics,
		Log:         deps.Log,
	}, pipeline.Hooks{
		Confirmed: s.onConfirmed,
		Reply:     s.onInbound,
		Failed:    s.onFailed,
		Typing:    s.setTyping,
	})
	return s
}

// assistantSkipper keeps read-state acknowledgements for the assistant
// local; the backend has no read state for it.
type assistantSkipper struct {
	inner     unread.ReadMarker
	assistant string
}

func (a assistantSkipper) MarkRead(ctx context.Context, peer, local string) error {
	if peer == a.assistant {
		return nil
	}
	return a.inner.MarkRead(ctx, peer, local)
}

func (s *Session) Self() string { return s.cfg.Self }

func (s *Session) AssistantName() string { return s.cfg.AssistantName }

func (s *Session) Metrics() *metrics.Metrics { return s.metrics }

// MergedMessages returns the ordered, deduplicated conversation with peer.
func (s *Session) MergedMessages(peer string) []message.Message {
	return s.store.Snapshot().Merged(s.cfg.Self, peer, s.matcher)
}

func (s *Session) IsPending(tempID string) bool { return s.store.Snapshot().IsPending(tempID) }

func (s *Session) IsFailed(tempID string) bool { return s.store.Snapshot().IsFailed(tempID) }

// Progress returns the upload percentage of a pending file message.
func (s *Session) Progress(tempID string) (int, bool) { return s.store.Snapshot().Progress(tempID) }

func (s *Session) UnreadCount(peer string) int { return s.tracker.Count(peer) }

func (s *Session) LastPreview(peer string) (message.Preview, bool) { return s.tracker.Preview(peer) }

// TotalUnread sums unread counters for human contacts.
func (s *Session) TotalUnread() int { return s.tracker.Total(s.cfg.AssistantName) }

func (s *Session) Focused() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.focused
}

func (s *Session) Typing(peer string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typing[peer]
}

func (s *Session) setTyping(peer string, on bool) {
	s.mu.Lock()
	if on {
		s.typing[peer] = true
	} else {
		delete(s.typing, peer)
	}
	s.mu.Unlock()
	s.hub.publish(Update{Kind: UpdateTyping, Peer: peer})
}

// ErrNotFocused reports a send addressed to a conversation other than the
// focused one.
var ErrNotFocused = errors.New("conversation is not focused")

// SendText sends text to the focused peer.
func (s *Session) SendText(ctx context.Context, text string) (message.Message, error) {
	return s.sendText(ctx, s.Focused(), text)
}

// SendTextTo sends text to peer, which must be the focused conversation.
// The message is addressed to the peer that passed the check even if focus
// moves before delivery starts.
func (s *Session) SendTextTo(ctx context.Context, peer, text string) (message.Message, error) {
	target, err := s.focusedAs(peer)
	if err != nil {
		return message.Message{}, err
	}
	return s.sendText(ctx, target, text)
}

func (s *Session) sendText(ctx context.Context, peer, text string) (message.Message, error) {
	if s.expired.Load() {
		return message.Message{}, api.ErrUnauthorized
	}
	msg, err := s.pipe.SendText(ctx, peer, text)
	if err != nil {
		return message.Message{}, err
	}
	s.recordOutgoing(msg)
	return msg, nil
}

// SendFile sends a file to the focused peer.
func (s *Session) SendFile(ctx context.Context, f pipeline.FileSend) (message.Message, error) {
	return s.sendFile(ctx, s.Focused(), f)
}

// SendFileTo is SendTextTo for files.
func (s *Session) SendFileTo(ctx context.Context, peer string, f pipeline.FileSend) (message.Message, error) {
	target, err := s.focusedAs(peer)
	if err != nil {
		return message.Message{}, err
	}
	return s.sendFile(ctx, target, f)
}

func (s *Session) sendFile(ctx context.Context, peer string, f pipeline.FileSend) (message.Message, error) {
	if s.expired.Load() {
		return message.Message{}, api.ErrUnauthorized
	}
	msg, err := s.pipe.SendFile(ctx, peer, f)
	if err != nil {
		return message.Message{}, err
	}
	s.recordOutgoing(msg)
	return msg, nil
}

// IsFocused reports whether peer names the focused conversation.
func (s *Session) IsFocused(peer string) bool {
	_, err := s.focusedAs(peer)
	return err == nil
}

// focusedAs resolves peer the way Focus does and returns the focused name
// when they match. Focus is read once.
func (s *Session) focusedAs(peer string) (string, error) {
	peer = strings.TrimSpace(peer)
	if name, ok := s.dir.Resolve(peer); ok {
		peer = name
	}
	focused := s.Focused()
	if peer == "" || peer != focused {
		return "", ErrNotFocused
	}
	return focused, nil
}

// Retry resends a failed message.
func (s *Session) Retry(ctx context.Context, tempID string) (message.Message, error) {
	if s.expired.Load() {
		return message.Message{}, api.ErrUnauthorized
	}
	return s.pipe.Retry(ctx, tempID)
}

func (s *Session) recordOutgoing(msg message.Message) {
	s.tracker.RecordOutgoing(msg)
	s.hub.publish(Update{Kind: UpdateUnread, Peer: msg.ToUser})
}

// Focus opens the conversation with peer. The unread counter clears before
// anything else happens; cached messages are shown next, then the history
// fetch runs. Responses for an earlier focus are discarded.
func (s *Session) Focus(ctx context.Context, peer string) error {
	peer = strings.TrimSpace(peer)
	if name, ok := s.dir.Resolve(peer); ok {
		peer = name
	}
	s.mu.Lock()
	s.focused = peer
	s.gen.Add(1)
	s.mu.Unlock()
	s.tracker.OnFocus(peer)
	s.hub.publish(Update{Kind: UpdateFocus, Peer: peer})
	s.hub.publish(Update{Kind: UpdateUnread, Peer: peer})
	if peer == "" {
		return nil
	}
	s.showCached(peer)
	return s.LoadHistory(ctx)
}

func (s *Session) showCached(peer string) {
	if s.cache == nil {
		return
	}
	cached, err := s.cache.Recent(message.KeyFor(s.cfg.Self, peer), s.cfg.CacheLimit)
	if err != nil {
		s.log.Warn().Err(err).Str("peer", peer).Msg("read conversation cache")
		return
	}
	if len(cached) > 0 {
		s.store.AddSent(cached...)
	}
}

// LoadHistory fetches the focused conversation and merges it in.
func (s *Session) LoadHistory(ctx context.Context) error {
	if s.history == nil {
		return nil
	}
	s.mu.RLock()
	peer, gen := s.focused, s.gen.Load()
	s.mu.RUnlock()
	if peer == "" {
		return pipeline.ErrNoPeer
	}
	var (
		recs []normalize.Record
		err  error
	)
	if peer == s.cfg.AssistantName {
		recs, err = s.history.AssistantHistory(ctx, s.cfg.Self)
	} else {
		recs, err = s.history.History(ctx, s.cfg.Self, peer)
	}
	if s.gen.Load() != gen {
		s.log.Debug().Uint64("generation", gen).Str("peer", peer).Msg("discarding stale history response")
		s.metrics.IncStale()
		return nil
	}
	if err != nil {
		s.handleError(err)
		return fmt.Errorf("load history with %s: %w", peer, err)
	}
	msgs := s.norm.NormalizeAll(normalize.SourceHistory, recs)
	for i := len(msgs); i < len(recs); i++ {
		s.metrics.IncDropped()
	}
	filtered := msgs[:0]
	for _, m := range msgs {
		if m.Between(s.cfg.Self, peer) {
			filtered = append(filtered, m)
		}
	}
	added := s.store.AddSent(filtered...)
	for i := added; i < len(filtered); i++ {
		s.metrics.IncDuplicate()
	}
	s.putCache(filtered...)
	return nil
}

// SyncUnread replaces unread state with the server's view.
func (s *Session) SyncUnread(ctx context.Context) error {
	if s.unreadSrc == nil {
		return nil
	}
	sum, err := s.unreadSrc.Unread(ctx, s.cfg.Self)
	if err != nil {
		s.handleError(err)
		return err
	}
	s.tracker.Sync(sum.Counts, sum.Last)
	s.hub.publish(Update{Kind: UpdateUnread})
	return nil
}

// RefreshContacts reloads the user list.
func (s *Session) RefreshContacts(ctx context.Context) error {
	if s.users == nil {
		return nil
	}
	names, err := s.users.AllUsers(ctx)
	if err != nil {
		s.handleError(err)
		return err
	}
	s.dir.SetUsers(names)
	s.hub.publish(Update{Kind: UpdateContacts})
	return nil
}

// Contacts lists contacts with their unread state.
func (s *Session) Contacts() []ContactView {
	snap := s.dir.Snapshot()
	out := make([]ContactView, 0, len(snap))
	for _, c := range snap {
		v := ContactView{Contact: c, Unread: s.tracker.Count(c.Name), Typing: s.Typing(c.Name)}
		if p, ok := s.tracker.Preview(c.Name); ok {
			p := p
			v.Preview = &p
		}
		out = append(out, v)
	}
	return out
}

// Expire clears all local state after the backend rejected the session.
// OnExpired runs once.
func (s *Session) Expire() {
	if !s.expired.CompareAndSwap(false, true) {
		return
	}
	s.log.Warn().Str("user", s.cfg.Self).Msg("session expired")
	s.clear()
	s.hub.publish(Update{Kind: UpdateExpired})
	if s.onExpired != nil {
		s.onExpired()
	}
}

// Expired reports whether the session has ended.
func (s *Session) Expired() bool { return s.expired.Load() }

// Logout clears local state without firing the expiry callback.
func (s *Session) Logout() {
	s.expired.Store(true)
	s.clear()
}

func (s *Session) clear() {
	s.mu.Lock()
	s.focused = ""
	s.typing = make(map[string]bool)
	s.gen.Add(1)
	s.mu.Unlock()
	s.pipe.Reset()
	s.store.Reset()
	s.tracker.Reset()
	s.dir.Reset()
	if s.cache != nil {
		if err := s.cache.Clear(); err != nil {
			s.log.Warn().Err(err).Msg("clear conversation cache")
		}
	}
}

func (s *Session) handleError(err error) {
	if errors.Is(err, api.ErrUnauthorized) {
		s.Expire()
		return
	}
	s.hub.publish(Update{Kind: UpdateBanner, Text: err.Error()})
}

func (s *Session) onConfirmed(msg message.Message) {
	s.putCache(msg)
	s.tracker.RecordOutgoing(msg)
}

func (s *Session) onFailed(tempID, stage string, err error) {
	if errors.Is(err, api.ErrUnauthorized) {
		s.Expire()
		return
	}
	text := "Message not sent"
	if stage == "ask" {
		text = "Assistant unavailable"
	}
	s.hub.publish(Update{Kind: UpdateBanner, TempID: tempID, Text: fmt.Sprintf("%s: %v", text, err)})
}

// onInbound handles a message that was just added to the sent set.
func (s *Session) onInbound(msg message.Message) {
	s.putCache(msg)
	if s.tracker.OnInbound(msg) {
		s.hub.publish(Update{Kind: UpdateUnread, Peer: msg.FromUser})
	}
}

func (s *Session) putCache(msgs ...message.Message) {
	if s.cache == nil || len(msgs) == 0 {
		return
	}
	byKey := make(map[message.ConversationKey][]message.Message)
	for _, m := range msgs {
		k := message.KeyFor(m.FromUser, m.ToUser)
		byKey[k] = append(byKey[k], m.WithStatus(message.StatusSent))
	}
	for k, list := range byKey {
		if err := s.cache.Put(k, list...); err != nil {
			s.log.Warn().Err(err).Str("conversation", k.String()).Msg("write conversation cache")
		}
	}
}

// Wait blocks until in-flight sends and read acknowledgements complete.
func (s *Session) Wait() {
	s.pipe.Wait()
	s.tracker.Wait()
}

// Close stops background work.
func (s *Session) Close() {
	s.pipe.Close()
	s.tracker.Wait()
	s.hub.closeAll()
}
