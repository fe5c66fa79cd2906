// Package conversation holds the confirmed, pending and failed message sets
// and merges them into the ordered view of one conversation.
package conversation

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chatzone/internal/dedup"
	"chatzone/internal/message"
)

var (
	ErrDuplicateTempID = errors.New("temp id already pending")
	ErrUnknownTempID   = errors.New("temp id not tracked")
)

// Snapshot is an immutable view of all message sets. Every mutation on Store
// publishes a new Snapshot; readers never observe partial edits.
type Snapshot struct {
	version  uint64
	sent     []message.Message
	pending  []message.Message
	failed   []message.Message
	attempts map[string]int
	progress map[string]int
}

var empty = &Snapshot{attempts: map[string]int{}, progress: map[string]int{}}

func (s *Snapshot) Version() uint64 { return s.version }

func (s *Snapshot) Sent() []message.Message    { return cloneAll(s.sent) }
func (s *Snapshot) Pending() []message.Message { return cloneAll(s.pending) }
func (s *Snapshot) Failed() []message.Message  { return cloneAll(s.failed) }

func (s *Snapshot) IsPending(tempID string) bool {
	return indexOf(s.pending, tempID) >= 0
}

func (s *Snapshot) IsFailed(tempID string) bool {
	return indexOf(s.failed, tempID) >= 0
}

// Attempt returns the current attempt number for a pending temp id, 0 when
// it is not pending.
func (s *Snapshot) Attempt(tempID string) int {
	if !s.IsPending(tempID) {
		return 0
	}
	return s.attempts[tempID]
}

// Progress returns the upload progress of a pending file message.
func (s *Snapshot) Progress(tempID string) (int, bool) {
	p, ok := s.progress[tempID]
	return p, ok
}

// FindFailed returns the failed message for tempID.
func (s *Snapshot) FindFailed(tempID string) (message.Message, bool) {
	if i := indexOf(s.failed, tempID); i >= 0 {
		return s.failed[i].Clone(), true
	}
	return message.Message{}, false
}

// FindPending returns the pending message for tempID.
func (s *Snapshot) FindPending(tempID string) (message.Message, bool) {
	if i := indexOf(s.pending, tempID); i >= 0 {
		return s.pending[i].Clone(), true
	}
	return message.Message{}, false
}

// Merged returns the conversation between local and peer.
func (s *Snapshot) Merged(local, peer string, m dedup.Matcher) []message.Message {
	return Merge(local, peer, s.sent, s.pending, s.failed, m)
}

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		version:  s.version + 1,
		sent:     s.sent,
		pending:  s.pending,
		failed:   s.failed,
		attempts: make(map[string]int, len(s.attempts)),
		progress: make(map[string]int, len(s.progress)),
	}
	for k, v := range s.attempts {
		next.attempts[k] = v
	}
	for k, v := range s.progress {
		next.progress[k] = v
	}
	return next
}

// Merge filters the three sets down to the (local, peer) pair in both
// directions, concatenates sent, pending and failed in that order, collapses
// duplicates keeping the first occurrence, and orders the result by
// timestamp. Equal timestamps keep concatenation order.
//
// The duplicate scan is quadratic in conversation size.
func Merge(local, peer string, sent, pending, failed []message.Message, m dedup.Matcher) []message.Message {
	total := len(sent) + len(pending) + len(failed)
	out := make([]message.Message, 0, total)
	seenID := make(map[string]struct{}, total)
	seenTemp := make(map[string]struct{}, total)
	for _, group := range [][]message.Message{sent, pending, failed} {
		for _, msg := range group {
			if !msg.Between(local, peer) {
				continue
			}
			if _, ok := seenID[msg.ID]; ok && msg.ID != "" {
				continue
			}
			if _, ok := seenTemp[msg.TempID]; ok && msg.TempID != "" {
				continue
			}
			if m.IsDuplicate(msg, out) {
				continue
			}
			if msg.ID != "" {
				seenID[msg.ID] = struct{}{}
			}
			if msg.TempID != "" {
				seenTemp[msg.TempID] = struct{}{}
			}
			out = append(out, msg.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Store is the single writer of message snapshots.
type Store struct {
	mu       sync.Mutex
	cur      atomic.Pointer[Snapshot]
	matcher  dedup.Matcher
	onChange func(*Snapshot)
}

// NewStore creates an empty store. onChange, when set, is invoked after each
// published mutation with the new snapshot.
func NewStore(m dedup.Matcher, onChange func(*Snapshot)) *Store {
	s := &Store{matcher: m, onChange: onChange}
	s.cur.Store(empty)
	return s
}

// Snapshot returns the current immutable snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.cur.Load()
}

// Matcher exposes the deduplication rule used by the store.
func (s *Store) Matcher() dedup.Matcher {
	return s.matcher
}

func (s *Store) update(fn func(next *Snapshot) error) error {
	s.mu.Lock()
	next := s.cur.Load().clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cur.Store(next)
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange(next)
	}
	return nil
}

// AddSent appends confirmed messages not already present in the sent set.
// It returns how many were added.
func (s *Store) AddSent(msgs ...message.Message) int {
	added := 0
	_ = s.update(func(next *Snapshot) error {
		sent := make([]message.Message, len(next.sent), len(next.sent)+len(msgs))
		copy(sent, next.sent)
		for _, msg := range msgs {
			if s.matcher.IsDuplicate(msg, sent) {
				continue
			}
			sent = append(sent, msg.WithStatus(message.StatusSent).Clone())
			added++
		}
		next.sent = sent
		return nil
	})
	return added
}

// AddPending inserts an optimistic entry and returns its attempt number.
func (s *Store) AddPending(msg message.Message) (int, error) {
	var attempt int
	err := s.update(func(next *Snapshot) error {
		if msg.TempID == "" {
			return ErrUnknownTempID
		}
		if indexOf(next.pending, msg.TempID) >= 0 {
			return ErrDuplicateTempID
		}
		next.pending = appendCopy(next.pending, msg.WithStatus(message.StatusPending).Clone())
		next.attempts[msg.TempID]++
		attempt = next.attempts[msg.TempID]
		return nil
	})
	return attempt, err
}

// UpdatePending replaces the pending entry for tempID when attempt is still
// current. Only the body file reference may change.
func (s *Store) UpdatePending(tempID string, attempt int, file *message.FileInfo) error {
	return s.update(func(next *Snapshot) error {
		i := indexOf(next.pending, tempID)
		if i < 0 || next.attempts[tempID] != attempt {
			return ErrUnknownTempID
		}
		pending := appendCopy(next.pending[:0:0], next.pending...)
		updated := pending[i].Clone()
		if file != nil {
			f := *file
			updated.File = &f
		}
		pending[i] = updated
		next.pending = pending
		return nil
	})
}

// Confirm moves a pending entry to the sent set using the server's view of
// the message. Responses for a superseded attempt are rejected.
func (s *Store) Confirm(tempID string, attempt int, confirmed message.Message) error {
	return s.update(func(next *Snapshot) error {
		i := indexOf(next.pending, tempID)
		if i < 0 || next.attempts[tempID] != attempt {
			return ErrUnknownTempID
		}
		next.pending = removeAt(next.pending, i)
		delete(next.progress, tempID)
		confirmed.TempID = tempID
		confirmed.Status = message.StatusSent
		if !s.matcher.IsDuplicate(confirmed, next.sent) {
			next.sent = appendCopy(next.sent, confirmed.Clone())
		}
		return nil
	})
}

// Fail moves a pending entry to the failed set.
func (s *Store) Fail(tempID string, attempt int) error {
	return s.update(func(next *Snapshot) error {
		i := indexOf(next.pending, tempID)
		if i < 0 || next.attempts[tempID] != attempt {
			return ErrUnknownTempID
		}
		failed := next.pending[i].WithStatus(message.StatusFailed)
		failed.ID = ""
		next.pending = removeAt(next.pending, i)
		delete(next.progress, tempID)
		next.failed = appendCopy(next.failed, failed)
		return nil
	})
}

// Retry re-creates a failed entry as pending with the same temp id and a
// fresh timestamp, returning the new pending message and attempt number.
func (s *Store) Retry(tempID string, now time.Time) (message.Message, int, error) {
	var (
		msg     message.Message
		attempt int
	)
	err := s.update(func(next *Snapshot) error {
		i := indexOf(next.failed, tempID)
		if i < 0 {
			return ErrUnknownTempID
		}
		msg = next.failed[i].Clone()
		msg.Status = message.StatusPending
		msg.Timestamp = now
		next.failed = removeAt(next.failed, i)
		next.pending = appendCopy(next.pending, msg)
		next.attempts[tempID]++
		attempt = next.attempts[tempID]
		return nil
	})
	return msg, attempt, err
}

// SetProgress records upload progress for a pending entry, clamped to 0..100.
func (s *Store) SetProgress(tempID string, attempt int, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return s.update(func(next *Snapshot) error {
		if indexOf(next.pending, tempID) < 0 || next.attempts[tempID] != attempt {
			return ErrUnknownTempID
		}
		next.progress[tempID] = pct
		return nil
	})
}

// Reset drops every message set.
func (s *Store) Reset() {
	_ = s.update(func(next *Snapshot) error {
		next.sent, next.pending, next.failed = nil, nil, nil
		next.attempts = map[string]int{}
		next.progress = map[string]int{}
		return nil
	})
}

func indexOf(list []message.Message, tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, msg := range list {
		if msg.TempID == tempID {
			return i
		}
	}
	return -1
}

func appendCopy(list []message.Message, extra ...message.Message) []message.Message {
	out := make([]message.Message, len(list), len(list)+len(extra))
	copy(out, list)
	return append(out, extra...)
}

func removeAt(list []message.Message, i int) []message.Message {
	out := make([]message.Message, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}

func cloneAll(list []message.Message) []message.Message {
	out := make([]message.Message, len(list))
	for i, msg := range list {
		out[i] = msg.Clone()
	}
	return out
}
