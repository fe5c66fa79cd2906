package ui

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatzone/internal/chat"
	"chatzone/internal/message"
	"chatzone/internal/metrics"
	"chatzone/internal/pipeline"
)

var at = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func TestCLIPrintsOnlyNewOrChangedLines(t *testing.T) {
	var out bytes.Buffer
	d := NewCLIDisplay(&out, false)
	pending := Line{Message: message.Message{TempID: "t1", FromUser: "alice", Text: "hi", Timestamp: at}, State: StatePending}
	d.ShowConversation("bob", []Line{pending})
	d.ShowConversation("bob", []Line{pending})
	sent := pending
	sent.State = StateSent
	d.ShowConversation("bob", []Line{sent})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %q", out.String())
	}
	if lines[0] != "[09:30:00] alice: hi (sending)" || lines[1] != "[09:30:00] alice: hi" {
		t.Fatalf("unexpected output %q", lines)
	}
}

func TestCLIFormatsFilesAndFailures(t *testing.T) {
	var out bytes.Buffer
	d := NewCLIDisplay(&out, false)
	d.ShowConversation("bob", []Line{
		{Message: message.Message{TempID: "t2", FromUser: "alice", Kind: message.KindFile, File: &message.FileInfo{FileName: "cat.png"}, Timestamp: at}, State: StatePending, Progress: 40},
		{Message: message.Message{TempID: "t3", FromUser: "alice", Text: "yo", Timestamp: at}, State: StateFailed},
	})
	got := out.String()
	if !strings.Contains(got, "[file: cat.png] (sending 40%)") || !strings.Contains(got, "yo (failed, /retry t3)") {
		t.Fatalf("unexpected output %q", got)
	}
}

type recordingSink struct {
	mu            sync.Mutex
	system        []string
	conversations map[string][]Line
	totals        []int
	notes         []Notification
}

func newRecordingSink() *recordingSink {
	return &recordingSink{conversations: make(map[string][]Line)}
}

func (r *recordingSink) ShowConversation(peer string, lines []Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[peer] = lines
}

func (r *recordingSink) ShowSystem(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.system = append(r.system, text)
}

func (r *recordingSink) UpdateContacts(contacts []chat.ContactView, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals = append(r.totals, total)
}

func (r *recordingSink) ShowNotification(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingSink) lastSystem() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.system) == 0 {
		return ""
	}
	return r.system[len(r.system)-1]
}

type stubController struct {
	mu      sync.Mutex
	focused []string
	texts   []string
	files   []pipeline.FileSend
	data    []byte
	retries []string
	err     error
	metrics *metrics.Metrics
}

func (s *stubController) Focus(ctx context.Context, peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused = append(s.focused, peer)
	return nil
}

func (s *stubController) SendText(ctx context.Context, text string) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return message.Message{}, s.err
	}
	s.texts = append(s.texts, text)
	return message.Message{Text: text}, nil
}

func (s *stubController) SendFile(ctx context.Context, f pipeline.FileSend) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, f)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(f.Body)
	s.data = buf.Bytes()
	return message.Message{}, nil
}

func (s *stubController) Retry(ctx context.Context, tempID string) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = append(s.retries, tempID)
	return message.Message{}, pipeline.ErrUnknownMessage
}

func (s *stubController) Contacts() []chat.ContactView {
	return []chat.ContactView{{Unread: 2}}
}

func (s *stubController) Metrics() *metrics.Metrics { return s.metrics }

func TestCommands(t *testing.T) {
	ctl := &stubController{metrics: metrics.New()}
	sink := newRecordingSink()
	c := NewCommands(ctl, sink)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "cat.png")
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	input := strings.Join([]string{
		"/chat Elva Ai",
		"hello there",
		"   ",
		"/file " + path,
		"/retry tmp-9",
		"/stats",
		"/quit",
		"never sent",
	}, "\n")
	if err := c.ReadInput(ctx, strings.NewReader(input)); !errors.Is(err, ErrQuit) {
		t.Fatalf("expected quit, got %v", err)
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if len(ctl.focused) != 1 || ctl.focused[0] != "Elva Ai" {
		t.Fatalf("multi-word names should be kept: %v", ctl.focused)
	}
	if len(ctl.texts) != 1 || ctl.texts[0] != "hello there" {
		t.Fatalf("unexpected texts %v", ctl.texts)
	}
	if len(ctl.files) != 1 || ctl.files[0].Name != "cat.png" || ctl.files[0].Size != 3 || string(ctl.data) != "png" {
		t.Fatalf("unexpected file send %+v", ctl.files)
	}
	if len(ctl.retries) != 1 || ctl.retries[0] != "tmp-9" {
		t.Fatalf("unexpected retries %v", ctl.retries)
	}
	if got := sink.lastSystem(); !strings.HasPrefix(got, "sent=0") {
		t.Fatalf("expected stats output, got %q", got)
	}
}

func TestSendErrorIsReported(t *testing.T) {
	ctl := &stubController{err: pipeline.ErrNoPeer, metrics: metrics.New()}
	sink := newRecordingSink()
	c := NewCommands(ctl, sink)
	if err := c.ProcessLine(context.Background(), "hi"); !errors.Is(err, pipeline.ErrNoPeer) {
		t.Fatalf("expected ErrNoPeer, got %v", err)
	}
	if !strings.Contains(sink.lastSystem(), "no conversation selected") {
		t.Fatalf("expected error text, got %q", sink.lastSystem())
	}
}

type nopCast struct{}

func (nopCast) SendMessage(message.Message) error { return nil }

type echoPersister struct{}

func (echoPersister) SaveMessage(ctx context.Context, m message.Message) (message.Message, error) {
	m.ID = "srv-" + m.TempID
	return m, nil
}

func (echoPersister) SaveAssistantMessage(ctx context.Context, m message.Message) (message.Message, error) {
	return m, nil
}

func TestDriveRendersSessionUpdates(t *testing.T) {
	s := chat.New(chat.Config{Self: "alice"}, chat.Deps{
		Persister:   echoPersister{},
		Broadcaster: nopCast{},
		Log:         zerolog.Nop(),
	})
	defer s.Close()
	sink := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		Drive(ctx, s, sink)
	}()
	// Drive subscribes before rendering the initial contact list.
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.totals) > 0
	})

	if err := s.Focus(ctx, "bob"); err != nil {
		t.Fatalf("focus: %v", err)
	}
	if _, err := s.SendText(ctx, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	s.Wait()
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		lines := sink.conversations["bob"]
		return len(lines) == 1 && lines[0].State == StateSent
	})
	if got := sink.lastSystem(); got != "chatting with bob" {
		t.Fatalf("expected focus notice, got %q", got)
	}
	cancel()
	<-done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}
