package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatzone/internal/api"
	"chatzone/internal/chat"
	"chatzone/internal/message"
	"chatzone/internal/storage"
)

type stubPersister struct {
	mu sync.Mutex
	n  int
}

func (p *stubPersister) save(msg message.Message) (message.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	msg.ID = fmt.Sprintf("srv-%d", p.n)
	return msg, nil
}

func (p *stubPersister) SaveMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	return p.save(msg)
}

func (p *stubPersister) SaveAssistantMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	return p.save(msg)
}

type stubCast struct{}

func (stubCast) SendMessage(msg message.Message) error { return nil }

type stubUploader struct{}

func (stubUploader) Upload(ctx context.Context, req api.UploadRequest, progress func(int)) (api.UploadResult, error) {
	_, _ = io.Copy(io.Discard, req.Body)
	progress(100)
	return api.UploadResult{FileURL: "https://res.cloudinary.com/demo/" + req.FileName}, nil
}

type fixture struct {
	session *chat.Session
	server  *Server
	http    *httptest.Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	staging, err := db.Staging(filepath.Join(t.TempDir(), "staged"))
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	s := chat.New(chat.Config{Self: "alice", MaxUpload: 64}, chat.Deps{
		Persister:   &stubPersister{},
		Broadcaster: stubCast{},
		Uploader:    stubUploader{},
		Stager:      staging,
		Log:         zerolog.Nop(),
	})
	srv := New(s, Options{Token: token, MaxUpload: 64, Log: zerolog.Nop()})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return &fixture{session: s, server: srv, http: ts}
}

func (f *fixture) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHealthStatsAndMetrics(t *testing.T) {
	f := newFixture(t, "")
	resp := f.do(t, http.MethodGet, "/healthz", "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if h := decode[healthPayload](t, resp); h.User != "alice" || h.Status != "ok" {
		t.Fatalf("unexpected health %+v", h)
	}
	resp = f.do(t, http.MethodGet, "/stats", "", nil, "")
	raw, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(raw), "sent=0 failed=0") {
		t.Fatalf("unexpected stats %q", raw)
	}
	resp = f.do(t, http.MethodGet, "/metrics", "", nil, "")
	raw, _ = io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "chatzone_pending_messages") {
		t.Fatalf("expected prometheus output, got %q", raw)
	}
	if f.server.Requests() != 3 {
		t.Fatalf("expected 3 counted requests, got %d", f.server.Requests())
	}
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, "local-secret")
	if resp := f.do(t, http.MethodGet, "/api/contacts", "", nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/contacts", "wrong", nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.StatusCode)
	}
	resp := f.do(t, http.MethodGet, "/api/contacts", "local-secret", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	contacts := decode[[]chat.ContactView](t, resp)
	if len(contacts) != 1 || !contacts[0].Assistant {
		t.Fatalf("expected only the assistant, got %+v", contacts)
	}
}

func TestFocusSendAndReadConversation(t *testing.T) {
	f := newFixture(t, "")
	if resp := f.do(t, http.MethodPost, "/api/focus/bob", "", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("focus: %d", resp.StatusCode)
	}
	resp := f.do(t, http.MethodPost, "/api/conversations/bob/messages", "", strings.NewReader(`{"text":"hi bob"}`), "application/json")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send: %d", resp.StatusCode)
	}
	sent := decode[messageView](t, resp)
	if sent.TempID == "" || !sent.Pending {
		t.Fatalf("expected a pending message, got %+v", sent)
	}
	f.session.Wait()

	resp = f.do(t, http.MethodGet, "/api/conversations/bob", "", nil, "")
	msgs := decode[[]messageView](t, resp)
	if len(msgs) != 1 || msgs[0].Pending || msgs[0].Status != message.StatusSent || msgs[0].Text != "hi bob" {
		t.Fatalf("unexpected conversation %+v", msgs)
	}

	if resp := f.do(t, http.MethodPost, "/api/conversations/carol/messages", "", strings.NewReader(`{"text":"x"}`), "application/json"); resp.StatusCode != http.StatusConflict {
		t.Fatalf("unfocused send should conflict, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/conversations/bob/messages", "", strings.NewReader(`{"text":"   "}`), "application/json"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty text should be rejected, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/messages/nope/retry", "", nil, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown retry should 404, got %d", resp.StatusCode)
	}
}

func multipartFile(t *testing.T, name, mime string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", mime)
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatalf("part: %v", err)
	}
	_, _ = part.Write(data)
	_ = w.Close()
	return &buf, w.FormDataContentType()
}

func TestFileUploads(t *testing.T) {
	f := newFixture(t, "")
	f.do(t, http.MethodPost, "/api/focus/bob", "", nil, "")

	body, ct := multipartFile(t, "cat.png", "image/png", []byte("png-bytes"))
	resp := f.do(t, http.MethodPost, "/api/conversations/bob/files", "", body, ct)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload: %d", resp.StatusCode)
	}
	f.session.Wait()
	msgs := f.session.MergedMessages("bob")
	if len(msgs) != 1 || msgs[0].File == nil || !strings.HasPrefix(msgs[0].File.FileURL, "https://res.cloudinary.com/") {
		t.Fatalf("expected durable file url, got %+v", msgs)
	}

	body, ct = multipartFile(t, "big.png", "image/png", bytes.Repeat([]byte("x"), 100))
	if resp := f.do(t, http.MethodPost, "/api/conversations/bob/files", "", body, ct); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized file should 413, got %d", resp.StatusCode)
	}
	body, ct = multipartFile(t, "doc.pdf", "application/pdf", []byte("pdf"))
	if resp := f.do(t, http.MethodPost, "/api/conversations/bob/files", "", body, ct); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("pdf should be rejected, got %d", resp.StatusCode)
	}
	body, ct = multipartFile(t, "dog.png", "image/png", []byte("png"))
	if resp := f.do(t, http.MethodPost, "/api/conversations/carol/files", "", body, ct); resp.StatusCode != http.StatusConflict {
		t.Fatalf("upload to unfocused conversation should conflict, got %d", resp.StatusCode)
	}
	if got := len(f.session.MergedMessages("carol")); got != 0 {
		t.Fatalf("conflicting upload added %d messages", got)
	}
	if got := len(f.session.MergedMessages("bob")); got != 1 {
		t.Fatalf("rejected uploads must not add messages, got %d", got)
	}
}

func TestUpdateStream(t *testing.T) {
	f := newFixture(t, "")
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for f.server.streams.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	f.do(t, http.MethodPost, "/api/focus/carol", "", nil, "")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var u chat.Update
	if err := conn.ReadJSON(&u); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if u.Kind != chat.UpdateFocus || u.Peer != "carol" {
		t.Fatalf("expected focus update first, got %+v", u)
	}
}

func TestExpiredSessionIsRejected(t *testing.T) {
	f := newFixture(t, "")
	f.session.Expire()
	if resp := f.do(t, http.MethodGet, "/api/contacts", "", nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/healthz", "", nil, ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}
