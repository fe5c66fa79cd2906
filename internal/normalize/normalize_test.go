package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatzone/internal/message"
)

func newTestNormalizer() *Normalizer {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &Normalizer{
		Now:       func() time.Time { return fixed },
		NewTempID: func() string { return "gen-1" },
		Log:       zerolog.Nop(),
	}
}

func TestNormalizeAppliesAliasPrecedence(t *testing.T) {
	n := newTestNormalizer()
	msg, err := n.Normalize(SourceSocket, Record{
		"sender":    "alice",
		"fromUser":  "bob",
		"receiver":  "carol",
		"content":   "hi",
		"timeStamp": "2024-05-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.FromUser != "bob" {
		t.Fatalf("fromUser should win over sender, got %s", msg.FromUser)
	}
	if msg.ToUser != "carol" || msg.Text != "hi" {
		t.Fatalf("unexpected participants/body: %+v", msg)
	}
	if !msg.Timestamp.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("timeStamp alias not honoured: %v", msg.Timestamp)
	}
	if msg.Status != message.StatusSent {
		t.Fatalf("socket records arrive sent, got %s", msg.Status)
	}
}

func TestNormalizeDefaultsIdentifierAndTime(t *testing.T) {
	n := newTestNormalizer()
	msg, err := n.Normalize(SourceLocal, Record{"fromUser": "a", "toUser": "b", "message": "x"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.ID != "" || msg.TempID != "gen-1" {
		t.Fatalf("expected generated temp id only, got id=%q temp=%q", msg.ID, msg.TempID)
	}
	if !msg.Timestamp.Equal(n.Now()) {
		t.Fatalf("expected default timestamp")
	}
	if msg.Status != message.StatusPending {
		t.Fatalf("local records start pending, got %s", msg.Status)
	}
}

func TestNormalizeNumericIDAndEpochTimestamp(t *testing.T) {
	n := newTestNormalizer()
	msg, err := n.Normalize(SourceHistory, Record{"_id": float64(42), "fromUser": "a", "toUser": "b", "message": "x", "timestamp": float64(1714557600000)})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.ID != "42" {
		t.Fatalf("expected id 42, got %q", msg.ID)
	}
	if msg.Timestamp.UnixMilli() != 1714557600000 {
		t.Fatalf("epoch millis not parsed: %v", msg.Timestamp)
	}
}

func TestNormalizeRejectsMissingParticipants(t *testing.T) {
	n := newTestNormalizer()
	if _, err := n.Normalize(SourceSocket, Record{"fromUser": "a", "message": "x"}); !errors.Is(err, ErrMissingParticipants) {
		t.Fatalf("expected ErrMissingParticipants, got %v", err)
	}
	if _, err := n.Normalize(SourceSocket, nil); !errors.Is(err, ErrMissingParticipants) {
		t.Fatalf("nil record should be rejected, got %v", err)
	}
	if _, err := n.Normalize(SourceSocket, Record{"fromUser": "a", "toUser": "b", "message": "  "}); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}
}

func TestNormalizeAllDropsMalformed(t *testing.T) {
	n := newTestNormalizer()
	out := n.NormalizeAll(SourceHistory, []Record{
		{"fromUser": "a", "toUser": "b", "message": "ok"},
		{"toUser": "b", "message": "orphan"},
		{"fromUser": "a", "toUser": "b", "messageType": "file", "fileInfo": map[string]any{"fileName": "x.png"}},
	})
	if len(out) != 1 || out[0].Text != "ok" {
		t.Fatalf("expected only the valid record to survive, got %+v", out)
	}
}

func TestClassifyExplicitTag(t *testing.T) {
	n := newTestNormalizer()
	msg, err := n.Normalize(SourceSocket, Record{
		"fromUser": "a", "toUser": "b", "messageType": "file",
		"message": "https://example.com/uploads/cat.png",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !msg.IsFile() {
		t.Fatalf("expected file kind")
	}
	if msg.File.FileURL != "https://example.com/uploads/cat.png" || msg.File.FileName != "cat.png" || msg.File.MimeType != "image/png" {
		t.Fatalf("file info not derived from body: %+v", msg.File)
	}
}

func TestClassifyByAttachedMime(t *testing.T) {
	n := newTestNormalizer()
	msg, err := n.Normalize(SourceSocket, Record{
		"fromUser": "a", "toUser": "b", "message": "see attached",
		"fileInfo": map[string]any{"fileName": "clip", "mimeType": "video/mp4", "fileUrl": "https://x.test/f", "fileSize": float64(1024)},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !msg.IsFile() || msg.File.FileSize != 1024 {
		t.Fatalf("expected file from mime type, got %+v", msg)
	}
}

func TestClassifyByBodyPattern(t *testing.T) {
	cases := map[string]bool{
		"https://res.cloudinary.com/demo/upload/abc":       true,
		"https://bucket.s3.amazonaws.com/key":              true,
		"https://example.com/song.mp3":                     true,
		"https://example.com/page":                         false,
		"look at https://example.com/cat.png for a laugh": false,
		"plain text":                                      false,
	}
	for text, want := range cases {
		if got := LooksLikeMediaURL(text); got != want {
			t.Fatalf("LooksLikeMediaURL(%q)=%v want %v", text, got, want)
		}
	}
}

func TestFromJSON(t *testing.T) {
	n := newTestNormalizer()
	msg, err := n.FromJSON(SourceSocket, []byte(`{"from":"a","to":"b","text":"yo","tempId":"t1"}`))
	if err != nil {
		t.Fatalf("from json: %v", err)
	}
	if msg.TempID != "t1" || msg.Text != "yo" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if _, err := n.FromJSON(SourceSocket, []byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
