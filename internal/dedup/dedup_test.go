package dedup

import (
	"testing"
	"time"

	"chatzone/internal/message"
)

func text(from, to, body string, ts time.Time) message.Message {
	return message.Message{FromUser: from, ToUser: to, Kind: message.KindText, Text: body, Timestamp: ts}
}

func TestSameByID(t *testing.T) {
	base := time.Now()
	a := text("a", "b", "one", base)
	b := text("a", "b", "two", base.Add(time.Hour))
	a.ID, b.ID = "42", "42"
	if !IsDuplicate(a, []message.Message{b}) {
		t.Fatalf("shared id must collapse")
	}
}

func TestSameByTempID(t *testing.T) {
	base := time.Now()
	a := text("a", "b", "one", base)
	b := text("a", "b", "one", base.Add(time.Minute))
	a.TempID, b.TempID = "t1", "t1"
	if !IsDuplicate(a, []message.Message{b}) {
		t.Fatalf("shared temp id must collapse")
	}
}

func TestEmptyIDsNeverMatchByIdentity(t *testing.T) {
	base := time.Now()
	a := text("a", "b", "one", base)
	b := text("a", "b", "two", base)
	if IsDuplicate(a, []message.Message{b}) {
		t.Fatalf("empty ids must not be treated as equal")
	}
}

func TestContentWithinWindow(t *testing.T) {
	base := time.Now()
	sent := text("a", "b", "hello", base)
	echo := text("a", "b", "hello", base.Add(200*time.Millisecond))
	echo.ID = "42"
	if !IsDuplicate(echo, []message.Message{sent}) {
		t.Fatalf("same content inside tolerance must collapse")
	}
}

func TestContentOutsideWindow(t *testing.T) {
	base := time.Now()
	first := text("a", "b", "ok", base)
	second := text("a", "b", "ok", base.Add(1500*time.Millisecond))
	if IsDuplicate(second, []message.Message{first}) {
		t.Fatalf("repeat outside the tolerance must stay distinct")
	}
}

func TestDirectionMatters(t *testing.T) {
	base := time.Now()
	if IsDuplicate(text("a", "b", "hi", base), []message.Message{text("b", "a", "hi", base)}) {
		t.Fatalf("reply with the same text is a different message")
	}
}

func TestMatcherCustomWindow(t *testing.T) {
	base := time.Now()
	m := Matcher{Window: 5 * time.Second}
	if !m.IsDuplicate(text("a", "b", "x", base.Add(3*time.Second)), []message.Message{text("a", "b", "x", base)}) {
		t.Fatalf("custom window not applied")
	}
}

func TestFileBodiesCompareByURL(t *testing.T) {
	base := time.Now()
	a := message.Message{FromUser: "a", ToUser: "b", Kind: message.KindFile, Timestamp: base, File: &message.FileInfo{FileName: "x.png", FileURL: "https://cdn/x.png"}}
	b := a.Clone()
	b.File.FileURL = "https://cdn/y.png"
	if IsDuplicate(a, []message.Message{b}) {
		t.Fatalf("different file urls must not collapse")
	}
	if !IsDuplicate(a, []message.Message{a.Clone()}) {
		t.Fatalf("identical file message must collapse")
	}
}
