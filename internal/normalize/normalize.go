// Package normalize turns loosely shaped message records from the REST
// history, the real-time channel and local composition into canonical
// messages.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatzone/internal/message"
)

// Source names where a raw record came from.
type Source string

const (
	SourceHistory Source = "history"
	SourceSocket  Source = "socket"
	SourceLocal   Source = "local"
)

var (
	ErrMissingParticipants = errors.New("record has no fromUser/toUser pair")
	ErrEmptyBody           = errors.New("record has neither text nor file")
	ErrMissingFileURL      = errors.New("file record has no url")
)

// Record is a decoded JSON object of unknown shape.
type Record map[string]any

// Field aliases in precedence order; the first non-empty value wins.
var (
	idFields        = []string{"_id", "id", "messageId"}
	tempIDFields    = []string{"tempId", "temp_id", "clientId"}
	fromFields      = []string{"fromUser", "sender", "from", "senderId"}
	toFields        = []string{"toUser", "receiver", "to", "receiverId"}
	textFields      = []string{"message", "content", "text", "body"}
	timestampFields = []string{"timestamp", "timeStamp", "createdAt", "created_at"}
	typeFields      = []string{"messageType", "type"}
)

// Normalizer applies the field precedence and defaulting rules.
type Normalizer struct {
	Now       func() time.Time
	NewTempID func() string
	Log       zerolog.Logger
}

// New returns a Normalizer using wall clock time and random temp ids.
func New(log zerolog.Logger) *Normalizer {
	return &Normalizer{Now: time.Now, NewTempID: NewTempID, Log: log}
}

// NewTempID generates a client-side correlation id.
func NewTempID() string {
	return uuid.NewString()
}

// Normalize converts one record. Rejected records return an error and are
// expected to be dropped by the caller.
func (n *Normalizer) Normalize(src Source, rec Record) (message.Message, error) {
	if rec == nil {
		return message.Message{}, ErrMissingParticipants
	}
	msg := message.Message{
		ID:       firstString(rec, idFields),
		TempID:   firstString(rec, tempIDFields),
		FromUser: strings.TrimSpace(firstString(rec, fromFields)),
		ToUser:   strings.TrimSpace(firstString(rec, toFields)),
		Text:     firstString(rec, textFields),
	}
	if msg.FromUser == "" || msg.ToUser == "" {
		return message.Message{}, ErrMissingParticipants
	}
	if msg.ID == "" && msg.TempID == "" {
		msg.TempID = n.newTempID()
	}
	if ts, ok := firstTime(rec, timestampFields); ok {
		msg.Timestamp = ts
	} else {
		msg.Timestamp = n.now()
	}

	file := fileInfoFrom(rec)
	msg.Kind = classify(firstString(rec, typeFields), file, msg.Text)
	if msg.Kind == message.KindFile {
		msg.File = completeFileInfo(file, msg.Text)
		if msg.File.FileURL == "" && src == SourceHistory {
			return message.Message{}, ErrMissingFileURL
		}
	} else if strings.TrimSpace(msg.Text) == "" {
		return message.Message{}, ErrEmptyBody
	}

	switch src {
	case SourceLocal:
		msg.Status = message.StatusPending
	default:
		msg.Status = message.StatusSent
	}
	return msg, nil
}

// NormalizeAll normalizes each record and drops the ones that fail with a
// logged warning.
func (n *Normalizer) NormalizeAll(src Source, recs []Record) []message.Message {
	out := make([]message.Message, 0, len(recs))
	for i, rec := range recs {
		msg, err := n.Normalize(src, rec)
		if err != nil {
			n.Log.Warn().Str("source", string(src)).Int("index", i).Err(err).Msg("dropping malformed message record")
			continue
		}
		out = append(out, msg)
	}
	return out
}

// FromJSON decodes a single JSON object and normalizes it.
func (n *Normalizer) FromJSON(src Source, data []byte) (message.Message, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return message.Message{}, fmt.Errorf("decode record: %w", err)
	}
	return n.Normalize(src, rec)
}

func (n *Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n *Normalizer) newTempID() string {
	if n.NewTempID != nil {
		return n.NewTempID()
	}
	return NewTempID()
}

func classify(tag string, file *message.FileInfo, text string) message.Kind {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "file", "image", "video", "audio":
		return message.KindFile
	case "text":
		return message.KindText
	}
	if file != nil {
		if file.MimeType != "" {
			return message.KindFile
		}
		if file.FileURL != "" && MimeFromName(file.FileURL) != "" {
			return message.KindFile
		}
	}
	if LooksLikeMediaURL(text) {
		return message.KindFile
	}
	return message.KindText
}

func completeFileInfo(file *message.FileInfo, text string) *message.FileInfo {
	out := message.FileInfo{}
	if file != nil {
		out = *file
	}
	if out.FileURL == "" && isURL(text) {
		out.FileURL = strings.TrimSpace(text)
	}
	if out.FileName == "" {
		if name := nameFromURL(out.FileURL); name != "" {
			out.FileName = name
		} else {
			out.FileName = "Unknown File"
		}
	}
	if out.MimeType == "" {
		if mt := MimeFromName(out.FileURL); mt != "" {
			out.MimeType = mt
		} else if mt := MimeFromName(out.FileName); mt != "" {
			out.MimeType = mt
		} else {
			out.MimeType = "application/octet-stream"
		}
	}
	return &out
}

func fileInfoFrom(rec Record) *message.FileInfo {
	src := rec
	if nested, ok := rec["fileInfo"].(map[string]any); ok {
		src = nested
	}
	info := message.FileInfo{
		FileName: firstString(src, []string{"fileName", "name"}),
		MimeType: firstString(src, []string{"mimeType", "mime"}),
		FileURL:  firstString(src, []string{"fileUrl", "url"}),
	}
	if info.FileURL == "" {
		info.FileURL = firstString(rec, []string{"fileUrl"})
	}
	if size, ok := firstNumber(src, []string{"fileSize", "size"}); ok {
		info.FileSize = int64(size)
	}
	if info == (message.FileInfo{}) {
		return nil
	}
	return &info
}

func firstString(rec Record, keys []string) string {
	for _, key := range keys {
		switch v := rec[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func firstNumber(rec Record, keys []string) (float64, bool) {
	for _, key := range keys {
		if f, ok := toNumber(rec[key]); ok {
			return f, true
		}
	}
	return 0, false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
}

func firstTime(rec Record, keys []string) (time.Time, bool) {
	for _, key := range keys {
		switch v := rec[key].(type) {
		case string:
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			for _, layout := range timeLayouts {
				if ts, err := time.Parse(layout, v); err == nil {
					return ts, true
				}
			}
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				return time.UnixMilli(ms), true
			}
		case time.Time:
			if !v.IsZero() {
				return v, true
			}
		default:
			if f, ok := toNumber(v); ok && f > 0 && !math.IsInf(f, 0) {
				return time.UnixMilli(int64(f)), true
			}
		}
	}
	return time.Time{}, false
}

var mediaTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
}

var mediaHosts = []string{
	"res.cloudinary.com",
	".amazonaws.com",
	"firebasestorage.googleapis.com",
	"cdn.discordapp.com",
}

// MimeFromName maps a media file name or URL to a MIME type, or "" when the
// extension is not a known image/video/audio type.
func MimeFromName(name string) string {
	if name == "" {
		return ""
	}
	if u, err := url.Parse(name); err == nil && u.Path != "" {
		name = u.Path
	}
	return mediaTypes[strings.ToLower(path.Ext(name))]
}

// LooksLikeMediaURL reports whether a text body is a bare URL pointing at
// known media.
func LooksLikeMediaURL(text string) bool {
	if !isURL(text) {
		return false
	}
	if MimeFromName(text) != "" {
		return true
	}
	u, err := url.Parse(strings.TrimSpace(text))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, known := range mediaHosts {
		if strings.HasPrefix(known, ".") {
			if strings.HasSuffix(host, known) {
				return true
			}
			continue
		}
		if host == known {
			return true
		}
	}
	return false
}

func isURL(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || strings.ContainsAny(text, " \t\n") {
		return false
	}
	u, err := url.Parse(text)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "file", "blob":
		return u.Host != "" || u.Scheme == "file"
	}
	return false
}

func nameFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		return unescaped
	}
	return base
}
