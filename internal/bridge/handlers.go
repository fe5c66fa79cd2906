package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"chatzone/internal/api"
	"chatzone/internal/chat"
	"chatzone/internal/message"
	"chatzone/internal/pipeline"
)

const (
	pingInterval  = 30 * time.Second
	streamWait    = 10 * time.Second
	formMemory    = 8 << 20
	genericOctets = "application/octet-stream"
)

type healthPayload struct {
	Status  string `json:"status"`
	User    string `json:"user"`
	Focused string `json:"focused,omitempty"`
	Streams int64  `json:"streams"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// messageView is a merged message plus its delivery state.
type messageView struct {
	message.Message
	Pending  bool `json:"pending,omitempty"`
	Failed   bool `json:"failed,omitempty"`
	Progress *int `json:"progress,omitempty"`
}

type unreadPayload struct {
	Total  int            `json:"total"`
	Counts map[string]int `json:"counts"`
}

type sendRequest struct {
	Text string `json:"text"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorPayload{Error: msg})
}

// statusFor maps session errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, pipeline.ErrFileTooLarge), errors.Is(err, api.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pipeline.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNotFailed), errors.Is(err, chat.ErrNotFocused):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrNoPeer),
		errors.Is(err, pipeline.ErrEmptyText),
		errors.Is(err, pipeline.ErrMimeNotAllowed),
		errors.Is(err, pipeline.ErrAssistantFile):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn().Err(err).Str("route", routePattern(r)).Msg("bridge request failed")
	}
	writeError(w, status, err.Error())
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := healthPayload{
			Status:  "ok",
			User:    s.chat.Self(),
			Focused: s.chat.Focused(),
			Streams: s.streams.Load(),
		}
		status := http.StatusOK
		if s.chat.Expired() {
			payload.Status = "expired"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, payload)
	}
}

func (s *Server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(s.chat.Metrics().Snapshot().String() + "\n"))
	}
}

func (s *Server) contactsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.chat.Contacts())
	}
}

func (s *Server) unreadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := unreadPayload{Total: s.chat.TotalUnread(), Counts: map[string]int{}}
		for _, c := range s.chat.Contacts() {
			if c.Unread > 0 {
				out.Counts[c.Name] = c.Unread
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) focusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peer := chi.URLParam(r, "peer")
		if err := s.chat.Focus(r.Context(), peer); err != nil {
			// The cached conversation stays visible; report the fetch error
			// alongside it.
			if errors.Is(err, api.ErrUnauthorized) {
				s.fail(w, r, err)
				return
			}
			s.log.Warn().Err(err).Str("peer", peer).Msg("history load failed")
		}
		writeJSON(w, http.StatusOK, s.conversation(s.chat.Focused()))
	}
}

func (s *Server) conversationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.conversation(chi.URLParam(r, "peer")))
	}
}

func (s *Server) conversation(peer string) []messageView {
	merged := s.chat.MergedMessages(peer)
	out := make([]messageView, 0, len(merged))
	for _, m := range merged {
		v := messageView{Message: m}
		if m.TempID != "" {
			v.Pending = s.chat.IsPending(m.TempID)
			v.Failed = s.chat.IsFailed(m.TempID)
			if pct, ok := s.chat.Progress(m.TempID); ok {
				pct := pct
				v.Progress = &pct
			}
		}
		out = append(out, v)
	}
	return out
}

// requireFocus rejects an upload for an unfocused conversation before the
// body is read. SendFileTo checks again against the same peer.
func (s *Server) requireFocus(w http.ResponseWriter, r *http.Request) bool {
	if !s.chat.IsFocused(chi.URLParam(r, "peer")) {
		s.fail(w, r, chat.ErrNotFocused)
		return false
	}
	return true
}

func (s *Server) sendTextHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		msg, err := s.chat.SendTextTo(r.Context(), chi.URLParam(r, "peer"), req.Text)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, messageView{Message: msg, Pending: true})
	}
}

func (s *Server) sendFileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireFocus(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUpload+formMemory)
		if err := r.ParseMultipartForm(formMemory); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				s.fail(w, r, pipeline.ErrFileTooLarge)
				return
			}
			writeError(w, http.StatusBadRequest, "invalid upload")
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing file")
			return
		}
		defer file.Close()
		mime := header.Header.Get("Content-Type")
		if mime == genericOctets {
			mime = ""
		}
		msg, err := s.chat.SendFileTo(r.Context(), chi.URLParam(r, "peer"), pipeline.FileSend{
			Name: header.Filename,
			Mime: mime,
			Size: header.Size,
			Body: file,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, messageView{Message: msg, Pending: true})
	}
}

func (s *Server) retryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := s.chat.Retry(r.Context(), chi.URLParam(r, "tempID"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, messageView{Message: msg, Pending: true})
	}
}

// streamHandler pushes session updates to a websocket until either side
// closes.
func (s *Server) streamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("ws upgrade")
			return
		}
		defer conn.Close()

		updates, cancel := s.chat.Subscribe()
		defer cancel()
		s.streams.Add(1)
		defer s.streams.Add(-1)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case u, ok := <-updates:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
						time.Now().Add(time.Second))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWait))
				if err := conn.WriteJSON(u); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWait)); err != nil {
					return
				}
			}
		}
	}
}
