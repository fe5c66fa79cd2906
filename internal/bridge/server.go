// Package bridge serves the session over a local HTTP and websocket API so an
// external renderer can drive it.
package bridge

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatzone/internal/chat"
	"chatzone/internal/message"
	"chatzone/internal/metrics"
	"chatzone/internal/pipeline"
)

// Chat is the part of chat.Session the bridge exposes.
type Chat interface {
	Self() string
	Expired() bool
	Contacts() []chat.ContactView
	TotalUnread() int
	Focus(ctx context.Context, peer string) error
	Focused() string
	MergedMessages(peer string) []message.Message
	IsPending(tempID string) bool
	IsFailed(tempID string) bool
	Progress(tempID string) (int, bool)
	IsFocused(peer string) bool
	SendTextTo(ctx context.Context, peer, text string) (message.Message, error)
	SendFileTo(ctx context.Context, peer string, f pipeline.FileSend) (message.Message, error)
	Retry(ctx context.Context, tempID string) (message.Message, error)
	Subscribe() (<-chan chat.Update, func())
	Metrics() *metrics.Metrics
}

type Options struct {
	// Token, when set, must accompany every /api and /ws request as a
	// bearer header or token query parameter.
	Token     string
	MaxUpload int64
	Origins   []string
	Log       zerolog.Logger
}

type Server struct {
	chat     Chat
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
	requests atomic.Uint64
	streams  atomic.Int64
}

func New(c Chat, opts Options) *Server {
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = pipeline.DefaultMaxUpload
	}
	if len(opts.Origins) == 0 {
		opts.Origins = []string{"*"}
	}
	return &Server{
		chat: c,
		opts: opts,
		log:  opts.Log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router wires up chi routes, middleware and handlers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.Origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(httplog.RequestLogger(s.log))
	r.Use(s.countRequests)

	r.Get("/healthz", s.healthHandler())
	r.Get("/stats", s.statsHandler())
	r.Handle("/metrics", s.chat.Metrics().Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticated)
		r.Get("/ws", s.streamHandler())
		r.Route("/api", func(r chi.Router) {
			r.Get("/contacts", s.contactsHandler())
			r.Get("/unread", s.unreadHandler())
			r.Post("/focus/{peer}", s.focusHandler())
			r.Get("/conversations/{peer}", s.conversationHandler())
			r.Post("/conversations/{peer}/messages", s.sendTextHandler())
			r.Post("/conversations/{peer}/files", s.sendFileHandler())
			r.Post("/messages/{tempID}/retry", s.retryHandler())
		})
	})
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("bridge listening")
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
		return nil
	}
}

func (s *Server) Requests() uint64 { return s.requests.Load() }
