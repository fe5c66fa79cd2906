package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatzone/internal/message"
)

const (
	incomingQueueSize = 128
	writeWait         = 5 * time.Second
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
	jitterRange       = 500 * time.Millisecond
)

var (
	ErrClosed       = errors.New("realtime channel closed")
	ErrNotConnected = errors.New("realtime channel not connected")
)

type Options struct {
	URL string
	// Header is called before every dial so a refreshed token is used.
	Header     func() http.Header
	Username   string
	Backoff    time.Duration
	MaxBackoff time.Duration
	Log        zerolog.Logger
	// OnState is invoked whenever the connection goes up or down.
	OnState func(connected bool)
}

// Client keeps one websocket open to the backend and reconnects with
// exponential backoff plus jitter when it drops.
type Client struct {
	opts   Options
	dialer *websocket.Dialer

	incoming chan Event
	closed   chan struct{}
	once     sync.Once

	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn
	up      atomic.Bool
}

func New(opts Options) *Client {
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = defaultMaxBackoff
	}
	return &Client{
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		incoming: make(chan Event, incomingQueueSize),
		closed:   make(chan struct{}),
	}
}

// Incoming delivers inbound events with canonical names. It is closed when
// Run returns.
func (c *Client) Incoming() <-chan Event { return c.incoming }

func (c *Client) Connected() bool { return c.up.Load() }

// Run dials and reads until ctx is cancelled or Close is called.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.incoming)
	backoff := c.opts.Backoff
	for {
		if c.isClosed() {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := c.dial(ctx)
		if err == nil {
			backoff = c.opts.Backoff
			err = c.serve(ctx, conn)
		}
		if c.isClosed() {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.opts.Log.Warn().Err(err).Dur("retry_in", backoff).Msg("realtime connection lost")
		jitter := time.Duration(rand.Int63n(int64(jitterRange)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrClosed
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var header http.Header
	if c.opts.Header != nil {
		header = c.opts.Header()
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.setUp(true)
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close()
		c.setUp(false)
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.closed:
		case <-stop:
			return
		}
		_ = conn.Close()
	}()

	if c.opts.Username != "" {
		if err := c.Emit(EventRegister, c.opts.Username); err != nil {
			return err
		}
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil || evt.Name == "" {
			c.opts.Log.Warn().Int("bytes", len(data)).Msg("ignoring malformed realtime frame")
			continue
		}
		evt.Name = Canonical(evt.Name)
		select {
		case c.incoming <- evt:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrClosed
		}
	}
}

func (c *Client) setUp(v bool) {
	c.up.Store(v)
	if c.opts.OnState != nil {
		c.opts.OnState(v)
	}
}

// Emit writes one event frame on the current connection.
func (c *Client) Emit(name string, data any) error {
	if c.isClosed() {
		return ErrClosed
	}
	evt, err := NewEvent(name, data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// SendMessage broadcasts a confirmed message to the peer's live session.
func (c *Client) SendMessage(msg message.Message) error {
	return c.Emit(EventMessage, msg)
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close stops Run and closes the current connection.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.closed) })
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
	return nil
}
