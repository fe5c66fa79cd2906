package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatzone/internal/api"
	"chatzone/internal/authutil"
	"chatzone/internal/bridge"
	"chatzone/internal/chat"
	"chatzone/internal/logging"
	"chatzone/internal/metrics"
	"chatzone/internal/normalize"
	"chatzone/internal/realtime"
	"chatzone/internal/storage"
	"chatzone/internal/ui"
)

// ErrSessionExpired is reported by Err when the backend rejected the
// session credentials.
var ErrSessionExpired = errors.New("session expired, log in again")

const shutdownGrace = 5 * time.Second

// Options carries the process handles the app reads from and writes to.
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	// HTTPClient overrides the REST client, mostly for tests.
	HTTPClient *http.Client
}

// App wires the backend client, realtime connection, session and user
// interfaces together.
type App struct {
	Cfg *Config

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	API      *api.Client
	DB       *storage.DB
	Realtime *realtime.Client
	Session  *chat.Session
	Bridge   *bridge.Server
	Commands *ui.Commands

	sink    ui.Sink
	tui     *ui.TUIDisplay
	stdin   io.Reader
	logFile *os.File

	wg           sync.WaitGroup
	startOnce    sync.Once
	shutdownOnce sync.Once

	doneOnce sync.Once
	done     chan struct{}
	err      error
}

// NewApp authenticates against the backend and builds every component.
// Nothing runs until Start.
func NewApp(ctx context.Context, cfg *Config, opts Options) (*App, error) {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	a := &App{Cfg: cfg, stdin: opts.Stdin, done: make(chan struct{})}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if err := a.setupLogging(); err != nil {
		a.cancel()
		return nil, err
	}

	client, err := api.New(cfg.BackendURL, api.Options{
		Timeout:       cfg.RequestTimeout,
		UploadTimeout: cfg.UploadTimeout,
		Token:         cfg.Token,
		Log:           logging.Component(a.log, "api"),
		HTTPClient:    opts.HTTPClient,
	})
	if err != nil {
		a.fail()
		return nil, err
	}
	a.API = client

	user, err := a.authenticate(ctx)
	if err != nil {
		a.fail()
		return nil, fmt.Errorf("login: %w", err)
	}
	a.log.Info().Str("user", user).Msg("logged in")

	cacheDB, stagingDir, err := cfg.Paths(user)
	if err != nil {
		a.fail()
		return nil, err
	}
	db, err := storage.Open(cacheDB)
	if err != nil {
		a.fail()
		return nil, err
	}
	a.DB = db
	cache, err := db.History(cfg.Secret, cfg.CacheLimit)
	if err != nil {
		a.fail()
		return nil, err
	}
	staging, err := db.Staging(stagingDir)
	if err != nil {
		a.fail()
		return nil, err
	}

	a.Realtime = realtime.New(realtime.Options{
		URL:      cfg.SocketURL,
		Header:   a.socketHeader,
		Username: user,
		Log:      logging.Component(a.log, "realtime"),
		OnState: func(connected bool) {
			a.log.Debug().Bool("connected", connected).Msg("realtime state")
		},
	})

	a.Session = chat.New(chat.Config{
		Self:           user,
		AssistantName:  cfg.AssistantName,
		Tolerance:      cfg.Tolerance,
		MaxUpload:      cfg.MaxUpload,
		PendingTimeout: cfg.PendingTimeout,
		CacheLimit:     cfg.CacheLimit,
	}, chat.Deps{
		History:     client,
		Unread:      client,
		Users:       client,
		ReadMarker:  client,
		Persister:   client,
		Broadcaster: a.Realtime,
		Uploader:    client,
		Asker:       client,
		Stager:      staging,
		Cache:       cache,
		Normalizer:  normalize.New(logging.Component(a.log, "normalize")),
		Metrics:     metrics.New(),
		Log:         logging.Component(a.log, "chat"),
		OnExpired:   func() { a.finish(ErrSessionExpired) },
	})

	if cfg.BridgeAddr != "" {
		a.Bridge = bridge.New(a.Session, bridge.Options{
			Token:     cfg.BridgeToken,
			MaxUpload: cfg.MaxUpload,
			Log:       logging.Component(a.log, "bridge"),
		})
	}

	a.buildUI(opts.Stdout)
	return a, nil
}

func (a *App) setupLogging() error {
	path := a.Cfg.LogFile
	if path == "" && a.Cfg.UseTUI {
		if err := os.MkdirAll(a.Cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("prepare data dir: %w", err)
		}
		path = filepath.Join(a.Cfg.DataDir, "chatzone.log")
	}
	opts := logging.Options{Level: a.Cfg.LogLevel, JSON: a.Cfg.LogJSON, Concise: !a.Cfg.LogJSON}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		opts.Output = f
	}
	a.log = logging.New(opts)
	return nil
}

// authenticate resolves the username, reusing a configured token when it
// is still valid and logging in with the password otherwise.
func (a *App) authenticate(ctx context.Context) (string, error) {
	cfg := a.Cfg
	if cfg.Token != "" && !authutil.Expired(cfg.Token, time.Now()) {
		u, err := a.API.Me(ctx)
		if err == nil {
			return u.Name, nil
		}
		if info, ierr := authutil.Inspect(cfg.Token); ierr == nil && info.Username != "" && !errors.Is(err, api.ErrUnauthorized) {
			a.log.Warn().Err(err).Msg("session check failed, using token claims")
			return info.Username, nil
		}
		if cfg.Password == "" {
			return "", err
		}
		a.API.SetToken("")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return "", errors.New("username and password required")
	}
	u, err := a.API.Login(ctx, cfg.Username, cfg.Password)
	if err != nil {
		return "", err
	}
	return u.Name, nil
}

func (a *App) socketHeader() http.Header {
	h := http.Header{}
	if tok := a.API.Token(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

func (a *App) buildUI(stdout io.Writer) {
	var sinks []ui.Sink
	if a.Cfg.UseTUI {
		a.tui = ui.NewTUIDisplay(a.submit)
		sinks = append(sinks, a.tui)
	} else {
		sinks = append(sinks, ui.NewCLIDisplay(stdout, ui.ShouldUseColor(a.Cfg.NoColor)))
	}
	a.sink = ui.NewMultiSink(sinks...)
	a.Commands = ui.NewCommands(a.Session, a.sink)
}

func (a *App) submit(line string) {
	if err := a.Commands.ProcessLine(a.ctx, line); errors.Is(err, ui.ErrQuit) {
		a.finish(nil)
	}
}

// Start launches the realtime connection, event loop, bridge and UI.
func (a *App) Start() {
	a.startOnce.Do(func() {
		a.wg.Add(3)
		go func() {
			defer a.wg.Done()
			ui.Drive(a.ctx, a.Session, a.sink)
		}()
		go func() {
			defer a.wg.Done()
			if err := a.Realtime.Run(a.ctx); err != nil && !isShutdown(err) {
				a.log.Error().Err(err).Msg("realtime stopped")
			}
		}()
		go func() {
			defer a.wg.Done()
			if err := a.Session.Run(a.ctx, a.Realtime.Incoming(), a.Cfg.UnreadSync); err != nil && !isShutdown(err) {
				a.log.Error().Err(err).Msg("event loop stopped")
			}
		}()

		if err := a.Session.RefreshContacts(a.ctx); err != nil {
			a.log.Warn().Err(err).Msg("contact list unavailable")
		}
		if err := a.Session.SyncUnread(a.ctx); err != nil {
			a.log.Warn().Err(err).Msg("unread counts unavailable")
		}

		if a.Bridge != nil {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				if err := a.Bridge.Run(a.ctx, a.Cfg.BridgeAddr); err != nil {
					a.log.Error().Err(err).Msg("bridge stopped")
				}
			}()
		}

		if a.tui != nil {
			go func() {
				if err := a.tui.Run(a.ctx); err != nil {
					a.log.Error().Err(err).Msg("tui error")
				}
				a.finish(nil)
			}()
			return
		}
		// Scanning stdin cannot be interrupted, so this goroutine is not
		// waited for on shutdown.
		go func() {
			err := a.Commands.ReadInput(a.ctx, a.stdin)
			if errors.Is(err, ui.ErrQuit) {
				a.finish(nil)
				return
			}
			if err != nil && !isShutdown(err) {
				a.log.Warn().Err(err).Msg("input closed")
			}
		}()
		a.sink.ShowSystem(fmt.Sprintf("logged in as %s, type /chat <name> to start", a.Session.Self()))
	})
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, realtime.ErrClosed) || errors.Is(err, http.ErrServerClosed)
}

// Done is closed when the user quits or the session expires.
func (a *App) Done() <-chan struct{} { return a.done }

// Err reports why Done was closed; nil for a normal quit.
func (a *App) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

func (a *App) finish(err error) {
	a.doneOnce.Do(func() {
		a.err = err
		close(a.done)
	})
}

// fail releases what NewApp managed to build before an error.
func (a *App) fail() {
	a.cancel()
	if a.DB != nil {
		_ = a.DB.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// Shutdown stops background routines and releases resources. In-flight
// sends get a short grace period to finish.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.finish(nil)
		drained := make(chan struct{})
		go func() {
			a.Session.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(shutdownGrace):
			a.log.Warn().Msg("pending sends abandoned at shutdown")
		}

		a.cancel()
		if a.tui != nil {
			a.tui.Stop()
		}
		_ = a.Realtime.Close()
		a.Session.Close()
		a.wg.Wait()
		if err := a.DB.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close cache")
		}
		if a.logFile != nil {
			_ = a.logFile.Close()
		}
	})
}
