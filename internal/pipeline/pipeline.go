// Package pipeline drives outgoing messages from optimistic insert through
// persistence and broadcast to a terminal sent or failed state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatzone/internal/api"
	"chatzone/internal/conversation"
	"chatzone/internal/message"
	"chatzone/internal/metrics"
	"chatzone/internal/normalize"
	"chatzone/internal/storage"
)

const (
	DefaultMaxUpload      = 50 << 20
	DefaultAssistantName  = "Elva Ai"
	DefaultPendingTimeout = 2 * time.Minute
	assistantContextSize  = 10

	// AssistantApology replaces an assistant reply that could not be fetched.
	AssistantApology = "Sorry, I'm having trouble responding right now. Please try again."
)

var (
	ErrNoPeer          = errors.New("no conversation selected")
	ErrEmptyText       = errors.New("message is empty")
	ErrFileTooLarge    = errors.New("file exceeds upload limit")
	ErrMimeNotAllowed  = errors.New("only image and video files can be sent")
	ErrAssistantFile   = errors.New("files cannot be sent to the assistant")
	ErrUnknownMessage  = errors.New("unknown message")
	ErrNotFailed       = errors.New("message is not in failed state")
	ErrStagingRequired = errors.New("file staging is not configured")
	errNoPersister     = errors.New("no persistence configured")
)

// Persister stores a message record and returns it with server fields
// (id, timestamp) applied.
type Persister interface {
	SaveMessage(ctx context.Context, msg message.Message) (message.Message, error)
	SaveAssistantMessage(ctx context.Context, msg message.Message) (message.Message, error)
}

// Broadcaster notifies the peer's live session.
type Broadcaster interface {
	SendMessage(msg message.Message) error
}

type Uploader interface {
	Upload(ctx context.Context, req api.UploadRequest, progress func(pct int)) (api.UploadResult, error)
}

type Asker interface {
	Ask(ctx context.Context, prompt string, history []api.Turn, sender string) (string, error)
}

// Stager keeps a local copy of an outgoing file until it is confirmed.
type Stager interface {
	Stage(tempID, name, mime string, src io.Reader) (storage.StagedFile, error)
	Open(tempID string) (storage.StagedFile, *os.File, error)
	Remove(tempID string) error
}

// FileSend describes a file chosen by the user.
type FileSend struct {
	Name string
	Mime string
	Size int64
	Body io.Reader
}

type Config struct {
	Self           string
	AssistantName  string
	MaxUpload      int64
	PendingTimeout time.Duration
}

type Deps struct {
	Store       *conversation.Store
	Persister   Persister
	Broadcaster Broadcaster
	Uploader    Uploader
	Asker       Asker
	Stager      Stager
	Normalizer  *normalize.Normalizer
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
}

// Hooks are invoked from delivery goroutines.
type Hooks struct {
	Confirmed func(message.Message)
	Reply     func(message.Message)
	Failed    func(tempID, stage string, err error)
	Typing    func(peer string, on bool)
}

type Pipeline struct {
	cfg     Config
	store   *conversation.Store
	persist Persister
	cast    Broadcaster
	upload  Uploader
	ask     Asker
	stage   Stager
	norm    *normalize.Normalizer
	metrics *metrics.Metrics
	log     zerolog.Logger
	hooks   Hooks
	dog     *watchdog

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	persisted map[string]message.Message
	saving    map[string]chan struct{}
}

func New(cfg Config, deps Deps, hooks Hooks) *Pipeline {
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = DefaultMaxUpload
	}
	if cfg.AssistantName == "" {
		cfg.AssistantName = DefaultAssistantName
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	norm := normalize.New(deps.Log)
	if deps.Normalizer != nil {
		norm = deps.Normalizer
		if norm.Now == nil {
			norm.Now = time.Now
		}
		if norm.NewTempID == nil {
			norm.NewTempID = normalize.NewTempID
		}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:       cfg,
		store:     deps.Store,
		persist:   deps.Persister,
		cast:      deps.Broadcaster,
		upload:    deps.Uploader,
		ask:       deps.Asker,
		stage:     deps.Stager,
		norm:      norm,
		metrics:   deps.Metrics,
		log:       deps.Log,
		hooks:     hooks,
		ctx:       ctx,
		cancel:    cancel,
		persisted: make(map[string]message.Message),
		saving:    make(map[string]chan struct{}),
	}
	p.dog = newWatchdog(p, cfg.PendingTimeout)
	return p
}

// IsAssistant reports whether peer is the automated assistant.
func (p *Pipeline) IsAssistant(peer string) bool {
	return peer == p.cfg.AssistantName
}

// SendText inserts a pending text message for peer and delivers it in the
// background. Validation failures return before any state change.
func (p *Pipeline) SendText(ctx context.Context, peer, text string) (message.Message, error) {
	if err := ctx.Err(); err != nil {
		return message.Message{}, err
	}
	if strings.TrimSpace(peer) == "" {
		return message.Message{}, ErrNoPeer
	}
	if strings.TrimSpace(text) == "" {
		return message.Message{}, ErrEmptyText
	}
	msg, err := p.norm.Normalize(normalize.SourceLocal, normalize.Record{
		"fromUser":    p.cfg.Self,
		"toUser":      peer,
		"message":     text,
		"messageType": string(message.KindText),
	})
	if err != nil {
		return message.Message{}, err
	}
	return p.start(msg)
}

// SendFile validates size and type, stages a local copy, inserts a pending
// file message and uploads it in the background.
func (p *Pipeline) SendFile(ctx context.Context, peer string, f FileSend) (message.Message, error) {
	if err := ctx.Err(); err != nil {
		return message.Message{}, err
	}
	if strings.TrimSpace(peer) == "" {
		return message.Message{}, ErrNoPeer
	}
	if p.IsAssistant(peer) {
		return message.Message{}, ErrAssistantFile
	}
	if f.Size > p.cfg.MaxUpload {
		return message.Message{}, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, f.Size)
	}
	mime := f.Mime
	if mime == "" {
		mime = normalize.MimeFromName(f.Name)
	}
	if !strings.HasPrefix(mime, "image/") && !strings.HasPrefix(mime, "video/") {
		return message.Message{}, ErrMimeNotAllowed
	}
	if p.stage == nil {
		return message.Message{}, ErrStagingRequired
	}
	if f.Body == nil {
		return message.Message{}, errors.New("missing file body")
	}
	tempID := p.norm.NewTempID()
	// The limit is enforced on the bytes actually read as well as the
	// declared size.
	staged, err := p.stage.Stage(tempID, f.Name, mime, io.LimitReader(f.Body, p.cfg.MaxUpload+1))
	if err != nil {
		return message.Message{}, fmt.Errorf("stage file: %w", err)
	}
	if staged.Size > p.cfg.MaxUpload {
		_ = p.stage.Remove(tempID)
		return message.Message{}, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, staged.Size)
	}
	msg, err := p.norm.Normalize(normalize.SourceLocal, normalize.Record{
		"tempId":      tempID,
		"fromUser":    p.cfg.Self,
		"toUser":      peer,
		"messageType": string(message.KindFile),
		"fileInfo": map[string]any{
			"fileName": staged.Name,
			"fileSize": staged.Size,
			"mimeType": mime,
			"fileUrl":  staged.PreviewURL(),
		},
	})
	if err != nil {
		_ = p.stage.Remove(tempID)
		return message.Message{}, err
	}
	return p.start(msg)
}

func (p *Pipeline) start(msg message.Message) (message.Message, error) {
	attempt, err := p.store.AddPending(msg)
	if err != nil {
		return message.Message{}, err
	}
	p.metrics.SetPending(len(p.store.Snapshot().Pending()))
	p.launch(msg, attempt)
	return msg.WithStatus(message.StatusPending), nil
}

// Retry moves a failed message back to pending under the same temp id and
// delivers it again. There is no automatic retry.
func (p *Pipeline) Retry(ctx context.Context, tempID string) (message.Message, error) {
	if err := ctx.Err(); err != nil {
		return message.Message{}, err
	}
	snap := p.store.Snapshot()
	if _, ok := snap.FindFailed(tempID); !ok {
		if snap.IsPending(tempID) {
			return message.Message{}, ErrNotFailed
		}
		return message.Message{}, ErrUnknownMessage
	}
	msg, attempt, err := p.store.Retry(tempID, p.norm.Now())
	if err != nil {
		return message.Message{}, ErrNotFailed
	}
	p.launch(msg, attempt)
	return msg, nil
}

func (p *Pipeline) launch(msg message.Message, attempt int) {
	p.dog.Track(msg.TempID, attempt)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if p.IsAssistant(msg.ToUser) {
			p.deliverAssistant(msg, attempt)
			return
		}
		p.deliver(msg, attempt)
	}()
}

func (p *Pipeline) deliver(msg message.Message, attempt int) {
	tempID := msg.TempID
	if msg.IsFile() && !isDurable(msg.File.FileURL) {
		uploaded, ok := p.uploadFile(msg, attempt)
		if !ok {
			return
		}
		msg = uploaded
	}
	confirmed, ok := p.persistOnce(msg, attempt, false)
	if !ok {
		return
	}
	if p.store.Snapshot().Attempt(tempID) != attempt {
		p.stale(tempID, attempt)
		return
	}
	if p.cast != nil {
		if err := p.cast.SendMessage(confirmed); err != nil {
			p.fail(tempID, attempt, "transport", err)
			return
		}
	}
	p.confirm(tempID, attempt, confirmed)
}

func (p *Pipeline) uploadFile(msg message.Message, attempt int) (message.Message, bool) {
	tempID := msg.TempID
	if p.upload == nil {
		p.fail(tempID, attempt, "upload", errors.New("no uploader configured"))
		return msg, false
	}
	staged, f, err := p.stage.Open(tempID)
	if err != nil {
		p.fail(tempID, attempt, "upload", err)
		return msg, false
	}
	defer f.Close()
	res, err := p.upload.Upload(p.ctx, api.UploadRequest{
		From:     msg.FromUser,
		To:       msg.ToUser,
		FileName: staged.Name,
		MimeType: msg.File.MimeType,
		Size:     staged.Size,
		Body:     f,
	}, func(pct int) {
		p.dog.Touch(tempID)
		_ = p.store.SetProgress(tempID, attempt, pct)
	})
	if err != nil {
		p.fail(tempID, attempt, "upload", err)
		return msg, false
	}
	info := *msg.File
	info.FileURL = res.FileURL
	if err := p.store.UpdatePending(tempID, attempt, &info); err != nil {
		p.stale(tempID, attempt)
		return msg, false
	}
	msg.File = &info
	if res.MessageID != "" {
		saved := msg
		saved.ID = res.MessageID
		p.remember(tempID, saved)
	}
	return msg, true
}

// persistOnce saves msg unless an earlier attempt already did. The saved
// copy is remembered until the message is confirmed so a retry after a
// transport failure does not create a second record. A save still in
// flight from an earlier attempt is waited for and reused.
func (p *Pipeline) persistOnce(msg message.Message, attempt int, assistant bool) (message.Message, bool) {
	for {
		if saved, ok := p.recall(msg.TempID); ok {
			return saved, true
		}
		inflight, owner := p.claimSave(msg.TempID)
		if owner {
			break
		}
		select {
		case <-inflight:
		case <-p.ctx.Done():
			p.fail(msg.TempID, attempt, "persist", p.ctx.Err())
			return msg, false
		}
	}
	defer p.releaseSave(msg.TempID)
	if p.persist == nil {
		p.fail(msg.TempID, attempt, "persist", errNoPersister)
		return msg, false
	}
	save := p.persist.SaveMessage
	if assistant {
		save = p.persist.SaveAssistantMessage
	}
	saved, err := save(p.ctx, msg)
	if err != nil {
		p.fail(msg.TempID, attempt, "persist", err)
		return msg, false
	}
	saved = mergeSaved(msg, saved)
	p.remember(msg.TempID, saved)
	return saved, true
}

func mergeSaved(local, saved message.Message) message.Message {
	out := local
	if saved.ID != "" {
		out.ID = saved.ID
	}
	if !saved.Timestamp.IsZero() {
		out.Timestamp = saved.Timestamp
	}
	if saved.File != nil && saved.File.FileURL != "" && out.File != nil {
		info := *out.File
		info.FileURL = saved.File.FileURL
		out.File = &info
	}
	out.Status = message.StatusSent
	return out
}

func (p *Pipeline) confirm(tempID string, attempt int, confirmed message.Message) bool {
	if err := p.store.Confirm(tempID, attempt, confirmed); err != nil {
		p.stale(tempID, attempt)
		return false
	}
	p.dog.Done(tempID)
	p.forget(tempID)
	if confirmed.IsFile() && p.stage != nil {
		if err := p.stage.Remove(tempID); err != nil {
			p.log.Warn().Err(err).Str("tempId", tempID).Msg("remove staged file")
		}
	}
	p.metrics.IncSent()
	p.metrics.SetPending(len(p.store.Snapshot().Pending()))
	if p.hooks.Confirmed != nil {
		confirmed.TempID = tempID
		p.hooks.Confirmed(confirmed)
	}
	return true
}

func (p *Pipeline) fail(tempID string, attempt int, stage string, err error) {
	if ferr := p.store.Fail(tempID, attempt); ferr != nil {
		p.stale(tempID, attempt)
		return
	}
	p.dog.Done(tempID)
	p.log.Warn().Err(err).Str("tempId", tempID).Str("stage", stage).Msg("send failed")
	p.metrics.IncFailed()
	p.metrics.SetPending(len(p.store.Snapshot().Pending()))
	if p.hooks.Failed != nil {
		p.hooks.Failed(tempID, stage, err)
	}
}

func (p *Pipeline) stale(tempID string, attempt int) {
	p.log.Debug().Str("tempId", tempID).Int("attempt", attempt).Msg("discarding response for superseded attempt")
	p.metrics.IncStale()
}

func (p *Pipeline) remember(tempID string, saved message.Message) {
	p.mu.Lock()
	p.persisted[tempID] = saved
	p.mu.Unlock()
}

// claimSave marks a save for tempID as in flight. When another attempt
// already holds it, the returned channel closes once that save finishes.
func (p *Pipeline) claimSave(tempID string) (<-chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.saving[tempID]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	p.saving[tempID] = ch
	return ch, true
}

func (p *Pipeline) releaseSave(tempID string) {
	p.mu.Lock()
	if ch, ok := p.saving[tempID]; ok {
		close(ch)
		delete(p.saving, tempID)
	}
	p.mu.Unlock()
}

func (p *Pipeline) recall(tempID string) (message.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	saved, ok := p.persisted[tempID]
	return saved, ok
}

func (p *Pipeline) forget(tempID string) {
	p.mu.Lock()
	delete(p.persisted, tempID)
	p.mu.Unlock()
}

// Reset forgets persisted-but-unconfirmed records. Used when the session
// ends.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.persisted = make(map[string]message.Message)
	p.mu.Unlock()
	p.dog.Reset()
}

// Wait blocks until all in-flight deliveries finish.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Close cancels in-flight deliveries and stops the watchdog.
func (p *Pipeline) Close() {
	p.cancel()
	p.dog.Stop()
	p.wg.Wait()
}

func isDurable(url string) bool {
	return url != "" && !strings.HasPrefix(url, "file://")
}
