package pipeline

import (
	"errors"
	"sync"
	"time"
)

var errPendingTimeout = errors.New("no confirmation before timeout")

type trackedSend struct {
	attempt      int
	lastActivity time.Time
}

// watchdog fails pending entries that see no activity for the timeout so a
// message never stays pending forever. It does not retry.
type watchdog struct {
	p        *Pipeline
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*trackedSend
	quit    chan struct{}
	once    sync.Once
}

func newWatchdog(p *Pipeline, timeout time.Duration) *watchdog {
	interval := timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	w := &watchdog{
		p:        p,
		timeout:  timeout,
		interval: interval,
		now:      time.Now,
		pending:  make(map[string]*trackedSend),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *watchdog) Track(tempID string, attempt int) {
	if tempID == "" {
		return
	}
	w.mu.Lock()
	w.pending[tempID] = &trackedSend{attempt: attempt, lastActivity: w.now()}
	w.mu.Unlock()
}

// Touch records progress on an in-flight send.
func (w *watchdog) Touch(tempID string) {
	w.mu.Lock()
	if t, ok := w.pending[tempID]; ok {
		t.lastActivity = w.now()
	}
	w.mu.Unlock()
}

func (w *watchdog) Done(tempID string) {
	w.mu.Lock()
	delete(w.pending, tempID)
	w.mu.Unlock()
}

func (w *watchdog) Reset() {
	w.mu.Lock()
	w.pending = make(map[string]*trackedSend)
	w.mu.Unlock()
}

func (w *watchdog) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.expire()
		case <-w.quit:
			return
		}
	}
}

func (w *watchdog) expire() {
	now := w.now()
	type expired struct {
		tempID  string
		attempt int
	}
	var due []expired

	w.mu.Lock()
	for id, t := range w.pending {
		if now.Sub(t.lastActivity) < w.timeout {
			continue
		}
		due = append(due, expired{tempID: id, attempt: t.attempt})
		delete(w.pending, id)
	}
	w.mu.Unlock()

	for _, e := range due {
		w.p.fail(e.tempID, e.attempt, "timeout", errPendingTimeout)
	}
}

func (w *watchdog) Stop() {
	w.once.Do(func() { close(w.quit) })
}
