package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts message flow through the client. Each instance owns its
// registry so several sessions can live in one process.
type Metrics struct {
	mu         sync.Mutex
	sent       int
	failed     int
	received   int
	duplicates int
	dropped    int
	stale      int

	reg      *prometheus.Registry
	messages *prometheus.CounterVec
	events   *prometheus.CounterVec
	pending  prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatzone",
			Name:      "messages_total",
			Help:      "Messages by outcome",
		}, []string{"outcome"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatzone",
			Name:      "events_discarded_total",
			Help:      "Inbound records or responses that were not applied",
		}, []string{"reason"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatzone",
			Name:      "pending_messages",
			Help:      "Messages waiting for confirmation",
		}),
	}
}

func (m *Metrics) IncSent() {
	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
	m.messages.WithLabelValues("sent").Inc()
}

func (m *Metrics) IncFailed() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
	m.messages.WithLabelValues("failed").Inc()
}

func (m *Metrics) IncReceived() {
	m.mu.Lock()
	m.received++
	m.mu.Unlock()
	m.messages.WithLabelValues("received").Inc()
}

func (m *Metrics) IncDuplicate() {
	m.mu.Lock()
	m.duplicates++
	m.mu.Unlock()
	m.events.WithLabelValues("duplicate").Inc()
}

func (m *Metrics) IncDropped() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
	m.events.WithLabelValues("malformed").Inc()
}

func (m *Metrics) IncStale() {
	m.mu.Lock()
	m.stale++
	m.mu.Unlock()
	m.events.WithLabelValues("stale").Inc()
}

// SetPending reports the current size of the pending set.
func (m *Metrics) SetPending(n int) { m.pending.Set(float64(n)) }

// Handler serves the Prometheus exposition for this instance.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Sent:       m.sent,
		Failed:     m.failed,
		Received:   m.received,
		Duplicates: m.duplicates,
		Dropped:    m.dropped,
		Stale:      m.stale,
	}
}

type Snapshot struct {
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Received   int `json:"received"`
	Duplicates int `json:"duplicates"`
	Dropped    int `json:"dropped"`
	Stale      int `json:"stale"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf("sent=%d failed=%d received=%d duplicates=%d dropped=%d stale=%d",
		s.Sent, s.Failed, s.Received, s.Duplicates, s.Dropped, s.Stale)
}
