package upload

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// State is the process-wide connectivity flag.
type State int32

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Monitor probes a lightweight central endpoint and raises edge-triggered
// connected/disconnected events: exactly one event per transition, not one
// per probe. Probe timeouts are treated as disconnected, never as a fault.
type Monitor struct {
	client   *resty.Client
	creds    *Credentials
	interval time.Duration
	log      *zap.Logger

	urlMu   sync.Mutex
	baseURL string

	state  atomic.Int32
	events chan State
}

func NewMonitor(baseURL string, creds *Credentials, interval, timeout time.Duration, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Monitor{
		client:   resty.New().SetTimeout(timeout),
		creds:    creds,
		interval: interval,
		log:      log,
		baseURL:  baseURL,
		events:   make(chan State, 8),
	}
}

// SetBaseURL points the probes at a new central endpoint, matching the
// uploader when the mirrored tenant carries its own upload URL.
func (m *Monitor) SetBaseURL(url string) {
	if url == "" {
		return
	}
	m.urlMu.Lock()
	m.baseURL = url
	m.urlMu.Unlock()
}

func (m *Monitor) pingURL() string {
	m.urlMu.Lock()
	defer m.urlMu.Unlock()
	return m.baseURL + "/ping"
}

// State returns the last observed connectivity state.
func (m *Monitor) State() State { return State(m.state.Load()) }

// Events delivers one message per state transition.
func (m *Monitor) Events() <-chan State { return m.events }

// Run probes until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	next := Disconnected
	resp, err := m.client.R().
		SetContext(ctx).
		SetHeader("X-API-Key", m.creds.Get()).
		Get(m.pingURL())
	if err == nil && resp.IsSuccess() {
		next = Connected
	}

	prev := State(m.state.Swap(int32(next)))
	if prev == next {
		return
	}
	m.log.Info("connectivity changed",
		zap.String("from", prev.String()),
		zap.String("to", next.String()))
	select {
	case m.events <- next:
	default:
		// A consumer that far behind only needs the latest state anyway.
	}
}
