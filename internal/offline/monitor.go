package offline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/carecache/pkg/logger"
)

// State is the connectivity of the remote as last observed.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// DefaultProbeInterval is how often the monitor probes the remote.
const DefaultProbeInterval = 30 * time.Second

// Monitor probes the remote and starts a replay pass whenever it comes back.
type Monitor struct {
	prober   Prober
	replayer *Replayer
	interval time.Duration
	log      *zap.Logger

	mu    sync.RWMutex
	state State
}

// NewMonitor builds a Monitor. replayer may be nil to only track state.
func NewMonitor(prober Prober, replayer *Replayer, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		prober:   prober,
		replayer: replayer,
		interval: interval,
		log:      logger.WithModule("offline"),
	}
}

// State returns the last observed connectivity.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Online reports whether mutations should go straight to the remote. An
// unprobed remote counts as online.
func (m *Monitor) Online() bool {
	return m.State() != StateOffline
}

// MarkOffline records a failed request observed outside the monitor.
func (m *Monitor) MarkOffline() {
	m.set(StateOffline)
}

// Check probes once and replays the queue on a transition to online.
func (m *Monitor) Check(ctx context.Context) State {
	next := StateOnline
	if err := m.prober.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return m.State()
		}
		next = StateOffline
		m.log.Debug("remote probe failed", zap.Error(err))
	}

	previous := m.set(next)
	if previous != next {
		m.log.Info("remote connectivity changed",
			zap.Stringer("from", previous),
			zap.Stringer("to", next),
		)
	}
	if next == StateOnline && previous != StateOnline && m.replayer != nil {
		m.replay(ctx)
	}
	return next
}

// Run probes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) set(state State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous := m.state
	m.state = state
	return previous
}

func (m *Monitor) replay(ctx context.Context) {
	summary, err := m.replayer.Replay(ctx)
	switch {
	case errors.Is(err, ErrReplayInProgress):
		m.log.Debug("replay skipped; another pass holds the lease")
	case err != nil:
		m.log.Warn("replay after reconnect failed", zap.Error(err))
	case summary.Interrupted && ctx.Err() == nil:
		m.MarkOffline()
	}
}
