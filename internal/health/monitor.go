// Package health tracks remote connectivity for the sync engine. The monitor
// turns a stream of probe results into a debounced online/offline signal so a
// single dropped packet does not flip the engine into offline mode.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/syncache/syncache/internal/config"
	"github.com/syncache/syncache/pkg/types"
	"github.com/syncache/syncache/pkg/utils"
)

// Monitor probes the remote on an interval and reports connectivity. State
// changes only after the configured number of consecutive results in the new
// direction.
type Monitor struct {
	remote       types.RemoteClient
	interval     time.Duration
	failureLimit int
	successLimit int
	forceOffline bool
	onTransition func(online bool)
	logger       *utils.StructuredLogger

	mu            sync.Mutex
	online        bool
	failures      int
	successes     int
	lastProbe     time.Time
	lastOnlineAt  time.Time
	lastOfflineAt time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewMonitor creates a connectivity monitor. onTransition may be nil; it is
// invoked outside the monitor lock on every state change. The monitor starts
// optimistically online unless forced offline.
func NewMonitor(remote types.RemoteClient, cfg config.RemoteConfig, forceOffline bool,
	onTransition func(online bool), logger *utils.StructuredLogger) *Monitor {

	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	failureLimit := cfg.FailureThreshold
	if failureLimit <= 0 {
		failureLimit = 3
	}
	successLimit := cfg.SuccessThreshold
	if successLimit <= 0 {
		successLimit = 2
	}

	return &Monitor{
		remote:       remote,
		interval:     interval,
		failureLimit: failureLimit,
		successLimit: successLimit,
		forceOffline: forceOffline,
		onTransition: onTransition,
		logger:       logger.WithComponent("health"),
		online:       !forceOffline,
	}
}

// Start launches the probe loop. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.forceOffline {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ticker.C:
			m.Probe(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Probe runs one health check immediately and feeds the result in.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.forceOffline {
		return false
	}
	ok := m.remote.HealthCheck(ctx)
	m.Report(ok)
	return ok
}

// Report feeds an out-of-band connectivity observation into the monitor, for
// example a failed write that already proves the remote unreachable.
func (m *Monitor) Report(success bool) {
	if m.forceOffline {
		return
	}

	m.mu.Lock()
	m.lastProbe = time.Now()

	var transition *bool
	if success {
		m.failures = 0
		m.successes++
		if !m.online && m.successes >= m.successLimit {
			m.online = true
			m.lastOnlineAt = time.Now()
			online := true
			transition = &online
		}
	} else {
		m.successes = 0
		m.failures++
		if m.online && m.failures >= m.failureLimit {
			m.online = false
			m.lastOfflineAt = time.Now()
			online := false
			transition = &online
		}
	}
	m.mu.Unlock()

	if transition != nil {
		if *transition {
			m.logger.Info("remote connectivity restored", nil)
		} else {
			m.logger.Warn("remote connectivity lost", map[string]interface{}{
				"consecutive_failures": m.failureLimit,
			})
		}
		if m.onTransition != nil {
			m.onTransition(*transition)
		}
	}
}

// Online reports the current debounced connectivity state.
func (m *Monitor) Online() bool {
	if m.forceOffline {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Status is a snapshot of monitor state for the status API.
type Status struct {
	Online        bool      `json:"online"`
	ForcedOffline bool      `json:"forced_offline"`
	LastProbe     time.Time `json:"last_probe,omitempty"`
	LastOnlineAt  time.Time `json:"last_online_at,omitempty"`
	LastOfflineAt time.Time `json:"last_offline_at,omitempty"`
}

// Snapshot returns the current monitor status.
func (m *Monitor) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Online:        m.online && !m.forceOffline,
		ForcedOffline: m.forceOffline,
		LastProbe:     m.lastProbe,
		LastOnlineAt:  m.lastOnlineAt,
		LastOfflineAt: m.lastOfflineAt,
	}
}
