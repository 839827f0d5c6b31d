// Package recovery watches connectivity to the remote conversion endpoint
// and drives the pause/requeue/resume cycle around network loss. Jobs that
// were in flight when the link dropped fail with network errors and are
// requeued once the endpoint is reachable again.
package recovery

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Orchestrator is the slice of the batch manager the monitor drives.
type Orchestrator interface {
	Pause()
	Resume()
	ActiveServerJobIDs() []string
	RetryNetworkFailures() int
	ProcessQueues()
}

// Pinger probes the remote endpoint. *remote.Client implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor tracks endpoint reachability with a periodic probe.
type Monitor struct {
	pinger   Pinger
	target   Orchestrator
	interval time.Duration
	timeout  time.Duration

	mu          sync.Mutex
	online      bool
	offlineJobs []string
}

// New builds a monitor. Zero durations fall back to defaults. The monitor
// starts in the online state; the first failed probe flips it.
func New(pinger Pinger, target Orchestrator, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Monitor{
		pinger:   pinger,
		target:   target,
		interval: interval,
		timeout:  timeout,
		online:   true,
	}
}

// Run probes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.transition(m.probe(ctx))
		}
	}
}

// probe reports whether the endpoint answered within the probe timeout.
func (m *Monitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.pinger.Ping(probeCtx) == nil
}

// SetOnline feeds an external connectivity signal. Offline is trusted as-is;
// online is verified with a probe before anything resumes, since a link-up
// event does not guarantee the endpoint is reachable.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	if online {
		online = m.probe(ctx)
	}
	m.transition(online)
}

// Online reports the last observed reachability.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// InterruptedJobIDs lists the server jobs that were in flight when the link
// dropped, for the recovery prompt shown while offline. Cleared once the
// endpoint answers again and the jobs have been requeued.
func (m *Monitor) InterruptedJobIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.offlineJobs...)
}

func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	if online == m.online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	if online {
		m.handleOnline()
	} else {
		m.handleOffline()
	}
}

// handleOffline pauses admission and remembers which server jobs were in
// flight. Their transfers will fail on their own and land in the failed set.
func (m *Monitor) handleOffline() {
	interrupted := m.target.ActiveServerJobIDs()

	m.mu.Lock()
	m.offlineJobs = interrupted
	m.mu.Unlock()

	m.target.Pause()
	log.Printf("[RECOVERY] Endpoint unreachable, paused with %d server jobs in flight", len(interrupted))
}

// handleOnline resumes admission and requeues everything that failed on
// connectivity, including the jobs interrupted by the outage.
func (m *Monitor) handleOnline() {
	m.mu.Lock()
	interrupted := m.offlineJobs
	m.offlineJobs = nil
	m.mu.Unlock()

	m.target.Resume()
	requeued := m.target.RetryNetworkFailures()
	m.target.ProcessQueues()
	log.Printf("[RECOVERY] Endpoint reachable again, requeued %d jobs (%d were in flight at outage)",
		requeued, len(interrupted))
}
