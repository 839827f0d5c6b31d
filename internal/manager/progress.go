package manager

import (
	"fmt"
	"time"
)

// OverallProgress returns the size-weighted batch completion percentage.
// Large files dominate the number, matching how long the batch actually
// feels.
func (m *Manager) OverallProgress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overallProgressLocked()
}

func (m *Manager) overallProgressLocked() float64 {
	if m.stats.TotalSize == 0 {
		return 0
	}
	done := float64(m.stats.CompletedSize)
	for _, job := range m.active {
		done += float64(job.File.Size) * float64(job.Progress) / 100
	}
	pct := done / float64(m.stats.TotalSize) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// TimeRemaining extrapolates the remaining wall-clock time from elapsed time
// and progress so far. Returns zero until there is any progress to go on.
func (m *Manager) TimeRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	pct := m.overallProgressLocked()
	if pct <= 0 || m.stats.StartTime.IsZero() {
		return 0
	}
	elapsed := time.Since(m.stats.StartTime)
	total := time.Duration(float64(elapsed) / pct * 100)
	remaining := total - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// progressLoop emits periodic progress events and checkpoints state while a
// batch is draining.
func (m *Manager) progressLoop(stop <-chan struct{}) {
	tick := time.NewTicker(m.progressPoll)
	defer tick.Stop()
	checkpoint := time.NewTicker(m.checkpointInterval)
	defer checkpoint.Stop()

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			m.listener.ProgressTick(m.OverallProgress(), m.TimeRemaining())
		case <-checkpoint.C:
			m.saveState()
		}
	}
}

// FormatDuration renders a duration for progress displays: "2h 5m", "3m 12s",
// "45s".
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	min := (d % time.Hour) / time.Minute
	sec := (d % time.Minute) / time.Second
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, min)
	case min > 0:
		return fmt.Sprintf("%dm %ds", min, sec)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}
