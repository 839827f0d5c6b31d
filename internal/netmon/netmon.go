// Package netmon maintains a rolling estimate of upload and download
// throughput, measured from completed server-side transfers. The router uses
// the estimate to predict server round-trip times; staleness is acceptable
// since it only feeds a heuristic.
package netmon

import (
	"sync"
	"time"

	"batchconvert/internal/models"
)

const (
	// Conservative seeds used until real transfers have been measured.
	DefaultUploadSpeed   = 5 * 1024 * 1024  // bytes/s
	DefaultDownloadSpeed = 10 * 1024 * 1024 // bytes/s

	maxSamples = 10
	windowSize = 5
)

type sampleKind int

const (
	sampleUpload sampleKind = iota
	sampleDownload
)

type sample struct {
	kind  sampleKind
	speed float64 // bytes/s
}

// Monitor tracks recent transfer throughput. Safe for concurrent use; the
// server lane records while the router reads.
type Monitor struct {
	mu            sync.Mutex
	uploadSpeed   float64
	downloadSpeed float64
	samples       []sample
}

// New returns a monitor seeded with the default speed estimates.
func New() *Monitor {
	return &Monitor{
		uploadSpeed:   DefaultUploadSpeed,
		downloadSpeed: DefaultDownloadSpeed,
	}
}

// RecordUpload adds an upload throughput sample from a transfer of the given
// size and duration.
func (m *Monitor) RecordUpload(bytes int64, elapsed time.Duration) {
	m.record(sampleUpload, bytes, elapsed)
}

// RecordDownload adds a download throughput sample.
func (m *Monitor) RecordDownload(bytes int64, elapsed time.Duration) {
	m.record(sampleDownload, bytes, elapsed)
}

func (m *Monitor) record(kind sampleKind, bytes int64, elapsed time.Duration) {
	if bytes <= 0 || elapsed <= 0 {
		return
	}
	speed := float64(bytes) / elapsed.Seconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample{kind: kind, speed: speed})
	if len(m.samples) > maxSamples {
		m.samples = m.samples[1:]
	}
	m.updateAverages()
}

// updateAverages recomputes both direction averages over the most recent
// window. Caller holds the lock.
func (m *Monitor) updateAverages() {
	start := len(m.samples) - windowSize
	if start < 0 {
		start = 0
	}
	recent := m.samples[start:]

	var upSum, downSum float64
	var upCount, downCount int
	for _, s := range recent {
		if s.kind == sampleUpload {
			upSum += s.speed
			upCount++
		} else {
			downSum += s.speed
			downCount++
		}
	}

	if upCount > 0 {
		m.uploadSpeed = upSum / float64(upCount)
	}
	if downCount > 0 {
		m.downloadSpeed = downSum / float64(downCount)
	}
}

// Speed returns the current throughput estimate.
func (m *Monitor) Speed() models.NetworkSpeed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.NetworkSpeed{Upload: m.uploadSpeed, Download: m.downloadSpeed}
}

// Restore overwrites the estimate, used when loading a persisted snapshot.
// Zero values are ignored so a partial snapshot keeps the defaults.
func (m *Monitor) Restore(speed models.NetworkSpeed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if speed.Upload > 0 {
		m.uploadSpeed = speed.Upload
	}
	if speed.Download > 0 {
		m.downloadSpeed = speed.Download
	}
}
