package manager

import (
	"log"
	"runtime"
	"strings"

	"batchconvert/internal/models"
	"batchconvert/internal/router"
)

// Queues above this size are rewritten in chunks, releasing the lock between
// chunks so lane admission is not starved.
const bulkChunkSize = 20

// BulkChangeFormat rewrites the output format of every pending job whose
// input can produce newFormat. Incompatible jobs are skipped, not failed.
// Returns the number of jobs changed.
func (m *Manager) BulkChangeFormat(newFormat string) int {
	newFormat = strings.ToLower(newFormat)
	if newFormat == "" {
		return 0
	}

	m.mu.Lock()
	pending := make([]*models.Job, 0, len(m.queue)+len(m.clientQueue)+len(m.serverQueue))
	pending = append(pending, m.queue...)
	pending = append(pending, m.clientQueue...)
	pending = append(pending, m.serverQueue...)
	m.mu.Unlock()

	changed, skipped := 0, 0
	for start := 0; start < len(pending); start += bulkChunkSize {
		end := start + bulkChunkSize
		if end > len(pending) {
			end = len(pending)
		}

		m.mu.Lock()
		for _, job := range pending[start:end] {
			// Re-check under the lock: the job may have been claimed
			// by a lane since the list was captured.
			if job.Status != models.StatusPending {
				continue
			}
			if job.OutputFormat == newFormat {
				continue
			}
			if !router.CompatibleFormats(job.InputFormat(), newFormat) {
				skipped++
				continue
			}
			job.OutputFormat = newFormat
			changed++
		}
		m.mu.Unlock()

		if end < len(pending) {
			runtime.Gosched()
		}
	}

	if skipped > 0 {
		log.Printf("[MANAGER] Format change to %s skipped %d incompatible jobs", newFormat, skipped)
	}
	if changed > 0 {
		log.Printf("[MANAGER] Changed output format to %s for %d pending jobs", newFormat, changed)
		m.saveState()
	}
	return changed
}
