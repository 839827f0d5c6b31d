package manager

import (
	"context"
	"log"
	"sync"
	"time"

	"batchconvert/internal/models"
	"batchconvert/internal/retry"
)

type laneState int

const (
	laneReady laneState = iota
	laneWait
	laneDone
)

// laneCheck decides what a lane loop should do next. Pause holds the lane
// open; an empty queue ends it. Caller must not hold the lock.
func (m *Manager) laneCheck(queue *[]*models.Job) laneState {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.cancelled:
		return laneDone
	case m.paused:
		return laneWait
	case len(*queue) == 0:
		return laneDone
	default:
		return laneReady
	}
}

// claim pops the head of a lane queue and marks it active. Returns nil when
// the lane state changed between check and claim.
func (m *Manager) claim(queue *[]*models.Job) *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelled || m.paused || len(*queue) == 0 {
		return nil
	}
	job := (*queue)[0]
	*queue = (*queue)[1:]
	job.Status = models.StatusProcessing
	job.Progress = 0
	m.active = append(m.active, job)
	return job
}

// sleepPoll waits one pause-poll interval. Returns false when the run context
// was cancelled.
func (m *Manager) sleepPoll(ctx context.Context) bool {
	timer := time.NewTimer(m.pausePoll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// processClientQueue drains the client lane one job at a time. The local
// engine is single-threaded; running jobs sequentially keeps its memory
// bounded, helped by an explicit cleanup between jobs.
func (m *Manager) processClientQueue(ctx context.Context) {
	for {
		switch m.laneCheck(&m.clientQueue) {
		case laneDone:
			return
		case laneWait:
			if !m.sleepPoll(ctx) {
				return
			}
		case laneReady:
			job := m.claim(&m.clientQueue)
			if job == nil {
				continue
			}
			m.runClientJob(ctx, job)
			if m.local != nil {
				m.local.Cleanup()
			}
		}
	}
}

// processServerQueue drains the server lane with a bounded worker pool. A
// slot is acquired before claiming so a queued job never shows as processing
// while it waits for capacity.
func (m *Manager) processServerQueue(ctx context.Context) {
	slots := make(chan struct{}, m.maxConcurrentServer)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		switch m.laneCheck(&m.serverQueue) {
		case laneDone:
			return
		case laneWait:
			if !m.sleepPoll(ctx) {
				return
			}
			continue
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job := m.claim(&m.serverQueue)
		if job == nil {
			<-slots
			continue
		}

		wg.Add(1)
		go func(job *models.Job) {
			defer wg.Done()
			defer func() { <-slots }()
			m.runServerJob(ctx, job)
		}(job)
	}
}

// runClientJob executes one job on the local engine. The conversion itself is
// detached from the run context: cancellation gates admission, it does not
// abort work already under way.
func (m *Manager) runClientJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	var result *models.Result
	var err error
	if m.local == nil {
		err = retry.Errorf(retry.KindOutOfMemory, "local engine unavailable")
	} else {
		result, err = m.local.Convert(context.WithoutCancel(ctx), job.File, job.OutputFormat,
			func(p int) { m.setProgress(job, p) })
	}

	if err != nil {
		m.handleFailure(ctx, job, err, time.Since(start))
		return
	}
	m.completeJob(job, result, time.Since(start))
}

// runServerJob executes one job through the remote endpoint. The attempt
// works on a copy so measured transfer timings can be applied back under the
// lock.
func (m *Manager) runServerJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	m.mu.Lock()
	attempt := *job
	m.mu.Unlock()

	var result *models.Result
	var err error
	if m.remote == nil {
		err = retry.Errorf(retry.KindNetwork, "no remote endpoint configured")
	} else {
		result, err = m.remote.Convert(context.WithoutCancel(ctx), &attempt,
			func(p int) { m.setProgress(job, p) })
	}

	m.mu.Lock()
	job.UploadTime = attempt.UploadTime
	job.DownloadTime = attempt.DownloadTime
	m.mu.Unlock()

	if err != nil {
		m.handleFailure(ctx, job, err, time.Since(start))
		return
	}
	m.completeJob(job, result, time.Since(start))
}

// completeJob moves a finished job to the completed set. Results arriving
// after cancellation are discarded.
func (m *Manager) completeJob(job *models.Job, result *models.Result, elapsed time.Duration) {
	m.mu.Lock()
	m.removeActiveLocked(job)
	if m.cancelled {
		m.mu.Unlock()
		return
	}
	job.Status = models.StatusCompleted
	job.Progress = 100
	job.Result = result
	job.Error = ""
	job.ErrorKind = ""
	m.completed = append(m.completed, job)
	m.stats.CompletedFiles++
	m.stats.CompletedSize += job.File.Size
	jobCopy := *job
	m.mu.Unlock()

	if jobCopy.Route == models.RouteClient {
		m.engineWarmed.Store(true)
	} else {
		if jobCopy.UploadTime > 0 {
			m.network.RecordUpload(jobCopy.File.Size, jobCopy.UploadTime)
		}
		if result != nil && jobCopy.DownloadTime > 0 {
			m.network.RecordDownload(int64(len(result.Data)), jobCopy.DownloadTime)
		}
	}

	log.Printf("[MANAGER] Job %s completed on %s lane in %s", jobCopy.ID, jobCopy.Route, elapsed.Round(time.Millisecond))
	m.listener.JobCompleted(jobCopy, true, elapsed)

	if m.store != nil && result != nil {
		if err := m.store.SaveResult(jobCopy.ID, result); err != nil {
			log.Printf("[MANAGER] Failed to persist result for job %s: %v", jobCopy.ID, err)
		}
	}
	m.saveState()
}

// handleFailure applies the retry policy to one failed attempt. The policy
// handler sleeps any backoff delay before returning a retry verdict.
func (m *Manager) handleFailure(ctx context.Context, job *models.Job, err error, elapsed time.Duration) {
	m.mu.Lock()
	attempt := *job
	m.mu.Unlock()

	decision := m.errors.Handle(ctx, &attempt, err)

	m.mu.Lock()
	job.ErrorKind = attempt.ErrorKind
	job.RetryCount = attempt.RetryCount
	m.removeActiveLocked(job)
	if m.cancelled {
		m.mu.Unlock()
		return
	}

	switch decision.Outcome {
	case retry.OutcomeRetry:
		job.Status = models.StatusPending
		job.Progress = 0
		job.Error = ""
		m.enqueueLocked(job, job.Route)
		m.mu.Unlock()
		log.Printf("[MANAGER] Job %s retry %d (%s): %v", job.ID, attempt.RetryCount, decision.Kind, err)
		m.saveState()

	case retry.OutcomeFallback:
		job.Status = models.StatusPending
		job.Progress = 0
		job.RetryCount = 0
		job.Error = ""
		m.enqueueLocked(job, decision.Route)
		m.mu.Unlock()
		log.Printf("[MANAGER] Job %s falling back to %s lane (%s)", job.ID, decision.Route, decision.Kind)
		m.saveState()

	case retry.OutcomeTerminal:
		job.Status = models.StatusFailed
		job.Error = decision.Message
		m.failed = append(m.failed, job)
		m.stats.FailedFiles++
		jobCopy := *job
		m.mu.Unlock()
		log.Printf("[MANAGER] Job %s failed (%s): %s", jobCopy.ID, decision.Kind, decision.Message)
		m.listener.JobCompleted(jobCopy, false, elapsed)
		m.saveState()
	}
}

func (m *Manager) setProgress(job *models.Job, p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	m.mu.Lock()
	job.Progress = p
	m.mu.Unlock()
}
