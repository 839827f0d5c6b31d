// Package manager orchestrates batch file conversions. It routes jobs between
// the local engine and the remote endpoint, runs the two lanes with their
// respective concurrency models, applies the retry policy on failures, and
// keeps a persistable snapshot of everything in flight.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"batchconvert/internal/models"
	"batchconvert/internal/netmon"
	"batchconvert/internal/retry"
	"batchconvert/internal/router"
)

// Batch submission limits.
const (
	MaxBatchFiles = 100
	MaxBatchBytes = 10 * 1024 * 1024 * 1024
)

const (
	defaultMaxConcurrentServer = 4
	defaultPausePoll           = 500 * time.Millisecond
	defaultProgressPoll        = time.Second
	defaultCheckpointInterval  = 30 * time.Second

	// Failure tag for jobs that were mid-flight when the process died.
	// Distinct from the retry taxonomy: these jobs never got a verdict.
	errorKindInterrupted = "interrupted"
)

var (
	ErrNoFiles      = errors.New("manager: no files to convert")
	ErrTooManyFiles = fmt.Errorf("manager: batch exceeds %d files", MaxBatchFiles)
	ErrBatchTooBig  = errors.New("manager: batch exceeds total size limit")
	ErrNoFormats    = errors.New("manager: no output formats given")
	ErrBatchRunning = errors.New("manager: a batch is already running")
)

// LocalConverter is the in-process conversion engine behind the client lane.
type LocalConverter interface {
	Convert(ctx context.Context, file models.File, outputFormat string, onProgress func(int)) (*models.Result, error)

	// Cleanup releases transient engine resources. Called between jobs on
	// the sequential lane to keep memory bounded.
	Cleanup()
}

// RemoteConverter runs one job through the remote endpoint. *remote.Client
// implements it.
type RemoteConverter interface {
	Convert(ctx context.Context, job *models.Job, onProgress func(int)) (*models.Result, error)
}

// Store is the slice of the persistence layer the manager needs. A nil Store
// disables persistence.
type Store interface {
	SaveState(*models.Snapshot)
	SaveStateNow(*models.Snapshot) error
	SaveResult(jobID string, result *models.Result) error
	LoadResult(jobID string) (*models.Result, error)
}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	Local    LocalConverter
	Remote   RemoteConverter
	Store    Store
	Listener Listener
	Network  *netmon.Monitor

	MaxConcurrentServer int
	PausePoll           time.Duration
	ProgressPoll        time.Duration
	CheckpointInterval  time.Duration
}

// Manager owns all job collections. A job lives in exactly one collection at
// a time; every transition happens under the manager's lock.
type Manager struct {
	local    LocalConverter
	remote   RemoteConverter
	store    Store
	listener Listener
	network  *netmon.Monitor
	router   *router.Router
	errors   *retry.Handler

	maxConcurrentServer int
	pausePoll           time.Duration
	progressPoll        time.Duration
	checkpointInterval  time.Duration

	engineWarmed atomic.Bool

	mu          sync.Mutex
	queue       []*models.Job // restored but not yet routed
	clientQueue []*models.Job
	serverQueue []*models.Job
	active      []*models.Job
	completed   []*models.Job
	failed      []*models.Job
	stats       models.Stats
	paused      bool
	cancelled   bool
	running     bool
	runCancel   context.CancelFunc
}

// New builds a Manager from options.
func New(opts Options) *Manager {
	m := &Manager{
		local:               opts.Local,
		remote:              opts.Remote,
		store:               opts.Store,
		listener:            opts.Listener,
		network:             opts.Network,
		maxConcurrentServer: opts.MaxConcurrentServer,
		pausePoll:           opts.PausePoll,
		progressPoll:        opts.ProgressPoll,
		checkpointInterval:  opts.CheckpointInterval,
	}
	if m.listener == nil {
		m.listener = NopListener{}
	}
	if m.network == nil {
		m.network = netmon.New()
	}
	if m.maxConcurrentServer <= 0 {
		m.maxConcurrentServer = defaultMaxConcurrentServer
	}
	if m.pausePoll <= 0 {
		m.pausePoll = defaultPausePoll
	}
	if m.progressPoll <= 0 {
		m.progressPoll = defaultProgressPoll
	}
	if m.checkpointInterval <= 0 {
		m.checkpointInterval = defaultCheckpointInterval
	}

	m.router = &router.Router{Speeds: m.network, EngineReady: m.engineWarmed.Load}
	m.errors = retry.NewHandler(router.CanConvertLocally)
	return m
}

// Convert runs one batch to completion. outputFormats maps to files by index;
// a missing or empty entry falls back to the first format. Blocks until every
// job has finished, failed, or been cancelled.
func (m *Manager) Convert(ctx context.Context, files []models.File, outputFormats []string) error {
	if len(files) == 0 {
		return ErrNoFiles
	}
	if len(files) > MaxBatchFiles {
		return ErrTooManyFiles
	}
	if len(outputFormats) == 0 || outputFormats[0] == "" {
		return ErrNoFormats
	}
	var totalSize int64
	for _, f := range files {
		totalSize += f.Size
	}
	if totalSize > MaxBatchBytes {
		return ErrBatchTooBig
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrBatchRunning
	}
	m.running = true
	m.cancelled = false
	m.paused = false
	m.queue = nil
	m.clientQueue = nil
	m.serverQueue = nil
	m.active = nil
	m.completed = nil
	m.failed = nil
	m.mu.Unlock()

	jobs := make([]*models.Job, 0, len(files))
	for i, file := range files {
		format := outputFormats[0]
		if i < len(outputFormats) && outputFormats[i] != "" {
			format = outputFormats[i]
		}
		jobs = append(jobs, &models.Job{
			ID:           uuid.NewString(),
			File:         file,
			OutputFormat: strings.ToLower(format),
			Status:       models.StatusPending,
		})
	}

	clientQueue, serverQueue := m.router.AnalyzeAndRoute(jobs)

	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.clientQueue = clientQueue
	m.serverQueue = serverQueue
	m.stats = models.Stats{
		TotalFiles: len(files),
		TotalSize:  totalSize,
		StartTime:  time.Now(),
	}
	stats := m.stats
	m.runCancel = cancel
	m.mu.Unlock()

	for _, job := range jobs {
		m.listener.RoutingDecision(*job, job.Route, job.EstimatedTime)
	}
	m.listener.BatchStarted(stats)
	log.Printf("[MANAGER] Starting batch: %d files, %d bytes", len(files), totalSize)
	m.saveState()

	m.run(runCtx)
	return nil
}

// run drives both lanes until their queues drain or the batch is cancelled.
// Cross-lane fallback can refill a queue after its lane exited, so lanes are
// relaunched until nothing is left.
func (m *Manager) run(ctx context.Context) {
	defer m.finishRun()

	stop := make(chan struct{})
	defer close(stop)
	go m.progressLoop(stop)

	for {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.processClientQueue(ctx)
		}()
		go func() {
			defer wg.Done()
			m.processServerQueue(ctx)
		}()
		wg.Wait()

		m.mu.Lock()
		again := !m.cancelled && (len(m.clientQueue) > 0 || len(m.serverQueue) > 0)
		m.mu.Unlock()
		if !again {
			return
		}
	}
}

func (m *Manager) finishRun() {
	m.mu.Lock()
	m.running = false
	m.stats.EndTime = time.Now()
	stats := m.stats
	cancel := m.runCancel
	m.runCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	log.Printf("[MANAGER] Batch finished: %d completed, %d failed", stats.CompletedFiles, stats.FailedFiles)
	m.listener.BatchCompleted(stats)
	if m.store != nil {
		if err := m.store.SaveStateNow(m.Snapshot()); err != nil {
			log.Printf("[MANAGER] Failed to persist final state: %v", err)
		}
	}
}

// ProcessQueues resumes draining after a restore or recovery requeue. No-op
// when a batch is already running or there is nothing queued. Jobs sitting in
// the master queue are routed first.
func (m *Manager) ProcessQueues() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	if len(m.queue)+len(m.clientQueue)+len(m.serverQueue) == 0 {
		m.mu.Unlock()
		return
	}
	if len(m.queue) > 0 {
		pending := m.queue
		m.queue = nil
		m.mu.Unlock()
		clientQueue, serverQueue := m.router.AnalyzeAndRoute(pending)
		m.mu.Lock()
		m.clientQueue = append(m.clientQueue, clientQueue...)
		m.serverQueue = append(m.serverQueue, serverQueue...)
	}
	m.running = true
	m.cancelled = false
	ctx, cancel := context.WithCancel(context.Background())
	m.runCancel = cancel
	m.mu.Unlock()

	go m.run(ctx)
}

// Pause stops new jobs from being admitted. Jobs already converting run to
// completion.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		m.paused = true
		log.Printf("[MANAGER] Paused")
	}
}

// Resume lifts a pause.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		m.paused = false
		log.Printf("[MANAGER] Resumed")
	}
}

// Cancel aborts the batch. Queued jobs are dropped; in-flight conversions run
// to completion but their results are discarded.
func (m *Manager) Cancel() {
	m.mu.Lock()
	m.cancelled = true
	m.queue = nil
	m.clientQueue = nil
	m.serverQueue = nil
	cancel := m.runCancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	log.Printf("[MANAGER] Batch cancelled")
	m.saveState()
}

// Paused reports whether admission is currently paused.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Running reports whether a batch is currently draining.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stats returns a copy of the current batch counters.
func (m *Manager) Stats() models.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// CompletedJobs returns copies of all completed jobs.
func (m *Manager) CompletedJobs() []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyJobs(m.completed)
}

// FailedJobs returns copies of all failed jobs.
func (m *Manager) FailedJobs() []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyJobs(m.failed)
}

// Result returns the converted payload for a completed job, reading from the
// blob tier when it is no longer in memory.
func (m *Manager) Result(jobID string) (*models.Result, error) {
	m.mu.Lock()
	for _, job := range m.completed {
		if job.ID == jobID && job.Result != nil {
			result := job.Result
			m.mu.Unlock()
			return result, nil
		}
	}
	m.mu.Unlock()

	if m.store == nil {
		return nil, fmt.Errorf("manager: no result for job %s", jobID)
	}
	return m.store.LoadResult(jobID)
}

// Snapshot captures the current state for persistence. Result payloads are
// excluded; completed jobs are referenced by id.
func (m *Manager) Snapshot() *models.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &models.Snapshot{
		Version:     models.SnapshotVersion,
		Timestamp:   time.Now(),
		Queue:       copyJobs(m.queue),
		ClientQueue: copyJobs(m.clientQueue),
		ServerQueue: copyJobs(m.serverQueue),
		Active:      copyJobs(m.active),
		Failed:      copyJobs(m.failed),
		Stats:       m.stats,
		Network:     m.network.Speed(),
	}
	for _, job := range m.completed {
		ref := models.CompletedRef{
			ID:           job.ID,
			Filename:     job.File.Name,
			OutputFormat: job.OutputFormat,
		}
		if job.Result != nil && job.Result.Filename != "" {
			ref.Filename = job.Result.Filename
		}
		snap.Completed = append(snap.Completed, ref)
	}
	return snap
}

// Restore loads a persisted snapshot into the manager. Jobs that were active
// when the snapshot was taken cannot be resumed and are reclassified as
// failed. Returns the number of restorable pending jobs; the caller decides
// whether to call ProcessQueues.
func (m *Manager) Restore(snap *models.Snapshot) int {
	if snap == nil {
		return 0
	}

	m.mu.Lock()
	m.queue = restoreJobs(snap.Queue)
	m.clientQueue = restoreJobs(snap.ClientQueue)
	m.serverQueue = restoreJobs(snap.ServerQueue)
	m.failed = restoreJobs(snap.Failed)
	for _, j := range snap.Active {
		job := j
		job.Status = models.StatusFailed
		job.Progress = 0
		job.Error = "conversion interrupted by restart"
		job.ErrorKind = errorKindInterrupted
		m.failed = append(m.failed, &job)
	}
	m.stats = snap.Stats
	m.stats.FailedFiles = len(m.failed)
	pending := len(m.queue) + len(m.clientQueue) + len(m.serverQueue)
	m.mu.Unlock()

	m.network.Restore(snap.Network)

	if m.store != nil {
		for _, ref := range snap.Completed {
			result, err := m.store.LoadResult(ref.ID)
			if err != nil {
				log.Printf("[MANAGER] Missing result payload for restored job %s: %v", ref.ID, err)
				continue
			}
			job := &models.Job{
				ID:           ref.ID,
				File:         models.File{Name: ref.Filename},
				OutputFormat: ref.OutputFormat,
				Status:       models.StatusCompleted,
				Progress:     100,
				Result:       result,
			}
			m.mu.Lock()
			m.completed = append(m.completed, job)
			m.mu.Unlock()
		}
	}

	log.Printf("[MANAGER] Restored state: %d pending, %d failed, %d completed",
		pending, len(snap.Failed)+len(snap.Active), len(snap.Completed))
	return pending
}

// RetryFailed moves every failed job back onto its lane with a clean slate.
// Returns the number of requeued jobs.
func (m *Manager) RetryFailed() int {
	return m.requeueFailed(func(*models.Job) bool { return true })
}

// RetryNetworkFailures requeues failed jobs whose failure was connectivity
// related. The connectivity monitor calls this once the endpoint is reachable
// again.
func (m *Manager) RetryNetworkFailures() int {
	return m.requeueFailed(func(job *models.Job) bool {
		switch job.ErrorKind {
		case string(retry.KindNetwork), string(retry.KindServerOverload), errorKindInterrupted:
			return true
		}
		return false
	})
}

func (m *Manager) requeueFailed(match func(*models.Job) bool) int {
	m.mu.Lock()
	var kept []*models.Job
	requeued := 0
	for _, job := range m.failed {
		if !match(job) {
			kept = append(kept, job)
			continue
		}
		job.Status = models.StatusPending
		job.Progress = 0
		job.RetryCount = 0
		job.Error = ""
		job.ErrorKind = ""
		if job.Route == "" {
			if router.CanConvertLocally(job.File) {
				job.Route = models.RouteClient
			} else {
				job.Route = models.RouteServer
			}
		}
		m.enqueueLocked(job, job.Route)
		requeued++
	}
	m.failed = kept
	m.stats.FailedFiles = len(kept)
	m.mu.Unlock()

	if requeued > 0 {
		log.Printf("[MANAGER] Requeued %d failed jobs", requeued)
		m.saveState()
	}
	return requeued
}

// ActiveServerJobIDs lists the ids of server-route jobs currently in flight.
func (m *Manager) ActiveServerJobIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, job := range m.active {
		if job.Route == models.RouteServer {
			ids = append(ids, job.ID)
		}
	}
	return ids
}

func (m *Manager) enqueueLocked(job *models.Job, route models.Route) {
	job.Route = route
	if route == models.RouteClient {
		m.clientQueue = append(m.clientQueue, job)
	} else {
		m.serverQueue = append(m.serverQueue, job)
	}
}

func (m *Manager) removeActiveLocked(job *models.Job) {
	for i, j := range m.active {
		if j == job {
			m.active = append(m.active[:i], m.active[i+1:]...)
			return
		}
	}
}

func (m *Manager) saveState() {
	if m.store == nil {
		return
	}
	m.store.SaveState(m.Snapshot())
}

func copyJobs(src []*models.Job) []models.Job {
	if len(src) == 0 {
		return nil
	}
	out := make([]models.Job, len(src))
	for i, job := range src {
		out[i] = *job
	}
	return out
}

func restoreJobs(src []models.Job) []*models.Job {
	if len(src) == 0 {
		return nil
	}
	out := make([]*models.Job, len(src))
	for i := range src {
		job := src[i]
		out[i] = &job
	}
	return out
}
