// Package analytics aggregates conversion outcomes: per-format success
// rates, routing estimate accuracy, and a rolling window of batch session
// records. It consumes manager events and persists through the small tier of
// the store.
package analytics

import (
	"log"
	"sync"
	"time"

	"batchconvert/internal/models"
)

const (
	storeKey = "batchConversionAnalytics"

	maxSessions   = 30
	sessionMaxAge = 30 * 24 * time.Hour
)

// SmallStore is the key-value slice of the persistence layer the recorder
// needs.
type SmallStore interface {
	PutSmall(key string, v any) error
	GetSmall(key string, v any) error
}

// FormatStats aggregates outcomes for one input/output format pair.
type FormatStats struct {
	Count       int     `json:"count"`
	Success     int     `json:"success"`
	Failed      int     `json:"failed"`
	TotalTimeMS int64   `json:"totalTimeMs"`
	AvgTimeMS   int64   `json:"avgTimeMs"`
	SuccessRate float64 `json:"successRate"`
}

// RouteStats tracks how routing estimates compare to measured durations for
// one lane.
type RouteStats struct {
	Count            int   `json:"count"`
	TotalEstimatedMS int64 `json:"totalEstimatedMs"`
	TotalActualMS    int64 `json:"totalActualMs"`
}

// Accuracy returns estimated over actual time; 1.0 means perfect estimates,
// below 1.0 means the lane runs slower than predicted.
func (r RouteStats) Accuracy() float64 {
	if r.TotalActualMS == 0 {
		return 0
	}
	return float64(r.TotalEstimatedMS) / float64(r.TotalActualMS)
}

// SessionRecord summarizes one finished batch.
type SessionRecord struct {
	Timestamp      time.Time     `json:"timestamp"`
	TotalFiles     int           `json:"totalFiles"`
	CompletedFiles int           `json:"completedFiles"`
	FailedFiles    int           `json:"failedFiles"`
	TotalSize      int64         `json:"totalSize"`
	Duration       time.Duration `json:"duration"`
}

// Data is the persisted analytics document.
type Data struct {
	Formats  map[string]*FormatStats      `json:"formats"`
	Routes   map[models.Route]*RouteStats `json:"routes"`
	Sessions []SessionRecord              `json:"sessions"`
}

// Recorder consumes batch events and maintains the aggregates. It implements
// the manager's listener contract; unused events are no-ops.
type Recorder struct {
	store SmallStore

	mu   sync.Mutex
	data Data
}

// New builds a recorder, loading previously persisted aggregates if any. A
// nil store keeps everything in memory.
func New(store SmallStore) *Recorder {
	r := &Recorder{
		store: store,
		data: Data{
			Formats: make(map[string]*FormatStats),
			Routes:  make(map[models.Route]*RouteStats),
		},
	}
	if store != nil {
		var saved Data
		if err := store.GetSmall(storeKey, &saved); err == nil {
			if saved.Formats != nil {
				r.data.Formats = saved.Formats
			}
			if saved.Routes != nil {
				r.data.Routes = saved.Routes
			}
			r.data.Sessions = saved.Sessions
		}
	}
	return r
}

func formatKey(job models.Job) string {
	return job.InputFormat() + "->" + job.OutputFormat
}

// JobCompleted records the outcome of one job under its format pair and, for
// successes, feeds the routing accuracy aggregate for the job's lane.
func (r *Recorder) JobCompleted(job models.Job, success bool, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := formatKey(job)
	fs := r.data.Formats[key]
	if fs == nil {
		fs = &FormatStats{}
		r.data.Formats[key] = fs
	}
	fs.Count++
	if success {
		fs.Success++
		fs.TotalTimeMS += elapsed.Milliseconds()
		fs.AvgTimeMS = fs.TotalTimeMS / int64(fs.Success)
	} else {
		fs.Failed++
	}
	fs.SuccessRate = float64(fs.Success) / float64(fs.Count)

	if success && job.Route != "" {
		rs := r.data.Routes[job.Route]
		if rs == nil {
			rs = &RouteStats{}
			r.data.Routes[job.Route] = rs
		}
		rs.Count++
		rs.TotalEstimatedMS += job.EstimatedTime.Milliseconds()
		rs.TotalActualMS += elapsed.Milliseconds()
	}
}

// BatchCompleted appends a session record, prunes the window, and persists.
func (r *Recorder) BatchCompleted(stats models.Stats) {
	r.mu.Lock()
	r.data.Sessions = append(r.data.Sessions, SessionRecord{
		Timestamp:      stats.EndTime,
		TotalFiles:     stats.TotalFiles,
		CompletedFiles: stats.CompletedFiles,
		FailedFiles:    stats.FailedFiles,
		TotalSize:      stats.TotalSize,
		Duration:       stats.EndTime.Sub(stats.StartTime),
	})
	r.pruneSessionsLocked()
	r.mu.Unlock()

	r.persist()
}

func (r *Recorder) pruneSessionsLocked() {
	cutoff := time.Now().Add(-sessionMaxAge)
	kept := r.data.Sessions[:0]
	for _, s := range r.data.Sessions {
		if s.Timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	if len(kept) > maxSessions {
		kept = kept[len(kept)-maxSessions:]
	}
	r.data.Sessions = kept
}

func (r *Recorder) persist() {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	if err := r.store.PutSmall(storeKey, snapshot); err != nil {
		log.Printf("[ANALYTICS] Failed to persist: %v", err)
	}
}

func (r *Recorder) snapshotLocked() Data {
	out := Data{
		Formats:  make(map[string]*FormatStats, len(r.data.Formats)),
		Routes:   make(map[models.Route]*RouteStats, len(r.data.Routes)),
		Sessions: append([]SessionRecord(nil), r.data.Sessions...),
	}
	for k, v := range r.data.Formats {
		fs := *v
		out.Formats[k] = &fs
	}
	for k, v := range r.data.Routes {
		rs := *v
		out.Routes[k] = &rs
	}
	return out
}

// Summary returns a copy of the current aggregates.
func (r *Recorder) Summary() Data {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Remaining listener events carry nothing the aggregates need.

func (r *Recorder) BatchStarted(models.Stats) {}

func (r *Recorder) RoutingDecision(models.Job, models.Route, time.Duration) {}

func (r *Recorder) ProgressTick(float64, time.Duration) {}
