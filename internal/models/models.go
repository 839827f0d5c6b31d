package models

import (
	"strings"
	"time"
)

// Route is the execution venue chosen for a job.
type Route string

const (
	RouteClient Route = "client"
	RouteServer Route = "server"
)

// Status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Category is the coarse media category used for routing estimates.
type Category string

const (
	CategoryImage   Category = "image"
	CategoryVideo   Category = "video"
	CategoryAudio   Category = "audio"
	CategoryUnknown Category = "unknown"
)

// File describes one source file queued for conversion. Fields are fixed at
// submission time.
type File struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	MIME         string    `json:"type"`
	LastModified time.Time `json:"lastModified"`
	Path         string    `json:"path,omitempty"`
}

// Result is the output of a finished conversion.
type Result struct {
	Data     []byte `json:"-"`
	Filename string `json:"filename"`
	MIME     string `json:"mimeType"`
}

// Job represents one file's conversion request and its lifecycle state.
// Collection membership (queue/active/completed/failed) is owned by the
// manager; a job lives in exactly one collection at a time.
type Job struct {
	ID           string `json:"id"`
	File         File   `json:"file"`
	OutputFormat string `json:"outputFormat"`

	Status        string        `json:"status"`
	Progress      int           `json:"progress"`
	Route         Route         `json:"route,omitempty"`
	RetryCount    int           `json:"retryCount"`
	Error         string        `json:"error,omitempty"`
	ErrorKind     string        `json:"errorKind,omitempty"`
	EstimatedTime time.Duration `json:"estimatedTime"`

	// Measured transfer timings, server route only.
	UploadTime   time.Duration `json:"uploadTime,omitempty"`
	DownloadTime time.Duration `json:"downloadTime,omitempty"`

	Result *Result `json:"-"`
}

// InputFormat returns the lowercased extension of the source file name.
func (j *Job) InputFormat() string {
	return Extension(j.File.Name)
}

// Extension returns the lowercased extension of name without the dot.
func Extension(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}

// Stats holds aggregate counters for one batch run.
type Stats struct {
	TotalFiles     int       `json:"totalFiles"`
	TotalSize      int64     `json:"totalSize"`
	CompletedFiles int       `json:"completedFiles"`
	CompletedSize  int64     `json:"completedSize"`
	FailedFiles    int       `json:"failedFiles"`
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime"`
}

// NetworkSpeed is the persisted throughput estimate in bytes per second.
type NetworkSpeed struct {
	Upload   float64 `json:"upload"`
	Download float64 `json:"download"`
}

// CompletedRef points at a completed job whose result payload lives in the
// blob tier of the store, keyed by job id.
type CompletedRef struct {
	ID           string `json:"id"`
	Filename     string `json:"fileName"`
	OutputFormat string `json:"outputFormat"`
}

// SnapshotVersion is bumped when the snapshot schema changes incompatibly.
const SnapshotVersion = 1

// Snapshot is the serializable projection of manager state written to the
// store. Result payloads are excluded; completed jobs are referenced by id.
type Snapshot struct {
	Version     int            `json:"version"`
	Timestamp   time.Time      `json:"timestamp"`
	Queue       []Job          `json:"queue"`
	ClientQueue []Job          `json:"clientQueue"`
	ServerQueue []Job          `json:"serverQueue"`
	Active      []Job          `json:"active"`
	Failed      []Job          `json:"failed"`
	Completed   []CompletedRef `json:"completed"`
	Stats       Stats          `json:"stats"`
	Network     NetworkSpeed   `json:"networkSpeed"`
}

// PendingCount reports how many restorable (not yet finished) jobs a
// snapshot holds.
func (s *Snapshot) PendingCount() int {
	return len(s.Queue) + len(s.ClientQueue) + len(s.ServerQueue) + len(s.Active) + len(s.Failed)
}
