package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"batchconvert/internal/models"
	"batchconvert/internal/ratelimit"
)

// Converter performs the actual transcode on the server side. The reference
// implementation is a pass-through; production deployments plug in a real
// codec pipeline.
type Converter func(ctx context.Context, input []byte, inputName, outputFormat string, report func(int)) ([]byte, error)

// PassthroughConverter copies the input bytes unchanged, reporting staged
// progress. Used by tests and local development runs.
func PassthroughConverter(ctx context.Context, input []byte, inputName, outputFormat string, report func(int)) ([]byte, error) {
	for _, p := range []int{25, 50, 75, 100} {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		report(p)
	}
	out := make([]byte, len(input))
	copy(out, input)
	return out, nil
}

type serverJob struct {
	id           string
	inputName    string
	outputFormat string
	status       string
	progress     int
	errMsg       string
	data         []byte
	createdAt    time.Time
}

// Server is a reference implementation of the conversion endpoint contract.
type Server struct {
	convert Converter
	limiter *ratelimit.RateLimiter

	mu   sync.Mutex
	jobs map[string]*serverJob
}

// NewServer creates a reference conversion server. A nil converter defaults
// to PassthroughConverter.
func NewServer(convert Converter, maxUploadsPerMinute int) *Server {
	if convert == nil {
		convert = PassthroughConverter
	}
	return &Server{
		convert: convert,
		limiter: ratelimit.New(maxUploadsPerMinute),
		jobs:    make(map[string]*serverJob),
	}
}

// Router returns the endpoint routes: POST /convert, GET /progress/{jobID},
// GET /download/{jobID}, GET /queue-status.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/convert", s.handleConvert)
	r.Get("/progress/{jobID}", s.handleProgress)
	r.Get("/download/{jobID}", s.handleDownload)
	r.Get("/queue-status", s.handleQueueStatus)
	return r
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	clientKey, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientKey = r.RemoteAddr
	}
	if !s.limiter.Allow(clientKey) {
		log.Printf("[RATE_LIMIT] Client %s exceeded upload limit", clientKey)
		http.Error(w, "Too many uploads", http.StatusTooManyRequests)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	outputFormat := r.FormValue("outputFormat")
	if outputFormat == "" {
		http.Error(w, "outputFormat is required", http.StatusBadRequest)
		return
	}

	input, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read upload", http.StatusInternalServerError)
		return
	}

	job := &serverJob{
		id:           uuid.NewString(),
		inputName:    header.Filename,
		outputFormat: outputFormat,
		status:       models.StatusPending,
		createdAt:    time.Now(),
	}

	s.mu.Lock()
	s.jobs[job.id] = job
	s.mu.Unlock()

	go s.runJob(job, input)

	log.Printf("[CONVERT] JobID=%s File=%s Format=%s Size=%d", job.id, job.inputName, outputFormat, len(input))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(uploadResponse{JobID: job.id})
}

func (s *Server) runJob(job *serverJob, input []byte) {
	report := func(p int) {
		s.mu.Lock()
		job.progress = p
		s.mu.Unlock()
	}

	output, err := s.convert(context.Background(), input, job.inputName, job.outputFormat, report)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		job.status = models.StatusFailed
		job.errMsg = err.Error()
		log.Printf("[CONVERT] JobID=%s failed: %v", job.id, err)
		return
	}
	job.status = models.StatusCompleted
	job.progress = 100
	job.data = output
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(chi.URLParam(r, "jobID"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	out := progressResponse{
		Status:   job.status,
		Progress: job.progress,
		Error:    job.errMsg,
	}
	if job.status == models.StatusCompleted {
		out.Filename = convertedName(job.inputName, job.outputFormat)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(chi.URLParam(r, "jobID"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	status, data := job.status, job.data
	s.mu.Unlock()

	if status != models.StatusCompleted {
		http.Error(w, "job not completed", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	count := len(s.jobs)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "jobs": count})
}

func (s *Server) lookup(id string) (*serverJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

func convertedName(inputName, outputFormat string) string {
	base := inputName
	if ext := models.Extension(inputName); ext != "" {
		base = inputName[:len(inputName)-len(ext)-1]
	}
	return fmt.Sprintf("%s.%s", base, outputFormat)
}
