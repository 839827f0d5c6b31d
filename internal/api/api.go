// Package api exposes the batch orchestrator over HTTP: batch submission,
// pause/resume/cancel, bulk format change, result downloads, presets, and
// analytics. The live progress feed goes out over the websocket hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"batchconvert/internal/analytics"
	"batchconvert/internal/manager"
	"batchconvert/internal/models"
	"batchconvert/internal/presets"
	"batchconvert/internal/storage"
	"batchconvert/internal/websocket"
)

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RecoveryStatus is the slice of the connectivity monitor the API surfaces.
// *recovery.Monitor implements it.
type RecoveryStatus interface {
	Online() bool
	InterruptedJobIDs() []string
}

// Handler wires the orchestrator into HTTP routes.
type Handler struct {
	Manager   *manager.Manager
	Analytics *analytics.Recorder
	Presets   *presets.Manager
	Hub       *websocket.Manager
	Recovery  RecoveryStatus
	UploadDir string
}

// Routes returns the API route tree.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/batches", h.handleSubmit)
	r.Get("/status", h.handleStatus)
	r.Post("/pause", h.handlePause)
	r.Post("/resume", h.handleResume)
	r.Post("/cancel", h.handleCancel)
	r.Post("/retry", h.handleRetry)
	r.Post("/format", h.handleBulkFormat)
	r.Get("/results/{jobID}", h.handleResult)
	r.Get("/analytics", h.handleAnalytics)
	r.Get("/recovery", h.handleRecovery)

	r.Get("/presets", h.handleListPresets)
	r.Post("/presets", h.handleSavePreset)
	r.Delete("/presets/{name}", h.handleDeletePreset)
	r.Post("/presets/{name}/apply", h.handleApplyPreset)

	r.Get("/ws", h.handleWebsocket)

	return r
}

// handleSubmit accepts a multipart batch: one or more "files" parts plus an
// "outputFormat" field (or per-file "outputFormats"). Uploads are spooled to
// disk and the batch runs asynchronously.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}

	parts := r.MultipartForm.File["files"]
	if len(parts) == 0 {
		http.Error(w, "no files submitted", http.StatusBadRequest)
		return
	}
	if err := validateBatch(parts); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	formats := r.MultipartForm.Value["outputFormats"]
	if len(formats) == 0 {
		if f := r.FormValue("outputFormat"); f != "" {
			formats = []string{f}
		}
	}
	if len(formats) == 0 {
		http.Error(w, "outputFormat is required", http.StatusBadRequest)
		return
	}

	batchDir := filepath.Join(h.UploadDir, uuid.NewString())
	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		http.Error(w, "failed to spool uploads", http.StatusInternalServerError)
		return
	}

	files := make([]models.File, 0, len(parts))
	for i, part := range parts {
		// Spool names carry the part index so duplicate upload names cannot
		// clobber each other on disk.
		path := filepath.Join(batchDir, fmt.Sprintf("%03d_%s", i, filepath.Base(part.Filename)))
		if err := spoolUpload(part, path); err != nil {
			http.Error(w, fmt.Sprintf("failed to spool %s", part.Filename), http.StatusInternalServerError)
			return
		}
		files = append(files, models.File{
			Name:         part.Filename,
			Size:         part.Size,
			MIME:         part.Header.Get("Content-Type"),
			LastModified: time.Now(),
			Path:         path,
		})
	}

	// The batch outlives the request; it runs on its own context.
	go func() {
		if err := h.Manager.Convert(context.Background(), files, formats); err != nil {
			log.Printf("[API] Batch rejected: %v", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"files":  len(files),
		"status": "accepted",
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Manager.Snapshot())
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.Manager.Pause()
	h.Hub.Broadcast()
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.Manager.Resume()
	h.Hub.Broadcast()
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.Manager.Cancel()
	h.Hub.Broadcast()
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	requeued := h.Manager.RetryFailed()
	h.Manager.ProcessQueues()
	writeJSON(w, http.StatusOK, map[string]any{"requeued": requeued})
}

func (h *Handler) handleBulkFormat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Format string `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Format == "" {
		http.Error(w, "format is required", http.StatusBadRequest)
		return
	}
	changed := h.Manager.BulkChangeFormat(req.Format)
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	result, err := h.Manager.Result(jobID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("[API] Loading result %s: %v", jobID, err)
		}
		http.Error(w, "result not found", http.StatusNotFound)
		return
	}

	mime := result.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Write(result.Data)
}

func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Analytics.Summary())
}

// handleRecovery reports endpoint reachability plus the jobs interrupted by
// the current outage, so a client can show a recovery prompt while offline.
func (h *Handler) handleRecovery(w http.ResponseWriter, r *http.Request) {
	if h.Recovery == nil {
		writeJSON(w, http.StatusOK, map[string]any{"online": true, "interruptedJobs": []string{}})
		return
	}
	interrupted := h.Recovery.InterruptedJobIDs()
	if interrupted == nil {
		interrupted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"online":          h.Recovery.Online(),
		"interruptedJobs": interrupted,
	})
}

func (h *Handler) handleListPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Presets.List())
}

func (h *Handler) handleSavePreset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Format string `json:"outputFormat"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid preset body", http.StatusBadRequest)
		return
	}
	if err := h.Presets.Save(req.Name, req.Format); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"saved": req.Name})
}

func (h *Handler) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.Presets.Delete(name); err != nil {
		http.Error(w, "preset not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": name})
}

// handleApplyPreset resolves the preset and pushes its format onto every
// compatible pending job.
func (h *Handler) handleApplyPreset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	format, err := h.Presets.Use(name)
	if err != nil {
		http.Error(w, "preset not found", http.StatusNotFound)
		return
	}
	changed := h.Manager.BulkChangeFormat(format)
	writeJSON(w, http.StatusOK, map[string]any{"format": format, "changed": changed})
}

func (h *Handler) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] Websocket upgrade failed: %v", err)
		return
	}
	h.Hub.AddClient(conn)
}

// validateBatch applies the submission limits before anything is spooled, so
// an oversized batch is rejected outright and no job ever starts.
func validateBatch(parts []*multipart.FileHeader) error {
	if len(parts) > manager.MaxBatchFiles {
		return fmt.Errorf("batch exceeds %d files", manager.MaxBatchFiles)
	}
	var total int64
	for _, part := range parts {
		total += part.Size
	}
	if total > manager.MaxBatchBytes {
		return fmt.Errorf("batch exceeds %d bytes total", int64(manager.MaxBatchBytes))
	}
	return nil
}

func spoolUpload(part *multipart.FileHeader, path string) error {
	src, err := part.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
