// Package remote speaks the conversion endpoint contract: multipart upload,
// progress polling, result download, and a liveness probe. It also ships a
// reference server implementing the same contract for tests and local runs.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"batchconvert/internal/models"
	"batchconvert/internal/retry"
)

// Client talks to a remote conversion endpoint.
type Client struct {
	BaseURL      string
	HTTP         *http.Client
	PollInterval time.Duration
}

// NewClient builds a client for the endpoint at baseURL, polling progress at
// the given interval.
func NewClient(baseURL string, pollInterval time.Duration) *Client {
	return &Client{
		BaseURL:      baseURL,
		HTTP:         &http.Client{},
		PollInterval: pollInterval,
	}
}

type uploadResponse struct {
	JobID string `json:"jobId"`
}

type progressResponse struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Convert runs the full remote lifecycle for one job: upload, poll until a
// terminal status, download. Upload and download durations are recorded on
// the job for the network speed estimate.
func (c *Client) Convert(ctx context.Context, job *models.Job, onProgress func(int)) (*models.Result, error) {
	jobID, err := c.upload(ctx, job)
	if err != nil {
		return nil, err
	}

	filename, err := c.pollProgress(ctx, jobID, onProgress)
	if err != nil {
		return nil, err
	}

	result, err := c.download(ctx, job, jobID)
	if err != nil {
		return nil, err
	}
	if filename != "" {
		result.Filename = filename
	}
	return result, nil
}

func (c *Client) upload(ctx context.Context, job *models.Job) (string, error) {
	src, err := os.Open(job.File.Path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", job.File.Name, err)
	}
	defer src.Close()

	// The multipart body is streamed through a pipe rather than buffered.
	// Server-routed files run to gigabytes and several uploads fly at once,
	// so the whole payload must never sit in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", job.File.Name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, src); err != nil {
			pw.CloseWithError(fmt.Errorf("reading %s: %w", job.File.Name, err))
			return
		}
		if err := mw.WriteField("outputFormat", job.OutputFormat); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/convert", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	uploadStart := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", retry.Errorf(retry.KindNetwork, "uploading %s: %w", job.File.Name, err)
	}
	defer resp.Body.Close()
	job.UploadTime = time.Since(uploadStart)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", statusError(resp.StatusCode, "upload")
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("upload response missing job id")
	}
	return out.JobID, nil
}

// pollProgress polls the status endpoint until the remote job finishes. There
// is deliberately no per-job timeout here: stuck remote jobs are recovered by
// the connectivity monitor, not a poll deadline.
func (c *Client) pollProgress(ctx context.Context, jobID string, onProgress func(int)) (string, error) {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/progress/"+jobID, nil)
		if err != nil {
			return "", err
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return "", retry.Errorf(retry.KindNetwork, "polling job %s: %w", jobID, err)
		}

		var status progressResponse
		err = json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("decoding progress response: %w", err)
		}

		if onProgress != nil {
			onProgress(status.Progress)
		}

		switch status.Status {
		case models.StatusCompleted:
			return status.Filename, nil
		case models.StatusFailed:
			if status.Error == "" {
				status.Error = "server conversion failed"
			}
			return "", fmt.Errorf("%s", status.Error)
		}
	}
}

func (c *Client) download(ctx context.Context, job *models.Job, jobID string) (*models.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/download/"+jobID, nil)
	if err != nil {
		return nil, err
	}

	downloadStart := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, retry.Errorf(retry.KindNetwork, "downloading job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, "download")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Errorf(retry.KindNetwork, "downloading job %s: %w", jobID, err)
	}
	job.DownloadTime = time.Since(downloadStart)

	return &models.Result{
		Data:     data,
		Filename: "converted_" + job.File.Name,
		MIME:     resp.Header.Get("Content-Type"),
	}, nil
}

// Ping probes the liveness endpoint. Callers bound it with a context timeout
// and treat any error as "unreachable".
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/queue-status", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("queue-status returned %d", resp.StatusCode)
	}
	return nil
}

func statusError(code int, op string) error {
	switch code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return retry.Errorf(retry.KindServerOverload, "%s rejected with status %d", op, code)
	case http.StatusRequestEntityTooLarge:
		return retry.Errorf(retry.KindFileTooLarge, "%s rejected with status %d", op, code)
	case http.StatusUnsupportedMediaType:
		return retry.Errorf(retry.KindUnsupportedFormat, "%s rejected with status %d", op, code)
	}
	return fmt.Errorf("server error: %s returned status %d", op, code)
}
