// Package engine is the local conversion engine behind the client lane. The
// reference engine is a pass-through transcoder: it streams the source file
// through an in-memory buffer and rewrites the container name. Production
// deployments swap in a real codec pipeline behind the same interface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"batchconvert/internal/models"
	"batchconvert/internal/retry"
	"batchconvert/internal/router"
)

const chunkSize = 4 * 1024 * 1024

// Engine converts files in-process. One conversion runs at a time; the lane
// guarantees that, the engine does not.
type Engine struct {
	// Delay per chunk, used by tests to simulate slow conversions.
	ChunkDelay time.Duration

	mu  sync.Mutex
	buf []byte
}

// New returns a cold engine. The first conversion pays the warm-up cost.
func New() *Engine {
	return &Engine{}
}

// Convert runs one conversion. Unsupported inputs and files over the local
// size limit are rejected with taxonomy errors so the retry policy can route
// them correctly.
func (e *Engine) Convert(ctx context.Context, file models.File, outputFormat string, onProgress func(int)) (*models.Result, error) {
	if !router.CanConvertLocally(file) {
		return nil, retry.Errorf(retry.KindUnsupportedFormat, "cannot convert %s locally", file.Name)
	}
	if !router.CompatibleFormats(models.Extension(file.Name), outputFormat) {
		return nil, retry.Errorf(retry.KindUnsupportedFormat, "%s cannot produce %s", file.Name, outputFormat)
	}

	src, err := os.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", file.Name, err)
	}
	defer src.Close()

	e.mu.Lock()
	e.buf = e.buf[:0]
	e.mu.Unlock()

	var total int64
	chunk := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, readErr := src.Read(chunk)
		if n > 0 {
			e.mu.Lock()
			e.buf = append(e.buf, chunk[:n]...)
			e.mu.Unlock()
			total += int64(n)
			if file.Size > 0 && onProgress != nil {
				onProgress(int(total * 100 / file.Size))
			}
			if e.ChunkDelay > 0 {
				time.Sleep(e.ChunkDelay)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("reading %s: %w", file.Name, readErr)
		}
	}

	if onProgress != nil {
		onProgress(100)
	}

	e.mu.Lock()
	data := make([]byte, len(e.buf))
	copy(data, e.buf)
	e.mu.Unlock()

	return &models.Result{
		Data:     data,
		Filename: convertedName(file.Name, outputFormat),
	}, nil
}

// Cleanup releases the conversion buffer. The lane calls this between jobs.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	released := len(e.buf)
	e.buf = nil
	e.mu.Unlock()
	if released > 0 {
		log.Printf("[ENGINE] Released %d byte working buffer", released)
	}
}

func convertedName(name, outputFormat string) string {
	base := name
	if ext := models.Extension(name); ext != "" {
		base = name[:len(name)-len(ext)-1]
	}
	return base + "." + outputFormat
}
