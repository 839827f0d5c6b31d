// Package retry classifies conversion errors into a fixed taxonomy and
// decides what happens next: retry with backoff, fall back to the other lane,
// or fail the job. Collaborators should return typed *Error values; message
// pattern matching exists only for opaque errors from third-party code and is
// a known source of misclassification.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"batchconvert/internal/models"
)

// Kind identifies one entry in the error taxonomy.
type Kind string

const (
	KindNetwork           Kind = "network"
	KindServerOverload    Kind = "server_overload"
	KindConversionFailed  Kind = "conversion_failed"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindFileTooLarge      Kind = "file_too_large"
	KindOutOfMemory       Kind = "out_of_memory"
)

// Backoff selects the delay strategy between retries.
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffFixed       Backoff = "fixed"
)

const fixedDelay = 5 * time.Second

// ServerSizeLimit is the largest file accepted when falling back to the
// server lane.
const ServerSizeLimit = 2500 * 1024 * 1024

type rule struct {
	retryable  bool
	maxRetries int
	backoff    Backoff
	fallback   models.Route
	message    string
}

var rules = map[Kind]rule{
	KindNetwork: {
		retryable:  true,
		maxRetries: 3,
		backoff:    BackoffExponential,
		message:    "network error while transferring file",
	},
	KindServerOverload: {
		retryable:  true,
		maxRetries: 2,
		backoff:    BackoffFixed,
		fallback:   models.RouteClient,
		message:    "conversion server overloaded",
	},
	KindConversionFailed: {
		retryable:  true,
		maxRetries: 1,
		backoff:    BackoffFixed,
		message:    "conversion failed",
	},
	KindUnsupportedFormat: {
		retryable: false,
		message:   "unsupported file format",
	},
	KindFileTooLarge: {
		retryable: false,
		message:   "file too large (max 2.5GB)",
	},
	KindOutOfMemory: {
		retryable: false,
		fallback:  models.RouteServer,
		message:   "local engine out of memory",
	},
}

// Error is a conversion failure carrying an explicit taxonomy tag.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with an explicit kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a tagged error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify resolves an error to its taxonomy kind. Typed errors win; anything
// else goes through best-effort substring matching on the message.
func Classify(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		if _, ok := rules[tagged.Kind]; ok {
			return tagged.Kind
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "network", "connection refused", "connection reset", "no such host", "timeout", "unexpected eof"):
		return KindNetwork
	case containsAny(msg, "503", "429", "overload", "too many requests"):
		return KindServerOverload
	case containsAny(msg, "memory", "heap", "oom"):
		return KindOutOfMemory
	case containsAny(msg, "unsupported", "not supported"):
		return KindUnsupportedFormat
	case containsAny(msg, "too large", "exceeds"):
		return KindFileTooLarge
	}
	return KindConversionFailed
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Outcome is the three-way disposition of a handled error.
type Outcome int

const (
	OutcomeRetry Outcome = iota
	OutcomeFallback
	OutcomeTerminal
)

// Decision is the verdict for one failed attempt. Retry and fallback are
// mutually exclusive outcomes of a single evaluation.
type Decision struct {
	Outcome Outcome
	Kind    Kind
	Route   models.Route // fallback target, set when Outcome == OutcomeFallback
	Message string       // human-readable failure reason for terminal outcomes
}

// Handler applies the retry/backoff/fallback policy.
type Handler struct {
	// ClientEligible gates fallback onto the client lane. Wired to the
	// router's local-eligibility predicate so the two checks never diverge.
	ClientEligible func(models.File) bool

	// Sleep waits out backoff delays. Replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration)
}

// NewHandler builds a handler using the given client-eligibility predicate.
func NewHandler(clientEligible func(models.File) bool) *Handler {
	return &Handler{
		ClientEligible: clientEligible,
		Sleep:          sleepCtx,
	}
}

// Handle evaluates one failure. On a retry verdict it has already slept the
// backoff delay (the only suspension point in the error path) and incremented
// the job's retry counter.
func (h *Handler) Handle(ctx context.Context, job *models.Job, err error) Decision {
	kind := Classify(err)
	cfg := rules[kind]
	job.ErrorKind = string(kind)

	if !cfg.retryable {
		return h.fallbackOrTerminal(job, kind, cfg, cfg.message)
	}

	if job.RetryCount >= cfg.maxRetries {
		return h.fallbackOrTerminal(job, kind, cfg, cfg.message+" (max retries exceeded)")
	}

	delay := BackoffDelay(cfg.backoff, job.RetryCount)
	h.Sleep(ctx, delay)
	job.RetryCount++
	return Decision{Outcome: OutcomeRetry, Kind: kind}
}

func (h *Handler) fallbackOrTerminal(job *models.Job, kind Kind, cfg rule, message string) Decision {
	switch cfg.fallback {
	case models.RouteClient:
		if h.ClientEligible != nil && h.ClientEligible(job.File) {
			return Decision{Outcome: OutcomeFallback, Kind: kind, Route: models.RouteClient}
		}
	case models.RouteServer:
		if job.File.Size <= ServerSizeLimit {
			return Decision{Outcome: OutcomeFallback, Kind: kind, Route: models.RouteServer}
		}
	}
	return Decision{Outcome: OutcomeTerminal, Kind: kind, Message: message}
}

// BackoffDelay computes the delay before retry attempt retryCount+1.
// Exponential doubles from one second; fixed is a constant five seconds.
func BackoffDelay(strategy Backoff, retryCount int) time.Duration {
	if strategy == BackoffExponential {
		return time.Duration(math.Pow(2, float64(retryCount))) * time.Second
	}
	return fixedDelay
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
