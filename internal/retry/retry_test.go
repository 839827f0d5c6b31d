package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"batchconvert/internal/models"
)

func newTestHandler(eligible bool) (*Handler, *[]time.Duration) {
	var slept []time.Duration
	h := NewHandler(func(models.File) bool { return eligible })
	h.Sleep = func(ctx context.Context, d time.Duration) {
		slept = append(slept, d)
	}
	return h, &slept
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		strategy   Backoff
		retryCount int
		want       time.Duration
	}{
		{BackoffExponential, 0, time.Second},
		{BackoffExponential, 1, 2 * time.Second},
		{BackoffExponential, 2, 4 * time.Second},
		{BackoffFixed, 0, 5 * time.Second},
		{BackoffFixed, 3, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := BackoffDelay(tt.strategy, tt.retryCount); got != tt.want {
			t.Errorf("BackoffDelay(%s, %d) = %s, want %s", tt.strategy, tt.retryCount, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed error wins", NewError(KindFileTooLarge, errors.New("whatever")), KindFileTooLarge},
		{"wrapped typed error", fmt.Errorf("outer: %w", NewError(KindNetwork, errors.New("inner"))), KindNetwork},
		{"connection refused", errors.New("dial tcp: connection refused"), KindNetwork},
		{"timeout", errors.New("request timeout exceeded"), KindNetwork},
		{"status 429", errors.New("upload rejected with status 429"), KindServerOverload},
		{"heap exhausted", errors.New("js heap out of bounds"), KindOutOfMemory},
		{"unsupported", errors.New("codec not supported"), KindUnsupportedFormat},
		{"too large", errors.New("payload too large"), KindFileTooLarge},
		{"opaque", errors.New("something odd happened"), KindConversionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestNetworkErrorsRetryWithExponentialBackoff(t *testing.T) {
	h, slept := newTestHandler(true)
	job := &models.Job{ID: "j1", File: models.File{Name: "a.jpg", Size: 1024}, Route: models.RouteServer}
	err := Errorf(KindNetwork, "connection reset")

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range wantDelays {
		d := h.Handle(context.Background(), job, err)
		if d.Outcome != OutcomeRetry {
			t.Fatalf("attempt %d: outcome = %v, want retry", i+1, d.Outcome)
		}
		if job.RetryCount != i+1 {
			t.Fatalf("attempt %d: retry count = %d, want %d", i+1, job.RetryCount, i+1)
		}
		if (*slept)[i] != want {
			t.Errorf("attempt %d: slept %s, want %s", i+1, (*slept)[i], want)
		}
	}

	// Fourth failure exhausts the budget. Network errors have no fallback.
	d := h.Handle(context.Background(), job, err)
	if d.Outcome != OutcomeTerminal {
		t.Fatalf("outcome after exhaustion = %v, want terminal", d.Outcome)
	}
	if len(*slept) != len(wantDelays) {
		t.Errorf("terminal verdict slept, delays = %v", *slept)
	}
}

func TestOverloadFallsBackToClient(t *testing.T) {
	h, slept := newTestHandler(true)
	job := &models.Job{File: models.File{Name: "a.jpg", Size: 1024}, Route: models.RouteServer}
	err := Errorf(KindServerOverload, "status 503")

	for i := 0; i < 2; i++ {
		if d := h.Handle(context.Background(), job, err); d.Outcome != OutcomeRetry {
			t.Fatalf("attempt %d: outcome = %v, want retry", i+1, d.Outcome)
		}
		if (*slept)[i] != 5*time.Second {
			t.Errorf("attempt %d: slept %s, want fixed 5s", i+1, (*slept)[i])
		}
	}

	d := h.Handle(context.Background(), job, err)
	if d.Outcome != OutcomeFallback {
		t.Fatalf("outcome = %v, want fallback", d.Outcome)
	}
	if d.Route != models.RouteClient {
		t.Errorf("fallback route = %s, want client", d.Route)
	}
}

func TestOverloadWithoutEligibilityIsTerminal(t *testing.T) {
	h, _ := newTestHandler(false)
	job := &models.Job{File: models.File{Name: "a.xyz", Size: 1024}, RetryCount: 2}

	d := h.Handle(context.Background(), job, Errorf(KindServerOverload, "status 503"))
	if d.Outcome != OutcomeTerminal {
		t.Fatalf("outcome = %v, want terminal", d.Outcome)
	}
	if d.Message == "" {
		t.Error("terminal decision missing message")
	}
}

func TestOutOfMemoryFallsBackToServer(t *testing.T) {
	h, _ := newTestHandler(true)

	small := &models.Job{File: models.File{Name: "a.mp4", Size: 1024}}
	d := h.Handle(context.Background(), small, Errorf(KindOutOfMemory, "heap exhausted"))
	if d.Outcome != OutcomeFallback || d.Route != models.RouteServer {
		t.Errorf("small file: outcome = %v route = %s, want server fallback", d.Outcome, d.Route)
	}

	huge := &models.Job{File: models.File{Name: "b.mp4", Size: ServerSizeLimit + 1}}
	d = h.Handle(context.Background(), huge, Errorf(KindOutOfMemory, "heap exhausted"))
	if d.Outcome != OutcomeTerminal {
		t.Errorf("oversized file: outcome = %v, want terminal", d.Outcome)
	}
}

func TestTerminalKindsNeverRetry(t *testing.T) {
	h, slept := newTestHandler(false)
	for _, kind := range []Kind{KindUnsupportedFormat, KindFileTooLarge} {
		job := &models.Job{File: models.File{Name: "a.xyz", Size: 1024}}
		d := h.Handle(context.Background(), job, Errorf(kind, "boom"))
		if d.Outcome != OutcomeTerminal {
			t.Errorf("%s: outcome = %v, want terminal", kind, d.Outcome)
		}
		if job.RetryCount != 0 {
			t.Errorf("%s: retry count = %d, want 0", kind, job.RetryCount)
		}
	}
	if len(*slept) != 0 {
		t.Errorf("terminal kinds slept: %v", *slept)
	}
}

func TestConversionFailedRetriesOnce(t *testing.T) {
	h, _ := newTestHandler(true)
	job := &models.Job{File: models.File{Name: "a.jpg", Size: 1024}}
	err := errors.New("encoder produced garbage")

	if d := h.Handle(context.Background(), job, err); d.Outcome != OutcomeRetry {
		t.Fatalf("first failure: outcome = %v, want retry", d.Outcome)
	}
	if d := h.Handle(context.Background(), job, err); d.Outcome != OutcomeTerminal {
		t.Fatalf("second failure: outcome = %v, want terminal", d.Outcome)
	}
}

func TestHandleTagsJobWithErrorKind(t *testing.T) {
	h, _ := newTestHandler(true)
	job := &models.Job{File: models.File{Name: "a.jpg", Size: 1024}}
	h.Handle(context.Background(), job, Errorf(KindNetwork, "reset"))
	if job.ErrorKind != string(KindNetwork) {
		t.Errorf("error kind = %q, want %q", job.ErrorKind, KindNetwork)
	}
}
