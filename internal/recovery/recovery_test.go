package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeOrchestrator struct {
	mu        sync.Mutex
	paused    bool
	resumed   bool
	requeued  bool
	processed bool
	activeIDs []string
}

func (f *fakeOrchestrator) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *fakeOrchestrator) Resume() {
	f.mu.Lock()
	f.resumed = true
	f.mu.Unlock()
}

func (f *fakeOrchestrator) ActiveServerJobIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeIDs
}

func (f *fakeOrchestrator) RetryNetworkFailures() int {
	f.mu.Lock()
	f.requeued = true
	f.mu.Unlock()
	return len(f.activeIDs)
}

func (f *fakeOrchestrator) ProcessQueues() {
	f.mu.Lock()
	f.processed = true
	f.mu.Unlock()
}

type fakePinger struct {
	mu  sync.Mutex
	err error
}

func (f *fakePinger) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakePinger) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestOfflineSignalPausesOrchestrator(t *testing.T) {
	orch := &fakeOrchestrator{activeIDs: []string{"j1", "j2"}}
	pinger := &fakePinger{}
	m := New(pinger, orch, time.Hour, time.Second)

	m.SetOnline(context.Background(), false)

	if m.Online() {
		t.Fatal("monitor still reports online")
	}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	if !orch.paused {
		t.Error("orchestrator was not paused on offline")
	}
	if orch.resumed || orch.requeued || orch.processed {
		t.Error("recovery actions ran while offline")
	}
}

func TestOnlineSignalIsVerifiedBeforeResuming(t *testing.T) {
	orch := &fakeOrchestrator{}
	pinger := &fakePinger{err: errors.New("still unreachable")}
	m := New(pinger, orch, time.Hour, time.Second)

	m.SetOnline(context.Background(), false)
	// The link-up signal arrives but the endpoint does not answer yet.
	m.SetOnline(context.Background(), true)

	if m.Online() {
		t.Fatal("unverified online signal was trusted")
	}
	orch.mu.Lock()
	resumed := orch.resumed
	orch.mu.Unlock()
	if resumed {
		t.Error("orchestrator resumed without a successful probe")
	}
}

func TestRecoveryResumesAndRequeues(t *testing.T) {
	orch := &fakeOrchestrator{activeIDs: []string{"j1"}}
	pinger := &fakePinger{}
	m := New(pinger, orch, time.Hour, time.Second)

	pinger.setErr(errors.New("down"))
	m.SetOnline(context.Background(), false)
	pinger.setErr(nil)
	m.SetOnline(context.Background(), true)

	if !m.Online() {
		t.Fatal("monitor did not come back online")
	}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	if !orch.resumed {
		t.Error("orchestrator was not resumed")
	}
	if !orch.requeued {
		t.Error("connectivity failures were not requeued")
	}
	if !orch.processed {
		t.Error("queue drain was not restarted")
	}
}

func TestInterruptedJobsTrackedAcrossOutage(t *testing.T) {
	orch := &fakeOrchestrator{activeIDs: []string{"j1", "j2"}}
	pinger := &fakePinger{}
	m := New(pinger, orch, time.Hour, time.Second)

	m.SetOnline(context.Background(), false)
	ids := m.InterruptedJobIDs()
	if len(ids) != 2 || ids[0] != "j1" || ids[1] != "j2" {
		t.Fatalf("interrupted jobs during outage = %v, want [j1 j2]", ids)
	}

	m.SetOnline(context.Background(), true)
	if ids := m.InterruptedJobIDs(); len(ids) != 0 {
		t.Errorf("interrupted jobs after recovery = %v, want none", ids)
	}
}

func TestRunProbesPeriodically(t *testing.T) {
	orch := &fakeOrchestrator{}
	pinger := &fakePinger{err: errors.New("down")}
	m := New(pinger, orch, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for m.Online() {
		select {
		case <-deadline:
			t.Fatal("failing probes never flipped the monitor offline")
		case <-ticker.C:
		}
	}

	pinger.setErr(nil)
	for !m.Online() {
		select {
		case <-deadline:
			t.Fatal("healthy probes never flipped the monitor online")
		case <-ticker.C:
		}
	}
}

func TestDuplicateTransitionsAreIgnored(t *testing.T) {
	orch := &fakeOrchestrator{}
	pinger := &fakePinger{}
	m := New(pinger, orch, time.Hour, time.Second)

	// Already online; a verified online signal must not re-run recovery.
	m.SetOnline(context.Background(), true)

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if orch.resumed || orch.requeued || orch.processed {
		t.Error("recovery ran without an offline period")
	}
}
