package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"batchconvert/internal/models"
)

func openTestStore(t *testing.T, throttle, maxAge time.Duration) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), throttle, maxAge)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSnapshot() *models.Snapshot {
	return &models.Snapshot{
		ClientQueue: []models.Job{{
			ID:           "j1",
			File:         models.File{Name: "a.jpg", Size: 1024},
			OutputFormat: "png",
			Status:       models.StatusPending,
			Route:        models.RouteClient,
		}},
		Failed: []models.Job{{
			ID:     "j2",
			File:   models.File{Name: "b.mp4", Size: 2048},
			Status: models.StatusFailed,
			Error:  "conversion failed",
		}},
		Stats:   models.Stats{TotalFiles: 2, TotalSize: 3072},
		Network: models.NetworkSpeed{Upload: 1e6, Download: 2e6},
	}
}

func TestSmallTierRoundTrip(t *testing.T) {
	s := openTestStore(t, time.Millisecond, time.Hour)

	in := map[string]int{"a": 1, "b": 2}
	if err := s.PutSmall("testKey", in); err != nil {
		t.Fatalf("PutSmall: %v", err)
	}

	var out map[string]int
	if err := s.GetSmall("testKey", &out); err != nil {
		t.Fatalf("GetSmall: %v", err)
	}
	if out["a"] != 1 || out["b"] != 2 {
		t.Errorf("round trip mismatch: %v", out)
	}

	if err := s.DeleteSmall("testKey"); err != nil {
		t.Fatalf("DeleteSmall: %v", err)
	}
	if err := s.GetSmall("testKey", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSmall after delete: %v, want ErrNotFound", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t, time.Millisecond, time.Hour)

	if err := s.SaveStateNow(testSnapshot()); err != nil {
		t.Fatalf("SaveStateNow: %v", err)
	}

	loaded, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadState returned nil for fresh snapshot")
	}
	if len(loaded.ClientQueue) != 1 || loaded.ClientQueue[0].ID != "j1" {
		t.Errorf("client queue not restored: %+v", loaded.ClientQueue)
	}
	if len(loaded.Failed) != 1 || loaded.Failed[0].Error != "conversion failed" {
		t.Errorf("failed set not restored: %+v", loaded.Failed)
	}
	if loaded.Stats.TotalFiles != 2 {
		t.Errorf("stats not restored: %+v", loaded.Stats)
	}
	if loaded.Network.Upload != 1e6 {
		t.Errorf("network speed not restored: %+v", loaded.Network)
	}
}

func TestLoadStateMissingReturnsNil(t *testing.T) {
	s := openTestStore(t, time.Millisecond, time.Hour)
	snap, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if snap != nil {
		t.Errorf("expected nil snapshot, got %+v", snap)
	}
}

func TestStaleSnapshotDiscarded(t *testing.T) {
	s := openTestStore(t, time.Millisecond, 10*time.Millisecond)

	if err := s.SaveStateNow(testSnapshot()); err != nil {
		t.Fatalf("SaveStateNow: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	snap, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if snap != nil {
		t.Error("stale snapshot should be discarded")
	}

	// The stale snapshot must also be gone from disk.
	var raw models.Snapshot
	if err := s.GetSmall(stateKey, &raw); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale snapshot still on disk: %v", err)
	}
}

func TestThrottledSavesCoalesce(t *testing.T) {
	s := openTestStore(t, 30*time.Millisecond, time.Hour)

	first := testSnapshot()
	first.Stats.TotalFiles = 1
	second := testSnapshot()
	second.Stats.TotalFiles = 99

	s.SaveState(first)
	s.SaveState(second)

	// Nothing hits disk until the throttle window elapses.
	if snap, _ := s.LoadState(); snap != nil {
		t.Fatal("snapshot written before throttle window elapsed")
	}

	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("throttled write never flushed")
		case <-ticker.C:
		}
		snap, err := s.LoadState()
		if err != nil {
			t.Fatalf("LoadState: %v", err)
		}
		if snap != nil {
			if snap.Stats.TotalFiles != 99 {
				t.Fatalf("flushed snapshot is not the latest: %+v", snap.Stats)
			}
			return
		}
	}
}

func TestResultBlobRoundTrip(t *testing.T) {
	s := openTestStore(t, time.Millisecond, time.Hour)

	payload := []byte{0x00, 0x01, 0xFF, 0xFE, 0x7F}
	in := &models.Result{Data: payload, Filename: "converted_a.png", MIME: "image/png"}
	if err := s.SaveResult("j1", in); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	out, err := s.LoadResult("j1")
	if err != nil {
		t.Fatalf("LoadResult: %v", err)
	}
	if !bytes.Equal(out.Data, payload) {
		t.Errorf("payload mismatch: %v vs %v", out.Data, payload)
	}
	if out.Filename != "converted_a.png" || out.MIME != "image/png" {
		t.Errorf("metadata mismatch: %+v", out)
	}
}

func TestLoadResultMissing(t *testing.T) {
	s := openTestStore(t, time.Millisecond, time.Hour)
	if _, err := s.LoadResult("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadResult = %v, want ErrNotFound", err)
	}
}

func TestClearStateRemovesEverything(t *testing.T) {
	s := openTestStore(t, time.Millisecond, time.Hour)

	if err := s.SaveStateNow(testSnapshot()); err != nil {
		t.Fatalf("SaveStateNow: %v", err)
	}
	if err := s.SaveResult("j1", &models.Result{Data: []byte("x"), Filename: "a.png"}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	s.ClearState()

	if snap, _ := s.LoadState(); snap != nil {
		t.Error("snapshot survived ClearState")
	}
	if _, err := s.LoadResult("j1"); !errors.Is(err, ErrNotFound) {
		t.Error("result blob survived ClearState")
	}
}
