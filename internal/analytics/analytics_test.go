package analytics

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"batchconvert/internal/models"
)

var errNotFound = errors.New("not found")

// memStore is an in-memory stand-in for the key-value tier.
type memStore struct {
	values map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string][]byte)}
}

func (s *memStore) PutSmall(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.values[key] = data
	return nil
}

func (s *memStore) GetSmall(key string, v any) error {
	data, ok := s.values[key]
	if !ok {
		return errNotFound
	}
	return json.Unmarshal(data, v)
}

func testJob(in, out string, route models.Route, estimated time.Duration) models.Job {
	return models.Job{
		ID:            "j1",
		File:          models.File{Name: "file." + in, Size: 1024},
		OutputFormat:  out,
		Route:         route,
		EstimatedTime: estimated,
	}
}

func TestFormatStatsAggregation(t *testing.T) {
	r := New(nil)

	r.JobCompleted(testJob("jpg", "png", models.RouteClient, time.Second), true, 2*time.Second)
	r.JobCompleted(testJob("jpg", "png", models.RouteClient, time.Second), true, 4*time.Second)
	r.JobCompleted(testJob("jpg", "png", models.RouteClient, time.Second), false, 0)

	summary := r.Summary()
	fs := summary.Formats["jpg->png"]
	if fs == nil {
		t.Fatal("no stats for jpg->png")
	}
	if fs.Count != 3 || fs.Success != 2 || fs.Failed != 1 {
		t.Errorf("counts = %d/%d/%d, want 3/2/1", fs.Count, fs.Success, fs.Failed)
	}
	if fs.AvgTimeMS != 3000 {
		t.Errorf("avg time = %dms, want 3000", fs.AvgTimeMS)
	}
	if fs.SuccessRate < 0.66 || fs.SuccessRate > 0.67 {
		t.Errorf("success rate = %f, want 2/3", fs.SuccessRate)
	}
}

func TestRouteAccuracyTracksSuccessesOnly(t *testing.T) {
	r := New(nil)

	r.JobCompleted(testJob("jpg", "png", models.RouteClient, time.Second), true, 2*time.Second)
	r.JobCompleted(testJob("jpg", "png", models.RouteClient, time.Second), false, 10*time.Second)

	rs := r.Summary().Routes[models.RouteClient]
	if rs == nil {
		t.Fatal("no route stats recorded")
	}
	if rs.Count != 1 {
		t.Errorf("route samples = %d, failures must not count", rs.Count)
	}
	if acc := rs.Accuracy(); acc != 0.5 {
		t.Errorf("accuracy = %f, want 0.5 for 1s estimate vs 2s actual", acc)
	}
}

func TestSessionWindowIsBounded(t *testing.T) {
	r := New(nil)
	for i := 0; i < maxSessions+5; i++ {
		r.BatchCompleted(models.Stats{
			TotalFiles: i,
			StartTime:  time.Now().Add(-time.Minute),
			EndTime:    time.Now(),
		})
	}

	sessions := r.Summary().Sessions
	if len(sessions) != maxSessions {
		t.Fatalf("sessions = %d, want capped at %d", len(sessions), maxSessions)
	}
	// The oldest records are the ones dropped.
	if sessions[len(sessions)-1].TotalFiles != maxSessions+4 {
		t.Errorf("newest session lost: %+v", sessions[len(sessions)-1])
	}
}

func TestAggregatesPersistAcrossRestarts(t *testing.T) {
	store := newMemStore()

	r := New(store)
	r.JobCompleted(testJob("mp4", "webm", models.RouteServer, time.Second), true, time.Second)
	r.BatchCompleted(models.Stats{
		TotalFiles:     1,
		CompletedFiles: 1,
		StartTime:      time.Now().Add(-time.Second),
		EndTime:        time.Now(),
	})

	reloaded := New(store)
	summary := reloaded.Summary()
	if summary.Formats["mp4->webm"] == nil {
		t.Error("format stats lost across restart")
	}
	if len(summary.Sessions) != 1 {
		t.Errorf("sessions = %d, want 1 restored", len(summary.Sessions))
	}
}
