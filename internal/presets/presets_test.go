package presets

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

var errNotFound = errors.New("not found")

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

func TestSaveAndApply(t *testing.T) {
	m := New(nil)

	if err := m.Save("web images", "WEBP"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	format, err := m.Use("web images")
	if err != nil {
		t.Fatalf("Use: %v", err)
	}
	if format != "webp" {
		t.Errorf("format = %q, want lowercased webp", format)
	}

	p, err := m.Get("web images")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.UseCount != 1 {
		t.Errorf("use count = %d, want 1", p.UseCount)
	}
	if p.LastUsed.IsZero() {
		t.Error("last used not stamped")
	}
}

func TestSaveOverwriteKeepsUseCount(t *testing.T) {
	m := New(nil)
	m.Save("p", "png")
	m.Use("p")
	m.Use("p")

	if err := m.Save("p", "gif"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	p, _ := m.Get("p")
	if p.OutputFormat != "gif" {
		t.Errorf("format = %q, want gif", p.OutputFormat)
	}
	if p.UseCount != 2 {
		t.Errorf("use count = %d, overwrite must keep it", p.UseCount)
	}
}

func TestValidation(t *testing.T) {
	m := New(nil)
	if err := m.Save("", "png"); err == nil {
		t.Error("empty name accepted")
	}
	if err := m.Save("p", "  "); err == nil {
		t.Error("empty format accepted")
	}
	if _, err := m.Use("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Use(missing) = %v, want ErrNotFound", err)
	}
	if err := m.Delete("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	m := New(nil)
	m.Save("p", "png")
	if err := m.Delete("p"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get("p"); !errors.Is(err, ErrNotFound) {
		t.Error("preset still present after delete")
	}
}

func TestListOrderedByUsage(t *testing.T) {
	m := New(nil)
	m.Save("rare", "png")
	m.Save("popular", "webp")
	m.Use("popular")
	m.Use("popular")
	m.Use("rare")

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("list = %d entries, want 2", len(list))
	}
	if list[0].Name != "popular" {
		t.Errorf("first entry = %q, want most used", list[0].Name)
	}
}

func TestEvictionDropsLeastUsedQuarter(t *testing.T) {
	m := New(nil)
	for i := 0; i < maxPresets; i++ {
		name := fmt.Sprintf("p%02d", i)
		m.Save(name, "png")
		// Higher index, more usage. The low-usage presets get evicted.
		for u := 0; u < i; u++ {
			m.Use(name)
		}
	}

	if err := m.Save("newcomer", "gif"); err != nil {
		t.Fatalf("Save over cap: %v", err)
	}

	list := m.List()
	if len(list) != maxPresets-maxPresets/4+1 {
		t.Errorf("list = %d entries, want cap minus evicted quarter plus newcomer", len(list))
	}
	if _, err := m.Get("newcomer"); err != nil {
		t.Error("newcomer missing after eviction")
	}
	if _, err := m.Get("p00"); !errors.Is(err, ErrNotFound) {
		t.Error("least-used preset survived eviction")
	}
	if _, err := m.Get(fmt.Sprintf("p%02d", maxPresets-1)); err != nil {
		t.Error("most-used preset was evicted")
	}
}

func TestPresetsPersistAcrossRestarts(t *testing.T) {
	store := newMemStore()

	m := New(store)
	m.Save("p", "png")
	m.Use("p")

	reloaded := New(store)
	p, err := reloaded.Get("p")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if p.OutputFormat != "png" || p.UseCount != 1 {
		t.Errorf("reloaded preset = %+v", p)
	}
}
