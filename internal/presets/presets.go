// Package presets manages named output-format presets. Presets are a small
// bounded collection persisted through the key-value tier; when the cap is
// hit, the least-used quarter is evicted to make room.
package presets

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	storeKey   = "batchConversionPresets"
	maxPresets = 20
)

// ErrNotFound is returned when no preset exists under the given name.
var ErrNotFound = errors.New("presets: not found")

// SmallStore is the key-value slice of the persistence layer presets need.
type SmallStore interface {
	PutSmall(key string, v any) error
	GetSmall(key string, v any) error
}

// Preset is one saved output-format choice.
type Preset struct {
	Name         string    `json:"name"`
	OutputFormat string    `json:"outputFormat"`
	CreatedAt    time.Time `json:"createdAt"`
	UseCount     int       `json:"useCount"`
	LastUsed     time.Time `json:"lastUsed,omitempty"`
}

// Manager holds the preset collection.
type Manager struct {
	store SmallStore

	mu      sync.Mutex
	presets map[string]*Preset
}

// New builds a preset manager, loading persisted presets if any.
func New(store SmallStore) *Manager {
	m := &Manager{
		store:   store,
		presets: make(map[string]*Preset),
	}
	if store != nil {
		var saved []Preset
		if err := store.GetSmall(storeKey, &saved); err == nil {
			for i := range saved {
				p := saved[i]
				m.presets[p.Name] = &p
			}
		}
	}
	return m
}

// Save creates or overwrites a preset. Saving over an existing name keeps its
// use count.
func (m *Manager) Save(name, outputFormat string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("presets: empty name")
	}
	outputFormat = strings.ToLower(strings.TrimSpace(outputFormat))
	if outputFormat == "" {
		return errors.New("presets: empty output format")
	}

	m.mu.Lock()
	if existing, ok := m.presets[name]; ok {
		existing.OutputFormat = outputFormat
		m.mu.Unlock()
		return m.persist()
	}
	if len(m.presets) >= maxPresets {
		m.evictLeastUsedLocked()
	}
	m.presets[name] = &Preset{
		Name:         name,
		OutputFormat: outputFormat,
		CreatedAt:    time.Now(),
	}
	m.mu.Unlock()

	return m.persist()
}

// evictLeastUsedLocked drops the least-used quarter of the collection.
// Caller holds the lock.
func (m *Manager) evictLeastUsedLocked() {
	all := make([]*Preset, 0, len(m.presets))
	for _, p := range m.presets {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UseCount != all[j].UseCount {
			return all[i].UseCount < all[j].UseCount
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	evict := len(all) / 4
	if evict < 1 {
		evict = 1
	}
	for _, p := range all[:evict] {
		delete(m.presets, p.Name)
	}
	log.Printf("[PRESETS] Evicted %d least-used presets", evict)
}

// Delete removes a preset by name.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	if _, ok := m.presets[name]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.presets, name)
	m.mu.Unlock()

	return m.persist()
}

// Get returns a copy of the named preset.
func (m *Manager) Get(name string) (Preset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presets[name]
	if !ok {
		return Preset{}, ErrNotFound
	}
	return *p, nil
}

// List returns all presets, most used first.
func (m *Manager) List() []Preset {
	m.mu.Lock()
	out := make([]Preset, 0, len(m.presets))
	for _, p := range m.presets {
		out = append(out, *p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UseCount != out[j].UseCount {
			return out[i].UseCount > out[j].UseCount
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Use marks a preset as applied and returns its output format. The caller
// feeds the format into the manager's bulk format change.
func (m *Manager) Use(name string) (string, error) {
	m.mu.Lock()
	p, ok := m.presets[name]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	p.UseCount++
	p.LastUsed = time.Now()
	format := p.OutputFormat
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		return format, err
	}
	return format, nil
}

func (m *Manager) persist() error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	all := make([]Preset, 0, len(m.presets))
	for _, p := range m.presets {
		all = append(all, *p)
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return m.store.PutSmall(storeKey, all)
}
