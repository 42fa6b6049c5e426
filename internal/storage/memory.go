// Package storage contains the in-memory image metadata store used by the
// single-binary server.
package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/dharsanguruparan/GalleryDrop/internal/model"
)

var (
	// ErrNotFound is returned when no image has the requested id.
	ErrNotFound = errors.New("image not found")
)

// MemoryStore keeps image records guarded by an RWMutex. Records are also
// kept in insertion order so listings are newest first without sorting.
type MemoryStore struct {
	mu     sync.RWMutex
	images map[string]*model.ImageRecord
	order  []string
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		images: make(map[string]*model.ImageRecord),
	}
}

// Save inserts or replaces a record.
func (m *MemoryStore) Save(record *model.ImageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if _, exists := m.images[record.ID]; !exists {
		m.order = append(m.order, record.ID)
	}
	m.images[record.ID] = record
}

// UpdateStatus updates status/message.
func (m *MemoryStore) UpdateStatus(id string, status model.ImageStatus, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.images[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.Message = msg
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete attaches the derivative set and marks the image complete.
func (m *MemoryStore) Complete(id string, set model.DerivativeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.images[id]
	if !ok {
		return ErrNotFound
	}
	rec.Derivatives = &set
	rec.Status = model.StatusComplete
	rec.Message = ""
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns a record copy.
func (m *MemoryStore) Get(id string) (*model.ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.images[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Query selects a page of images.
type Query struct {
	// Gallery restricts results to one gallery when non-empty.
	Gallery string
	// Before starts the page after the image with this id.
	Before string
	// Count caps the page size. Zero means no cap.
	Count int
	// CompleteOnly skips images whose derivatives are not ready.
	CompleteOnly bool
}

// List returns copies of the matching images, newest first.
func (m *MemoryStore) List(q Query) ([]*model.ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := len(m.order) - 1
	if q.Before != "" {
		start = -1
		for i, id := range m.order {
			if id == q.Before {
				start = i - 1
				break
			}
		}
		if _, ok := m.images[q.Before]; !ok {
			return nil, ErrNotFound
		}
	}

	var out []*model.ImageRecord
	for i := start; i >= 0; i-- {
		rec := m.images[m.order[i]]
		if q.Gallery != "" && rec.Gallery != q.Gallery {
			continue
		}
		if q.CompleteOnly && rec.Status != model.StatusComplete {
			continue
		}
		out = append(out, cloneRecord(rec))
		if q.Count > 0 && len(out) == q.Count {
			break
		}
	}
	return out, nil
}

func cloneRecord(rec *model.ImageRecord) *model.ImageRecord {
	out := *rec
	if rec.Derivatives != nil {
		set := *rec.Derivatives
		set.Variants = append([]model.Derivative(nil), rec.Derivatives.Variants...)
		out.Derivatives = &set
	}
	return &out
}
