package processing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/GalleryDrop/internal/model"
	"github.com/dharsanguruparan/GalleryDrop/internal/storage"
)

type fakeDeriver struct {
	fail map[string]bool
}

func (f fakeDeriver) Process(_ context.Context, rel string) (model.DerivativeSet, error) {
	if f.fail[rel] {
		return model.DerivativeSet{}, errors.New("cannot decode")
	}
	return model.DerivativeSet{
		Variants:       []model.Derivative{{Path: rel + "-full.png", Width: 4, Height: 2, Label: "full"}},
		OriginalWidth:  4,
		OriginalHeight: 2,
	}, nil
}

type fakeMirror struct {
	mu   sync.Mutex
	puts []string
}

func (m *fakeMirror) PutFile(_ context.Context, rel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, rel)
	return nil
}

func (m *fakeMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.puts)
}

func save(store *storage.MemoryStore, id, rel string) {
	store.Save(&model.ImageRecord{ID: id, Original: model.StoredFile{Path: rel}, Status: model.StatusUploaded})
}

func waitStatus(t *testing.T, store *storage.MemoryStore, id string, want model.ImageStatus) *model.ImageRecord {
	t.Helper()
	var rec *model.ImageRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = store.Get(id)
		return err == nil && rec.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func TestProcessorCompletesAndFails(t *testing.T) {
	store := storage.NewMemoryStore()
	save(store, "good", "a.png")
	save(store, "bad", "b.png")
	mirror := &fakeMirror{}

	p := New(store, fakeDeriver{fail: map[string]bool{"b.png": true}}, 2, WithMirror(mirror))
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	require.True(t, p.Submit(Job{ImageID: "good", Path: "a.png"}))
	require.True(t, p.Submit(Job{ImageID: "bad", Path: "b.png"}))

	rec := waitStatus(t, store, "good", model.StatusComplete)
	require.NotNil(t, rec.Derivatives)
	assert.Equal(t, "a.png-full.png", rec.Derivatives.Variants[0].Path)

	rec = waitStatus(t, store, "bad", model.StatusFailed)
	assert.Equal(t, "cannot decode", rec.Message)

	assert.Equal(t, 2, mirror.count())

	cancel()
	p.Wait()
}

func TestSubmitMarksFailedWhenQueueFull(t *testing.T) {
	store := storage.NewMemoryStore()
	save(store, "first", "a.png")
	save(store, "second", "b.png")

	p := New(store, fakeDeriver{}, 1, WithQueueDepth(1))
	require.True(t, p.Submit(Job{ImageID: "first", Path: "a.png"}))
	require.False(t, p.Submit(Job{ImageID: "second", Path: "b.png"}))

	rec, err := store.Get("first")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, rec.Status)
	rec, err = store.Get("second")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, "processing queue full", rec.Message)
}

func TestSubmitUnknownImage(t *testing.T) {
	p := New(storage.NewMemoryStore(), fakeDeriver{}, 1)
	assert.False(t, p.Submit(Job{ImageID: "ghost"}))
}
