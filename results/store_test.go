package results

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/seo-optimizer/pagewalker/analyzer"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), "auto_1700000000000_abc123xyz", zaptest.NewLogger(t))
	require.NoError(t, err)
	store.retryPause = 0
	return store
}

func sampleResult() *AnalysisResult {
	return &AnalysisResult{
		URL:         "https://example.test/page",
		AnalysisID:  "auto_1700000000000_abc123xyz",
		Mode:        "full-analysis",
		Status:      StatusRunning,
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Screenshots: []string{"screenshots/viewport_0.png"},
		Viewports: []ViewportCapture{
			{Index: 0, ScreenshotPath: "screenshots/viewport_0.png"},
		},
		TrackedEvents: []TrackedEvent{
			{Timestamp: "2026-01-02T03:04:06Z", EventType: EventClick, ElementType: "button", URL: "https://example.test/page"},
			{Timestamp: "2026-01-02T03:04:07Z", EventType: EventScroll, ElementType: "window", URL: "https://example.test/page"},
		},
	}
}

// stripVolatile removes the fields that legitimately change between writes.
func stripVolatile(t *testing.T, data []byte) []byte {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	delete(m, "last_updated")
	if p, ok := m["progress"].(map[string]any); ok {
		delete(p, "completed_at")
	}
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return out
}

func TestNewStoreLayout(t *testing.T) {
	out := t.TempDir()
	store, err := NewStore(out, "abc", nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(out, "abc", ArtifactName), store.Path())
	assert.Equal(t, ArtifactPath(out, "abc"), store.Path())
	assert.DirExists(t, store.ScreenshotDir())

	_, err = NewStore(out, "", nil)
	assert.Error(t, err)
}

func TestPersistIncremental(t *testing.T) {
	store := newTestStore(t)
	r := sampleResult()

	require.NoError(t, store.PersistIncremental(r))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Progress.ScreenshotsCount)
	assert.Equal(t, 2, loaded.Progress.EventsCount)
	assert.False(t, loaded.Progress.IsComplete)
	assert.Nil(t, loaded.Progress.CompletedAt)
	assert.Equal(t, r.Progress, loaded.Progress)
	assert.NotNil(t, loaded.Recommendations, "empty sequences are written as arrays")
}

func TestPersistIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	r := sampleResult()

	require.NoError(t, store.PersistIncremental(r))
	first, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, store.PersistIncremental(r))
	second, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	assert.False(t, bytes.Equal(first, second), "last_updated should move")
	assert.JSONEq(t, string(stripVolatile(t, first)), string(stripVolatile(t, second)))
}

func TestPersistFinal(t *testing.T) {
	store := newTestStore(t)
	r := sampleResult()
	r.Metrics = &analyzer.PageMetrics{Images: 12, AltTextImages: 2}
	r.Recommendations = []string{analyzer.RecommendAltText}

	require.NoError(t, store.PersistIncremental(r))
	assert.False(t, r.Progress.IsComplete)

	require.NoError(t, store.PersistFinal(r))
	assert.True(t, r.Progress.IsComplete)
	require.NotNil(t, r.Progress.CompletedAt)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.True(t, loaded.Progress.IsComplete)
	require.NotNil(t, loaded.Progress.CompletedAt)
	assert.Equal(t, 12, loaded.Metrics.Images)

	t.Run("completion is never reset", func(t *testing.T) {
		require.NoError(t, store.PersistIncremental(r))
		again, err := store.Load()
		require.NoError(t, err)
		assert.True(t, again.Progress.IsComplete)
		assert.True(t, loaded.Progress.CompletedAt.Equal(*again.Progress.CompletedAt))
	})
}

func TestPersistRetriesOnce(t *testing.T) {
	store := newTestStore(t)
	calls := 0
	store.write = func(path string, data []byte, perm os.FileMode) error {
		calls++
		if calls == 1 {
			return errors.New("disk hiccup")
		}
		return WriteFileAtomic(path, data, perm)
	}

	require.NoError(t, store.PersistIncremental(sampleResult()))
	assert.Equal(t, 2, calls)
	assert.FileExists(t, store.Path())
}

func TestPersistFailureKeepsPreviousArtifact(t *testing.T) {
	store := newTestStore(t)
	r := sampleResult()
	require.NoError(t, store.PersistIncremental(r))
	before, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	calls := 0
	store.write = func(string, []byte, os.FileMode) error {
		calls++
		return errors.New("read-only file system")
	}

	r.Screenshots = append(r.Screenshots, "screenshots/viewport_1.png")
	err = store.PersistIncremental(r)
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, r.Progress.ScreenshotsCount, "failed write leaves progress untouched")

	after, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":2}`), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temporary file left behind: %s", e.Name())
	}
}

func TestLoadDuringConcurrentPersist(t *testing.T) {
	store := newTestStore(t)
	r := sampleResult()
	require.NoError(t, store.PersistIncremental(r))

	done := make(chan struct{})
	writerErr := make(chan error, 1)
	go func() {
		defer close(done)
		for i := 1; i <= 200; i++ {
			r.Screenshots = append(r.Screenshots, fmt.Sprintf("screenshots/viewport_%d.png", i))
			if err := store.PersistIncremental(r); err != nil {
				writerErr <- err
				return
			}
		}
	}()

	for reads := 0; ; reads++ {
		loaded, err := Load(store.Path())
		require.NoError(t, err, "read %d saw a partial artifact", reads)
		require.Equal(t, len(loaded.Screenshots), loaded.Progress.ScreenshotsCount)

		select {
		case <-done:
			require.Empty(t, writerErr)
			final, err := Load(store.Path())
			require.NoError(t, err)
			assert.Len(t, final.Screenshots, 201)
			return
		default:
		}
	}
}

func TestClone(t *testing.T) {
	r := sampleResult()
	r.Viewports[0].Events = []TrackedEvent{{EventType: EventInput}}
	c := r.Clone()

	c.Screenshots[0] = "changed"
	c.Viewports[0].Events[0].EventType = EventClick
	c.TrackedEvents = append(c.TrackedEvents, TrackedEvent{})

	assert.Equal(t, "screenshots/viewport_0.png", r.Screenshots[0])
	assert.Equal(t, EventInput, r.Viewports[0].Events[0].EventType)
	assert.Len(t, r.TrackedEvents, 2)
}
