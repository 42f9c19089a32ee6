package viewport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/seo-optimizer/pagewalker/browser"
	"github.com/seo-optimizer/pagewalker/browser/browsertest"
	"github.com/seo-optimizer/pagewalker/humanoid"
	"github.com/seo-optimizer/pagewalker/results"
)

type recorder struct {
	mu        sync.Mutex
	viewports []results.ViewportCapture
	fullPage  []string
	onView    func(results.ViewportCapture)
}

func (r *recorder) RecordViewport(c results.ViewportCapture) {
	r.mu.Lock()
	r.viewports = append(r.viewports, c)
	r.mu.Unlock()
	if r.onView != nil {
		r.onView(c)
	}
}

func (r *recorder) RecordFullPage(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fullPage = append(r.fullPage, path)
}

type countingSuppressor struct{ calls int }

func (s *countingSuppressor) Repeat(context.Context, browser.Page) error {
	s.calls++
	return nil
}

type countingSimulator struct{ actions []int }

func (s *countingSimulator) Simulate(_ context.Context, _ browser.Page, n int) error {
	s.actions = append(s.actions, n)
	return nil
}

type queuedEvents struct{ batches [][]results.TrackedEvent }

func (q *queuedEvents) Drain() []results.TrackedEvent {
	if len(q.batches) == 0 {
		return nil
	}
	next := q.batches[0]
	q.batches = q.batches[1:]
	return next
}

func newWalker(t *testing.T, rec *recorder, opts Options) (*Walker, string) {
	t.Helper()
	dir := t.TempDir()
	opts.ScreenshotDir = dir
	opts.Recorder = rec
	opts.Pacer = humanoid.NoDelay(rand.New(rand.NewSource(1)))
	return New(opts, zaptest.NewLogger(t)), dir
}

func tallPage(pageHeight int) *browsertest.FakePage {
	page := browsertest.New()
	page.On("pagewalker:dimensions", Dimensions{ViewportHeight: 800, PageHeight: pageHeight})
	return page
}

func TestScreens(t *testing.T) {
	testCases := []struct {
		page, viewport, want int
	}{
		{2400, 800, 3},
		{2401, 800, 4},
		{800, 800, 1},
		{500, 800, 1},
		{0, 800, 1},
		{2400, 0, 1},
		{-5, -5, 1},
		{1601, 800, 3},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, Screens(tc.page, tc.viewport), "Screens(%d, %d)", tc.page, tc.viewport)
	}
}

func TestWalkCapturesEveryScreen(t *testing.T) {
	rec := &recorder{}
	sup := &countingSuppressor{}
	sim := &countingSimulator{}
	events := &queuedEvents{batches: [][]results.TrackedEvent{
		{{EventType: results.EventClick}},
		nil,
		{{EventType: results.EventScroll}, {EventType: results.EventInput}},
	}}
	w, dir := newWalker(t, rec, Options{Suppressor: sup, Simulator: sim, Events: events, Actions: 3})
	page := tallPage(2400)

	captures, err := w.Walk(context.Background(), page)
	require.NoError(t, err)

	require.Len(t, captures, 3)
	assert.Equal(t, 4, page.CountCalls("screenshot "), "screens plus one full-page screenshot")
	assert.Equal(t, 1, page.CountCalls("screenshot fullpage"))
	assert.Equal(t, 3, sup.calls)
	assert.Equal(t, []int{3, 3, 3}, sim.actions)

	for i, c := range captures {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, filepath.Join(dir, fmt.Sprintf("viewport_%d.png", i)), c.ScreenshotPath)
		assert.FileExists(t, c.ScreenshotPath)
		assert.NotNil(t, c.Events)
	}
	assert.Len(t, captures[0].Events, 1)
	assert.Empty(t, captures[1].Events)
	assert.Len(t, captures[2].Events, 2)

	assert.Equal(t, captures, rec.viewports)
	require.Equal(t, []string{filepath.Join(dir, FullPageName)}, rec.fullPage)
	assert.FileExists(t, rec.fullPage[0])

	assert.Equal(t, 2, page.CountEvaluations("window.scrollTo(0, 1600)"))
	assert.NoFileExists(t, filepath.Join(dir, "tracked_0.json"))
}

func TestWalkShortPage(t *testing.T) {
	rec := &recorder{}
	w, _ := newWalker(t, rec, Options{})
	page := tallPage(300)

	captures, err := w.Walk(context.Background(), page)
	require.NoError(t, err)
	assert.Len(t, captures, 1)
	assert.Equal(t, 2, page.CountCalls("screenshot "))
}

func TestWalkUnknownDimensions(t *testing.T) {
	rec := &recorder{}
	w, _ := newWalker(t, rec, Options{})
	page := browsertest.New()
	page.OnError("pagewalker:dimensions", errors.New("document not ready"))

	captures, err := w.Walk(context.Background(), page)
	require.NoError(t, err)
	assert.Len(t, captures, 1)
}

func TestWalkCancelledAfterFirstViewport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{onView: func(results.ViewportCapture) { cancel() }}
	w, dir := newWalker(t, rec, Options{Simulator: &countingSimulator{}, Actions: 2})
	page := tallPage(2400)

	captures, err := w.Walk(ctx, page)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, captures, 1)
	assert.Equal(t, 1, page.CountCalls("screenshot "))
	assert.Empty(t, rec.fullPage)

	_, statErr := os.Stat(filepath.Join(dir, FullPageName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWalkContinuesAfterCaptureError(t *testing.T) {
	rec := &recorder{}
	w, _ := newWalker(t, rec, Options{})
	page := tallPage(1600)
	shots := 0
	page.ScreenshotFunc = func(target browser.Target) ([]byte, error) {
		shots++
		if shots == 1 {
			return nil, errors.New("unable to capture screenshot")
		}
		return []byte("png"), nil
	}

	captures, err := w.Walk(context.Background(), page)
	require.NoError(t, err)
	require.Len(t, captures, 2)
	assert.Empty(t, captures[0].ScreenshotPath)
	assert.NotEmpty(t, captures[1].ScreenshotPath)
	assert.Len(t, rec.fullPage, 1)
}

func TestWalkWritesEventFiles(t *testing.T) {
	rec := &recorder{}
	events := &queuedEvents{batches: [][]results.TrackedEvent{{{EventType: results.EventClick, ElementText: "Next"}}}}
	w, dir := newWalker(t, rec, Options{Events: events, WriteEventFiles: true})
	page := tallPage(1600)

	_, err := w.Walk(context.Background(), page)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "tracked_0.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"elementText": "Next"`)
	assert.FileExists(t, filepath.Join(dir, "tracked_1.json"))
}
