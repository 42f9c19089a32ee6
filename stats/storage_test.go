package stats

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seo-optimizer/pagewalker/results"
)

func TestStorage(t *testing.T) {
	tempDir := t.TempDir()

	storage, err := NewStorage(tempDir, nil)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer storage.Shutdown()

	t.Run("RecordSession", func(t *testing.T) {
		storage.RecordSession(SessionSummary{
			URL:           "https://example.test/page/?utm=1",
			Status:        results.StatusCompleted,
			Screenshots:   4,
			Events:        7,
			DroppedEvents: 1,
		})
		storage.RecordSession(SessionSummary{
			URL:          "https://example.test/page",
			Status:       results.StatusInterrupted,
			Screenshots:  1,
			ReportFailed: true,
		})
		stats := storage.GetCurrentStats()

		if stats.Sessions != 2 {
			t.Errorf("Expected 2 sessions, got %d", stats.Sessions)
		}
		if stats.Completed != 1 || stats.Interrupted != 1 || stats.Failed != 0 {
			t.Errorf("Unexpected outcomes: %+v", stats)
		}
		if stats.Screenshots != 5 {
			t.Errorf("Expected 5 screenshots, got %d", stats.Screenshots)
		}
		if stats.Events != 7 {
			t.Errorf("Expected 7 events, got %d", stats.Events)
		}
		if stats.DroppedEvents != 1 {
			t.Errorf("Expected 1 dropped event, got %d", stats.DroppedEvents)
		}
		if stats.ReportFailures != 1 {
			t.Errorf("Expected 1 report failure, got %d", stats.ReportFailures)
		}
		if stats.PopularURLs["https://example.test/page"] != 2 {
			t.Errorf("Expected cleaned URL counted twice, got %v", stats.PopularURLs)
		}
	})

	t.Run("Persistence", func(t *testing.T) {
		if err := storage.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}

		storage2, err := NewStorage(tempDir, nil)
		if err != nil {
			t.Fatalf("Failed to create second storage: %v", err)
		}
		defer storage2.Shutdown()

		stats := storage2.GetCurrentStats()
		if stats.Sessions != 2 {
			t.Errorf("Expected 2 sessions after reload, got %d", stats.Sessions)
		}
	})

	t.Run("Cleanup", func(t *testing.T) {
		oldMonth := time.Now().AddDate(0, -2, 0).Format("2006-01")
		storage.mutex.Lock()
		storage.stats[oldMonth] = &MonthlyStats{
			Sessions:    100,
			LastUpdated: time.Now().AddDate(0, -2, 0),
		}
		storage.mutex.Unlock()

		storage.Cleanup(1)

		if _, exists := storage.GetMonthlyStats(oldMonth); exists {
			t.Error("Old stats should have been cleaned up")
		}
		if _, exists := storage.GetMonthlyStats(getCurrentMonth()); !exists {
			t.Error("Current month must survive cleanup")
		}
	})

	t.Run("FileSize", func(t *testing.T) {
		if err := storage.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}

		info, err := os.Stat(filepath.Join(tempDir, "stats.json"))
		if err != nil {
			t.Fatalf("Failed to stat file: %v", err)
		}

		// File should be relatively small (< 1KB for this test data)
		if info.Size() > 1024 {
			t.Errorf("File size too large: %d bytes", info.Size())
		}
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		before := storage.GetCurrentStats().Sessions

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					storage.RecordSession(SessionSummary{Status: results.StatusFailed})
					storage.GetCurrentStats()
				}
			}()
		}
		wg.Wait()

		stats := storage.GetCurrentStats()
		if stats.Sessions-before != 1000 {
			t.Errorf("Expected 1000 more sessions, got %d", stats.Sessions-before)
		}
		if stats.Failed != 1000 {
			t.Errorf("Expected 1000 failed sessions, got %d", stats.Failed)
		}
	})
}

func TestCleanURL(t *testing.T) {
	cases := map[string]string{
		"https://example.test/":          "https://example.test",
		"https://example.test/a/b/?q=1":  "https://example.test/a/b",
		"http://localhost:8082/api/x":    "",
		"not a url":                      "",
		"https://example.test/path#frag": "https://example.test/path",
	}
	for in, want := range cases {
		if got := cleanURL(in); got != want {
			t.Errorf("cleanURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTopURLs(t *testing.T) {
	storage, err := NewStorage(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer storage.Shutdown()

	for i := 0; i < 3; i++ {
		storage.RecordSession(SessionSummary{URL: "https://b.test/x"})
	}
	storage.RecordSession(SessionSummary{URL: "https://a.test/y"})
	storage.RecordSession(SessionSummary{URL: "https://c.test/z"})

	top := storage.TopURLs(2)
	if len(top) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(top))
	}
	if top[0].URL != "https://b.test/x" || top[0].Count != 3 {
		t.Errorf("Unexpected leader: %+v", top[0])
	}
	if top[1].URL != "https://a.test/y" {
		t.Errorf("Ties break alphabetically, got %+v", top[1])
	}
}
