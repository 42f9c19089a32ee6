package stats

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seo-optimizer/pagewalker/results"
)

// MonthlyStats represents statistics for a specific month
type MonthlyStats struct {
	Sessions       int            `json:"sessions"`
	Completed      int            `json:"completed"`
	Interrupted    int            `json:"interrupted"`
	Failed         int            `json:"failed"`
	Screenshots    int            `json:"screenshots"`
	Events         int            `json:"events"`
	DroppedEvents  int64          `json:"dropped_events"`
	ReportFailures int            `json:"report_failures"`
	PopularURLs    map[string]int `json:"popular_urls"`
	LastUpdated    time.Time      `json:"last_updated"`
}

// SessionSummary is what a finished session contributes to the statistics
type SessionSummary struct {
	URL           string
	Status        results.Status
	Screenshots   int
	Events        int
	DroppedEvents int64
	ReportFailed  bool
}

// URLCount is one entry of the popular URL ranking
type URLCount struct {
	URL   string `json:"url"`
	Count int    `json:"count"`
}

// Storage handles persistent storage of statistics
type Storage struct {
	mutex       sync.RWMutex
	stats       map[string]*MonthlyStats // key: "YYYY-MM"
	filePath    string
	lastWrite   time.Time
	writeBuffer chan struct{}
	stop        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	logger      *zap.Logger
}

// NewStorage creates a new statistics storage instance
func NewStorage(dataDir string, logger *zap.Logger) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Storage{
		stats:       make(map[string]*MonthlyStats),
		filePath:    filepath.Join(dataDir, "stats.json"),
		writeBuffer: make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger.Named("stats"),
	}

	// Load existing stats if file exists
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}

	go s.backgroundWriter()

	return s, nil
}

// load reads statistics from file
func (s *Storage) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return json.Unmarshal(data, &s.stats)
}

// save writes statistics to file
func (s *Storage) save() error {
	s.mutex.RLock()
	data, err := json.Marshal(s.stats)
	s.mutex.RUnlock()

	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	return results.WriteFileAtomic(s.filePath, data, 0644)
}

// backgroundWriter handles periodic writes to disk
func (s *Storage) backgroundWriter() {
	defer close(s.done)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.writeBuffer:
			s.saveAndLog()
		case <-ticker.C:
			s.saveAndLog()
		case <-s.stop:
			return
		}
	}
}

func (s *Storage) saveAndLog() {
	if err := s.save(); err != nil {
		s.logger.Warn("Failed to persist statistics", zap.Error(err))
	}
}

// getCurrentMonth returns the current month key in YYYY-MM format
func getCurrentMonth() string {
	return time.Now().Format("2006-01")
}

// requestWrite signals that a write to disk is needed
func (s *Storage) requestWrite() {
	select {
	case s.writeBuffer <- struct{}{}:
	default:
		// write already pending
	}
}

// cleanURL reduces a target to scheme, host and path
func cleanURL(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil || u.Host == "" {
		return ""
	}

	// Don't track local targets
	if strings.Contains(u.Host, "localhost") || strings.Contains(u.Host, "127.0.0.1") {
		return ""
	}

	cleaned := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		cleaned += u.Path
	}
	return strings.TrimSuffix(cleaned, "/")
}

// RecordSession adds a finished session to the current month
func (s *Storage) RecordSession(summary SessionSummary) {
	month := getCurrentMonth()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	stats, exists := s.stats[month]
	if !exists {
		stats = &MonthlyStats{}
		s.stats[month] = stats
	}
	if stats.PopularURLs == nil {
		stats.PopularURLs = make(map[string]int)
	}

	stats.Sessions++
	switch summary.Status {
	case results.StatusCompleted:
		stats.Completed++
	case results.StatusInterrupted:
		stats.Interrupted++
	case results.StatusFailed:
		stats.Failed++
	}
	stats.Screenshots += summary.Screenshots
	stats.Events += summary.Events
	stats.DroppedEvents += summary.DroppedEvents
	if summary.ReportFailed {
		stats.ReportFailures++
	}
	if cleaned := cleanURL(summary.URL); cleaned != "" {
		stats.PopularURLs[cleaned]++
	}
	stats.LastUpdated = time.Now()

	// Request a write if enough time has passed
	if time.Since(s.lastWrite) > time.Minute {
		s.requestWrite()
		s.lastWrite = time.Now()
	}
}

// GetCurrentStats returns statistics for the current month
func (s *Storage) GetCurrentStats() MonthlyStats {
	stats, _ := s.GetMonthlyStats(getCurrentMonth())
	return stats
}

// Cleanup removes statistics older than the specified number of months,
// counting the current month
func (s *Storage) Cleanup(retainMonths int) {
	if retainMonths < 1 {
		retainMonths = 1
	}
	now := time.Now()
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	oldest := firstOfMonth.AddDate(0, -(retainMonths - 1), 0).Format("2006-01")

	s.mutex.Lock()
	removed := 0
	for key := range s.stats {
		if key < oldest {
			delete(s.stats, key)
			removed++
		}
	}
	s.mutex.Unlock()

	s.requestWrite()
	s.logger.Debug("Statistics cleaned up", zap.String("oldest_kept", oldest), zap.Int("removed", removed))
}

// GetMonthlyStats returns statistics for a specific month
func (s *Storage) GetMonthlyStats(yearMonth string) (MonthlyStats, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stats, exists := s.stats[yearMonth]
	if !exists {
		return MonthlyStats{}, false
	}
	copied := *stats
	copied.PopularURLs = make(map[string]int, len(stats.PopularURLs))
	for k, v := range stats.PopularURLs {
		copied.PopularURLs[k] = v
	}
	return copied, true
}

// GetAllMonths returns a sorted list of all months that have statistics
func (s *Storage) GetAllMonths() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	months := make([]string, 0, len(s.stats))
	for month := range s.stats {
		months = append(months, month)
	}

	// Newest first
	sort.Sort(sort.Reverse(sort.StringSlice(months)))

	return months
}

// TopURLs returns the n most analyzed URLs of the current month
func (s *Storage) TopURLs(n int) []URLCount {
	stats := s.GetCurrentStats()
	ranking := make([]URLCount, 0, len(stats.PopularURLs))
	for u, c := range stats.PopularURLs {
		ranking = append(ranking, URLCount{URL: u, Count: c})
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].Count != ranking[j].Count {
			return ranking[i].Count > ranking[j].Count
		}
		return ranking[i].URL < ranking[j].URL
	})
	if n >= 0 && len(ranking) > n {
		ranking = ranking[:n]
	}
	return ranking
}

// Flush writes the statistics to disk synchronously
func (s *Storage) Flush() error {
	return s.save()
}

// Shutdown stops the background writer and saves once more
func (s *Storage) Shutdown() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return s.save()
}
