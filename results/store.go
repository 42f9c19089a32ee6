// Package results holds the analysis aggregate and its crash-safe
// persistence.
package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrPersistence is returned when the artifact could not be written even
// after the retry.
var ErrPersistence = errors.New("result persistence failed")

const (
	// ArtifactName is the file name of the result inside the analysis directory
	ArtifactName = "analysis_results.json"
	// ScreenshotDirName holds every screenshot of an analysis
	ScreenshotDirName = "screenshots"
)

// Store writes one analysis artifact atomically. All writes are serialized.
type Store struct {
	mutex      sync.Mutex
	dir        string
	path       string
	final      bool
	completed  *time.Time
	retryPause time.Duration
	logger     *zap.Logger

	now   func() time.Time
	write func(path string, data []byte, perm os.FileMode) error
}

// NewStore creates the analysis directory <outputDir>/<analysisID> and its
// screenshot subdirectory.
func NewStore(outputDir, analysisID string, logger *zap.Logger) (*Store, error) {
	if analysisID == "" {
		return nil, errors.New("analysis id is required")
	}
	dir := filepath.Join(outputDir, analysisID)
	if err := os.MkdirAll(filepath.Join(dir, ScreenshotDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create analysis directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:        dir,
		path:       filepath.Join(dir, ArtifactName),
		retryPause: 200 * time.Millisecond,
		logger:     logger.Named("results"),
		now:        time.Now,
		write:      WriteFileAtomic,
	}, nil
}

// Dir returns the analysis directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the canonical artifact path.
func (s *Store) Path() string { return s.path }

// ScreenshotDir returns the directory screenshots are written to.
func (s *Store) ScreenshotDir() string { return filepath.Join(s.dir, ScreenshotDirName) }

// PersistIncremental writes r as the current partial result. On success r's
// progress counters and last_updated are refreshed.
func (s *Store) PersistIncremental(r *AnalysisResult) error {
	return s.persist(r, false)
}

// PersistFinal writes r and marks it complete. Once a final write succeeded
// later writes keep is_complete set.
func (s *Store) PersistFinal(r *AnalysisResult) error {
	return s.persist(r, true)
}

func (s *Store) persist(r *AnalysisResult, final bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now().UTC()
	snapshot := r.Clone()
	snapshot.LastUpdated = now
	snapshot.Progress.IsComplete = false
	snapshot.Progress.CompletedAt = nil
	switch {
	case s.final:
		snapshot.Progress.IsComplete = true
		snapshot.Progress.CompletedAt = s.completed
	case final:
		snapshot.Progress.IsComplete = true
		snapshot.Progress.CompletedAt = &now
	}
	snapshot.normalize()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal result: %w", ErrPersistence, err)
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := s.write(s.path, data, 0644)
		if err != nil {
			s.logger.Warn("Artifact write failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryPause), 1)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if final && !s.final {
		s.final = true
		s.completed = snapshot.Progress.CompletedAt
	}
	r.LastUpdated = snapshot.LastUpdated
	r.Progress = snapshot.Progress

	s.logger.Debug("Artifact persisted",
		zap.String("path", s.path),
		zap.Int("screenshots", snapshot.Progress.ScreenshotsCount),
		zap.Int("events", snapshot.Progress.EventsCount),
		zap.Bool("complete", snapshot.Progress.IsComplete))
	return nil
}

// Load reads the artifact of this store back.
func (s *Store) Load() (*AnalysisResult, error) {
	return Load(s.path)
}

// Load reads an artifact from path.
func Load(path string) (*AnalysisResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r AnalysisResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &r, nil
}

// ArtifactPath returns the canonical artifact path for an analysis.
func ArtifactPath(outputDir, analysisID string) string {
	return filepath.Join(outputDir, analysisID, ArtifactName)
}
