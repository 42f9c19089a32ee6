package session

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/seo-optimizer/pagewalker/humanoid"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// ErrInvalidAnalysisID rejects ids that cannot be used as a directory name.
var ErrInvalidAnalysisID = errors.New("invalid analysis id")

var analysisIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// NewAnalysisID returns auto_<unix-ms>_<9 base36 chars>.
func NewAnalysisID(now time.Time, pacer *humanoid.Pacer) string {
	suffix := make([]byte, 9)
	for i := range suffix {
		suffix[i] = base36[pacer.Intn(len(base36))]
	}
	return fmt.Sprintf("auto_%d_%s", now.UnixMilli(), suffix)
}

// NewSessionID returns a random UUIDv4.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidateAnalysisID checks that id is safe to use as a path element.
func ValidateAnalysisID(id string) error {
	if !analysisIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidAnalysisID, id)
	}
	return nil
}
