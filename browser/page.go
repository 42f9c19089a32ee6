// Package browser owns the headless Chrome process and the single page an
// analysis session drives.
package browser

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/seo-optimizer/pagewalker/config"
)

var (
	// ErrBrowserInit is fatal: the browser process or page could not be set up.
	ErrBrowserInit = errors.New("browser initialization failed")
	// ErrNavigation means the page failed to load and no usable document exists.
	ErrNavigation = errors.New("navigation failed")
	// ErrNavigationTimeout means the load event did not arrive in time. The
	// document is usually still usable.
	ErrNavigationTimeout = errors.New("navigation timed out")
)

// Target selects the screenshot area.
type Target int

const (
	Viewport Target = iota
	FullPage
)

func (t Target) String() string {
	if t == FullPage {
		return "fullpage"
	}
	return "viewport"
}

// Page is the set of page operations the analysis components depend on.
type Page interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	Evaluate(ctx context.Context, script string, res any) error
	MouseMove(ctx context.Context, x, y float64) error
	MouseClick(ctx context.Context, x, y float64) error
	Screenshot(ctx context.Context, target Target) ([]byte, error)
	WaitForNavigation(ctx context.Context, timeout time.Duration) error
	URL(ctx context.Context) (string, error)
}

// Handle is a Page plus the session-level hooks used once at startup.
type Handle interface {
	Page
	ExposeCallback(ctx context.Context, name string, handler func(payload string)) error
	InjectOnNewDocument(ctx context.Context, script string) error
	Close() error
}

// Launcher starts a browser and returns its page handle.
type Launcher func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (Handle, error)

// DefaultLauncher launches a local Chrome through chromedp.
func DefaultLauncher(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (Handle, error) {
	s, err := Launch(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}
