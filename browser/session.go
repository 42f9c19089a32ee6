package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/seo-optimizer/pagewalker/config"
)

// Scripts installed before any page script runs.
var stealthScripts = []string{
	"Object.defineProperty(navigator, 'webdriver', { get: () => undefined });",
	"window.chrome = window.chrome || {}; window.chrome.runtime = window.chrome.runtime || {};",
	"Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });",
	"Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });",
}

// Session is a live Chrome process with one page.
type Session struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCancel context.CancelFunc
	// ctx is the chromedp tab context; it outlives individual operations.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	callbacks map[string]func(string)
	closed    bool
}

// Launch starts Chrome, opens the page and applies viewport, user agent,
// headers, stealth scripts and cookies. Any failure is ErrBrowserInit.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		logger:    logger.Named("browser"),
		cfg:       cfg,
		callbacks: make(map[string]func(string)),
	}

	// The browser lifetime is bounded by Close, not by the launch context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(s.logger.Sugar().Debugf),
		chromedp.WithErrorf(s.logger.Sugar().Debugf),
	)
	s.allocCancel = allocCancel
	s.ctx = tabCtx
	s.cancel = tabCancel

	chromedp.ListenTarget(tabCtx, s.handleEvent)

	// The first Run allocates the browser and must use the tab context itself;
	// a derived context would take the browser down when it is cancelled.
	stop := context.AfterFunc(ctx, tabCancel)
	err := chromedp.Run(tabCtx)
	stop()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: failed to start chrome: %w", ErrBrowserInit, err)
	}

	if err := s.run(ctx, chromedp.ActionFunc(s.setup)); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %w", ErrBrowserInit, err)
	}

	s.logger.Info("Browser launched",
		zap.Bool("headless", cfg.Headless),
		zap.Int("viewport_width", cfg.ViewportWidth),
		zap.Int("viewport_height", cfg.ViewportHeight))
	return s, nil
}

func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	opts = append(opts,
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-zygote", true),
		chromedp.Flag("disable-accelerated-2d-canvas", true),

		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),

		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	for _, arg := range cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts
}

func (s *Session) setup(ctx context.Context) error {
	if err := emulation.SetDeviceMetricsOverride(int64(s.cfg.ViewportWidth), int64(s.cfg.ViewportHeight), 1, false).Do(ctx); err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}

	if s.cfg.UserAgent != "" {
		override := emulation.SetUserAgentOverride(s.cfg.UserAgent)
		if s.cfg.AcceptLanguage != "" {
			override = override.WithAcceptLanguage(s.cfg.AcceptLanguage)
		}
		if err := override.Do(ctx); err != nil {
			return fmt.Errorf("failed to override user agent: %w", err)
		}
	}

	if err := network.Enable().Do(ctx); err != nil {
		return fmt.Errorf("failed to enable network: %w", err)
	}
	if s.cfg.AcceptLanguage != "" {
		headers := network.Headers{"Accept-Language": s.cfg.AcceptLanguage}
		if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
			return fmt.Errorf("failed to set headers: %w", err)
		}
	}

	for _, script := range stealthScripts {
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
			return fmt.Errorf("failed to install stealth script: %w", err)
		}
	}

	cookies, err := LoadCookies(s.cfg.CookiesFile)
	if err != nil {
		// A broken cookie file only costs the authenticated view.
		s.logger.Warn("Ignoring cookies file", zap.String("path", s.cfg.CookiesFile), zap.Error(err))
		return nil
	}
	if len(cookies) > 0 {
		if err := network.SetCookies(cookies).Do(ctx); err != nil {
			return fmt.Errorf("failed to set cookies: %w", err)
		}
		s.logger.Info("Cookies loaded", zap.Int("count", len(cookies)))
	}
	return nil
}

func (s *Session) handleEvent(ev any) {
	called, ok := ev.(*runtime.EventBindingCalled)
	if !ok {
		return
	}
	s.mu.Lock()
	handler := s.callbacks[called.Name]
	s.mu.Unlock()
	if handler != nil {
		handler(called.Payload)
	}
}

// run executes actions on the page, bounded by ctx. Cancelling ctx aborts
// the actions but keeps the page alive.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Navigate loads url and waits for the load event up to timeout.
func (s *Session) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := s.run(navCtx, chromedp.Navigate(url))
	switch {
	case err == nil:
		s.logger.Info("Navigation complete", zap.String("url", url), zap.Duration("took", time.Since(start)))
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s after %s", ErrNavigationTimeout, url, timeout)
	default:
		return fmt.Errorf("%w: %s: %w", ErrNavigation, url, err)
	}
}

// Evaluate runs script and decodes the result into res, which may be nil.
// Promises are awaited.
func (s *Session) Evaluate(ctx context.Context, script string, res any) error {
	return s.run(ctx, chromedp.Evaluate(script, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

func (s *Session) MouseMove(ctx context.Context, x, y float64) error {
	return s.run(ctx, chromedp.MouseEvent(input.MouseMoved, x, y))
}

func (s *Session) MouseClick(ctx context.Context, x, y float64) error {
	return s.run(ctx, chromedp.MouseClickXY(x, y))
}

// Screenshot captures a PNG of the visible viewport or the whole page.
func (s *Session) Screenshot(ctx context.Context, target Target) ([]byte, error) {
	var buf []byte
	action := chromedp.CaptureScreenshot(&buf)
	if target == FullPage {
		// Quality 100 yields PNG
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := s.run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

// WaitForNavigation blocks until the document reports complete or timeout
// elapses.
func (s *Session) WaitForNavigation(ctx context.Context, timeout time.Duration) error {
	var ready bool
	err := s.run(ctx, chromedp.Poll(`document.readyState === "complete"`, &ready,
		chromedp.WithPollingTimeout(timeout),
		chromedp.WithPollingInterval(100*time.Millisecond)))
	if errors.Is(err, chromedp.ErrPollingTimeout) {
		return fmt.Errorf("%w: document not ready after %s", ErrNavigationTimeout, timeout)
	}
	return err
}

// URL returns the current page location.
func (s *Session) URL(ctx context.Context) (string, error) {
	var location string
	if err := s.run(ctx, chromedp.Location(&location)); err != nil {
		return "", err
	}
	return location, nil
}

// ExposeCallback makes window[name](payload) in every document call handler.
// handler runs on the event loop goroutine and must not block.
func (s *Session) ExposeCallback(ctx context.Context, name string, handler func(payload string)) error {
	s.mu.Lock()
	s.callbacks[name] = handler
	s.mu.Unlock()
	return s.run(ctx, runtime.AddBinding(name))
}

// InjectOnNewDocument installs script to run before page scripts in every
// document loaded from now on.
func (s *Session) InjectOnNewDocument(ctx context.Context, script string) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
		return err
	}))
}

// Close shuts the page and the browser process. It is safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := chromedp.Cancel(s.ctx)
	s.cancel()
	s.allocCancel()
	s.logger.Info("Browser closed")
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}
