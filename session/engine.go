// Package session drives one analysis from browser launch to the final
// artifact.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/seo-optimizer/pagewalker/analyzer"
	"github.com/seo-optimizer/pagewalker/banner"
	"github.com/seo-optimizer/pagewalker/browser"
	"github.com/seo-optimizer/pagewalker/config"
	"github.com/seo-optimizer/pagewalker/humanoid"
	"github.com/seo-optimizer/pagewalker/reporter"
	"github.com/seo-optimizer/pagewalker/results"
	"github.com/seo-optimizer/pagewalker/stats"
	"github.com/seo-optimizer/pagewalker/telemetry"
	"github.com/seo-optimizer/pagewalker/viewport"
)

var (
	// ErrSessionActive is returned while another session of the same engine
	// is running.
	ErrSessionActive = errors.New("a session is already active")
	// ErrInvalidTarget rejects URLs that are not absolute http(s) URLs.
	ErrInvalidTarget = errors.New("invalid target url")
	// ErrInvalidMode rejects unknown session modes.
	ErrInvalidMode = errors.New("invalid session mode")

	errJobStarted = errors.New("job already executed")
)

// StatsRecorder receives a summary of every finished session.
type StatsRecorder interface {
	RecordSession(summary stats.SessionSummary)
}

type Option func(*Engine)

// WithLauncher replaces the Chrome launcher, mostly for tests.
func WithLauncher(l browser.Launcher) Option {
	return func(e *Engine) { e.launch = l }
}

// WithPacer sets the source of every delay and random decision.
func WithPacer(p *humanoid.Pacer) Option {
	return func(e *Engine) { e.pacer = p }
}

// WithReporter overrides the client built from the reporter config. A nil
// client disables reporting.
func WithReporter(c *reporter.Client) Option {
	return func(e *Engine) {
		e.reporter = c
		e.reporterSet = true
	}
}

func WithMetrics(m *stats.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithStats(s StatsRecorder) Option {
	return func(e *Engine) { e.stats = s }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs analysis sessions one at a time.
type Engine struct {
	cfg         *config.Config
	logger      *zap.Logger
	launch      browser.Launcher
	pacer       *humanoid.Pacer
	reporter    *reporter.Client
	reporterSet bool
	metrics     *stats.Metrics
	stats       StatsRecorder
	observer    Observer
	now         func() time.Time

	active atomic.Bool
}

func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		launch: browser.DefaultLauncher,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pacer == nil {
		var rng *rand.Rand
		if cfg.Humanoid.Seed != 0 {
			rng = rand.New(rand.NewSource(cfg.Humanoid.Seed))
		}
		e.pacer = humanoid.NewPacer(rng)
	}
	if !e.reporterSet {
		e.reporter = reporter.New(cfg.Reporter, logger)
	}
	return e
}

// Active reports whether a session is currently reserved or running.
func (e *Engine) Active() bool { return e.active.Load() }

// Request describes one analysis. Empty Mode uses the configured mode; an
// empty AnalysisID is generated.
type Request struct {
	URL        string
	AnalysisID string
	Mode       string
}

// Job is a reserved session. The engine stays reserved until Execute
// returns, so Execute must be called exactly once.
type Job struct {
	r       *run
	started atomic.Bool
}

// AnalysisID returns the id the artifact is stored under.
func (j *Job) AnalysisID() string { return j.r.result.AnalysisID }

func (j *Job) Mode() string { return j.r.mode }

// Execute runs the session. A cancelled ctx ends the session early: the
// partial result is persisted and returned together with ctx.Err().
func (j *Job) Execute(ctx context.Context) (*results.AnalysisResult, error) {
	if !j.started.CompareAndSwap(false, true) {
		return nil, errJobStarted
	}
	defer j.r.e.active.Store(false)
	return j.r.execute(ctx)
}

// Begin validates req and reserves the engine.
func (e *Engine) Begin(req Request) (*Job, error) {
	mode := req.Mode
	if mode == "" {
		mode = e.cfg.Session.Mode
	}
	if mode != config.ModeFullAnalysis && mode != config.ModeTrackedSession {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if err := validateTarget(req.URL); err != nil {
		return nil, err
	}
	if req.AnalysisID != "" {
		if err := ValidateAnalysisID(req.AnalysisID); err != nil {
			return nil, err
		}
	}
	if !e.active.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}

	analysisID := req.AnalysisID
	var sessionID string
	if mode == config.ModeTrackedSession {
		sessionID = NewSessionID()
		if analysisID == "" {
			analysisID = sessionID
		}
	} else if analysisID == "" {
		analysisID = NewAnalysisID(e.now(), e.pacer)
	}
	return &Job{r: newRun(e, mode, req.URL, analysisID, sessionID)}, nil
}

// Run analyzes targetURL in the configured mode and blocks until the session
// is done.
func (e *Engine) Run(ctx context.Context, targetURL, analysisID string) (*results.AnalysisResult, error) {
	job, err := e.Begin(Request{URL: targetURL, AnalysisID: analysisID})
	if err != nil {
		return nil, err
	}
	return job.Execute(ctx)
}

func validateTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, raw)
	}
	return nil
}

// run is the state of one session. result is guarded by mu; persistMu
// serializes snapshot and write so an older snapshot never lands last.
type run struct {
	e         *Engine
	log       *zap.Logger
	mode      string
	sessionID string

	mu           sync.Mutex
	result       *results.AnalysisResult
	state        State
	reportFailed bool

	persistMu sync.Mutex
	store     *results.Store
	collector *telemetry.Collector

	notify chan Event
}

func newRun(e *Engine, mode, targetURL, analysisID, sessionID string) *run {
	return &run{
		e:         e,
		mode:      mode,
		sessionID: sessionID,
		log: e.logger.Named("session").With(
			zap.String("analysis_id", analysisID),
			zap.String("mode", mode)),
		result: &results.AnalysisResult{
			URL:        targetURL,
			AnalysisID: analysisID,
			SessionID:  sessionID,
			Mode:       mode,
			Status:     results.StatusPending,
			Timestamp:  e.now().UTC(),
		},
	}
}

func (r *run) execute(ctx context.Context) (*results.AnalysisResult, error) {
	cfg := r.e.cfg
	r.startObserver()
	defer r.stopObserver()

	r.e.metrics.SessionStarted()
	r.transition(StateInitializing)

	store, err := results.NewStore(cfg.Session.OutputDir, r.result.AnalysisID, r.e.logger)
	if err != nil {
		return r.conclude(nil, results.StatusFailed, fmt.Errorf("failed to prepare output directory: %w", err))
	}
	r.store = store
	r.setStatus(results.StatusRunning)
	r.persist(false)

	if ctx.Err() != nil {
		return r.interrupt(ctx, nil)
	}
	page, err := r.e.launch(ctx, cfg.Browser, r.e.logger)
	if err != nil {
		if ctx.Err() != nil {
			return r.interrupt(ctx, nil)
		}
		if !errors.Is(err, browser.ErrBrowserInit) {
			err = fmt.Errorf("%w: %w", browser.ErrBrowserInit, err)
		}
		r.log.Error("Browser launch failed", zap.Error(err))
		return r.conclude(nil, results.StatusFailed, err)
	}

	r.collector = telemetry.NewCollector(cfg.Telemetry, r.sessionID, r.e.logger)
	r.collector.OnThreshold(func() {
		r.persist(false)
		r.publish(true)
	})
	if err := r.collector.Install(ctx, page); err != nil {
		if ctx.Err() != nil {
			return r.interrupt(ctx, page)
		}
		r.log.Warn("Telemetry unavailable, continuing without events", zap.Error(err))
	}
	r.collector.Start()

	suppressor := banner.New(cfg.Banner, r.e.logger)
	if err := suppressor.Install(ctx, page); err != nil {
		if ctx.Err() != nil {
			return r.interrupt(ctx, page)
		}
		r.log.Warn("Banner style override not registered for new documents", zap.Error(err))
	}

	r.transition(StateNavigating)
	if err := r.navigate(ctx, page); err != nil {
		if ctx.Err() != nil {
			return r.interrupt(ctx, page)
		}
		r.log.Error("Navigation failed", zap.String("url", r.result.URL), zap.Error(err))
		return r.conclude(page, results.StatusFailed, err)
	}
	if err := r.e.pacer.Sleep(ctx, cfg.Browser.PostNavigationWait); err != nil {
		return r.interrupt(ctx, page)
	}

	r.transition(StateSuppressing)
	if err := suppressor.Suppress(ctx, page); err != nil {
		return r.interrupt(ctx, page)
	}
	if err := r.escapeLoginWall(ctx, page, suppressor); err != nil {
		return r.interrupt(ctx, page)
	}

	r.transition(StateSimulating)
	actions := cfg.Session.Actions(r.mode)
	simulator := humanoid.New(cfg.Humanoid, r.e.pacer, r.e.logger)
	if err := simulator.Simulate(ctx, page, actions); err != nil {
		if ctx.Err() != nil {
			return r.interrupt(ctx, page)
		}
		r.log.Warn("Simulation ended early", zap.Error(err))
	}

	r.transition(StateCapturing)
	walker := viewport.New(viewport.Options{
		Suppressor:      suppressor,
		Simulator:       simulator,
		Events:          r.collector,
		Recorder:        r,
		Pacer:           r.e.pacer,
		ScreenshotDir:   r.store.ScreenshotDir(),
		Actions:         actions,
		SettleMin:       cfg.Session.SettleMin,
		SettleMax:       cfg.Session.SettleMax,
		WriteEventFiles: r.mode == config.ModeTrackedSession,
	}, r.e.logger)
	if _, err := walker.Walk(ctx, page); err != nil {
		if ctx.Err() != nil {
			return r.interrupt(ctx, page)
		}
		r.log.Warn("Viewport walk ended early", zap.Error(err))
	}

	if r.mode == config.ModeFullAnalysis {
		r.transition(StateExtractingMetrics)
		metrics, err := analyzer.Extract(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupt(ctx, page)
			}
			r.log.Warn("Metrics extraction failed", zap.Error(err))
		}

		r.transition(StateRecommending)
		if err == nil {
			recommendations := analyzer.Recommend(metrics)
			r.mu.Lock()
			r.result.Metrics = &metrics
			r.result.Recommendations = recommendations
			r.mu.Unlock()
			r.persist(false)
			r.log.Info("Metrics computed",
				zap.Int("elements", metrics.TotalElements),
				zap.Float64("alt_coverage", metrics.AltCoverage()),
				zap.Int("recommendations", len(recommendations)))
		}

		r.transition(StateReporting)
		if err := r.e.reporter.Report(ctx, r.snapshot()); err != nil {
			if ctx.Err() != nil {
				return r.interrupt(ctx, page)
			}
			r.mu.Lock()
			r.reportFailed = true
			r.mu.Unlock()
			r.e.metrics.ReportError()
			r.log.Warn("Reporting failed", zap.Error(err))
		}
	}

	r.transition(StateFinalizing)
	return r.conclude(page, results.StatusCompleted, nil)
}

// navigate loads the target. A timeout leaves a usable document and is not an
// error.
func (r *run) navigate(ctx context.Context, page browser.Page) error {
	err := page.Navigate(ctx, r.result.URL, r.e.cfg.Browser.NavigationTimeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, browser.ErrNavigationTimeout):
		r.log.Warn("Navigation timed out, continuing with the loaded document", zap.Error(err))
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, browser.ErrNavigation):
		return err
	default:
		return fmt.Errorf("%w: %w", browser.ErrNavigation, err)
	}
}

// escapeLoginWall navigates to the target once more when the page ended up
// on a login or signup URL. Only cancellation is returned.
func (r *run) escapeLoginWall(ctx context.Context, page browser.Page, suppressor *banner.Suppressor) error {
	current, err := page.URL(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Debug("Could not read page URL", zap.Error(err))
		return nil
	}
	if current == r.result.URL || !isLoginWall(current, r.e.cfg.Session.LoginWallTerms) {
		return nil
	}

	r.log.Info("Login wall detected, navigating to target again", zap.String("current_url", current))
	if err := r.navigate(ctx, page); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warn("Second navigation failed", zap.Error(err))
		return nil
	}
	if err := r.e.pacer.Sleep(ctx, r.e.cfg.Browser.PostNavigationWait); err != nil {
		return err
	}
	return suppressor.Repeat(ctx, page)
}

func isLoginWall(pageURL string, terms []string) bool {
	lower := strings.ToLower(pageURL)
	for _, term := range terms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

// RecordViewport stores a finished viewport and persists right away.
func (r *run) RecordViewport(c results.ViewportCapture) {
	r.mu.Lock()
	r.result.Viewports = append(r.result.Viewports, c)
	if c.ScreenshotPath != "" {
		r.result.Screenshots = append(r.result.Screenshots, c.ScreenshotPath)
	}
	r.mu.Unlock()

	if c.ScreenshotPath != "" {
		r.e.metrics.Screenshot()
	}
	r.persist(false)
	r.publish(true)
}

// RecordFullPage appends the closing full-page screenshot.
func (r *run) RecordFullPage(path string) {
	r.mu.Lock()
	r.result.Screenshots = append(r.result.Screenshots, path)
	r.mu.Unlock()

	r.e.metrics.Screenshot()
	r.persist(false)
	r.publish(true)
}

func (r *run) setStatus(status results.Status) {
	r.mu.Lock()
	r.result.Status = status
	r.mu.Unlock()
}

// snapshot copies the result and attaches every event received so far.
func (r *run) snapshot() *results.AnalysisResult {
	r.mu.Lock()
	snap := r.result.Clone()
	r.mu.Unlock()
	if r.collector != nil {
		snap.TrackedEvents = r.collector.Events()
	}
	snap.Progress.ScreenshotsCount = len(snap.Screenshots)
	snap.Progress.EventsCount = len(snap.TrackedEvents)
	return snap
}

// persist writes the current snapshot. Failures are logged; the session
// goes on with the data it holds in memory.
func (r *run) persist(final bool) {
	if r.store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	snap := r.snapshot()
	var err error
	if final {
		err = r.store.PersistFinal(snap)
	} else {
		err = r.store.PersistIncremental(snap)
	}
	if err != nil {
		r.e.metrics.PersistError()
		r.log.Error("Failed to persist result", zap.Bool("final", final), zap.Error(err))
		return
	}

	r.mu.Lock()
	r.result.LastUpdated = snap.LastUpdated
	r.result.Progress = snap.Progress
	r.mu.Unlock()
}

// interrupt handles a cancelled ctx: the partial result is kept.
func (r *run) interrupt(ctx context.Context, page browser.Handle) (*results.AnalysisResult, error) {
	r.transition(StateShutdownRequested)
	r.log.Info("Shutdown requested, saving partial result")
	return r.conclude(page, results.StatusInterrupted, ctx.Err())
}

// conclude flushes telemetry, writes the last artifact and releases the
// browser, in that order.
func (r *run) conclude(page browser.Handle, status results.Status, err error) (*results.AnalysisResult, error) {
	if r.collector != nil {
		r.collector.Close()
	}
	r.setStatus(status)
	r.persist(status == results.StatusCompleted)

	if page != nil {
		if cerr := page.Close(); cerr != nil {
			r.log.Warn("Failed to close browser", zap.Error(cerr))
		}
	}

	final := r.snapshot()
	var dropped int64
	if r.collector != nil {
		dropped = r.collector.Dropped()
	}
	r.mu.Lock()
	reportFailed := r.reportFailed
	r.mu.Unlock()

	r.e.metrics.Events(len(final.TrackedEvents), dropped)
	r.e.metrics.SessionFinished(string(status))
	if r.e.stats != nil {
		r.e.stats.RecordSession(stats.SessionSummary{
			URL:           final.URL,
			Status:        status,
			Screenshots:   len(final.Screenshots),
			Events:        len(final.TrackedEvents),
			DroppedEvents: dropped,
			ReportFailed:  reportFailed,
		})
	}

	r.transition(StateDone)
	r.log.Info("Session finished",
		zap.String("status", string(status)),
		zap.Int("screenshots", len(final.Screenshots)),
		zap.Int("events", len(final.TrackedEvents)),
		zap.Bool("complete", final.Progress.IsComplete))
	return final, err
}

func (r *run) transition(s State) {
	r.mu.Lock()
	prev := r.state
	if prev.Terminal() {
		r.mu.Unlock()
		return
	}
	r.state = s
	r.mu.Unlock()

	r.log.Info("Session state changed",
		zap.String("from", prev.String()),
		zap.String("to", s.String()))
	r.e.metrics.Transition(s.String())
	r.publish(false)
}

// publish hands the current state to the observer without waiting.
func (r *run) publish(progress bool) {
	if r.notify == nil {
		return
	}
	r.mu.Lock()
	ev := Event{
		AnalysisID:  r.result.AnalysisID,
		State:       r.state,
		Progress:    progress,
		Status:      r.result.Status,
		Screenshots: len(r.result.Screenshots),
		Time:        r.e.now(),
	}
	r.mu.Unlock()
	if r.collector != nil {
		ev.Events = r.collector.Count()
	}

	select {
	case r.notify <- ev:
	default:
		r.log.Debug("Observer is behind, event dropped", zap.String("state", ev.State.String()))
	}
}

func (r *run) startObserver() {
	if r.e.observer == nil {
		return
	}
	r.notify = make(chan Event, 64)
	go func(ch <-chan Event, o Observer) {
		for ev := range ch {
			o.Observe(ev)
		}
	}(r.notify, r.e.observer)
}

func (r *run) stopObserver() {
	if r.notify != nil {
		close(r.notify)
	}
}
