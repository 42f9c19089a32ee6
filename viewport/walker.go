// Package viewport walks a page one screen at a time, interacting with and
// capturing every screen.
package viewport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/seo-optimizer/pagewalker/browser"
	"github.com/seo-optimizer/pagewalker/humanoid"
	"github.com/seo-optimizer/pagewalker/results"
)

// ErrCapture marks a screenshot that could not be taken or written.
var ErrCapture = errors.New("capture failed")

// FullPageName is the file name of the closing full-page screenshot.
const FullPageName = "fullpage.png"

type Suppressor interface {
	Repeat(ctx context.Context, page browser.Page) error
}

type Simulator interface {
	Simulate(ctx context.Context, page browser.Page, actions int) error
}

// EventSource hands out the events recorded since the last call.
type EventSource interface {
	Drain() []results.TrackedEvent
}

// Recorder receives every capture as soon as it exists so it can be
// persisted before the walk continues.
type Recorder interface {
	RecordViewport(c results.ViewportCapture)
	RecordFullPage(path string)
}

// Options configures a Walker.
type Options struct {
	Suppressor      Suppressor
	Simulator       Simulator
	Events          EventSource
	Recorder        Recorder
	Pacer           *humanoid.Pacer
	ScreenshotDir   string
	Actions         int
	SettleMin       time.Duration
	SettleMax       time.Duration
	WriteEventFiles bool
}

type Walker struct {
	opts   Options
	logger *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Pacer == nil {
		opts.Pacer = humanoid.NewPacer(nil)
	}
	return &Walker{opts: opts, logger: logger.Named("viewport")}
}

// Dimensions are the heights reported by the page in CSS pixels.
type Dimensions struct {
	ViewportHeight int `json:"viewportHeight"`
	PageHeight     int `json:"pageHeight"`
}

const dimensionsScript = `(() => {
	// pagewalker:dimensions
	return {
		viewportHeight: window.innerHeight || 0,
		pageHeight: document.body ? document.body.scrollHeight : 0,
	};
})()`

// Screens returns how many viewport-sized screens cover the page. Unknown
// heights and pages shorter than the viewport count as one screen.
func Screens(pageHeight, viewportHeight int) int {
	if viewportHeight <= 0 || pageHeight <= viewportHeight {
		return 1
	}
	return (pageHeight + viewportHeight - 1) / viewportHeight
}

// Walk captures every screen and then the full page. It returns the
// captures completed so far together with ctx.Err() when cancelled.
func (w *Walker) Walk(ctx context.Context, page browser.Page) ([]results.ViewportCapture, error) {
	var dims Dimensions
	if err := page.Evaluate(ctx, dimensionsScript, &dims); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		w.logger.Warn("Could not read page dimensions, capturing one screen", zap.Error(err))
	}
	screens := Screens(dims.PageHeight, dims.ViewportHeight)
	w.logger.Info("Walking page",
		zap.Int("screens", screens),
		zap.Int("page_height", dims.PageHeight),
		zap.Int("viewport_height", dims.ViewportHeight))

	captures := make([]results.ViewportCapture, 0, screens)
	for i := 0; i < screens; i++ {
		if err := ctx.Err(); err != nil {
			return captures, err
		}
		capture, err := w.visit(ctx, page, i, i*dims.ViewportHeight)
		if err != nil {
			return captures, err
		}
		captures = append(captures, capture)
		if w.opts.Recorder != nil {
			w.opts.Recorder.RecordViewport(capture)
		}
	}

	if err := ctx.Err(); err != nil {
		return captures, err
	}
	path, err := w.capture(ctx, page, browser.FullPage, FullPageName)
	if err != nil {
		if ctx.Err() != nil {
			return captures, ctx.Err()
		}
		w.logger.Warn("Full-page screenshot failed", zap.Error(err))
	} else if w.opts.Recorder != nil {
		w.opts.Recorder.RecordFullPage(path)
	}
	return captures, nil
}

// visit handles one screen. Only cancellation is returned as an error.
func (w *Walker) visit(ctx context.Context, page browser.Page, index, offset int) (results.ViewportCapture, error) {
	log := w.logger.With(zap.Int("viewport", index))

	if err := w.scrollTo(ctx, page, offset); err != nil {
		if ctx.Err() != nil {
			return results.ViewportCapture{}, ctx.Err()
		}
		log.Debug("Scroll failed", zap.Error(err))
	}
	if err := w.opts.Pacer.Pause(ctx, w.opts.SettleMin, w.opts.SettleMax); err != nil {
		return results.ViewportCapture{}, err
	}
	if w.opts.Suppressor != nil {
		if err := w.opts.Suppressor.Repeat(ctx, page); err != nil {
			return results.ViewportCapture{}, err
		}
	}
	if w.opts.Simulator != nil && w.opts.Actions > 0 {
		if err := w.opts.Simulator.Simulate(ctx, page, w.opts.Actions); err != nil {
			return results.ViewportCapture{}, err
		}
	}
	// The simulator may have scrolled; frame the screen again.
	if err := w.scrollTo(ctx, page, offset); err != nil && ctx.Err() != nil {
		return results.ViewportCapture{}, ctx.Err()
	}

	path, err := w.capture(ctx, page, browser.Viewport, fmt.Sprintf("viewport_%d.png", index))
	if err != nil {
		if ctx.Err() != nil {
			return results.ViewportCapture{}, ctx.Err()
		}
		log.Warn("Viewport screenshot failed", zap.Error(err))
	}

	capture := results.ViewportCapture{Index: index, ScreenshotPath: path}
	if w.opts.Events != nil {
		capture.Events = w.opts.Events.Drain()
	}
	if capture.Events == nil {
		capture.Events = []results.TrackedEvent{}
	}
	if w.opts.WriteEventFiles {
		w.writeEventFile(capture, log)
	}
	log.Info("Viewport captured", zap.String("screenshot", path), zap.Int("events", len(capture.Events)))
	return capture, nil
}

func (w *Walker) scrollTo(ctx context.Context, page browser.Page, offset int) error {
	script := fmt.Sprintf("// pagewalker:viewport-offset\nwindow.scrollTo(0, %d)", offset)
	return page.Evaluate(ctx, script, nil)
}

func (w *Walker) capture(ctx context.Context, page browser.Page, target browser.Target, name string) (string, error) {
	data, err := page.Screenshot(ctx, target)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrCapture, target, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: %s: empty image", ErrCapture, target)
	}
	path := filepath.Join(w.opts.ScreenshotDir, name)
	if err := results.WriteFileAtomic(path, data, 0644); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCapture, err)
	}
	return path, nil
}

func (w *Walker) writeEventFile(capture results.ViewportCapture, log *zap.Logger) {
	data, err := json.MarshalIndent(capture, "", "  ")
	if err == nil {
		path := filepath.Join(w.opts.ScreenshotDir, fmt.Sprintf("tracked_%d.json", capture.Index))
		err = results.WriteFileAtomic(path, data, 0644)
	}
	if err != nil {
		log.Warn("Tracked events file not written", zap.Error(err))
	}
}
