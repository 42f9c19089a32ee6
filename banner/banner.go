// Package banner removes promotional and login interstitials that cover the
// page content.
package banner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/seo-optimizer/pagewalker/browser"
	"github.com/seo-optimizer/pagewalker/config"
)

// ErrSuppression is logged when a sweep fails. It never aborts a session.
var ErrSuppression = errors.New("banner suppression failed")

var errBannersRemaining = errors.New("banners still present")

// DefaultSelectors match the interstitials seen on community sites.
var DefaultSelectors = []string{
	`[data-testid="bottom-bar"]`,
	`[data-testid="login-signup-banner"]`,
	`[data-testid="login-signup-modal"]`,
	`.XPromoPopup__closeButton`,
	`[aria-label="Close"]`,
	`.XPromoPopup`,
	`.XPromoPill`,
	`.XPromoPill__container`,
	`.XPromoPill__content`,
	`.XPromoPill__close`,
	`.LoginSignupModal`,
	`.LoginSignupBanner`,
	`.BottomBar`,
	`.TopBar`,
	`.RedditHeader__login`,
	`.RedditHeader__signup`,
	`button[data-testid="login-button"]`,
	`button[data-testid="signup-button"]`,
}

const closeButtonSelector = `button[aria-label="Close"], .XPromoPopup__closeButton, [data-testid="close-button"]`

const styleElementID = "pagewalker-banner-style"

// SweepResult reports what one pass found.
type SweepResult struct {
	Matched  int `json:"matched"`
	Clicked  int `json:"clicked"`
	Overlays int `json:"overlays"`
}

// Found is the number of elements the pass acted on.
func (r SweepResult) Found() int { return r.Matched + r.Clicked + r.Overlays }

// Installer registers scripts that run in every document the page loads.
type Installer interface {
	InjectOnNewDocument(ctx context.Context, script string) error
}

// Suppressor hides banners on one session's page. It is safe to call
// repeatedly; the style override is registered once per session.
type Suppressor struct {
	cfg       config.BannerConfig
	logger    *zap.Logger
	selectors []string

	mu         sync.Mutex
	registered bool
}

func New(cfg config.BannerConfig, logger *zap.Logger) *Suppressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	selectors := append([]string{}, DefaultSelectors...)
	selectors = append(selectors, cfg.ExtraSelectors...)
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ZIndexFloor <= 0 {
		cfg.ZIndexFloor = 1000
	}
	return &Suppressor{
		cfg:       cfg,
		logger:    logger.Named("banner"),
		selectors: selectors,
	}
}

// Install registers the style override for every document loaded from now
// on, so banners stay hidden across navigations. Later calls are no-ops.
func (s *Suppressor) Install(ctx context.Context, page Installer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered {
		return nil
	}
	if err := page.InjectOnNewDocument(ctx, s.styleScript()); err != nil {
		return fmt.Errorf("%w: failed to register style override: %w", ErrSuppression, err)
	}
	s.registered = true
	return nil
}

// Suppress sweeps the page until a pass finds nothing or the attempts run
// out, then applies the style override to the current document. Only
// cancellation is returned.
func (s *Suppressor) Suppress(ctx context.Context, page browser.Page) error {
	attempts := 0
	var last SweepResult
	operation := func() error {
		attempts++
		res, err := s.sweep(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		last = res
		if res.Found() == 0 {
			return nil
		}
		return errBannersRemaining
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.AttemptPause), uint64(s.cfg.MaxAttempts-1)),
		ctx,
	)
	err := backoff.Retry(operation, policy)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case errors.Is(err, errBannersRemaining):
		s.logger.Info("Banners persisted after all attempts",
			zap.Int("attempts", attempts), zap.Int("last_found", last.Found()))
	case err != nil:
		s.logger.Warn("Banner sweep failed", zap.Int("attempts", attempts), zap.Error(fmt.Errorf("%w: %w", ErrSuppression, err)))
	default:
		s.logger.Debug("Banners cleared", zap.Int("attempts", attempts))
	}

	s.applyStyle(ctx, page)
	return ctx.Err()
}

// Repeat runs a single sweep, used between viewports.
func (s *Suppressor) Repeat(ctx context.Context, page browser.Page) error {
	res, err := s.sweep(ctx, page)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("Repeat sweep failed", zap.Error(fmt.Errorf("%w: %w", ErrSuppression, err)))
		return nil
	}
	if res.Found() > 0 {
		s.logger.Debug("Banners removed", zap.Int("matched", res.Matched),
			zap.Int("clicked", res.Clicked), zap.Int("overlays", res.Overlays))
	}
	return nil
}

func (s *Suppressor) sweep(ctx context.Context, page browser.Page) (SweepResult, error) {
	var res SweepResult
	if err := page.Evaluate(ctx, s.sweepScript(), &res); err != nil {
		return SweepResult{}, err
	}
	return res, nil
}

// applyStyle adds the override to the document already loaded. The script
// skips documents that carry it.
func (s *Suppressor) applyStyle(ctx context.Context, page browser.Page) {
	if ctx.Err() != nil {
		return
	}
	if err := page.Evaluate(ctx, s.styleScript(), nil); err != nil {
		s.logger.Warn("Style override not applied", zap.Error(fmt.Errorf("%w: %w", ErrSuppression, err)))
	}
}

func (s *Suppressor) sweepScript() string {
	selectors, _ := json.Marshal(s.selectors)
	return fmt.Sprintf(`(() => {
	// pagewalker:banner-sweep
	const selectors = %s;
	const result = { matched: 0, clicked: 0, overlays: 0 };
	const hide = (el) => {
		el.style.setProperty("display", "none", "important");
		el.style.setProperty("visibility", "hidden", "important");
		el.remove();
	};
	for (const selector of selectors) {
		let nodes = [];
		try { nodes = document.querySelectorAll(selector); } catch (e) { continue; }
		nodes.forEach((el) => { result.matched++; hide(el); });
	}
	document.querySelectorAll(%q).forEach((btn) => {
		try { btn.click(); result.clicked++; } catch (e) {}
	});
	document.querySelectorAll("body *").forEach((el) => {
		const style = window.getComputedStyle(el);
		if (style.position !== "fixed" || style.display === "none") return;
		const z = parseInt(style.zIndex, 10);
		const cls = (typeof el.className === "string" ? el.className : "").toLowerCase();
		if ((!isNaN(z) && z > %d) || cls.includes("banner") || cls.includes("modal")) {
			result.overlays++;
			hide(el);
		}
	});
	return result;
})()`, selectors, closeButtonSelector, s.cfg.ZIndexFloor)
}

func (s *Suppressor) styleScript() string {
	css := ""
	for i, sel := range s.selectors {
		if i > 0 {
			css += ",\n"
		}
		css += sel
	}
	css += ` {
	display: none !important;
	visibility: hidden !important;
	opacity: 0 !important;
	pointer-events: none !important;
	position: absolute !important;
	top: -9999px !important;
	left: -9999px !important;
}`
	cssJSON, _ := json.Marshal(css)
	return fmt.Sprintf(`(() => {
	// pagewalker:banner-style
	const install = () => {
		if (document.getElementById(%q)) return;
		const root = document.head || document.documentElement;
		if (!root) return;
		const style = document.createElement("style");
		style.id = %q;
		style.textContent = %s;
		root.appendChild(style);
	};
	install();
	// New documents run this before <html> exists
	document.addEventListener("DOMContentLoaded", install);
	return true;
})()`, styleElementID, styleElementID, cssJSON)
}
