// Package humanoid drives a page the way a distracted visitor would:
// wandering pointer, occasional clicks, some typing and scrolling.
package humanoid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/aquilax/go-perlin"
	"go.uber.org/zap"

	"github.com/seo-optimizer/pagewalker/browser"
	"github.com/seo-optimizer/pagewalker/config"
)

// ErrSimulation wraps the failure of a single simulated action.
var ErrSimulation = errors.New("simulated action failed")

const (
	clickableSelector = `button, [role="button"], [role="menuitem"], input[type="button"], input[type="submit"], a`
	typeableSelector  = `input[type="text"], input[type="search"]`

	// Pointer jitter amplitude in CSS pixels
	jitterAmplitude = 3.0
)

// Simulator performs randomized interactions on a page. It keeps the pointer
// position between calls so consecutive paths connect.
type Simulator struct {
	cfg    config.HumanoidConfig
	logger *zap.Logger
	pacer  *Pacer

	mu        sync.Mutex
	x, y      float64
	noiseTime float64
	noiseX    *perlin.Perlin
	noiseY    *perlin.Perlin
}

// New creates a Simulator. All randomness comes from pacer.
func New(cfg config.HumanoidConfig, pacer *Pacer, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pacer == nil {
		pacer = NewPacer(nil)
	}
	seed := int64(pacer.Intn(math.MaxInt32))
	if cfg.PathSteps <= 0 {
		cfg.PathSteps = 1
	}
	return &Simulator{
		cfg:    cfg,
		logger: logger.Named("humanoid"),
		pacer:  pacer,
		noiseX: perlin.NewPerlin(2, 2, 3, seed),
		noiseY: perlin.NewPerlin(2, 2, 3, seed+1),
	}
}

// Simulate performs one neutral click followed by the given number of random
// actions, pausing between them. Failed actions are logged and skipped; only
// cancellation ends the pass early.
func (s *Simulator) Simulate(ctx context.Context, page browser.Page, actions int) error {
	if err := s.neutralClick(ctx, page); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("Neutral click failed", zap.Error(err))
	}

	for i := 0; i < actions; i++ {
		if err := s.pacer.Pause(ctx, s.cfg.MinDelay, s.cfg.MaxDelay); err != nil {
			return err
		}

		var err error
		switch roll := s.pacer.Float64(); {
		case roll < 0.5:
			err = s.clickSafeElement(ctx, page)
		case roll < 0.8:
			err = s.scroll(ctx, page)
		default:
			err = s.fillInput(ctx, page)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Debug("Action skipped", zap.Int("action", i), zap.Error(err))
		}
	}
	return nil
}

// neutralClick clicks a spot that is unlikely to hold a control, which
// dismisses hover menus and focuses the document.
func (s *Simulator) neutralClick(ctx context.Context, page browser.Page) error {
	if err := s.moveTo(ctx, page, s.cfg.NeutralX, s.cfg.NeutralY); err != nil {
		return fmt.Errorf("%w: move: %w", ErrSimulation, err)
	}
	if err := page.MouseClick(ctx, s.cfg.NeutralX, s.cfg.NeutralY); err != nil {
		return fmt.Errorf("%w: neutral click: %w", ErrSimulation, err)
	}
	return nil
}

type clickTarget struct {
	Found bool    `json:"found"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Text  string  `json:"text"`
}

func (s *Simulator) clickSafeElement(ctx context.Context, page browser.Page) error {
	var target clickTarget
	if err := page.Evaluate(ctx, s.safeClickScript(s.pacer.Float64()), &target); err != nil {
		return fmt.Errorf("%w: locate clickable: %w", ErrSimulation, err)
	}
	if !target.Found {
		return nil
	}

	if err := s.moveTo(ctx, page, target.X, target.Y); err != nil {
		return fmt.Errorf("%w: move: %w", ErrSimulation, err)
	}
	if err := page.MouseClick(ctx, target.X, target.Y); err != nil {
		return fmt.Errorf("%w: click: %w", ErrSimulation, err)
	}
	s.logger.Debug("Clicked element", zap.String("text", target.Text))

	// A click may start a navigation; give it a bounded chance to settle.
	if err := page.WaitForNavigation(ctx, s.cfg.NavigationTimeout); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("Navigation after click did not settle", zap.Error(err))
	}
	return nil
}

func (s *Simulator) fillInput(ctx context.Context, page browser.Page) error {
	var filled bool
	if err := page.Evaluate(ctx, s.fillScript(s.pacer.Float64()), &filled); err != nil {
		return fmt.Errorf("%w: fill input: %w", ErrSimulation, err)
	}
	if filled {
		s.logger.Debug("Filled input", zap.String("text", s.cfg.FillText))
	}
	return nil
}

func (s *Simulator) scroll(ctx context.Context, page browser.Page) error {
	var delta int
	switch s.pacer.Intn(3) {
	case 0:
		delta = 300
	case 1:
		delta = -150
	default:
		max := s.cfg.MaxScroll
		if max <= 0 {
			max = 200
		}
		delta = s.pacer.Intn(max + 1)
	}
	script := fmt.Sprintf("// pagewalker:scroll\nwindow.scrollBy(0, %d)", delta)
	if err := page.Evaluate(ctx, script, nil); err != nil {
		return fmt.Errorf("%w: scroll: %w", ErrSimulation, err)
	}
	return nil
}

// moveTo walks the pointer from its last position to (x, y) along an eased
// line perturbed by Perlin noise. The final point is exact.
func (s *Simulator) moveTo(ctx context.Context, page browser.Page, x, y float64) error {
	s.mu.Lock()
	fromX, fromY := s.x, s.y
	s.mu.Unlock()

	steps := s.cfg.PathSteps
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		eased := t * t * (3 - 2*t)
		px := fromX + (x-fromX)*eased
		py := fromY + (y-fromY)*eased
		if i < steps {
			s.mu.Lock()
			s.noiseTime += 0.15
			px += s.noiseX.Noise1D(s.noiseTime) * jitterAmplitude * (1 - t)
			py += s.noiseY.Noise1D(s.noiseTime) * jitterAmplitude * (1 - t)
			s.mu.Unlock()
		}
		if err := page.MouseMove(ctx, px, py); err != nil {
			return err
		}
		if err := s.pacer.Pause(ctx, 4*time.Millisecond, 16*time.Millisecond); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.x, s.y = x, y
	s.mu.Unlock()
	return nil
}

func (s *Simulator) blockedTermsJSON() string {
	terms := make([]string, 0, len(s.cfg.BlockedTerms))
	for _, t := range s.cfg.BlockedTerms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	data, _ := json.Marshal(terms)
	return string(data)
}

func (s *Simulator) safeClickScript(pick float64) string {
	return fmt.Sprintf(`(() => {
	// pagewalker:safe-click
	const blocked = %s;
	const classOf = (el) => typeof el.className === "string" ? el.className : (el.getAttribute("class") || "");
	const isSafe = (el) => {
		const hay = [el.innerText || el.value || "", classOf(el), el.id || ""].join(" ").toLowerCase();
		return !blocked.some((term) => hay.includes(term));
	};
	const candidates = Array.from(document.querySelectorAll(%q)).filter((el) => {
		if (el.offsetParent === null || !isSafe(el)) return false;
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0 && r.top >= 0 && r.bottom <= window.innerHeight;
	});
	if (candidates.length === 0) return { found: false };
	const el = candidates[Math.min(candidates.length - 1, Math.floor(%f * candidates.length))];
	const r = el.getBoundingClientRect();
	return {
		found: true,
		x: r.left + r.width / 2,
		y: r.top + r.height / 2,
		text: (el.innerText || el.value || "").trim().slice(0, 80),
	};
})()`, s.blockedTermsJSON(), clickableSelector, pick)
}

func (s *Simulator) fillScript(pick float64) string {
	text, _ := json.Marshal(s.cfg.FillText)
	return fmt.Sprintf(`(() => {
	// pagewalker:fill-input
	const blocked = %s;
	const inputs = Array.from(document.querySelectorAll(%q)).filter((el) => {
		if (el.offsetParent === null || el.disabled || el.readOnly) return false;
		const hay = [el.name || "", el.placeholder || "", el.id || ""].join(" ").toLowerCase();
		return !blocked.some((term) => hay.includes(term));
	});
	if (inputs.length === 0) return false;
	const el = inputs[Math.min(inputs.length - 1, Math.floor(%f * inputs.length))];
	el.focus();
	el.value = %s;
	el.dispatchEvent(new Event("input", { bubbles: true }));
	el.dispatchEvent(new Event("change", { bubbles: true }));
	return true;
})()`, s.blockedTermsJSON(), typeableSelector, pick, text)
}
