// Package telemetry records the interactions the page reports through an
// exposed binding.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/seo-optimizer/pagewalker/config"
	"github.com/seo-optimizer/pagewalker/results"
)

// Installer is the part of a browser handle the collector needs.
type Installer interface {
	ExposeCallback(ctx context.Context, name string, handler func(payload string)) error
	InjectOnNewDocument(ctx context.Context, script string) error
}

// Collector buffers events for one session. Delivery never blocks the page:
// when the buffer is full the event is dropped and counted.
type Collector struct {
	cfg       config.TelemetryConfig
	sessionID string
	logger    *zap.Logger

	events chan results.TrackedEvent
	quit   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	session   []results.TrackedEvent
	bucket    []results.TrackedEvent
	sinceLast int

	onThreshold func()

	started atomic.Bool
	closed  atomic.Bool
	dropped atomic.Int64
}

func NewCollector(cfg config.TelemetryConfig, sessionID string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.PersistEvery <= 0 {
		cfg.PersistEvery = 5
	}
	if cfg.BindingName == "" {
		cfg.BindingName = "recordEvent"
	}
	return &Collector{
		cfg:       cfg,
		sessionID: sessionID,
		logger:    logger.Named("telemetry"),
		events:    make(chan results.TrackedEvent, cfg.BufferSize),
		quit:      make(chan struct{}),
	}
}

// OnThreshold registers fn to run every PersistEvery appended events. It runs
// on the drain goroutine after the lock is released. Set before Start.
func (c *Collector) OnThreshold(fn func()) { c.onThreshold = fn }

// Install exposes the delivery binding and installs the tracker in every
// document the page loads from now on.
func (c *Collector) Install(ctx context.Context, page Installer) error {
	if err := page.ExposeCallback(ctx, c.cfg.BindingName, c.Deliver); err != nil {
		return fmt.Errorf("failed to expose %s: %w", c.cfg.BindingName, err)
	}
	if c.sessionID != "" {
		id, _ := json.Marshal(c.sessionID)
		if err := page.InjectOnNewDocument(ctx, fmt.Sprintf("window.__sessionId = %s;", id)); err != nil {
			return fmt.Errorf("failed to inject session id: %w", err)
		}
	}
	if err := page.InjectOnNewDocument(ctx, TrackerScript(c.cfg.BindingName)); err != nil {
		return fmt.Errorf("failed to inject tracker: %w", err)
	}
	return nil
}

// Start launches the drain goroutine.
func (c *Collector) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.drain()
}

// Deliver accepts one JSON payload from the page.
func (c *Collector) Deliver(payload string) {
	if c.closed.Load() {
		return
	}
	var ev results.TrackedEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.logger.Debug("Discarding malformed event", zap.Error(err))
		return
	}
	switch ev.EventType {
	case results.EventClick, results.EventScroll, results.EventInput:
	default:
		c.logger.Debug("Discarding unknown event type", zap.String("type", ev.EventType))
		return
	}
	if ev.SessionID == "" {
		ev.SessionID = c.sessionID
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	select {
	case c.events <- ev:
	default:
		if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
			c.logger.Warn("Event buffer full, dropping events", zap.Int64("dropped", n))
		}
	}
}

func (c *Collector) drain() {
	defer c.wg.Done()
	for {
		select {
		case ev := <-c.events:
			c.append(ev)
		case <-c.quit:
			for {
				select {
				case ev := <-c.events:
					c.append(ev)
				default:
					return
				}
			}
		}
	}
}

func (c *Collector) append(ev results.TrackedEvent) {
	c.mu.Lock()
	c.session = append(c.session, ev)
	c.bucket = append(c.bucket, ev)
	c.sinceLast++
	fire := c.sinceLast >= c.cfg.PersistEvery
	if fire {
		c.sinceLast = 0
	}
	c.mu.Unlock()

	if fire && c.onThreshold != nil {
		c.onThreshold()
	}
}

// Drain returns the events recorded since the previous Drain and clears
// the viewport bucket.
func (c *Collector) Drain() []results.TrackedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.bucket
	c.bucket = nil
	if out == nil {
		out = []results.TrackedEvent{}
	}
	return out
}

// Events returns a copy of every event of the session in arrival order.
func (c *Collector) Events() []results.TrackedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]results.TrackedEvent{}, c.session...)
}

// Count returns the number of events recorded so far.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.session)
}

// Dropped returns how many events were lost to a full buffer.
func (c *Collector) Dropped() int64 { return c.dropped.Load() }

// Close stops accepting events and waits until buffered ones are appended.
func (c *Collector) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.quit)
	c.wg.Wait()
}
