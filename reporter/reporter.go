// Package reporter delivers finished analyses to the collecting backend.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/seo-optimizer/pagewalker/analyzer"
	"github.com/seo-optimizer/pagewalker/config"
	"github.com/seo-optimizer/pagewalker/results"
)

// ErrReporting is returned when the backend could not be reached or refused
// the payload. Callers log it; a session never fails because of it.
var ErrReporting = errors.New("reporting failed")

// Payload is the body posted to the backend.
type Payload struct {
	URL             string                 `json:"url"`
	AnalysisID      string                 `json:"analysis_id"`
	Metrics         *analyzer.PageMetrics  `json:"metrics"`
	Recommendations []string               `json:"recommendations"`
	Screenshots     []string               `json:"screenshots"`
	TrackedEvents   []results.TrackedEvent `json:"tracked_events"`
	Timestamp       time.Time              `json:"timestamp"`
}

// NewPayload copies the reportable part of r.
func NewPayload(r *results.AnalysisResult) Payload {
	c := r.Clone()
	return Payload{
		URL:             c.URL,
		AnalysisID:      c.AnalysisID,
		Metrics:         c.Metrics,
		Recommendations: c.Recommendations,
		Screenshots:     c.Screenshots,
		TrackedEvents:   c.TrackedEvents,
		Timestamp:       c.Timestamp,
	}
}

// Client posts results to <backend_url><path>.
type Client struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// New returns a Client, or nil when no backend is configured. A nil Client
// reports nothing.
func New(cfg config.ReporterConfig, logger *zap.Logger) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BackendURL), "/")
	if base == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		endpoint: base + "/" + strings.TrimLeft(cfg.Path, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger.Named("reporter"),
	}
}

// Endpoint returns the full URL results are posted to.
func (c *Client) Endpoint() string {
	if c == nil {
		return ""
	}
	return c.endpoint
}

// Report sends r to the backend. Any non-2xx response is ErrReporting.
func (c *Client) Report(ctx context.Context, r *results.AnalysisResult) error {
	if c == nil {
		return nil
	}

	body, err := json.Marshal(NewPayload(r))
	if err != nil {
		return fmt.Errorf("%w: failed to encode payload: %w", ErrReporting, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrReporting, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReporting, err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: backend responded %d: %s", ErrReporting, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	c.logger.Info("Results reported",
		zap.String("analysis_id", r.AnalysisID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))
	return nil
}
