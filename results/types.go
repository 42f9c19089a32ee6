package results

import (
	"time"

	"github.com/seo-optimizer/pagewalker/analyzer"
)

// Status of an analysis session
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Event types emitted by the in-page tracker
const (
	EventClick  = "click"
	EventScroll = "scroll"
	EventInput  = "input"
)

// BoundingBox is the element rectangle at the time of the event
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// TrackedEvent is a single user-interaction event observed in the page
type TrackedEvent struct {
	Timestamp      string       `json:"timestamp"`
	EventType      string       `json:"eventType"`
	ElementType    string       `json:"elementType"`
	ElementText    string       `json:"elementText"`
	ElementClasses string       `json:"elementClasses"`
	BBox           *BoundingBox `json:"bbox,omitempty"`
	URL            string       `json:"url"`
	SessionID      string       `json:"sessionId,omitempty"`
}

// ViewportCapture is the record for one scrolled position of the page
type ViewportCapture struct {
	Index          int            `json:"index"`
	ScreenshotPath string         `json:"screenshotPath"`
	Events         []TrackedEvent `json:"events"`
}

// Progress mirrors the length of the result sequences
type Progress struct {
	ScreenshotsCount int        `json:"screenshots_count"`
	EventsCount      int        `json:"events_count"`
	IsComplete       bool       `json:"is_complete"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// AnalysisResult is the aggregate persisted for every session
type AnalysisResult struct {
	URL             string                `json:"url"`
	AnalysisID      string                `json:"analysis_id"`
	SessionID       string                `json:"session_id,omitempty"`
	Mode            string                `json:"mode"`
	Status          Status                `json:"status"`
	Timestamp       time.Time             `json:"timestamp"`
	LastUpdated     time.Time             `json:"last_updated"`
	Screenshots     []string              `json:"screenshots"`
	Viewports       []ViewportCapture     `json:"viewports"`
	Metrics         *analyzer.PageMetrics `json:"metrics,omitempty"`
	Recommendations []string              `json:"recommendations"`
	TrackedEvents   []TrackedEvent        `json:"tracked_events"`
	Progress        Progress              `json:"progress"`
}

// Clone returns a copy that shares no slices with r.
func (r *AnalysisResult) Clone() *AnalysisResult {
	c := *r
	c.Screenshots = append([]string(nil), r.Screenshots...)
	c.Viewports = make([]ViewportCapture, len(r.Viewports))
	for i, v := range r.Viewports {
		v.Events = append([]TrackedEvent(nil), v.Events...)
		c.Viewports[i] = v
	}
	c.Recommendations = append([]string(nil), r.Recommendations...)
	c.TrackedEvents = append([]TrackedEvent(nil), r.TrackedEvents...)
	if r.Metrics != nil {
		m := *r.Metrics
		c.Metrics = &m
	}
	if r.Progress.CompletedAt != nil {
		t := *r.Progress.CompletedAt
		c.Progress.CompletedAt = &t
	}
	return &c
}

// normalize recomputes derived fields and replaces nil slices so the
// artifact always carries arrays.
func (r *AnalysisResult) normalize() {
	if r.Screenshots == nil {
		r.Screenshots = []string{}
	}
	if r.Viewports == nil {
		r.Viewports = []ViewportCapture{}
	}
	for i := range r.Viewports {
		if r.Viewports[i].Events == nil {
			r.Viewports[i].Events = []TrackedEvent{}
		}
	}
	if r.Recommendations == nil {
		r.Recommendations = []string{}
	}
	if r.TrackedEvents == nil {
		r.TrackedEvents = []TrackedEvent{}
	}
	r.Progress.ScreenshotsCount = len(r.Screenshots)
	r.Progress.EventsCount = len(r.TrackedEvents)
}
