package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrExtraction is returned when the DOM snapshot cannot be taken or parsed.
var ErrExtraction = errors.New("metrics extraction failed")

// snapshotScript returns the serialized DOM in one evaluation.
const snapshotScript = `document.documentElement ? document.documentElement.outerHTML : ""`

const (
	buttonSelector  = "button, input[type='button'], input[type='submit']"
	headingSelector = "h1, h2, h3, h4, h5, h6"
)

// Evaluator runs a script in the page and decodes its JSON result into res.
type Evaluator interface {
	Evaluate(ctx context.Context, script string, res any) error
}

// Extract takes a DOM snapshot of the current page and computes its metrics.
func Extract(ctx context.Context, page Evaluator) (PageMetrics, error) {
	var html string
	if err := page.Evaluate(ctx, snapshotScript, &html); err != nil {
		return PageMetrics{}, fmt.Errorf("%w: failed to snapshot DOM: %w", ErrExtraction, err)
	}
	if strings.TrimSpace(html) == "" {
		return PageMetrics{}, fmt.Errorf("%w: empty document", ErrExtraction)
	}
	return MetricsFromHTML(html)
}

// MetricsFromHTML computes PageMetrics from serialized markup.
func MetricsFromHTML(html string) (PageMetrics, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return PageMetrics{}, fmt.Errorf("%w: failed to parse HTML: %w", ErrExtraction, err)
	}
	return metricsFromDocument(doc), nil
}

func metricsFromDocument(doc *goquery.Document) PageMetrics {
	images := doc.Find("img")

	metrics := PageMetrics{
		TotalElements:   doc.Find("*").Length(),
		Images:          images.Length(),
		Links:           doc.Find("a").Length(),
		Buttons:         doc.Find(buttonSelector).Length(),
		Forms:           doc.Find("form").Length(),
		Headings:        doc.Find(headingSelector).Length(),
		HasViewportMeta: doc.Find("meta[name='viewport']").Length() > 0,
	}

	// Whitespace-only alt text does not count
	images.Each(func(_ int, s *goquery.Selection) {
		if alt, exists := s.Attr("alt"); exists && strings.TrimSpace(alt) != "" {
			metrics.AltTextImages++
		}
	})

	return metrics
}
