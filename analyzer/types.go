package analyzer

// PageMetrics represents the structural counts taken from a rendered page
type PageMetrics struct {
	TotalElements   int  `json:"totalElements"`
	Images          int  `json:"images"`
	AltTextImages   int  `json:"altTextImages"`
	Links           int  `json:"links"`
	Buttons         int  `json:"buttons"`
	Forms           int  `json:"forms"`
	Headings        int  `json:"headings"`
	HasViewportMeta bool `json:"hasViewportMeta"`
}

// AltCoverage returns the share of images carrying alt text, 1 when the page
// has no images.
func (m PageMetrics) AltCoverage() float64 {
	if m.Images == 0 {
		return 1
	}
	return float64(m.AltTextImages) / float64(m.Images)
}
