package analyzer

// Recommendation texts, in evaluation order
const (
	RecommendAltText       = "Add alt text to images for better accessibility"
	RecommendHeadings      = "Consider adding more heading elements for better content structure"
	RecommendViewportMeta  = "Add viewport meta tag for better mobile responsiveness"
	RecommendCallToAction  = "Consider adding more call-to-action buttons"
	RecommendFormButtons   = "Add submit buttons to forms for better user interaction"
	RecommendOptimizeImage = "Consider optimizing images for faster loading"
)

const (
	minHeadings  = 3
	minButtons   = 2
	maxImages    = 10
	minFormButns = 1
)

type rule struct {
	applies func(PageMetrics) bool
	text    string
}

var rules = []rule{
	{func(m PageMetrics) bool { return m.Images > 0 && m.AltTextImages < m.Images }, RecommendAltText},
	{func(m PageMetrics) bool { return m.Headings < minHeadings }, RecommendHeadings},
	{func(m PageMetrics) bool { return !m.HasViewportMeta }, RecommendViewportMeta},
	{func(m PageMetrics) bool { return m.Buttons < minButtons }, RecommendCallToAction},
	{func(m PageMetrics) bool { return m.Forms > 0 && m.Buttons < minFormButns }, RecommendFormButtons},
	{func(m PageMetrics) bool { return m.Images > maxImages }, RecommendOptimizeImage},
}

// Recommend maps metrics to improvement suggestions. The result order is the
// rule order and is the same for equal inputs.
func Recommend(m PageMetrics) []string {
	recommendations := make([]string, 0, len(rules))
	for _, r := range rules {
		if r.applies(m) {
			recommendations = append(recommendations, r.text)
		}
	}
	return recommendations
}
