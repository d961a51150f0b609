// Package detector decides whether a page URL points at a coding problem and
// extracts a best-effort number, title, and difficulty. The heavy DOM
// heuristics live in the hosted page; this side only needs the URL-level
// contract.
package detector

import (
	"net/url"
	"strings"

	"speedcode/models"
)

// Detector inspects a page URL and reports the current problem, if any.
type Detector interface {
	Detect(pageURL string) models.ProblemSnapshot
}

// URLDetector recognizes practice-site problem pages of the form
// .../problems/<slug>/... and derives a title from the slug. Difficulty is
// not recoverable from the URL and is reported as Unknown.
type URLDetector struct{}

// NewURLDetector returns the default detector.
func NewURLDetector() *URLDetector {
	return &URLDetector{}
}

// Detect parses pageURL and extracts a snapshot. Non-problem pages yield a
// zero snapshot with IsProblem false.
func (d *URLDetector) Detect(pageURL string) models.ProblemSnapshot {
	u, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || u.Host == "" {
		return models.ProblemSnapshot{}
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segments {
		if strings.EqualFold(seg, "problems") && i+1 < len(segments) && segments[i+1] != "" {
			slug := segments[i+1]
			return models.ProblemSnapshot{
				IsProblem:     true,
				ProblemNumber: models.DefaultProblemNumber,
				ProblemTitle:  titleFromSlug(slug),
				Difficulty:    models.DifficultyUnknown,
				URL:           pageURL,
			}
		}
	}
	return models.ProblemSnapshot{}
}

// titleFromSlug converts "two-sum" into "Two Sum".
func titleFromSlug(slug string) string {
	words := strings.Split(slug, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
