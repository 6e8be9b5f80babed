package moderation

import (
	"hash/fnv"
	"strings"

	"github.com/adi99/vidai/internal/domain"
)

// Stub is a deterministic classifier for dev and tests. Scores derive from
// the media URL so fixtures stay stable; URLs carrying certain markers map
// onto high category scores to exercise the enforcement paths.
type Stub struct{}

// Classify implements domain.Classifier.
func (Stub) Classify(_ domain.Context, mediaURL string, _ domain.JobKind) (domain.Classification, error) {
	cls := domain.Classification{Model: "stub"}
	lower := strings.ToLower(mediaURL)
	switch {
	case strings.Contains(lower, "unsafe-adult"):
		cls.Inappropriate = true
		cls.Confidence = 0.95
		cls.Categories.Adult = 0.92
	case strings.Contains(lower, "unsafe-violence"):
		cls.Inappropriate = true
		cls.Confidence = 0.9
		cls.Categories.Violence = 0.85
	case strings.Contains(lower, "borderline"):
		cls.Inappropriate = true
		cls.Confidence = 0.65
	case strings.Contains(lower, "mild"):
		cls.Inappropriate = true
		cls.Confidence = 0.45
	default:
		// A small deterministic spread below every threshold.
		h := fnv.New32a()
		_, _ = h.Write([]byte(mediaURL))
		cls.Confidence = float64(h.Sum32()%30) / 100
	}
	return cls, nil
}
