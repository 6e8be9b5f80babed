// Package moderation implements the content policy on top of the external
// classifier: decide an action, enforce it on the job record, and keep the
// audit trail.
package moderation

import (
	"fmt"
	"time"

	"github.com/adi99/vidai/internal/domain"
)

// Per-category block thresholds. Reaching one blocks outright regardless of
// the overall confidence.
const (
	thresholdAdult      = 0.7
	thresholdViolence   = 0.6
	thresholdHate       = 0.8
	thresholdHarassment = 0.7
	thresholdSelfHarm   = 0.9
)

// Overall confidence bands for inappropriate content.
const (
	confidenceBlock  = 0.8
	confidenceReview = 0.6
	confidenceFlag   = 0.4
)

// lowTrust marks owners whose flag-band content is parked for review
// instead of being flagged in place.
const lowTrust = 0.3

// Decide maps a classification and the owner's trust score onto a policy
// action. Pure; enforcement is separate.
func Decide(cls domain.Classification, ownerTrust float64) domain.ModerationOutcome {
	out := domain.ModerationOutcome{
		Confidence: cls.Confidence,
		Categories: cls.Categories,
	}
	if name, score, hit := categoryHit(cls.Categories); hit {
		out.Action = domain.ModerationBlock
		out.Reason = fmt.Sprintf("category %s score %.2f over threshold", name, score)
		return out
	}
	if !cls.Inappropriate {
		out.Action = domain.ModerationApprove
		return out
	}
	switch {
	case cls.Confidence >= confidenceBlock:
		out.Action = domain.ModerationBlock
		out.Reason = fmt.Sprintf("inappropriate with confidence %.2f", cls.Confidence)
	case cls.Confidence >= confidenceReview:
		out.Action = domain.ModerationReview
		out.Reason = fmt.Sprintf("inappropriate with confidence %.2f", cls.Confidence)
	case cls.Confidence >= confidenceFlag:
		if ownerTrust < lowTrust {
			out.Action = domain.ModerationReview
			out.Reason = fmt.Sprintf("low-trust owner, confidence %.2f", cls.Confidence)
		} else {
			out.Action = domain.ModerationFlag
			out.Reason = fmt.Sprintf("inappropriate with confidence %.2f", cls.Confidence)
		}
	default:
		out.Action = domain.ModerationApprove
	}
	return out
}

func categoryHit(c domain.CategoryScores) (string, float64, bool) {
	switch {
	case c.Adult >= thresholdAdult:
		return "adult", c.Adult, true
	case c.Violence >= thresholdViolence:
		return "violence", c.Violence, true
	case c.Hate >= thresholdHate:
		return "hate", c.Hate, true
	case c.Harassment >= thresholdHarassment:
		return "harassment", c.Harassment, true
	case c.SelfHarm >= thresholdSelfHarm:
		return "self_harm", c.SelfHarm, true
	}
	return "", 0, false
}

// TrustScore maps account age onto a trust band.
func TrustScore(age time.Duration) float64 {
	switch {
	case age < 24*time.Hour:
		return 0.2
	case age < 7*24*time.Hour:
		return 0.4
	case age < 30*24*time.Hour:
		return 0.6
	default:
		return 0.8
	}
}
