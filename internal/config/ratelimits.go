package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Rate-limited action names. Every admission path and abuse-prone surface
// maps to one of these.
const (
	ActionImageGeneration = "image_generation"
	ActionVideoGeneration = "video_generation"
	ActionTraining        = "training"
	ActionAPICalls        = "api_calls"
	ActionLoginAttempts   = "login_attempts"
	ActionContentReports  = "content_reports"
	ActionComments        = "comments"
	ActionLikes           = "likes"
	ActionImageUploads    = "image_uploads"
	ActionTrainingUploads = "training_uploads"
)

// RateLimitRule is one sliding-window quota. A zero Block means breaches are
// rejected without a block period.
type RateLimitRule struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Block    time.Duration `yaml:"block"`
}

// ActionLimits multiplexes three tiers per action. Tier selection is
// adaptive on the user's recent violation count; it tightens or relaxes
// limits but never disables them.
type ActionLimits struct {
	Trusted    RateLimitRule `yaml:"trusted"`
	Base       RateLimitRule `yaml:"base"`
	Restricted RateLimitRule `yaml:"restricted"`
}

// RateLimits maps action name to its tiered rules.
type RateLimits map[string]ActionLimits

func tiered(trusted, base, restricted RateLimitRule) ActionLimits {
	return ActionLimits{Trusted: trusted, Base: base, Restricted: restricted}
}

func rule(requests int, window, block time.Duration) RateLimitRule {
	return RateLimitRule{Requests: requests, Window: window, Block: block}
}

// DefaultRateLimits returns the compiled-in quota tables.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		ActionImageGeneration: tiered(
			rule(100, time.Hour, 0),
			rule(50, time.Hour, 15*time.Minute),
			rule(20, time.Hour, 30*time.Minute),
		),
		ActionVideoGeneration: tiered(
			rule(40, time.Hour, 15*time.Minute),
			rule(20, time.Hour, 30*time.Minute),
			rule(8, time.Hour, time.Hour),
		),
		ActionTraining: tiered(
			rule(10, 24*time.Hour, 0),
			rule(5, 24*time.Hour, time.Hour),
			rule(2, 24*time.Hour, 2*time.Hour),
		),
		ActionAPICalls: tiered(
			rule(600, time.Minute, 0),
			rule(300, time.Minute, time.Minute),
			rule(100, time.Minute, 5*time.Minute),
		),
		ActionLoginAttempts: tiered(
			rule(10, 15*time.Minute, 15*time.Minute),
			rule(10, 15*time.Minute, 15*time.Minute),
			rule(5, 15*time.Minute, time.Hour),
		),
		ActionContentReports: tiered(
			rule(40, time.Hour, 0),
			rule(20, time.Hour, 30*time.Minute),
			rule(5, time.Hour, time.Hour),
		),
		ActionComments: tiered(
			rule(120, time.Hour, 0),
			rule(60, time.Hour, 10*time.Minute),
			rule(20, time.Hour, 30*time.Minute),
		),
		ActionLikes: tiered(
			rule(400, time.Hour, 0),
			rule(200, time.Hour, 5*time.Minute),
			rule(60, time.Hour, 15*time.Minute),
		),
		ActionImageUploads: tiered(
			rule(200, time.Hour, 0),
			rule(100, time.Hour, 15*time.Minute),
			rule(30, time.Hour, 30*time.Minute),
		),
		ActionTrainingUploads: tiered(
			rule(400, 24*time.Hour, 0),
			rule(200, 24*time.Hour, time.Hour),
			rule(50, 24*time.Hour, 2*time.Hour),
		),
	}
}

// LoadRateLimits overlays a YAML file onto the defaults. Actions absent from
// the file keep their compiled-in rules; an empty path returns the defaults.
func LoadRateLimits(path string) (RateLimits, error) {
	limits := DefaultRateLimits()
	if path == "" {
		return limits, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadRateLimits: %w", err)
	}
	var overlay RateLimits
	if err := yaml.Unmarshal(b, &overlay); err != nil {
		return nil, fmt.Errorf("op=config.LoadRateLimits: parse %s: %w", path, err)
	}
	for action, rules := range overlay {
		if _, known := limits[action]; !known {
			return nil, fmt.Errorf("op=config.LoadRateLimits: unknown action %q", action)
		}
		limits[action] = rules
	}
	return limits, nil
}

// Rule picks the tier's rule for an action. Unknown actions fall back to the
// api_calls base rule so an unmapped surface is still limited.
func (rl RateLimits) Rule(action, tier string) RateLimitRule {
	limits, ok := rl[action]
	if !ok {
		limits = rl[ActionAPICalls]
	}
	switch tier {
	case "trusted":
		return limits.Trusted
	case "restricted":
		return limits.Restricted
	default:
		return limits.Base
	}
}
