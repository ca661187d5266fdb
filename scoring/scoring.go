// Adapters for external text-classification services, and the orchestrator
// which turns their scores into a moderation verdict.
//
// Every adapter normalizes its service's response shape into a ScoreMap
// before the value leaves this package. A provider which cannot currently
// produce scores (missing credentials, auth failure, rate limiting, garbled
// response) reports that structurally, with a non-nil error; callers branch
// on the error value, never on reason strings.
package scoring

import (
	"context"
	"errors"
)

// Attribute name (eg TOXICITY, THREAT) to score in [0,1]. Produced fresh
// per provider call and never merged across providers.
type ScoreMap map[string]float64

const (
	ProviderPerspective = "perspective"
	ProviderOpenAI      = "openai"
	ProviderNone        = "none"
)

// Reported by an adapter which was asked to score without credentials
// configured. No network call is made in this case.
var ErrNoCredentials = errors.New("provider credentials not configured")

// One external classification service. Score returns the requested
// attributes mapped to [0,1] scores, or a non-nil error when the provider
// is unavailable for this run.
type Provider interface {
	Name() string
	Score(ctx context.Context, text string, attrs []string) (ScoreMap, error)
}

// hard truncation helper shared by adapters; rune-safe
func truncateText(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}
