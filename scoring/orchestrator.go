package scoring

import (
	"context"
	"log/slog"

	"github.com/vigil-mod/vigil/policy"
)

// One provider plus the policy slice applied to its scores. Each provider
// carries its own thresholds because attribute vocabularies differ between
// services.
type ProviderPolicy struct {
	Provider Provider
	Policy   policy.Policy
}

// Tries providers in priority order and returns the first usable verdict.
type Orchestrator struct {
	Logger    *slog.Logger
	Providers []ProviderPolicy
}

// Iterates configured providers in order. The first provider to return a
// score map is authoritative: its policy slice alone decides the verdict,
// with no cross-provider aggregation. An unavailable provider is skipped
// without recording a partial result. If no provider is usable, the text
// passes; absence of signal is never treated as a violation.
func (o *Orchestrator) Decide(ctx context.Context, text string) policy.Verdict {
	for _, pp := range o.Providers {
		scores, err := pp.Provider.Score(ctx, text, pp.Policy.AttributeNames())
		if err != nil {
			providerSkippedCount.WithLabelValues(pp.Provider.Name()).Inc()
			o.logger().Warn("provider unavailable, trying next", "provider", pp.Provider.Name(), "err", err)
			continue
		}
		verdict := policy.Evaluate(scores, pp.Policy)
		verdict.Provider = pp.Provider.Name()
		return verdict
	}
	return policy.Verdict{
		Flagged:  false,
		Reasons:  []string{"no provider available"},
		Provider: ProviderNone,
	}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}
