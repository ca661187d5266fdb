// Threshold policies and verdict evaluation for attribute score maps.
package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// One attribute threshold. Comparison is inclusive: a score equal to the
// threshold triggers, so repeated runs on boundary scores don't flap.
type AttributeThreshold struct {
	Attribute string
	Threshold float64
}

// Sums the named attribute scores and compares the total against its own
// threshold, independently of the per-attribute checks.
type ComboRule struct {
	Attributes []string
	Threshold  float64
}

// Ordered threshold table plus an optional combination rule. The slice
// order is the reason emission order; keeping it explicit (rather than a
// map) makes verdicts reproducible across runs.
type Policy struct {
	Attributes []AttributeThreshold
	Combo      *ComboRule
}

// The attribute names this policy scores, in declaration order.
func (p Policy) AttributeNames() []string {
	names := make([]string, len(p.Attributes))
	for i, at := range p.Attributes {
		names[i] = at.Attribute
	}
	return names
}

// Flag/no-flag decision for a single run. Never mutated after construction.
type Verdict struct {
	Flagged  bool
	Reasons  []string
	Provider string
}

// Applies a policy to a score map. Attributes missing from the map default
// to zero. Deterministic: reasons follow policy declaration order.
func Evaluate(scores map[string]float64, p Policy) Verdict {
	var reasons []string
	for _, at := range p.Attributes {
		score := scores[at.Attribute]
		if score >= at.Threshold {
			reasons = append(reasons, fmt.Sprintf("%s=%s≥%s", at.Attribute, formatScore(score), formatScore(at.Threshold)))
		}
	}
	if p.Combo != nil && len(p.Combo.Attributes) > 0 {
		var sum float64
		for _, attr := range p.Combo.Attributes {
			sum += scores[attr]
		}
		if sum >= p.Combo.Threshold {
			reasons = append(reasons, fmt.Sprintf("COMBO(%s)=%s≥%s", strings.Join(p.Combo.Attributes, "+"), formatScore(sum), formatScore(p.Combo.Threshold)))
		}
	}
	return Verdict{
		Flagged: len(reasons) > 0,
		Reasons: reasons,
	}
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// Parses "ATTR=0.85" pairs (eg from CLI flags) into an ordered threshold
// table.
func ParseThresholds(pairs []string) ([]AttributeThreshold, error) {
	var out []AttributeThreshold
	for _, pair := range pairs {
		name, val, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("invalid threshold (expected ATTR=0.85): %q", pair)
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold value in %q: %w", pair, err)
		}
		out = append(out, AttributeThreshold{Attribute: name, Threshold: f})
	}
	return out, nil
}

// Parses "ATTR+ATTR=1.40" into a combo rule.
func ParseCombo(s string) (*ComboRule, error) {
	if s == "" {
		return nil, nil
	}
	attrs, val, found := strings.Cut(s, "=")
	if !found || attrs == "" {
		return nil, fmt.Errorf("invalid combo rule (expected ATTR+ATTR=1.40): %q", s)
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid combo threshold in %q: %w", s, err)
	}
	return &ComboRule{
		Attributes: strings.Split(attrs, "+"),
		Threshold:  f,
	}, nil
}
