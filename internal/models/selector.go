package models

import (
	"github.com/quietlabs/valet/internal/classify"
	"github.com/quietlabs/valet/internal/config"
)

// Params is a fully resolved model invocation: which model to call and how.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Selector resolves a (tier, domain) classification to invocation parameters
// from the configured tier table and per-domain overrides. Resolution is
// deterministic; an unknown tier falls back to the simple entry.
type Selector struct {
	tiers   map[string]config.ModelEntry
	domains map[string]config.ModelEntry
}

func NewSelector(cfg config.ModelsConfig) *Selector {
	return &Selector{tiers: cfg.Tiers, domains: cfg.Domains}
}

// Validate checks that the table can serve every classification the
// classifier can produce. It is called once at startup so that a gap in the
// table surfaces as a configuration error instead of a mid-request failure.
func (s *Selector) Validate() error {
	for _, tier := range []classify.Tier{classify.TierSimple, classify.TierModerate, classify.TierComplex, classify.TierReasoning} {
		if _, ok := s.tiers[string(tier)]; !ok {
			return &config.ConfigurationError{
				Field:  "models.tiers." + string(tier),
				Reason: "no model configured for tier",
			}
		}
	}
	for _, domain := range []string{"vision", "realtime"} {
		if _, ok := s.domains[domain]; !ok {
			return &config.ConfigurationError{
				Field:  "models.domains." + domain,
				Reason: "domain requires a dedicated model",
			}
		}
	}
	return nil
}

// Select resolves parameters for a classification. A domain override wins
// over the tier entry; vision and realtime always use their dedicated model.
func (s *Selector) Select(tier classify.Tier, domain string) Params {
	if entry, ok := s.domains[domain]; ok {
		return fromEntry(entry)
	}
	if entry, ok := s.tiers[string(tier)]; ok {
		return fromEntry(entry)
	}
	// Unknown tier: serve the request on the cheapest entry rather than fail.
	return fromEntry(s.tiers[string(classify.TierSimple)])
}

func fromEntry(e config.ModelEntry) Params {
	return Params{Model: e.Model, Temperature: e.Temperature, MaxTokens: e.MaxTokens}
}
