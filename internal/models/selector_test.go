package models

import (
	"errors"
	"testing"

	"github.com/quietlabs/valet/internal/classify"
	"github.com/quietlabs/valet/internal/config"
)

func TestSelectorValidateDefaults(t *testing.T) {
	s := NewSelector(config.DefaultConfig().Models)
	if err := s.Validate(); err != nil {
		t.Fatalf("default table should validate: %v", err)
	}
}

func TestSelectorValidateMissingTier(t *testing.T) {
	cfg := config.DefaultConfig().Models
	delete(cfg.Tiers, "reasoning")
	s := NewSelector(cfg)
	err := s.Validate()
	if err == nil {
		t.Fatal("expected error for missing reasoning tier")
	}
	var confErr *config.ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("error type = %T, want *config.ConfigurationError", err)
	}
}

func TestSelectorValidateMissingVisionDomain(t *testing.T) {
	cfg := config.DefaultConfig().Models
	delete(cfg.Domains, "vision")
	if err := NewSelector(cfg).Validate(); err == nil {
		t.Fatal("expected error for missing vision domain model")
	}
}

func TestSelectTierEntry(t *testing.T) {
	s := NewSelector(config.DefaultConfig().Models)
	p := s.Select(classify.TierReasoning, "general")
	if p.Model != "o1-mini" {
		t.Fatalf("model = %s, want o1-mini", p.Model)
	}
}

func TestSelectDomainOverrideWins(t *testing.T) {
	cfg := config.DefaultConfig().Models
	cfg.Domains["search"] = config.ModelEntry{Model: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 512}
	s := NewSelector(cfg)

	p := s.Select(classify.TierComplex, "search")
	if p.Model != "gpt-4o-mini" || p.Temperature != 0.2 {
		t.Fatalf("domain override not applied: %+v", p)
	}
}

func TestSelectVisionAlwaysDedicated(t *testing.T) {
	s := NewSelector(config.DefaultConfig().Models)
	for _, tier := range []classify.Tier{classify.TierSimple, classify.TierComplex, classify.TierVision} {
		p := s.Select(tier, "vision")
		if p.Model != "gpt-4o" || p.Temperature != 0.3 {
			t.Fatalf("tier %s: got %+v, want dedicated vision entry", tier, p)
		}
	}
}

func TestSelectUnknownTierFallsBack(t *testing.T) {
	s := NewSelector(config.DefaultConfig().Models)
	p := s.Select(classify.Tier("made-up"), "general")
	if p.Model != "gpt-4o-mini" {
		t.Fatalf("model = %s, want simple fallback gpt-4o-mini", p.Model)
	}
}

