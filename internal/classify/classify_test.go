package classify

import (
	"strings"
	"testing"

	"github.com/quietlabs/valet/internal/config"
)

func newDefault(t *testing.T) *Classifier {
	t.Helper()
	return New(config.DefaultConfig().Classifier)
}

func TestClassifySimpleGeneral(t *testing.T) {
	c := newDefault(t)
	res := c.Classify("what time is it", nil)
	if res.Tier != TierSimple {
		t.Fatalf("tier = %s, want simple (%s)", res.Tier, res.Rationale)
	}
	if res.Domain != DomainGeneral {
		t.Fatalf("domain = %s, want general", res.Domain)
	}
}

func TestClassifyComplexMarker(t *testing.T) {
	c := newDefault(t)
	res := c.Classify("explain step by step why the sky is blue using physics", nil)
	if res.Tier != TierComplex && res.Tier != TierReasoning {
		t.Fatalf("tier = %s, want complex or reasoning", res.Tier)
	}
	if res.Domain != DomainGeneral {
		t.Fatalf("domain = %s, want general", res.Domain)
	}
}

func TestClassifyReasoningMarker(t *testing.T) {
	c := newDefault(t)
	res := c.Classify("prove that the square root of 2 is irrational", nil)
	if res.Tier != TierReasoning {
		t.Fatalf("tier = %s, want reasoning (%s)", res.Tier, res.Rationale)
	}
}

func TestClassifyLengthFallback(t *testing.T) {
	c := newDefault(t)

	moderate := strings.Repeat("word ", 30)
	if res := c.Classify(moderate, nil); res.Tier != TierModerate {
		t.Fatalf("30 tokens: tier = %s, want moderate", res.Tier)
	}

	long := strings.Repeat("word ", 150)
	if res := c.Classify(long, nil); res.Tier != TierComplex {
		t.Fatalf("150 tokens: tier = %s, want complex", res.Tier)
	}
}

func TestClassifyEmptyInput(t *testing.T) {
	c := newDefault(t)
	for _, text := range []string{"", "   ", "\n\t"} {
		res := c.Classify(text, nil)
		if res.Tier != TierSimple || res.Domain != DomainGeneral {
			t.Fatalf("%q: got %s/%s, want simple/general", text, res.Tier, res.Domain)
		}
	}
}

func TestClassifyDomainTriggers(t *testing.T) {
	c := newDefault(t)
	cases := []struct {
		text   string
		domain string
	}{
		{"search for the latest news about fusion power", "search"},
		{"check my inbox and reply to the message from alice", "email"},
		{"remind me to water the plants at 6pm", "reminders"},
		{"open the website and click on the login button", "browser"},
		{"take a screenshot and tell me what you see", "vision"},
	}
	for _, tc := range cases {
		res := c.Classify(tc.text, nil)
		if res.Domain != tc.domain {
			t.Fatalf("%q: domain = %s, want %s (%s)", tc.text, res.Domain, tc.domain, res.Rationale)
		}
	}
}

func TestClassifyVisionForcesTier(t *testing.T) {
	c := newDefault(t)
	res := c.Classify("describe this image", &Context{Attachments: []string{"/tmp/photo.png"}})
	if res.Domain != "vision" {
		t.Fatalf("domain = %s, want vision", res.Domain)
	}
	if res.Tier != TierVision {
		t.Fatalf("tier = %s, want vision", res.Tier)
	}
}

func TestClassifyRealtimeForcesTier(t *testing.T) {
	c := newDefault(t)
	res := c.Classify("let's do a voice chat about my day", nil)
	if res.Domain != "realtime" || res.Tier != TierRealtime {
		t.Fatalf("got %s/%s, want realtime/realtime", res.Tier, res.Domain)
	}
}

func TestClassifyURLResourceBeatsSearchKeyword(t *testing.T) {
	c := newDefault(t)
	res := c.Classify("search https://example.com/docs for the install steps", nil)
	if res.Domain != "browser" {
		t.Fatalf("domain = %s, want browser (url resource outranks search keyword)", res.Domain)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := newDefault(t)
	text := "analyze the trade-offs of caching strategies in detail"
	first := c.Classify(text, nil)
	for i := 0; i < 10; i++ {
		if got := c.Classify(text, nil); got != first {
			t.Fatalf("classification drifted on run %d: %+v vs %+v", i, got, first)
		}
	}
}

func TestClassifyConfiguredTriggersReplaceDefaults(t *testing.T) {
	cfg := config.DefaultConfig().Classifier
	cfg.DomainTriggers = []config.DomainTrigger{
		{Domain: "music", Keywords: []string{"play"}},
	}
	c := New(cfg)

	if res := c.Classify("play some jazz", nil); res.Domain != "music" {
		t.Fatalf("domain = %s, want music", res.Domain)
	}
	if res := c.Classify("check my inbox", nil); res.Domain != DomainGeneral {
		t.Fatalf("domain = %s, want general (defaults replaced)", res.Domain)
	}
}

func TestClassifyConfiguredPathResourceTrigger(t *testing.T) {
	cfg := config.DefaultConfig().Classifier
	cfg.DomainTriggers = []config.DomainTrigger{
		{Domain: "files", Resources: []string{"path"}},
	}
	c := New(cfg)

	if res := c.Classify("summarize ./notes/journal.txt for me", nil); res.Domain != "files" {
		t.Fatalf("domain = %s, want files for a file path", res.Domain)
	}
	if res := c.Classify("summarize my week for me", nil); res.Domain != DomainGeneral {
		t.Fatalf("domain = %s, want general without a path", res.Domain)
	}
}
