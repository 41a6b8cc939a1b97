package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/quietlabs/valet/internal/config"
)

// Tier is the coarse complexity classification of a request.
type Tier string

const (
	TierSimple    Tier = "simple"
	TierModerate  Tier = "moderate"
	TierComplex   Tier = "complex"
	TierReasoning Tier = "reasoning"
	TierVision    Tier = "vision"
	TierRealtime  Tier = "realtime"
)

// Tiers lists the full enumeration, in ascending capability order.
var Tiers = []Tier{TierSimple, TierModerate, TierComplex, TierReasoning, TierVision, TierRealtime}

func (t Tier) Valid() bool {
	for _, known := range Tiers {
		if t == known {
			return true
		}
	}
	return false
}

const DomainGeneral = "general"

// Result is the ephemeral classification of one request. Rationale is
// diagnostic only and carries no behavioral weight.
type Result struct {
	Tier      Tier
	Domain    string
	Rationale string
}

// Context carries optional request context that influences classification,
// currently just attachments (file paths or URLs supplied with the request).
type Context struct {
	Attachments []string
}

var (
	urlRegex = regexp.MustCompile(`https?://\S+`)
	// The "path" resource has no default trigger; it is only consumed by
	// configured domain triggers that name it.
	filePathRegex  = regexp.MustCompile(`(?:^|\s)(?:~?/|\./)[\w./ -]*\w`)
	imageExtRegex  = regexp.MustCompile(`(?i)\.(png|jpe?g|gif|bmp|webp|heic)\b`)
	audioExtRegex  = regexp.MustCompile(`(?i)\.(wav|mp3|m4a|ogg|flac)\b`)
	whitespaceOnly = regexp.MustCompile(`^\s*$`)
)

type trigger struct {
	domain    string
	keywords  []string
	resources []string
}

// Classifier maps request text to a (tier, domain) pair. It is deterministic
// and side-effect-free; malformed input degrades to simple/general rather
// than failing.
type Classifier struct {
	simpleMax        int
	complexMin       int
	complexMarkers   []string
	reasoningMarkers []string
	triggers         []trigger
}

// defaultComplexMarkers flag requests that ask for explicit depth or
// multi-part structure.
var defaultComplexMarkers = []string{
	"step by step",
	"in detail",
	"in depth",
	"comprehensive",
	"analyze",
	"compare and contrast",
	"pros and cons",
	"trade-offs",
	"design a",
	"write an essay",
	"explain thoroughly",
}

// defaultReasoningMarkers flag formal logic or proof work.
var defaultReasoningMarkers = []string{
	"prove",
	"theorem",
	"derive mathematically",
	"logical proof",
	"multi-step reasoning",
	"solve this problem step by step",
	"complex calculation",
}

// defaultTriggers is the ordered domain table. Explicit-resource domains
// (vision, realtime, browser) come first so that a request carrying an image
// or URL is never swallowed by the generic search triggers.
var defaultTriggers = []trigger{
	{domain: "vision", resources: []string{"image"}, keywords: []string{
		"screenshot", "what's on my screen", "what is on my screen",
		"describe this image", "analyze this image", "look at this picture",
		"capture the screen", "take a photo",
	}},
	{domain: "realtime", resources: []string{"audio"}, keywords: []string{
		"voice chat", "live audio", "talk to me in real time", "realtime conversation",
	}},
	{domain: "browser", resources: []string{"url"}, keywords: []string{
		"open the website", "browse to", "navigate to", "go to the page",
		"click on", "fill out the form",
	}},
	{domain: "email", keywords: []string{
		"email", "inbox", "send a message to", "compose a mail", "gmail", "reply to",
	}},
	{domain: "reminders", keywords: []string{
		"remind me", "reminder", "set an alarm", "schedule a", "appointment", "calendar",
	}},
	{domain: "search", keywords: []string{
		"search", "look up", "find information", "latest news", "what's happening",
		"current weather", "stock price",
	}},
}

// New builds a Classifier from configuration, falling back to the built-in
// marker and trigger tables where the config leaves them empty.
func New(cfg config.ClassifierConfig) *Classifier {
	c := &Classifier{
		simpleMax:        cfg.SimpleTokenMax,
		complexMin:       cfg.ComplexTokenMin,
		complexMarkers:   cfg.ComplexMarkers,
		reasoningMarkers: cfg.ReasoningMarkers,
	}
	if c.simpleMax <= 0 {
		c.simpleMax = config.DefaultSimpleTokenMax
	}
	if c.complexMin <= c.simpleMax {
		c.complexMin = config.DefaultComplexTokenMin
	}
	if len(c.complexMarkers) == 0 {
		c.complexMarkers = defaultComplexMarkers
	}
	if len(c.reasoningMarkers) == 0 {
		c.reasoningMarkers = defaultReasoningMarkers
	}
	if len(cfg.DomainTriggers) > 0 {
		for _, dt := range cfg.DomainTriggers {
			c.triggers = append(c.triggers, trigger{
				domain:    dt.Domain,
				keywords:  dt.Keywords,
				resources: dt.Resources,
			})
		}
	} else {
		c.triggers = defaultTriggers
	}
	return c
}

// Classify maps request text (plus optional context) to a tier/domain pair.
// It never fails: unrecognized input degrades to simple/general.
func (c *Classifier) Classify(text string, reqCtx *Context) Result {
	if whitespaceOnly.MatchString(text) {
		return Result{Tier: TierSimple, Domain: DomainGeneral, Rationale: "empty input"}
	}

	normalized := strings.ToLower(strings.TrimSpace(text))
	resources := detectResources(normalized, reqCtx)

	domain := DomainGeneral
	domainWhy := "no trigger matched"
	for _, t := range c.triggers {
		if why, ok := t.match(normalized, resources); ok {
			domain = t.domain
			domainWhy = why
			break
		}
	}

	tier, tierWhy := c.deriveTier(normalized)

	// A vision or realtime domain match selects a dedicated transport, so it
	// overrides whatever the token heuristics produced.
	switch domain {
	case "vision":
		tier = TierVision
		tierWhy = "forced by vision domain"
	case "realtime":
		tier = TierRealtime
		tierWhy = "forced by realtime domain"
	}

	return Result{
		Tier:      tier,
		Domain:    domain,
		Rationale: fmt.Sprintf("domain: %s; tier: %s", domainWhy, tierWhy),
	}
}

func (t trigger) match(normalized string, resources map[string]bool) (string, bool) {
	for _, res := range t.resources {
		if resources[res] {
			return "resource " + res, true
		}
	}
	for _, kw := range t.keywords {
		if strings.Contains(normalized, kw) {
			return "keyword " + quote(kw), true
		}
	}
	return "", false
}

func quote(kw string) string { return `"` + kw + `"` }

func (c *Classifier) deriveTier(normalized string) (Tier, string) {
	tokens := len(strings.Fields(normalized))

	for _, marker := range c.complexMarkers {
		if strings.Contains(normalized, marker) {
			return TierComplex, "complex marker " + quote(marker)
		}
	}
	for _, marker := range c.reasoningMarkers {
		if strings.Contains(normalized, marker) {
			return TierReasoning, "reasoning marker " + quote(marker)
		}
	}

	switch {
	case tokens > c.complexMin:
		return TierComplex, fmt.Sprintf("%d tokens above complex threshold", tokens)
	case tokens > c.simpleMax:
		return TierModerate, fmt.Sprintf("%d tokens above simple threshold", tokens)
	default:
		return TierSimple, fmt.Sprintf("%d tokens, no markers", tokens)
	}
}

func detectResources(normalized string, reqCtx *Context) map[string]bool {
	found := make(map[string]bool, 4)
	if urlRegex.MatchString(normalized) {
		found["url"] = true
	}
	if imageExtRegex.MatchString(normalized) {
		found["image"] = true
	}
	if audioExtRegex.MatchString(normalized) {
		found["audio"] = true
	}
	if filePathRegex.MatchString(normalized) {
		found["path"] = true
	}
	if reqCtx != nil {
		for _, att := range reqCtx.Attachments {
			switch {
			case imageExtRegex.MatchString(att):
				found["image"] = true
			case audioExtRegex.MatchString(att):
				found["audio"] = true
			case urlRegex.MatchString(att):
				found["url"] = true
			default:
				found["path"] = true
			}
		}
	}
	return found
}
