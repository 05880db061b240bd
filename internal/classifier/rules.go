package classifier

import (
	"regexp"
	"strings"
)

// Labels produced by the rule matcher and offered to the inference service.
const (
	LabelEmergency    = "emergency"
	LabelMaintenance  = "maintenance"
	LabelHousekeeping = "housekeeping"
	LabelRoomService  = "room_service"
	LabelCheckout     = "checkout"
	LabelComplaint    = "complaint"
	LabelGreeting     = "greeting"
	LabelOther        = "other"
)

// Labels lists every intent the classifier can return.
var Labels = []string{
	LabelEmergency, LabelMaintenance, LabelHousekeeping, LabelRoomService,
	LabelCheckout, LabelComplaint, LabelGreeting, LabelOther,
}

// Match is the outcome of the deterministic matcher.
type Match struct {
	Label      string
	Confidence float64
}

// Matcher is a cheap, deterministic classifier.
type Matcher interface {
	Match(text string) Match
}

type rule struct {
	label   string
	pattern *regexp.Regexp
	weight  float64
}

// RuleMatcher scores text against keyword rules. A single hit yields the
// rule's weight; every further hit for the same label adds 0.1, capped at 1.
type RuleMatcher struct {
	rules []rule
}

// NewRuleMatcher returns the built-in hotel rule set.
func NewRuleMatcher() *RuleMatcher {
	return &RuleMatcher{rules: []rule{
		{LabelEmergency, regexp.MustCompile(`(?i)\b(fire|smoke|ambulance|emergency|bleeding|unconscious|heart attack|can'?t breathe|gas leak)\b`), 0.95},
		{LabelMaintenance, regexp.MustCompile(`(?i)\b(broken|not working|doesn'?t work|leak(ing)?|clogged|no hot water|air ?con(ditioning)?|a/?c|heater|light bulb|toilet|shower|wifi)\b`), 0.85},
		{LabelHousekeeping, regexp.MustCompile(`(?i)\b(towels?|sheets|pillows?|clean(ing)?|housekeeping|toilet paper|toiletries|shampoo|blanket)\b`), 0.85},
		{LabelRoomService, regexp.MustCompile(`(?i)\b(room service|order food|menu|breakfast|dinner|lunch|drinks?|hungry)\b`), 0.8},
		{LabelCheckout, regexp.MustCompile(`(?i)\b(check ?out|late checkout|bill|invoice|leaving)\b`), 0.8},
		{LabelComplaint, regexp.MustCompile(`(?i)\b(complain(t)?|terrible|awful|disgusting|unacceptable|rude|refund|dirty|noisy|noise)\b`), 0.75},
	}}
}

// Match returns the best-scoring label, or "other" with zero confidence.
func (m *RuleMatcher) Match(text string) Match {
	best := Match{Label: LabelOther}
	for _, r := range m.rules {
		hits := len(r.pattern.FindAllStringIndex(text, -1))
		if hits == 0 {
			continue
		}
		score := r.weight + 0.1*float64(hits-1)
		if score > 1 {
			score = 1
		}
		if score > best.Confidence {
			best = Match{Label: r.label, Confidence: score}
		}
	}
	return best
}

var greetings = []string{
	"good morning", "good afternoon", "good evening",
	"greetings", "howdy", "hello", "hiya", "hey", "hi", "yo",
}

var punct = regexp.MustCompile(`[^\p{L}\p{N}' ]+`)

// DetectGreeting scores how much of text is a greeting. A message that is
// only a greeting scores 0.95; a greeting opening a short message scores 0.7;
// a greeting followed by a longer request scores 0.3 so intent matching wins.
func DetectGreeting(text string) float64 {
	norm := strings.Join(strings.Fields(punct.ReplaceAllString(strings.ToLower(text), " ")), " ")
	if norm == "" {
		return 0
	}
	for _, g := range greetings {
		if norm == g {
			return 0.95
		}
		if !strings.HasPrefix(norm, g+" ") {
			continue
		}
		rest := strings.Fields(strings.TrimPrefix(norm, g+" "))
		if len(rest) <= 3 {
			return 0.7
		}
		return 0.3
	}
	return 0
}
