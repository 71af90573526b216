package extract

import (
	"regexp"
	"strings"

	"github.com/ttc-alerts/incidents/internal/model"
)

var (
	resumedRegex = regexp.MustCompile(`(?i)\b(?:regular service (?:has )?resumed|service (?:has )?resumed|resumed|service (?:has been )?restored|now (?:running|operating) normally|back to normal)\b`)

	reducedSpeedZoneRegex = regexp.MustCompile(`(?i)\b(?:reduced[- ]speed zones?|slow zones?|speed restrictions?)\b`)

	accessibilityRegex = regexp.MustCompile(`(?i)\b(?:elevators?|escalators?|accessible entrance|lifts?)\b`)
)

// categoryRule is one keyword set; lower priority wins when several match
type categoryRule struct {
	priority int
	category string
	pattern  *regexp.Regexp
}

var categoryRules = []categoryRule{
	{1, model.CategoryServiceDisruption, regexp.MustCompile(`(?i)\b(?:no (?:subway |streetcar |bus |train )?service|service (?:is )?suspended|suspended|service disruption|not stopping|bypassing|no trains|no streetcars|no buses)\b`)},
	{2, model.CategoryDelay, regexp.MustCompile(`(?i)\b(?:delays?|delayed|longer (?:than usual )?waits?|holding|slower)\b`)},
	{3, model.CategoryDiversion, regexp.MustCompile(`(?i)\b(?:divert(?:ed|ing)?|diversion|detour(?:ed|ing|s)?|shuttle(?: buses)?|turning back|short[- ]turn(?:ing)?)\b`)},
	{4, model.CategoryPlannedClosure, regexp.MustCompile(`(?i)\b(?:planned|scheduled|weekend closure|early closure|closing early|track work|maintenance work|construction)\b`)},
}

// effectCategory is used when no keyword set matches
var effectCategory = map[model.Effect]string{
	model.EffectNoService:         model.CategoryServiceDisruption,
	model.EffectReducedService:    model.CategoryDelay,
	model.EffectSignificantDelays: model.CategoryDelay,
	model.EffectDetour:            model.CategoryDiversion,
	model.EffectModifiedService:   model.CategoryDiversion,
	model.EffectStopMoved:         model.CategoryDiversion,
}

// minorEffects are the effects scored in the minor tier. Everything else,
// including unrecognised codes, is major.
var minorEffects = map[model.Effect]bool{
	model.EffectAdditionalService: true,
	model.EffectModifiedService:   true,
	model.EffectOtherEffect:       true,
	model.EffectStopMoved:         true,
	model.EffectNoEffect:          true,
}

// Categorize derives the category tags for an alert. Check order matters:
// resumed short-circuits everything, RSZ comes before disruption language,
// accessibility overrides the effect-based tier.
func Categorize(header, description string, effect model.Effect) []string {
	text := strings.TrimSpace(header + " " + description)

	if resumedRegex.MatchString(text) {
		return []string{model.CategoryServiceResumed}
	}

	if effect == model.EffectReducedSpeedZone || reducedSpeedZoneRegex.MatchString(text) {
		return []string{model.CategoryReducedSpeedZone, model.TierMinor}
	}

	if effect == model.EffectAccessibility || accessibilityRegex.MatchString(header) {
		return []string{model.CategoryAccessibility}
	}

	category := ""
	best := 0
	for _, rule := range categoryRules {
		if rule.pattern.MatchString(text) && (best == 0 || rule.priority < best) {
			best = rule.priority
			category = rule.category
		}
	}
	if category == "" {
		category = effectCategory[effect]
	}
	if category == "" {
		category = model.CategoryUnknown
	}

	return []string{category, Tier(effect)}
}

// Tier scores an effect. Unknown effects are major: over-reporting a live
// disruption is preferred to under-reporting it.
func Tier(effect model.Effect) string {
	if minorEffects[effect] {
		return model.TierMinor
	}
	return model.TierMajor
}

// IsResumed reports whether a header announces that service has resumed
func IsResumed(header string) bool {
	return resumedRegex.MatchString(header)
}
