// Package classify holds the small rule-based classifiers used to
// canonicalize activity: prompt intent, command class and prompt-likeness.
package classify

import (
	"regexp"
	"strings"
)

// Intent classes. IntentGeneral is the fallback.
const (
	IntentFix      = "fix"
	IntentAdd      = "add"
	IntentRefactor = "refactor"
	IntentTest     = "test"
	IntentDocs     = "docs"
	IntentExplain  = "explain"
	IntentRemove   = "remove"
	IntentGeneral  = "general"
)

type intentDef struct {
	intent string
	re     *regexp.Regexp
}

// intentPatterns are tried in order; the first match wins. Test and docs
// come first because "add tests" is a test task, not a feature.
var intentPatterns = []*intentDef{
	{intent: IntentTest, re: regexp.MustCompile(`\b(unit ?tests?|tests?|spec|coverage|assert(ion)?s?|mock(s|ing)?)\b`)},
	{intent: IntentDocs, re: regexp.MustCompile(`\b(docs?|documentation|docstrings?|readme|comments?|changelog|jsdoc|godoc)\b`)},
	{intent: IntentFix, re: regexp.MustCompile(`\b(fix(es|ed|ing)?|bugs?|errors?|crash(es|ing)?|broken|fail(s|ing|ure)?|issue|wrong|null check|panic|exception|regression)\b`)},
	{intent: IntentRefactor, re: regexp.MustCompile(`\b(refactor(ing)?|clean ?up|rename|extract|simplify|restructure|reorganize|deduplicate|move)\b`)},
	{intent: IntentRemove, re: regexp.MustCompile(`\b(remove|delete|drop|strip|get rid of)\b`)},
	{intent: IntentExplain, re: regexp.MustCompile(`^(what|why|how|where|when|which|can you explain|explain|describe)\b|\?$`)},
	{intent: IntentAdd, re: regexp.MustCompile(`\b(add|create|implement|introduce|build|support|new|generate|write|make)\b`)},
}

// Intent returns the intent class of a prompt text.
func Intent(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return IntentGeneral
	}
	for _, p := range intentPatterns {
		if p.re.MatchString(t) {
			return p.intent
		}
	}
	return IntentGeneral
}
