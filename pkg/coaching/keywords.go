package coaching

import "strings"

// KeywordGroup is a set of phrases that trigger the same coaching message.
type KeywordGroup struct {
	Name     string
	Keywords []string
	Message  string
}

// ObjectionGroups are the built-in objection signals.
var ObjectionGroups = []KeywordGroup{
	{
		Name:     "spouse",
		Keywords: []string{"my wife", "my husband", "spouse", "my partner"},
		Message:  "Spouse objection incoming. Find out what their partner would need to hear.",
	},
	{
		Name:     "stall",
		Keywords: []string{"think about it", "sleep on it", "get back to you", "not sure yet"},
		Message:  "Stall detected. Ask what specifically they need to think through.",
	},
	{
		Name:     "price",
		Keywords: []string{"too expensive", "can't afford", "cannot afford", "too much money", "out of my budget"},
		Message:  "Price objection. Reframe against the cost of doing nothing.",
	},
	{
		Name:     "timing",
		Keywords: []string{"not the right time", "bad time", "maybe next year", "too busy", "not right now"},
		Message:  "Timing objection. Ask what changes by waiting.",
	},
	{
		Name:     "trust",
		Keywords: []string{"scam", "sounds too good", "reviews", "guarantee", "tried before"},
		Message:  "Trust concern. Share proof and lower the perceived risk.",
	},
}

// PainPointGroups are the built-in signals worth digging into.
var PainPointGroups = []KeywordGroup{
	{
		Name:     "frustration",
		Keywords: []string{"frustrated", "fed up", "sick of", "tired of", "stuck"},
		Message:  "They just voiced frustration. Dig deeper: how long has this been going on?",
	},
	{
		Name:     "stress",
		Keywords: []string{"stressed", "overwhelmed", "anxious", "worried", "can't sleep"},
		Message:  "Emotional pain surfaced. Ask how this is affecting them day to day.",
	},
	{
		Name:     "financial pain",
		Keywords: []string{"debt", "losing money", "behind on", "bills", "cash flow"},
		Message:  "Financial pain mentioned. Quantify it: what is it costing them?",
	},
	{
		Name:     "failed attempts",
		Keywords: []string{"tried everything", "didn't work", "nothing works", "gave up"},
		Message:  "Past failures mentioned. Ask what they tried and why it fell short.",
	},
}

// containsFold is a case-insensitive substring test. haystack must already be lower case.
func containsFold(lowerHaystack, needle string) bool {
	needle = strings.ToLower(strings.TrimSpace(needle))
	return needle != "" && strings.Contains(lowerHaystack, needle)
}

// normalizeKeyword returns the form used for dedup bookkeeping.
func normalizeKeyword(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}
