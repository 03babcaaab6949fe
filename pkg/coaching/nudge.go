package coaching

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NudgeSettings holds the timing rules for the nudge engine.
type NudgeSettings struct {
	GlobalCooldown         time.Duration
	TypeCooldown           time.Duration
	MissingInfoAfter       time.Duration
	ScriptReminderAfter    time.Duration
	ScriptReminderInterval time.Duration
	AssumedCallLength      time.Duration
}

// DefaultNudgeSettings returns the production defaults.
func DefaultNudgeSettings() NudgeSettings {
	return NudgeSettings{
		GlobalCooldown:         25 * time.Second,
		TypeCooldown:           120 * time.Second,
		MissingInfoAfter:       5 * time.Minute,
		ScriptReminderAfter:    time.Minute,
		ScriptReminderInterval: 90 * time.Second,
		AssumedCallLength:      30 * time.Minute,
	}
}

// NudgeState is the per-session memory of the engine.
type NudgeState struct {
	LastNudgeAt         time.Time
	LastByType          map[NudgeType]time.Time
	TriggeredObjections map[string]bool
	TriggeredPainPoints map[string]bool
	LastStageReminderAt time.Time
	StageIndex          int
}

func newNudgeState() NudgeState {
	return NudgeState{
		LastByType:          make(map[NudgeType]time.Time),
		TriggeredObjections: make(map[string]bool),
		TriggeredPainPoints: make(map[string]bool),
	}
}

func (s NudgeState) clone() NudgeState {
	out := s
	out.LastByType = make(map[NudgeType]time.Time, len(s.LastByType))
	for k, v := range s.LastByType {
		out.LastByType[k] = v
	}
	out.TriggeredObjections = copySet(s.TriggeredObjections)
	out.TriggeredPainPoints = copySet(s.TriggeredPainPoints)
	return out
}

func copySet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// NudgeEngine evaluates coaching rules against the running transcript and
// emits at most one nudge per evaluation. Not safe for concurrent use; the
// owning session serializes calls.
type NudgeEngine struct {
	callID    string
	settings  NudgeSettings
	startedAt time.Time

	objectionGroups []KeywordGroup
	painGroups      []KeywordGroup
	requiredInfo    []RequiredInfo
	stages          []ScriptStage

	state NudgeState
}

// NewNudgeEngine builds an engine for one call using the team config
// merged over the built-in keyword groups.
func NewNudgeEngine(callID string, settings NudgeSettings, cfg *AmmoConfig, startedAt time.Time) *NudgeEngine {
	cfg = cfg.WithDefaults("")

	objections := append([]KeywordGroup(nil), ObjectionGroups...)
	if len(cfg.ObjectionKeywords) > 0 {
		objections = append(objections, KeywordGroup{
			Name:     "team objections",
			Keywords: cfg.ObjectionKeywords,
		})
	}

	pains := append([]KeywordGroup(nil), PainPointGroups...)
	for _, cat := range cfg.CustomCategories {
		if len(cat.Keywords) == 0 {
			continue
		}
		pains = append(pains, KeywordGroup{
			Name:     cat.Name,
			Keywords: cat.Keywords,
			Message:  fmt.Sprintf("They touched on %s. Dig deeper before moving on.", cat.Name),
		})
	}

	return &NudgeEngine{
		callID:          callID,
		settings:        settings,
		startedAt:       startedAt,
		objectionGroups: objections,
		painGroups:      pains,
		requiredInfo:    cfg.RequiredInfo,
		stages:          cfg.ScriptStages,
		state:           newNudgeState(),
	}
}

// State returns a copy of the engine state.
func (e *NudgeEngine) State() NudgeState {
	return e.state.clone()
}

// Evaluate checks the rules in priority order and returns the first nudge
// that is allowed to fire, or nil.
func (e *NudgeEngine) Evaluate(transcript string, now time.Time) *Nudge {
	if !e.state.LastNudgeAt.IsZero() && now.Sub(e.state.LastNudgeAt) < e.settings.GlobalCooldown {
		return nil
	}

	lower := strings.ToLower(transcript)
	elapsed := now.Sub(e.startedAt)

	rules := []struct {
		typ  NudgeType
		eval func() *Nudge
	}{
		{NudgeObjectionWarning, func() *Nudge { return e.objectionRule(lower) }},
		{NudgeDigDeeper, func() *Nudge { return e.digDeeperRule(lower) }},
		{NudgeMissingInfo, func() *Nudge { return e.missingInfoRule(lower, elapsed) }},
		{NudgeScriptReminder, func() *Nudge { return e.scriptRule(elapsed, now) }},
	}

	for _, rule := range rules {
		if e.onTypeCooldown(rule.typ, now) {
			continue
		}
		if n := rule.eval(); n != nil {
			n.ID = uuid.NewString()
			n.CallID = e.callID
			n.Type = rule.typ
			n.CreatedAt = now
			e.state.LastNudgeAt = now
			e.state.LastByType[rule.typ] = now
			return n
		}
	}

	return nil
}

func (e *NudgeEngine) onTypeCooldown(t NudgeType, now time.Time) bool {
	last, ok := e.state.LastByType[t]
	return ok && now.Sub(last) < e.settings.TypeCooldown
}

func (e *NudgeEngine) objectionRule(lower string) *Nudge {
	group, matched := matchGroups(lower, e.objectionGroups, e.state.TriggeredObjections)
	if group == nil {
		return nil
	}

	message := group.Message
	if message == "" {
		message = fmt.Sprintf("Objection: %q. Handle it before moving on.", matched[0])
	}
	return &Nudge{
		Message:        message,
		Detail:         heardDetail(matched),
		TriggerKeyword: matched[0],
		Priority:       PriorityHigh,
	}
}

func (e *NudgeEngine) digDeeperRule(lower string) *Nudge {
	group, matched := matchGroups(lower, e.painGroups, e.state.TriggeredPainPoints)
	if group == nil {
		return nil
	}

	return &Nudge{
		Message:        group.Message,
		Detail:         heardDetail(matched),
		TriggerKeyword: matched[0],
		Priority:       PriorityMedium,
	}
}

// matchGroups returns the first group with an untriggered keyword present in
// lower, plus every untriggered keyword present across all groups. All of
// those are marked triggered so one utterance yields one nudge.
func matchGroups(lower string, groups []KeywordGroup, triggered map[string]bool) (*KeywordGroup, []string) {
	var first *KeywordGroup
	var firstMatched []string
	var others []string

	for i := range groups {
		for _, k := range groups[i].Keywords {
			key := normalizeKeyword(k)
			if triggered[key] || !containsFold(lower, key) {
				continue
			}
			if first == nil || first == &groups[i] {
				first = &groups[i]
				firstMatched = append(firstMatched, key)
			} else {
				others = append(others, key)
			}
		}
	}

	if first == nil {
		return nil, nil
	}

	matched := append(firstMatched, others...)
	for _, k := range matched {
		triggered[k] = true
	}
	return first, matched
}

func heardDetail(keywords []string) string {
	quoted := make([]string, len(keywords))
	for i, k := range keywords {
		quoted[i] = fmt.Sprintf("%q", k)
	}
	return "Heard: " + strings.Join(quoted, ", ")
}

func (e *NudgeEngine) missingInfoRule(lower string, elapsed time.Duration) *Nudge {
	if elapsed < e.settings.MissingInfoAfter {
		return nil
	}

	for _, item := range e.requiredInfo {
		found := false
		for _, k := range item.Keywords {
			if containsFold(lower, k) {
				found = true
				break
			}
		}
		if found {
			continue
		}

		message := item.Prompt
		if message == "" {
			message = fmt.Sprintf("You haven't covered %s yet.", item.Name)
		}
		return &Nudge{
			Message:  message,
			Detail:   item.Name,
			Priority: PriorityMedium,
		}
	}

	return nil
}

func (e *NudgeEngine) scriptRule(elapsed time.Duration, now time.Time) *Nudge {
	if elapsed < e.settings.ScriptReminderAfter {
		return nil
	}
	if !e.state.LastStageReminderAt.IsZero() && now.Sub(e.state.LastStageReminderAt) < e.settings.ScriptReminderInterval {
		return nil
	}

	idx := ExpectedStageIndex(elapsed, e.settings.AssumedCallLength, e.stages)
	if idx <= e.state.StageIndex {
		return nil
	}

	e.state.StageIndex = idx
	e.state.LastStageReminderAt = now

	stage := e.stages[idx]
	message := stage.Reminder
	if message == "" {
		message = fmt.Sprintf("You should be moving into %s.", stage.Name)
	}
	return &Nudge{
		Message:  message,
		Detail:   stage.Name,
		Priority: PriorityLow,
	}
}

// ExpectedStageIndex maps elapsed call time onto the cumulative stage
// percentages. Percentages are normalized to their sum; time past the
// assumed length maps to the last stage.
func ExpectedStageIndex(elapsed, assumed time.Duration, stages []ScriptStage) int {
	if len(stages) == 0 || assumed <= 0 {
		return 0
	}

	total := 0.0
	for _, s := range stages {
		total += s.Percentage
	}
	if total <= 0 {
		return 0
	}

	// Compare elapsed/assumed against cumulative/total without dividing so
	// stage boundaries are exact.
	scaled := float64(elapsed) * total
	cumulative := 0.0
	for i, s := range stages {
		cumulative += s.Percentage
		if scaled < float64(assumed)*cumulative {
			return i
		}
	}
	return len(stages) - 1
}
