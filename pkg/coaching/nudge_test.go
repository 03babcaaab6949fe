package coaching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

func newTestEngine(cfg *AmmoConfig) *NudgeEngine {
	return NewNudgeEngine("call-1", DefaultNudgeSettings(), cfg, t0)
}

func TestSpouseStallScenarioYieldsOneObjection(t *testing.T) {
	e := newTestEngine(nil)
	transcript := ""
	objections := 0

	// Three minute call, one evaluation every 5 seconds.
	for sec := 5; sec <= 180; sec += 5 {
		switch sec {
		case 40, 150:
			transcript += "Prospect: my wife and I need to think about it\n"
		default:
			transcript += "Closer: okay\n"
		}
		if n := e.Evaluate(transcript, t0.Add(time.Duration(sec)*time.Second)); n != nil && n.Type == NudgeObjectionWarning {
			objections++
			assert.Equal(t, PriorityHigh, n.Priority)
			assert.Equal(t, "my wife", n.TriggerKeyword)
			assert.Contains(t, n.Detail, "think about it")
		}
	}

	assert.Equal(t, 1, objections)
	state := e.State()
	assert.True(t, state.TriggeredObjections["my wife"])
	assert.True(t, state.TriggeredObjections["think about it"])
}

func TestGlobalCooldown(t *testing.T) {
	e := newTestEngine(nil)

	n := e.Evaluate("Prospect: honestly it's too expensive", t0.Add(10*time.Second))
	require.NotNil(t, n)
	assert.Equal(t, NudgeObjectionWarning, n.Type)

	// A pain point arrives inside the global cooldown.
	transcript := "Prospect: honestly it's too expensive\nProspect: I'm so frustrated"
	assert.Nil(t, e.Evaluate(transcript, t0.Add(20*time.Second)))

	n = e.Evaluate(transcript, t0.Add(36*time.Second))
	require.NotNil(t, n)
	assert.Equal(t, NudgeDigDeeper, n.Type)
}

func TestTypeCooldownSkipsToLowerPriority(t *testing.T) {
	e := newTestEngine(nil)

	require.NotNil(t, e.Evaluate("scam", t0.Add(5*time.Second)))

	// New objection and pain point after global cooldown but inside the
	// objection type cooldown: dig-deeper fires instead.
	transcript := "scam\nmaybe next year\nI'm overwhelmed"
	n := e.Evaluate(transcript, t0.Add(40*time.Second))
	require.NotNil(t, n)
	assert.Equal(t, NudgeDigDeeper, n.Type)

	// Once the type cooldown is over the pending objection fires.
	n = e.Evaluate(transcript, t0.Add(130*time.Second))
	require.NotNil(t, n)
	assert.Equal(t, NudgeObjectionWarning, n.Type)
	assert.Equal(t, "maybe next year", n.TriggerKeyword)
}

func TestNoSameTypeWithinTypeCooldown(t *testing.T) {
	e := newTestEngine(nil)
	transcript := ""
	last := map[NudgeType]time.Time{}
	phrases := []string{"scam", "too busy", "my husband", "sleep on it", "can't afford", "reviews"}

	for sec := 0; sec <= 600; sec += 10 {
		if sec%60 == 0 && sec/60 < len(phrases) {
			transcript += phrases[sec/60] + "\n"
		}
		now := t0.Add(time.Duration(sec) * time.Second)
		if n := e.Evaluate(transcript, now); n != nil {
			if prev, ok := last[n.Type]; ok {
				assert.GreaterOrEqual(t, now.Sub(prev), 120*time.Second, "type %s", n.Type)
			}
			last[n.Type] = now
		}
	}
}

func TestMissingInfoWaitsAndRepeats(t *testing.T) {
	settings := DefaultNudgeSettings()
	settings.ScriptReminderAfter = time.Hour
	e := NewNudgeEngine("c", settings, nil, t0)
	transcript := "Closer: tell me about your budget\nProspect: we have some money set aside"

	assert.Nil(t, e.Evaluate(transcript, t0.Add(4*time.Minute)))

	n := e.Evaluate(transcript, t0.Add(5*time.Minute))
	require.NotNil(t, n)
	assert.Equal(t, NudgeMissingInfo, n.Type)
	assert.Equal(t, "timeline", n.Detail)

	assert.Nil(t, e.Evaluate(transcript, t0.Add(6*time.Minute)))

	n = e.Evaluate(transcript, t0.Add(7*time.Minute+time.Second))
	require.NotNil(t, n)
	assert.Equal(t, "timeline", n.Detail, "missing info is cooldown limited, not once per item")
}

func TestStageRemindersAreMonotonic(t *testing.T) {
	settings := DefaultNudgeSettings()
	settings.MissingInfoAfter = time.Hour
	e := NewNudgeEngine("c", settings, nil, t0)

	var announced []int
	for sec := 0; sec <= 40*60; sec += 15 {
		now := t0.Add(time.Duration(sec) * time.Second)
		if n := e.Evaluate("", now); n != nil {
			require.Equal(t, NudgeScriptReminder, n.Type)
			announced = append(announced, e.State().StageIndex)
		}
	}

	require.NotEmpty(t, announced)
	for i := 1; i < len(announced); i++ {
		assert.Greater(t, announced[i], announced[i-1])
	}
	assert.Equal(t, 4, announced[len(announced)-1])
	assert.NotContains(t, announced, 0, "the opening stage is never announced")
}

func TestExpectedStageIndex(t *testing.T) {
	stages := DefaultScriptStages()
	total := 30 * time.Minute

	assert.Equal(t, 0, ExpectedStageIndex(0, total, stages))
	assert.Equal(t, 0, ExpectedStageIndex(179*time.Second, total, stages))
	assert.Equal(t, 1, ExpectedStageIndex(3*time.Minute, total, stages))
	assert.Equal(t, 2, ExpectedStageIndex(12*time.Minute, total, stages))
	assert.Equal(t, 3, ExpectedStageIndex(19*time.Minute+30*time.Second, total, stages))
	assert.Equal(t, 4, ExpectedStageIndex(26*time.Minute, total, stages))
	assert.Equal(t, 4, ExpectedStageIndex(2*time.Hour, total, stages))

	// Percentages that do not sum to 100 are normalized.
	custom := []ScriptStage{{Name: "a", Percentage: 1}, {Name: "b", Percentage: 1}}
	assert.Equal(t, 1, ExpectedStageIndex(15*time.Minute, total, custom))
}

func TestTeamKeywordsExtendBuiltIns(t *testing.T) {
	cfg := &AmmoConfig{
		ObjectionKeywords: []string{"Competitor X"},
		CustomCategories:  []CustomCategory{{ID: "cat-1", Name: "health", Keywords: []string{"back pain"}}},
	}
	e := newTestEngine(cfg)

	n := e.Evaluate("we already use competitor x", t0.Add(time.Second))
	require.NotNil(t, n)
	assert.Equal(t, NudgeObjectionWarning, n.Type)
	assert.Equal(t, "competitor x", n.TriggerKeyword)

	n = e.Evaluate("my back pain is killing me", t0.Add(time.Minute))
	require.NotNil(t, n)
	assert.Equal(t, NudgeDigDeeper, n.Type)
	assert.Contains(t, n.Message, "health")
}
