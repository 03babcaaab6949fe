package coaching

import "time"

// Role is the side of the call a speaker is attributed to.
type Role string

const (
	RoleCloser   Role = "closer"
	RoleProspect Role = "prospect"
)

// Label returns the prefix used for transcript lines.
func (r Role) Label() string {
	if r == RoleCloser {
		return "Closer"
	}
	return "Prospect"
}

// CallStatus tracks the lifecycle of a call record.
type CallStatus string

const (
	StatusWaiting   CallStatus = "waiting"
	StatusActive    CallStatus = "active"
	StatusCompleted CallStatus = "completed"
)

// CallRecord is the persisted header of a call.
type CallRecord struct {
	ID           string     `json:"id"`
	TeamID       string     `json:"team_id"`
	CloserID     string     `json:"closer_id"`
	ProspectName string     `json:"prospect_name,omitempty"`
	SampleRate   int        `json:"sample_rate"`
	Status       CallStatus `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
}

// TranscriptChunk is a single result delivered by the transcription backend.
type TranscriptChunk struct {
	SpeakerID      string  `json:"speaker_id"`
	Text           string  `json:"text"`
	IsFinal        bool    `json:"is_final"`
	AudioTimestamp float64 `json:"audio_timestamp"` // seconds since stream start
}

// TranscriptSegment is a final, attributed chunk as persisted.
type TranscriptSegment struct {
	CallID         string    `json:"call_id"`
	Role           Role      `json:"role"`
	SpeakerID      string    `json:"speaker_id"`
	Text           string    `json:"text"`
	AudioTimestamp int64     `json:"audio_timestamp"`
	CreatedAt      time.Time `json:"created_at"`
}

// AmmoCategory classifies an ammo item.
type AmmoCategory string

const (
	CategoryFinancial   AmmoCategory = "financial"
	CategoryEmotional   AmmoCategory = "emotional"
	CategorySituational AmmoCategory = "situational"
)

// Valid reports whether c is one of the built-in categories.
func (c AmmoCategory) Valid() bool {
	switch c {
	case CategoryFinancial, CategoryEmotional, CategorySituational:
		return true
	}
	return false
}

// HeavyHitterThreshold is the minimum score for an item to be kept.
const HeavyHitterThreshold = 50

// AmmoItem is a scored prospect quote kept for objection handling.
type AmmoItem struct {
	ID               string       `json:"id"`
	CallID           string       `json:"call_id"`
	Text             string       `json:"text"`
	Category         AmmoCategory `json:"category"`
	CustomCategoryID string       `json:"custom_category_id,omitempty"`
	Score            int          `json:"score"`
	RepetitionCount  int          `json:"repetition_count"`
	IsHeavyHitter    bool         `json:"is_heavy_hitter"`
	SuggestedUse     string       `json:"suggested_use,omitempty"`
	AudioTimestamp   int64        `json:"audio_timestamp"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Candidate is an unscored ammo suggestion from the extraction backend.
// Pointer fields are optional in the backend payload.
type Candidate struct {
	Text               string       `json:"text"`
	Category           AmmoCategory `json:"category"`
	Score              *int         `json:"score,omitempty"`
	EmotionalIntensity string       `json:"emotionalIntensity,omitempty"`
	HasSpecifics       bool         `json:"hasSpecifics,omitempty"`
	IsOfferRelevant    bool         `json:"isOfferRelevant,omitempty"`
	RepetitionKeywords []string     `json:"repetitionKeywords,omitempty"`
	SuggestedUse       string       `json:"suggestedUse,omitempty"`
	CustomCategoryID   string       `json:"customCategoryId,omitempty"`
}

// NudgeType identifies a coaching rule.
type NudgeType string

const (
	NudgeObjectionWarning NudgeType = "objection-warning"
	NudgeDigDeeper        NudgeType = "dig-deeper"
	NudgeMissingInfo      NudgeType = "missing-info"
	NudgeScriptReminder   NudgeType = "script-reminder"
)

// NudgePriority orders nudges for display.
type NudgePriority string

const (
	PriorityHigh   NudgePriority = "high"
	PriorityMedium NudgePriority = "medium"
	PriorityLow    NudgePriority = "low"
)

// Nudge is a short coaching prompt shown to the closer.
type Nudge struct {
	ID             string        `json:"id"`
	CallID         string        `json:"call_id"`
	Type           NudgeType     `json:"type"`
	Message        string        `json:"message"`
	Detail         string        `json:"detail,omitempty"`
	TriggerKeyword string        `json:"trigger_keyword,omitempty"`
	Priority       NudgePriority `json:"priority"`
	CreatedAt      time.Time     `json:"created_at"`
}

// DetectedObjection is an objection found by post-call detection.
type DetectedObjection struct {
	Type  string `json:"type"`
	Quote string `json:"quote"`
}

// DetectionResult summarizes qualification signals found in a finished call.
type DetectionResult struct {
	BudgetDiscussed   bool                `json:"budgetDiscussed"`
	BudgetQuote       string              `json:"budgetQuote,omitempty"`
	TimelineDiscussed bool                `json:"timelineDiscussed"`
	TimelineQuote     string              `json:"timelineQuote,omitempty"`
	DecisionMaker     bool                `json:"decisionMakerIdentified"`
	DecisionMakerName string              `json:"decisionMakerQuote,omitempty"`
	SpouseMentioned   bool                `json:"spouseMentioned"`
	SpouseQuote       string              `json:"spouseQuote,omitempty"`
	Objections        []DetectedObjection `json:"objections,omitempty"`
}

// CallCompletion is the final record written when a call ends.
type CallCompletion struct {
	CallID          string    `json:"call_id"`
	RecordingURL    string    `json:"recording_url"`
	Transcript      string    `json:"transcript"`
	DurationSeconds int64     `json:"duration_seconds"`
	EndedAt         time.Time `json:"ended_at"`
}

// TalkTime holds estimated speaking seconds per role.
type TalkTime struct {
	CloserSeconds   float64 `json:"closer_seconds"`
	ProspectSeconds float64 `json:"prospect_seconds"`
}
