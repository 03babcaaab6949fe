package coaching

// CustomCategory is a team-defined ammo category. Its keywords also feed the
// dig-deeper rule.
type CustomCategory struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

// RequiredInfo is something the closer must uncover during the call.
type RequiredInfo struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
	Prompt   string   `json:"prompt"`
}

// ScriptStage is one step of a call script. Percentage is the share of the
// assumed call length the stage should take.
type ScriptStage struct {
	Name       string  `json:"name"`
	Percentage float64 `json:"percentage"`
	Reminder   string  `json:"reminder,omitempty"`
}

// ObjectionRebuttal pairs a common objection with the team's answer.
type ObjectionRebuttal struct {
	Objection string `json:"objection"`
	Rebuttal  string `json:"rebuttal"`
}

// ManifestoStage lists the behaviors expected from the closer in a stage.
type ManifestoStage struct {
	Name              string   `json:"name"`
	ExpectedBehaviors []string `json:"expected_behaviors,omitempty"`
}

// Manifesto is the team's sales playbook.
type Manifesto struct {
	Stages     []ManifestoStage    `json:"stages,omitempty"`
	Rebuttals  []ObjectionRebuttal `json:"rebuttals,omitempty"`
	Principles []string            `json:"principles,omitempty"`
}

// AmmoConfig is the per-team coaching configuration.
type AmmoConfig struct {
	TeamID            string           `json:"team_id"`
	OfferDescription  string           `json:"offer_description,omitempty"`
	CustomCategories  []CustomCategory `json:"custom_categories,omitempty"`
	ObjectionKeywords []string         `json:"objection_keywords,omitempty"`
	RequiredInfo      []RequiredInfo   `json:"required_info,omitempty"`
	ScriptStages      []ScriptStage    `json:"script_stages,omitempty"`
	Manifesto         *Manifesto       `json:"manifesto,omitempty"`
}

// DefaultAmmoConfig returns the built-in configuration used when a team has
// none or it cannot be read.
func DefaultAmmoConfig(teamID string) *AmmoConfig {
	return &AmmoConfig{
		TeamID:       teamID,
		RequiredInfo: DefaultRequiredInfo(),
		ScriptStages: DefaultScriptStages(),
		Manifesto:    DefaultManifesto(),
	}
}

// WithDefaults fills unset sections from the built-in configuration.
// The receiver is not modified.
func (c *AmmoConfig) WithDefaults(teamID string) *AmmoConfig {
	if c == nil {
		return DefaultAmmoConfig(teamID)
	}

	out := *c
	if out.TeamID == "" {
		out.TeamID = teamID
	}
	if len(out.RequiredInfo) == 0 {
		out.RequiredInfo = DefaultRequiredInfo()
	}
	if !validStages(out.ScriptStages) {
		out.ScriptStages = DefaultScriptStages()
	}
	if out.Manifesto == nil {
		out.Manifesto = DefaultManifesto()
	}
	return &out
}

func validStages(stages []ScriptStage) bool {
	if len(stages) == 0 {
		return false
	}
	total := 0.0
	for _, s := range stages {
		if s.Percentage <= 0 {
			return false
		}
		total += s.Percentage
	}
	return total > 0
}

// DefaultScriptStages is the built-in five stage framework.
func DefaultScriptStages() []ScriptStage {
	return []ScriptStage{
		{Name: "Introduction", Percentage: 10, Reminder: "Build rapport and set the agenda for the call."},
		{Name: "Discovery", Percentage: 30, Reminder: "Time for discovery: uncover pain, goals and what they have tried."},
		{Name: "Pitch", Percentage: 25, Reminder: "Move to the pitch: tie the offer to the pain they described."},
		{Name: "Objection handling", Percentage: 20, Reminder: "Surface and handle objections before asking for the close."},
		{Name: "Close", Percentage: 15, Reminder: "Go for the close: recap the value and ask for the decision."},
	}
}

// DefaultRequiredInfo is the built-in qualification checklist.
func DefaultRequiredInfo() []RequiredInfo {
	return []RequiredInfo{
		{
			Name:     "budget",
			Keywords: []string{"budget", "afford", "invest", "spend", "price range", "money"},
			Prompt:   "You haven't qualified budget yet. Ask what they are prepared to invest.",
		},
		{
			Name:     "timeline",
			Keywords: []string{"timeline", "when do you", "how soon", "by when", "deadline", "start date"},
			Prompt:   "No timeline yet. Ask when they want to have this solved.",
		},
		{
			Name:     "decision-maker",
			Keywords: []string{"decision", "decide", "anyone else", "who else", "sign off"},
			Prompt:   "Confirm who else is involved in the decision.",
		},
		{
			Name:     "pain point",
			Keywords: []string{"problem", "struggle", "frustrat", "challenge", "pain"},
			Prompt:   "You haven't found their core pain. Ask what is not working today.",
		},
		{
			Name:     "goal",
			Keywords: []string{"goal", "want to achieve", "looking for", "hoping to", "dream"},
			Prompt:   "Ask what outcome they want in the next 6 to 12 months.",
		},
	}
}

// DefaultManifesto is the built-in playbook passed to post-call detection.
func DefaultManifesto() *Manifesto {
	stages := DefaultScriptStages()
	m := &Manifesto{
		Rebuttals: []ObjectionRebuttal{
			{Objection: "I need to talk to my spouse", Rebuttal: "Ask what their spouse would want to know and address it now."},
			{Objection: "I need to think about it", Rebuttal: "Ask what specifically they need to think through."},
			{Objection: "It's too expensive", Rebuttal: "Compare the price against the cost of the problem staying unsolved."},
			{Objection: "Now is not a good time", Rebuttal: "Ask what will be different later and what waiting costs them."},
		},
		Principles: []string{
			"Let the prospect talk more than the closer.",
			"Quote the prospect's own words back when handling objections.",
		},
	}
	for _, s := range stages {
		m.Stages = append(m.Stages, ManifestoStage{Name: s.Name})
	}
	return m
}
