package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"callcoach-server/pkg/coaching"

	"github.com/sirupsen/logrus"
)

const detectionSystemPrompt = `You review a finished sales call transcript. Lines are prefixed "Closer:" or "Prospect:".
Report what was established during the call. Respond with JSON only:
{
  "budgetDiscussed": bool, "budgetQuote": string,
  "timelineDiscussed": bool, "timelineQuote": string,
  "decisionMakerIdentified": bool, "decisionMakerQuote": string,
  "spouseMentioned": bool, "spouseQuote": string,
  "objections": [{"type": string, "quote": string}]
}
Quotes must be copied from the transcript. Use empty strings when there is no quote.`

// Detector runs post-call qualification analysis.
type Detector struct {
	gen    Generator
	logger *logrus.Entry
}

// NewDetector creates a detector backed by gen.
func NewDetector(gen Generator, logger *logrus.Logger) *Detector {
	return &Detector{
		gen:    gen,
		logger: logger.WithField("component", "call_detector"),
	}
}

// Detect analyzes a full transcript. Unparseable output is reported as
// ErrInvalidResponse.
func (d *Detector) Detect(ctx context.Context, req coaching.DetectionRequest) (*coaching.DetectionResult, error) {
	raw, err := d.gen.Generate(ctx, detectionSystemPrompt, buildDetectionPrompt(req))
	if err != nil {
		return nil, err
	}

	detection, result := ParseDetection(raw)
	if !result.Valid {
		d.logger.WithError(result.Err).WithField("call_id", req.CallID).Warn("Discarding unparseable detection response")
		return nil, result.Err
	}

	d.logger.WithFields(logrus.Fields{
		"call_id":          req.CallID,
		"budget":           detection.BudgetDiscussed,
		"timeline":         detection.TimelineDiscussed,
		"decision_maker":   detection.DecisionMaker,
		"spouse_mentioned": detection.SpouseMentioned,
		"objections":       len(detection.Objections),
	}).Info("Post-call detection complete")
	return detection, nil
}

func buildDetectionPrompt(req coaching.DetectionRequest) string {
	var b strings.Builder

	if m := req.Manifesto; m != nil {
		if len(m.Stages) > 0 {
			b.WriteString("Call stages:\n")
			for _, s := range m.Stages {
				fmt.Fprintf(&b, "- %s", s.Name)
				if len(s.ExpectedBehaviors) > 0 {
					fmt.Fprintf(&b, ": %s", strings.Join(s.ExpectedBehaviors, "; "))
				}
				b.WriteByte('\n')
			}
			b.WriteByte('\n')
		}
		if len(m.Rebuttals) > 0 {
			b.WriteString("Known objections:\n")
			for _, r := range m.Rebuttals {
				fmt.Fprintf(&b, "- %s\n", r.Objection)
			}
			b.WriteByte('\n')
		}
		if len(m.Principles) > 0 {
			b.WriteString("Principles:\n")
			for _, p := range m.Principles {
				fmt.Fprintf(&b, "- %s\n", p)
			}
			b.WriteByte('\n')
		}
	}
	if req.Config != nil && req.Config.OfferDescription != "" {
		fmt.Fprintf(&b, "Offer being sold: %s\n\n", req.Config.OfferDescription)
	}
	if req.CustomPrompt != "" {
		fmt.Fprintf(&b, "Team instructions:\n%s\n\n", req.CustomPrompt)
	}

	b.WriteString("Transcript:\n")
	b.WriteString(req.Transcript)
	return b.String()
}

type rawDetection struct {
	BudgetDiscussed   flexBool `json:"budgetDiscussed"`
	BudgetQuote       string   `json:"budgetQuote"`
	TimelineDiscussed flexBool `json:"timelineDiscussed"`
	TimelineQuote     string   `json:"timelineQuote"`
	DecisionMaker     flexBool `json:"decisionMakerIdentified"`
	DecisionMakerName string   `json:"decisionMakerQuote"`
	SpouseMentioned   flexBool `json:"spouseMentioned"`
	SpouseQuote       string   `json:"spouseQuote"`
	Objections        []struct {
		Type  string `json:"type"`
		Quote string `json:"quote"`
	} `json:"objections"`
}

// ParseDetection decodes a detection response. An invalid document yields
// a nil result.
func ParseDetection(raw string) (*coaching.DetectionResult, ParseResult) {
	result := ParseJSON(raw)
	if !result.Valid {
		return nil, result
	}

	var r rawDetection
	if err := json.Unmarshal(result.JSON, &r); err != nil {
		return nil, ParseResult{Err: ErrInvalidResponse}
	}

	out := &coaching.DetectionResult{
		BudgetDiscussed:   bool(r.BudgetDiscussed),
		BudgetQuote:       strings.TrimSpace(r.BudgetQuote),
		TimelineDiscussed: bool(r.TimelineDiscussed),
		TimelineQuote:     strings.TrimSpace(r.TimelineQuote),
		DecisionMaker:     bool(r.DecisionMaker),
		DecisionMakerName: strings.TrimSpace(r.DecisionMakerName),
		SpouseMentioned:   bool(r.SpouseMentioned),
		SpouseQuote:       strings.TrimSpace(r.SpouseQuote),
	}
	for _, o := range r.Objections {
		if strings.TrimSpace(o.Type) == "" && strings.TrimSpace(o.Quote) == "" {
			continue
		}
		out.Objections = append(out.Objections, coaching.DetectedObjection{
			Type:  strings.TrimSpace(o.Type),
			Quote: strings.TrimSpace(o.Quote),
		})
	}
	return out, result
}
