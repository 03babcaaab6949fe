package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"callcoach-server/pkg/coaching"

	"github.com/sirupsen/logrus"
)

const ammoSystemPrompt = `You analyze live sales call transcripts for a closer.
Find "ammo": short, memorable things the prospect said that the closer can quote back later when handling objections.
Good ammo states a pain, a goal, a deadline, money at stake, or an emotional reason to change.
Respond with JSON only, in the form {"ammo": [ ... ]}. Each item has:
  "text": the prospect's words, quoted as closely as possible
  "category": one of "financial", "emotional", "situational"
  "customCategoryId": the id of a matching custom category, if any
  "score": 0-100 importance, optional
  "emotionalIntensity": "low", "medium" or "high"
  "hasSpecifics": true when it contains numbers, names, dates or amounts
  "isOfferRelevant": true when it relates to the offer being sold
  "repetitionKeywords": 1-3 lowercase keywords naming the theme, reused across calls to the same theme
  "suggestedUse": one sentence on how the closer could use it
Return {"ammo": []} when nothing qualifies.`

// AmmoExtractor asks the model for ammo candidates in a transcript window.
type AmmoExtractor struct {
	gen    Generator
	logger *logrus.Entry
}

// NewAmmoExtractor creates an extractor backed by gen.
func NewAmmoExtractor(gen Generator, logger *logrus.Logger) *AmmoExtractor {
	return &AmmoExtractor{
		gen:    gen,
		logger: logger.WithField("component", "ammo_extractor"),
	}
}

// ExtractAmmo returns the parsed candidates. Malformed output yields zero
// candidates and no error; transport failures are returned.
func (e *AmmoExtractor) ExtractAmmo(ctx context.Context, req coaching.ExtractionRequest) ([]coaching.Candidate, error) {
	raw, err := e.gen.Generate(ctx, ammoSystemPrompt, buildAmmoPrompt(req))
	if err != nil {
		return nil, err
	}

	candidates, result := ParseCandidates(raw)
	if !result.Valid {
		e.logger.WithError(result.Err).WithFields(logrus.Fields{
			"call_id":        req.CallID,
			"response_chars": len(raw),
		}).Warn("Discarding unparseable ammo response")
		return nil, nil
	}

	e.logger.WithFields(logrus.Fields{
		"call_id":    req.CallID,
		"candidates": len(candidates),
	}).Debug("Ammo candidates extracted")
	return candidates, nil
}

func buildAmmoPrompt(req coaching.ExtractionRequest) string {
	var b strings.Builder

	if cfg := req.Config; cfg != nil {
		if cfg.OfferDescription != "" {
			fmt.Fprintf(&b, "Offer being sold: %s\n\n", cfg.OfferDescription)
		}
		if len(cfg.CustomCategories) > 0 {
			b.WriteString("Custom categories:\n")
			for _, c := range cfg.CustomCategories {
				fmt.Fprintf(&b, "- id=%s name=%s", c.ID, c.Name)
				if c.Description != "" {
					fmt.Fprintf(&b, " (%s)", c.Description)
				}
				if len(c.Keywords) > 0 {
					fmt.Fprintf(&b, " keywords: %s", strings.Join(c.Keywords, ", "))
				}
				b.WriteByte('\n')
			}
			b.WriteByte('\n')
		}
	}
	if req.CustomPrompt != "" {
		fmt.Fprintf(&b, "Team instructions:\n%s\n\n", req.CustomPrompt)
	}

	b.WriteString("Transcript window:\n")
	b.WriteString(req.Text)
	return b.String()
}

type rawCandidate struct {
	Text               string          `json:"text"`
	Quote              string          `json:"quote"`
	Category           string          `json:"category"`
	CustomCategoryID   string          `json:"customCategoryId"`
	Score              flexInt         `json:"score"`
	EmotionalIntensity json.RawMessage `json:"emotionalIntensity"`
	HasSpecifics       flexBool        `json:"hasSpecifics"`
	IsOfferRelevant    flexBool        `json:"isOfferRelevant"`
	RepetitionKeywords flexStrings     `json:"repetitionKeywords"`
	SuggestedUse       string          `json:"suggestedUse"`
}

// ParseCandidates decodes a model response holding either {"ammo": [...]}
// or a bare array. An invalid document yields no candidates.
func ParseCandidates(raw string) ([]coaching.Candidate, ParseResult) {
	result := ParseJSON(raw)
	if !result.Valid {
		return nil, result
	}

	var items []rawCandidate
	if err := json.Unmarshal(result.JSON, &items); err != nil {
		var wrapped struct {
			Ammo  []rawCandidate `json:"ammo"`
			Items []rawCandidate `json:"items"`
		}
		if err := json.Unmarshal(result.JSON, &wrapped); err != nil {
			return nil, ParseResult{Err: ErrInvalidResponse}
		}
		items = wrapped.Ammo
		if len(items) == 0 {
			items = wrapped.Items
		}
	}

	candidates := make([]coaching.Candidate, 0, len(items))
	for _, it := range items {
		text := strings.TrimSpace(it.Text)
		if text == "" {
			text = strings.TrimSpace(it.Quote)
		}
		if text == "" {
			continue
		}
		candidates = append(candidates, coaching.Candidate{
			Text:               text,
			Category:           coaching.AmmoCategory(strings.ToLower(strings.TrimSpace(it.Category))),
			Score:              it.Score.Value,
			EmotionalIntensity: normalizeIntensity(it.EmotionalIntensity),
			HasSpecifics:       bool(it.HasSpecifics),
			IsOfferRelevant:    bool(it.IsOfferRelevant),
			RepetitionKeywords: []string(it.RepetitionKeywords),
			SuggestedUse:       strings.TrimSpace(it.SuggestedUse),
			CustomCategoryID:   strings.TrimSpace(it.CustomCategoryID),
		})
	}
	return candidates, result
}

// normalizeIntensity maps labels and numeric scales (0-1, 0-10, 0-100) onto
// low/medium/high. Unknown values become "".
func normalizeIntensity(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.ToLower(strings.TrimSpace(s))
		switch s {
		case coaching.IntensityLow, coaching.IntensityMedium, coaching.IntensityHigh:
			return s
		case "moderate", "mid":
			return coaching.IntensityMedium
		case "very high", "extreme", "intense":
			return coaching.IntensityHigh
		case "none", "minimal":
			return coaching.IntensityLow
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return ""
		}
		return intensityFromNumber(n)
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return intensityFromNumber(n)
	}
	return ""
}

func intensityFromNumber(n float64) string {
	switch {
	case n <= 1:
	case n <= 10:
		n /= 10
	default:
		n /= 100
	}
	switch {
	case n >= 0.7:
		return coaching.IntensityHigh
	case n >= 0.4:
		return coaching.IntensityMedium
	default:
		return coaching.IntensityLow
	}
}
