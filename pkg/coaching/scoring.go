package coaching

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Intensity levels normalized from backend output.
const (
	IntensityLow    = "low"
	IntensityMedium = "medium"
	IntensityHigh   = "high"
)

// RepetitionTracker counts how often the prospect returns to a theme over
// the whole session.
type RepetitionTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewRepetitionTracker returns an empty tracker
func NewRepetitionTracker() *RepetitionTracker {
	return &RepetitionTracker{counts: make(map[string]int)}
}

// Observe records one mention of each distinct keyword.
func (t *RepetitionTracker) Observe(keywords []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		k = normalizeKeyword(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		t.counts[k]++
	}
}

// Count returns the highest mention count among keywords.
func (t *RepetitionTracker) Count(keywords []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	best := 0
	for _, k := range keywords {
		if c := t.counts[normalizeKeyword(k)]; c > best {
			best = c
		}
	}
	return best
}

// Snapshot returns a copy of all counts.
func (t *RepetitionTracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// ScoreCandidate scores a candidate given its repetition count.
// A backend supplied score is boosted; otherwise the score is built from
// the candidate's signals. The result is capped at 100.
func ScoreCandidate(c Candidate, repetition int) int {
	var score int
	if c.Score != nil {
		score = *c.Score
		if repetition >= 2 {
			score += 10
		}
		if c.IsOfferRelevant {
			score += 5
		}
	} else {
		score = 20
		if c.HasSpecifics {
			score += 40
		}
		if c.EmotionalIntensity == IntensityHigh {
			score += 25
		}
		if repetition >= 2 {
			score += 15
		}
		if c.IsOfferRelevant {
			score += 10
		}
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// SelectAmmo updates the tracker from all candidates, scores them, drops
// anything below the heavy-hitter threshold and returns at most max items,
// best first, stamped with audioTimestamp.
func SelectAmmo(callID string, candidates []Candidate, tracker *RepetitionTracker, max int, audioTimestamp int64, now time.Time) []AmmoItem {
	for _, c := range candidates {
		tracker.Observe(c.RepetitionKeywords)
	}

	items := make([]AmmoItem, 0, len(candidates))
	for _, c := range candidates {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}

		repetition := tracker.Count(c.RepetitionKeywords)
		score := ScoreCandidate(c, repetition)
		if score < HeavyHitterThreshold {
			continue
		}

		category := c.Category
		if !category.Valid() {
			category = CategorySituational
		}

		items = append(items, AmmoItem{
			ID:               uuid.NewString(),
			CallID:           callID,
			Text:             text,
			Category:         category,
			CustomCategoryID: c.CustomCategoryID,
			Score:            score,
			RepetitionCount:  repetition,
			IsHeavyHitter:    true,
			SuggestedUse:     c.SuggestedUse,
			AudioTimestamp:   audioTimestamp,
			CreatedAt:        now,
		})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if max > 0 && len(items) > max {
		items = items[:max]
	}
	return items
}
