package call

import (
	"sync"

	"callcoach-server/pkg/coaching"
)

// FirstSpeakerHeuristic assumes whoever speaks first is the closer. The
// first speaker id is fixed on the first call to Attribute and never
// revised.
type FirstSpeakerHeuristic struct {
	mu      sync.Mutex
	first   string
	decided bool
}

// NewFirstSpeakerHeuristic returns an undecided attributor.
func NewFirstSpeakerHeuristic() *FirstSpeakerHeuristic {
	return &FirstSpeakerHeuristic{}
}

func (h *FirstSpeakerHeuristic) Attribute(speakerID string) coaching.Role {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.decided {
		h.first = speakerID
		h.decided = true
	}
	if speakerID == h.first {
		return coaching.RoleCloser
	}
	return coaching.RoleProspect
}

// FirstSpeakerID returns the closer's speaker id once decided.
func (h *FirstSpeakerHeuristic) FirstSpeakerID() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.first, h.decided
}
