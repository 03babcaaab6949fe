package database

import (
	"context"
	"sort"
	"sync"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/errors"

	"github.com/sirupsen/logrus"
)

// StoredCall is the in-memory view of a call and everything written for it.
type StoredCall struct {
	Record     coaching.CallRecord
	Segments   []coaching.TranscriptSegment
	Transcript string
	TalkTime   coaching.TalkTime
	Ammo       []coaching.AmmoItem
	Nudges     []coaching.Nudge
	Detection  *coaching.DetectionResult
	Completion *coaching.CallCompletion
}

type teamCoaching struct {
	config *coaching.AmmoConfig
	prompt string
}

// MemoryRepository keeps calls in process memory. It is used when MySQL is
// disabled and in tests.
type MemoryRepository struct {
	logger *logrus.Logger

	mu    sync.RWMutex
	calls map[string]*StoredCall
	teams map[string]teamCoaching
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository(logger *logrus.Logger) *MemoryRepository {
	return &MemoryRepository{
		logger: logger,
		calls:  make(map[string]*StoredCall),
		teams:  make(map[string]teamCoaching),
	}
}

func (m *MemoryRepository) CreateCall(ctx context.Context, rec coaching.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.calls[rec.ID]; exists {
		return errors.Wrap(errors.ErrInvalidInput, "call already exists").WithField("call_id", rec.ID)
	}
	m.calls[rec.ID] = &StoredCall{Record: rec}
	return nil
}

func (m *MemoryRepository) UpdateCallStatus(ctx context.Context, callID string, status coaching.CallStatus) error {
	return m.update(callID, func(c *StoredCall) {
		c.Record.Status = status
	})
}

func (m *MemoryRepository) AddTranscriptSegment(ctx context.Context, seg coaching.TranscriptSegment) error {
	return m.update(seg.CallID, func(c *StoredCall) {
		c.Segments = append(c.Segments, seg)
	})
}

func (m *MemoryRepository) AddTranscript(ctx context.Context, callID, transcript string) error {
	return m.update(callID, func(c *StoredCall) {
		c.Transcript = transcript
	})
}

func (m *MemoryRepository) UpdateTalkTime(ctx context.Context, callID string, talk coaching.TalkTime) error {
	return m.update(callID, func(c *StoredCall) {
		c.TalkTime = talk
	})
}

func (m *MemoryRepository) AddAmmoItem(ctx context.Context, item coaching.AmmoItem) error {
	return m.update(item.CallID, func(c *StoredCall) {
		c.Ammo = append(c.Ammo, item)
	})
}

func (m *MemoryRepository) AddNudge(ctx context.Context, nudge coaching.Nudge) error {
	return m.update(nudge.CallID, func(c *StoredCall) {
		c.Nudges = append(c.Nudges, nudge)
	})
}

func (m *MemoryRepository) UpdateCallDetection(ctx context.Context, callID string, result *coaching.DetectionResult) error {
	if result == nil {
		return nil
	}
	return m.update(callID, func(c *StoredCall) {
		copied := *result
		c.Detection = &copied
	})
}

func (m *MemoryRepository) CompleteCall(ctx context.Context, completion coaching.CallCompletion) error {
	return m.update(completion.CallID, func(c *StoredCall) {
		c.Record.Status = coaching.StatusCompleted
		c.Transcript = completion.Transcript
		c.Completion = &completion
	})
}

func (m *MemoryRepository) GetAmmoConfig(ctx context.Context, teamID string) (*coaching.AmmoConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	team, ok := m.teams[teamID]
	if !ok || team.config == nil {
		return nil, nil
	}
	copied := *team.config
	return &copied, nil
}

func (m *MemoryRepository) GetTeamCustomPrompt(ctx context.Context, teamID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.teams[teamID].prompt, nil
}

// SaveTeamCoaching sets a team's configuration and custom prompt.
func (m *MemoryRepository) SaveTeamCoaching(ctx context.Context, teamID string, cfg *coaching.AmmoConfig, customPrompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stored *coaching.AmmoConfig
	if cfg != nil {
		copied := *cfg
		copied.TeamID = teamID
		stored = &copied
	}
	m.teams[teamID] = teamCoaching{config: stored, prompt: customPrompt}
	return nil
}

// GetCall returns a snapshot of a stored call.
func (m *MemoryRepository) GetCall(callID string) (*StoredCall, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.calls[callID]
	if !ok {
		return nil, false
	}
	snapshot := *c
	snapshot.Segments = append([]coaching.TranscriptSegment(nil), c.Segments...)
	snapshot.Ammo = append([]coaching.AmmoItem(nil), c.Ammo...)
	snapshot.Nudges = append([]coaching.Nudge(nil), c.Nudges...)
	return &snapshot, true
}

// ListCalls returns call records for a team, newest first. An empty teamID
// lists every call.
func (m *MemoryRepository) ListCalls(teamID string) []coaching.CallRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []coaching.CallRecord
	for _, c := range m.calls {
		if teamID == "" || c.Record.TeamID == teamID {
			out = append(out, c.Record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (m *MemoryRepository) update(callID string, fn func(*StoredCall)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[callID]
	if !ok {
		return errors.Wrap(errors.ErrNotFound, "call not found").WithField("call_id", callID)
	}
	fn(c)
	return nil
}
