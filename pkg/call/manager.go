package call

import (
	"context"
	"sort"
	"sync"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// Finalization reasons
const (
	ReasonClientEnded  = "client_ended"
	ReasonDisconnected = "disconnected"
	ReasonIdleTimeout  = "idle_timeout"
	ReasonShutdown     = "shutdown"
)

const (
	finalizeTimeout = 2 * time.Minute

	// endedRetention is how long a finished session still answers End with
	// its completion.
	endedRetention = 10 * time.Minute
)

// Manager tracks live sessions by call id and reaps idle ones.
type Manager struct {
	logger   *logrus.Logger
	deps     Dependencies
	settings Settings

	mu       sync.RWMutex
	sessions map[string]*Session
	ended    map[string]*Session

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a manager
func NewManager(deps Dependencies, settings Settings, logger *logrus.Logger) *Manager {
	if deps.Clock == nil {
		deps.Clock = coaching.SystemClock{}
	}
	return &Manager{
		logger:   logger,
		deps:     deps,
		settings: settings,
		sessions: make(map[string]*Session),
		ended:    make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Start creates and registers a new session.
func (m *Manager) Start(ctx context.Context, meta Metadata) (*Session, error) {
	s, err := NewSession(ctx, m.deps, m.settings, meta, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	count := len(m.sessions)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"call_id":      s.ID(),
		"active_calls": count,
	}).Debug("Session registered")
	return s, nil
}

// Get returns the live session for callID.
func (m *Manager) Get(callID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[callID]
	if !ok {
		return nil, errors.NewSessionNotFound(callID)
	}
	return s, nil
}

// End finalizes and unregisters a session. The session stays registered
// until finalization is done, so concurrent and repeated calls within
// endedRetention get the same completion.
func (m *Manager) End(ctx context.Context, callID, reason string) (*coaching.CallCompletion, error) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	if !ok {
		s, ok = m.ended[callID]
	}
	m.mu.RUnlock()

	if !ok {
		return nil, errors.NewSessionNotFound(callID)
	}

	completion := s.End(ctx, reason)

	m.mu.Lock()
	if m.sessions[callID] == s {
		delete(m.sessions, callID)
		m.ended[callID] = s
	}
	m.mu.Unlock()

	return completion, nil
}

// pruneEnded forgets finished sessions older than endedRetention.
func (m *Manager) pruneEnded(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.ended {
		if s.completion == nil || now.Sub(s.completion.EndedAt) > endedRetention {
			delete(m.ended, id)
		}
	}
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns a snapshot of every live session, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// StartReaper finalizes sessions idle for longer than the configured
// timeout, checking every interval.
func (m *Manager) StartReaper(interval time.Duration) {
	if interval <= 0 || m.settings.Coaching.SessionIdleTimeout <= 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.ReapIdle()
			case <-m.stopCh:
				return
			}
		}
	}()

	m.logger.WithFields(logrus.Fields{
		"interval":     interval,
		"idle_timeout": m.settings.Coaching.SessionIdleTimeout,
	}).Info("Session reaper started")
}

// ReapIdle finalizes every session whose last activity is older than the
// idle timeout and returns how many were reaped.
func (m *Manager) ReapIdle() int {
	now := m.deps.Clock.Now()
	timeout := m.settings.Coaching.SessionIdleTimeout
	m.pruneEnded(now)

	var idle []string
	m.mu.RLock()
	for id, s := range m.sessions {
		if s.isEnding() {
			continue
		}
		if now.Sub(s.LastActivity()) > timeout {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.logger.WithField("call_id", id).Warn("Reaping idle call session")
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		if _, err := m.End(ctx, id, ReasonIdleTimeout); err != nil {
			m.logger.WithError(err).WithField("call_id", id).Debug("Session already gone")
		}
		cancel()
	}

	if len(idle) > 0 {
		metrics.RecordBackgroundTask("reap_idle_sessions", "ok")
	}
	return len(idle)
}

// Shutdown stops the reaper and finalizes all remaining sessions
// concurrently, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	for id := range m.ended {
		delete(m.ended, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.End(ctx, ReasonShutdown)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.WithField("sessions", len(sessions)).Info("All call sessions finalized")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
