package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
)

// ManagerStats summarizes manager activity
type ManagerStats struct {
	ActiveSessions  int    `json:"active_sessions"`
	MaxSessions     int    `json:"max_sessions"`
	SessionsCreated uint64 `json:"sessions_created"`
	SessionsRemoved uint64 `json:"sessions_removed"`
	SessionsExpired uint64 `json:"sessions_expired"`
	SessionsRefused uint64 `json:"sessions_refused"`
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Session         SessionConfig
	IdleTimeout     time.Duration // sessions without activity for this long are removed
	MaxSessions     int           // 0 means unlimited
	CleanupInterval time.Duration
}

// Manager manages all transcription sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	config   ManagerConfig
	engine   transcription.Engine
	metrics  *metrics.Metrics

	// Totals since start, guarded by mu
	created  uint64
	removed  uint64
	expired  uint64
	rejected uint64

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its cleanup routine
func NewManager(logger *slog.Logger, engine transcription.Engine, config ManagerConfig, m *metrics.Metrics) (*Manager, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: engine is required", ErrInvalidConfiguration)
	}
	if err := config.Session.Validate(); err != nil {
		return nil, err
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		config:   config,
		engine:   engine,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// CreateSession creates, configures and starts a session. An empty language
// falls back to the configured default.
func (m *Manager) CreateSession(language string, task transcription.Task) (*Session, error) {
	if language == "" {
		language = m.config.Session.Language
	}
	if task == "" {
		task = m.config.Session.Task
	}

	session, err := NewSession(m.ctx, uuid.NewString(), m.engine, m.config.Session, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}
	if err := session.Configure(language, task); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		m.rejected++
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d sessions active", ErrSessionLimit, m.config.MaxSessions)
	}
	m.sessions[session.ID] = session
	m.created++
	count := len(m.sessions)
	m.mu.Unlock()

	if err := session.Start(); err != nil {
		m.RemoveSession(session.ID)
		return nil, err
	}

	m.metrics.RecordSessionCreated()
	m.metrics.SetActiveSessions(count)

	m.logger.Info("Created new session",
		slog.String("session_id", session.ID),
		slog.String("language", language),
		slog.String("task", string(task)),
		slog.Int("active_sessions", count),
	)

	return session, nil
}

// GetSession retrieves an existing session
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return session, nil
}

// GetActiveSessionCount returns the number of sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetStats returns session totals
func (m *Manager) GetStats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		ActiveSessions:  len(m.sessions),
		MaxSessions:     m.config.MaxSessions,
		SessionsCreated: m.created,
		SessionsRemoved: m.removed,
		SessionsExpired: m.expired,
		SessionsRefused: m.rejected,
	}
}

// ListSessions returns snapshots of all sessions, oldest first
func (m *Manager) ListSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// RemoveSession stops a session and forgets it. An in-flight decode
// finishes in the background and its result is discarded.
func (m *Manager) RemoveSession(id string) error {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
		m.removed++
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	session.Stop()
	info := session.Info()

	m.metrics.RecordSessionRemoved(info.Duration.Seconds())
	m.metrics.SetActiveSessions(count)

	m.logger.Info("Session removed",
		slog.String("session_id", id),
		slog.Duration("duration", info.Duration),
		slog.Uint64("decodes_completed", info.DecodesCompleted),
		slog.Uint64("decodes_failed", info.DecodesFailed),
		slog.Uint64("chunks_dropped", info.ChunksDropped),
		slog.Uint64("segments_emitted", info.SegmentsEmitted),
	)

	return nil
}

// Stop stops every session, waits for in-flight decodes until ctx is done,
// then cancels any engine call still running.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("Stopping session manager...")

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		session.Stop()
	}

	var waitErr error
	for _, session := range sessions {
		if err := session.Wait(ctx); err != nil {
			waitErr = errors.Join(waitErr, fmt.Errorf("session %s: %w", session.ID, err))
			break
		}
	}

	// Stops the cleanup routine and aborts remaining engine calls
	m.cancel()
	<-m.cleanup

	m.metrics.SetActiveSessions(0)
	m.logger.Info("Session manager stopped", slog.Int("stopped_sessions", len(sessions)))

	return waitErr
}

// startCleanupRoutine runs in a separate goroutine to remove idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		if now.Sub(session.LastActivity()) > m.config.IdleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.logger.Info("Cleaning up idle sessions", slog.Int("expired_count", len(expired)))
	for _, id := range expired {
		// Another caller may have removed it first
		err := m.RemoveSession(id)
		if err == nil {
			m.mu.Lock()
			m.expired++
			m.mu.Unlock()
		} else if !errors.Is(err, ErrSessionNotFound) {
			m.logger.Warn("Failed to remove idle session",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}
	}
}
