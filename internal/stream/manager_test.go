package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
)

func createTestManagerConfig() ManagerConfig {
	return ManagerConfig{
		Session:         testConfig(),
		IdleTimeout:     time.Minute,
		MaxSessions:     2,
		CleanupInterval: time.Hour,
	}
}

func newTestManager(t *testing.T, engine transcription.Engine, config ManagerConfig, m *metrics.Metrics) *Manager {
	t.Helper()
	mgr, err := NewManager(testLogger(), engine, config, m)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Stop(ctx)
	})
	return mgr
}

func TestNewManager(t *testing.T) {
	mgr := newTestManager(t, staticEngine(), createTestManagerConfig(), nil)

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", mgr.GetActiveSessionCount())
	}

	bad := createTestManagerConfig()
	bad.Session.WindowSamples = 0
	if _, err := NewManager(testLogger(), staticEngine(), bad, nil); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestCreateSession(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr := newTestManager(t, staticEngine(), createTestManagerConfig(), m)

	session, err := mgr.CreateSession("en", transcription.TaskTranscribe)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if session.ID == "" {
		t.Error("Expected a session ID")
	}
	if session.State() != StateStreaming {
		t.Errorf("Expected new session streaming, got %s", session.State())
	}

	got, err := mgr.GetSession(session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != session {
		t.Error("Expected GetSession to return the created session")
	}

	if value := testutil.ToFloat64(m.ActiveSessions); value != 1 {
		t.Errorf("Expected active sessions gauge 1, got %v", value)
	}
	if value := testutil.ToFloat64(m.SessionsCreated); value != 1 {
		t.Errorf("Expected sessions created 1, got %v", value)
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	config := createTestManagerConfig()
	config.Session.Language = "uk"
	config.Session.Task = transcription.TaskTranslate
	mgr := newTestManager(t, staticEngine(), config, nil)

	session, err := mgr.CreateSession("", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	info := session.Info()
	if info.Language != "uk" {
		t.Errorf("Expected default language uk, got %s", info.Language)
	}
	if info.Task != "translate" {
		t.Errorf("Expected default task translate, got %s", info.Task)
	}

	if _, err := mgr.CreateSession("not a language", ""); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration for bad language, got %v", err)
	}
}

func TestSessionLimit(t *testing.T) {
	mgr := newTestManager(t, staticEngine(), createTestManagerConfig(), nil)

	for i := 0; i < 2; i++ {
		if _, err := mgr.CreateSession("", ""); err != nil {
			t.Fatalf("CreateSession %d failed: %v", i, err)
		}
	}

	if _, err := mgr.CreateSession("", ""); !errors.Is(err, ErrSessionLimit) {
		t.Errorf("Expected ErrSessionLimit, got %v", err)
	}
	if mgr.GetActiveSessionCount() != 2 {
		t.Errorf("Expected 2 active sessions, got %d", mgr.GetActiveSessionCount())
	}

	stats := mgr.GetStats()
	if stats.SessionsCreated != 2 || stats.SessionsRefused != 1 {
		t.Errorf("Expected 2 created and 1 refused, got %+v", stats)
	}
	if stats.MaxSessions != 2 {
		t.Errorf("Expected max sessions 2, got %d", stats.MaxSessions)
	}
}

func TestRemoveSession(t *testing.T) {
	mgr := newTestManager(t, staticEngine(), createTestManagerConfig(), nil)

	session, _ := mgr.CreateSession("", "")
	if err := mgr.RemoveSession(session.ID); err != nil {
		t.Fatalf("RemoveSession failed: %v", err)
	}

	if session.State() != StateStopped {
		t.Errorf("Expected removed session stopped, got %s", session.State())
	}
	if _, err := mgr.GetSession(session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if err := mgr.RemoveSession(session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound on second remove, got %v", err)
	}
	if stats := mgr.GetStats(); stats.SessionsRemoved != 1 || stats.ActiveSessions != 0 {
		t.Errorf("Expected 1 removed and 0 active, got %+v", stats)
	}
}

func TestListSessions(t *testing.T) {
	mgr := newTestManager(t, staticEngine(), createTestManagerConfig(), nil)

	first, _ := mgr.CreateSession("en", "")
	time.Sleep(time.Millisecond)
	second, _ := mgr.CreateSession("de", "")

	infos := mgr.ListSessions()
	if len(infos) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(infos))
	}
	if infos[0].ID != first.ID || infos[1].ID != second.ID {
		t.Errorf("Expected sessions oldest first, got %s then %s", infos[0].ID, infos[1].ID)
	}
	if infos[0].State != "streaming" {
		t.Errorf("Expected state streaming, got %s", infos[0].State)
	}
}

func TestCleanupIdleSessions(t *testing.T) {
	config := createTestManagerConfig()
	config.IdleTimeout = 20 * time.Millisecond
	config.CleanupInterval = 5 * time.Millisecond
	mgr := newTestManager(t, staticEngine(), config, nil)

	session, _ := mgr.CreateSession("", "")

	waitFor(t, "idle session cleanup", func() bool { return mgr.GetStats().SessionsExpired == 1 })

	if session.State() != StateStopped {
		t.Errorf("Expected expired session stopped, got %s", session.State())
	}
}

func TestManagerStopWaitsForDecodes(t *testing.T) {
	engine := newBlockingEngine()
	mgr, err := NewManager(testLogger(), engine, createTestManagerConfig(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	session, _ := mgr.CreateSession("", "")
	session.AddChunk(speech(audio.SampleRate, 0.2))
	engine.waitCall(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(engine.release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgr.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if info := session.Info(); info.ResultsDiscarded != 1 {
		t.Errorf("Expected in-flight result discarded, got %d", info.ResultsDiscarded)
	}
	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 sessions after stop, got %d", mgr.GetActiveSessionCount())
	}
}

func TestManagerStopTimesOut(t *testing.T) {
	engine := newBlockingEngine()
	mgr, err := NewManager(testLogger(), engine, createTestManagerConfig(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer close(engine.release)

	session, _ := mgr.CreateSession("", "")
	session.AddChunk(speech(audio.SampleRate, 0.2))
	engine.waitCall(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := mgr.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}
