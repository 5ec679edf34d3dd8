package stream

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
	"github.com/skypro1111/stream-transcriber/internal/vad"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testConfig uses one second windows
func testConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.WindowSamples = audio.SampleRate
	return cfg
}

// staticEngine returns the same segments for every window
func staticEngine(segments ...transcription.Segment) transcription.Engine {
	return transcription.EngineFunc(func(ctx context.Context, samples []float32, language string, task transcription.Task) ([]transcription.Segment, error) {
		return segments, nil
	})
}

// blockingEngine holds every call until released
type blockingEngine struct {
	calls    chan struct{}
	release  chan struct{}
	segments []transcription.Segment
}

func newBlockingEngine(segments ...transcription.Segment) *blockingEngine {
	return &blockingEngine{
		calls:    make(chan struct{}, 16),
		release:  make(chan struct{}),
		segments: segments,
	}
}

func (e *blockingEngine) Decode(ctx context.Context, samples []float32, language string, task transcription.Task) ([]transcription.Segment, error) {
	e.calls <- struct{}{}
	<-e.release
	return e.segments, nil
}

func (e *blockingEngine) waitCall(t *testing.T) {
	t.Helper()
	select {
	case <-e.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for engine call")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func newStartedSession(t *testing.T, engine transcription.Engine, cfg SessionConfig) *Session {
	t.Helper()
	session, err := NewSession(context.Background(), "test", engine, cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return session
}

func speech(n int, amplitude float32) []float32 {
	chunk := make([]float32, n)
	for i := range chunk {
		if i%2 == 0 {
			chunk[i] = amplitude
		} else {
			chunk[i] = -amplitude
		}
	}
	return chunk
}

func TestSessionLifecycle(t *testing.T) {
	session, err := NewSession(context.Background(), "life", staticEngine(), testConfig(), testLogger(), nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	if session.State() != StateIdle {
		t.Errorf("Expected state idle, got %s", session.State())
	}
	if _, err := session.AddChunk(speech(100, 0.1)); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("Expected ErrNotStreaming before start, got %v", err)
	}
	if err := session.Configure("en", "summarize"); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration for bad task, got %v", err)
	}
	if err := session.Configure("English!", transcription.TaskTranscribe); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration for bad language, got %v", err)
	}
	if err := session.Configure("uk", transcription.TaskTranslate); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := session.Start(); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration on second start, got %v", err)
	}
	if err := session.Configure("en", transcription.TaskTranscribe); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration when configuring while streaming, got %v", err)
	}

	info := session.Info()
	if info.Language != "uk" || info.Task != "translate" {
		t.Errorf("Expected uk/translate, got %s/%s", info.Language, info.Task)
	}

	session.Stop()
	first := session.Info()
	session.Stop()
	second := session.Info()

	if session.State() != StateStopped {
		t.Errorf("Expected state stopped, got %s", session.State())
	}
	if first.State != second.State || first.DecodesDispatched != second.DecodesDispatched {
		t.Errorf("Expected second Stop to have no effect, got %+v then %+v", first, second)
	}
	if _, err := session.AddChunk(speech(100, 0.1)); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("Expected ErrNotStreaming after stop, got %v", err)
	}
	if _, err := session.DrainText(); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("Expected ErrNotStreaming from DrainText after stop, got %v", err)
	}
	if _, err := session.PollSegments(); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("Expected ErrNotStreaming from PollSegments after stop, got %v", err)
	}
	if err := session.Start(); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration restarting a stopped session, got %v", err)
	}
}

func TestNewSessionInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SessionConfig)
	}{
		{"zero window", func(c *SessionConfig) { c.WindowSamples = 0 }},
		{"negative overlap", func(c *SessionConfig) { c.OverlapSamples = -1 }},
		{"overlap above half window", func(c *SessionConfig) { c.OverlapSamples = c.WindowSamples }},
		{"bad language", func(c *SessionConfig) { c.Language = "Klingon" }},
		{"bad task", func(c *SessionConfig) { c.Task = "summarize" }},
		{"bad queue", func(c *SessionConfig) { c.Backpressure.MaxPendingChunks = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := NewSession(context.Background(), "bad", staticEngine(), cfg, testLogger(), nil)
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}

	if _, err := NewSession(context.Background(), "bad", nil, testConfig(), testLogger(), nil); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration without engine, got %v", err)
	}
}

func TestSessionTranscribes(t *testing.T) {
	session := newStartedSession(t, staticEngine(
		transcription.Segment{Text: " hello world", Start: 0.5, End: 0.9},
		transcription.Segment{Text: "music", Start: 0.9, End: 1.0},
	), testConfig())
	defer session.Stop()

	if text, _ := session.DrainText(); text != "" {
		t.Errorf("Expected no text before audio, got %q", text)
	}

	// Half a window is not enough
	if dropped, err := session.AddChunk(speech(audio.SampleRate/2, 0.2)); err != nil || dropped {
		t.Fatalf("AddChunk: dropped=%v err=%v", dropped, err)
	}
	if info := session.Info(); info.DecodesDispatched != 0 {
		t.Errorf("Expected no dispatch at half a window, got %d", info.DecodesDispatched)
	}

	session.AddChunk(speech(audio.SampleRate/2, 0.2))
	waitFor(t, "first window", func() bool { return session.Info().SegmentsEmitted == 1 })

	session.AddChunk(speech(audio.SampleRate, 0.2))
	waitFor(t, "second window", func() bool { return session.Info().SegmentsEmitted == 2 })

	segments, err := session.PollSegments()
	if err != nil {
		t.Fatalf("PollSegments failed: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(segments))
	}
	if segments[0].Start != 0.5 || segments[1].Start != 1.5 {
		t.Errorf("Expected stream-absolute starts [0.5 1.5], got [%v %v]", segments[0].Start, segments[1].Start)
	}

	text, err := session.DrainText()
	if err != nil {
		t.Fatalf("DrainText failed: %v", err)
	}
	if text != "hello world hello world" {
		t.Errorf("Expected 'hello world hello world', got %q", text)
	}

	// Both readers drained
	if again, _ := session.PollSegments(); len(again) != 0 {
		t.Errorf("Expected no new segments, got %d", len(again))
	}
	if again, _ := session.DrainText(); again != "" {
		t.Errorf("Expected no new text, got %q", again)
	}

	info := session.Info()
	if info.SegmentsFiltered != 2 {
		t.Errorf("Expected 2 filtered segments, got %d", info.SegmentsFiltered)
	}
	if info.Buffer.Size != 0 {
		t.Errorf("Expected empty buffer, got %d samples", info.Buffer.Size)
	}
	if info.StreamPositionSeconds != 2 {
		t.Errorf("Expected stream position 2s, got %v", info.StreamPositionSeconds)
	}
}

func TestEngineErrorAbsorbed(t *testing.T) {
	var calls int32
	engine := transcription.EngineFunc(func(ctx context.Context, samples []float32, language string, task transcription.Task) ([]transcription.Segment, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("engine exploded")
		}
		return []transcription.Segment{{Text: "recovered fine", Start: 0.1, End: 0.5}}, nil
	})
	session := newStartedSession(t, engine, testConfig())
	defer session.Stop()

	session.AddChunk(speech(audio.SampleRate, 0.2))
	waitFor(t, "failed decode", func() bool { return session.Info().DecodesFailed == 1 })

	session.AddChunk(speech(audio.SampleRate, 0.2))
	waitFor(t, "second decode", func() bool { return session.Info().DecodesCompleted == 1 })

	segments, _ := session.PollSegments()
	if len(segments) != 1 {
		t.Fatalf("Expected 1 segment after recovery, got %d", len(segments))
	}
	// The failed window is not retried; its interval yields nothing
	if segments[0].Start != 1.1 {
		t.Errorf("Expected segment at 1.1s, got %v", segments[0].Start)
	}
	if session.State() != StateStreaming {
		t.Errorf("Expected session still streaming, got %s", session.State())
	}
}

func TestEnginePanicAbsorbed(t *testing.T) {
	engine := transcription.EngineFunc(func(ctx context.Context, samples []float32, language string, task transcription.Task) ([]transcription.Segment, error) {
		panic("boom")
	})
	session := newStartedSession(t, engine, testConfig())
	defer session.Stop()

	session.AddChunk(speech(audio.SampleRate, 0.2))
	waitFor(t, "failed decode", func() bool { return session.Info().DecodesFailed == 1 })

	if session.Info().DecodeInFlight {
		t.Error("Expected scheduler idle after engine panic")
	}
}

func TestVoiceGateSkipsSilence(t *testing.T) {
	var calls int32
	engine := transcription.EngineFunc(func(ctx context.Context, samples []float32, language string, task transcription.Task) ([]transcription.Segment, error) {
		atomic.AddInt32(&calls, 1)
		return []transcription.Segment{{Text: "spoken words", Start: 0.1, End: 0.6}}, nil
	})

	gate := vad.DefaultConfig()
	gate.Smoothing = 0
	cfg := testConfig()
	cfg.VoiceGate = &gate
	session := newStartedSession(t, engine, cfg)
	defer session.Stop()

	session.AddChunk(make([]float32, audio.SampleRate))
	waitFor(t, "skipped window", func() bool { return session.Info().WindowsSkipped == 1 })
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("Expected no engine calls for silence, got %d", n)
	}

	session.AddChunk(speech(audio.SampleRate, 0.2))
	waitFor(t, "voiced window", func() bool { return session.Info().DecodesCompleted == 1 })

	segments, _ := session.PollSegments()
	if len(segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segments))
	}
	// The skipped window still advances the stream clock
	if segments[0].Start != 1.1 {
		t.Errorf("Expected segment at 1.1s, got %v", segments[0].Start)
	}
}

func TestVoiceGateInvalidConfig(t *testing.T) {
	gate := vad.DefaultConfig()
	gate.FrameSamples = 0
	cfg := testConfig()
	cfg.VoiceGate = &gate

	if _, err := NewSession(context.Background(), "bad", staticEngine(), cfg, testLogger(), nil); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestBusySchedulerQueuesChunks(t *testing.T) {
	engine := newBlockingEngine(transcription.Segment{Text: "first window", Start: 0, End: 1})
	session := newStartedSession(t, engine, testConfig())
	defer session.Stop()

	session.AddChunk(speech(audio.SampleRate, 0.2))
	engine.waitCall(t)

	for i := 0; i < 3; i++ {
		dropped, err := session.AddChunk(speech(audio.SampleRate/2, 0.2))
		if err != nil || dropped {
			t.Fatalf("AddChunk while busy: dropped=%v err=%v", dropped, err)
		}
	}

	info := session.Info()
	if !info.DecodeInFlight {
		t.Error("Expected decode in flight")
	}
	if info.PendingChunks != 3 {
		t.Errorf("Expected 3 pending chunks, got %d", info.PendingChunks)
	}
	if info.Buffer.Size != 0 {
		t.Errorf("Expected pending chunks kept out of the buffer, got %d samples", info.Buffer.Size)
	}

	// Completion flushes the queue and dispatches the next ready window
	engine.release <- struct{}{}
	engine.waitCall(t)

	info = session.Info()
	if info.PendingChunks != 0 {
		t.Errorf("Expected pending queue flushed, got %d", info.PendingChunks)
	}
	if info.DecodesDispatched != 2 {
		t.Errorf("Expected 2 dispatched decodes, got %d", info.DecodesDispatched)
	}
	if info.Buffer.Size != audio.SampleRate/2 {
		t.Errorf("Expected %d buffered samples, got %d", audio.SampleRate/2, info.Buffer.Size)
	}

	engine.release <- struct{}{}
	waitFor(t, "second decode", func() bool { return !session.Info().DecodeInFlight })
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	engine := newBlockingEngine(transcription.Segment{Text: "late result", Start: 0, End: 1})
	session := newStartedSession(t, engine, testConfig())

	session.AddChunk(speech(audio.SampleRate, 0.2))
	engine.waitCall(t)

	stopped := make(chan struct{})
	go func() {
		session.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on in-flight decode")
	}

	close(engine.release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	info := session.Info()
	if info.ResultsDiscarded != 1 {
		t.Errorf("Expected 1 discarded result, got %d", info.ResultsDiscarded)
	}
	if info.SegmentsEmitted != 0 {
		t.Errorf("Expected no segments after stop, got %d", info.SegmentsEmitted)
	}
	if info.DecodesDispatched != 1 {
		t.Errorf("Expected no dispatch after stop, got %d", info.DecodesDispatched)
	}
}

func TestOverlappingWindows(t *testing.T) {
	cfg := testConfig()
	cfg.OverlapSamples = audio.SampleRate / 5 // 0.2s

	engine := staticEngine(transcription.Segment{Text: "middle of window", Start: 0.4, End: 0.6})
	session := newStartedSession(t, engine, cfg)
	defer session.Stop()

	session.AddChunk(speech(audio.SampleRate, 0.2))
	waitFor(t, "first window", func() bool { return session.Info().DecodesCompleted == 1 })

	// 0.2s retained; 0.8s more completes the next window
	if size := session.Info().Buffer.Size; size != audio.SampleRate/5 {
		t.Fatalf("Expected %d retained samples, got %d", audio.SampleRate/5, size)
	}
	session.AddChunk(speech(audio.SampleRate*4/5, 0.2))
	waitFor(t, "second window", func() bool { return session.Info().DecodesCompleted == 2 })

	segments, _ := session.PollSegments()
	if len(segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(segments))
	}
	if segments[0].Start != 0.4 {
		t.Errorf("Expected first start 0.4, got %v", segments[0].Start)
	}
	if diff := segments[1].Start - 1.2; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected second start 1.2 (offset 0.8 + 0.4), got %v", segments[1].Start)
	}
}

func TestSingleFlightUnderRandomTiming(t *testing.T) {
	var inFlight, maxInFlight int32
	rng := rand.New(rand.NewSource(7))
	var rngMu sync.Mutex
	randIntn := func(n int) int {
		rngMu.Lock()
		defer rngMu.Unlock()
		return rng.Intn(n)
	}

	engine := transcription.EngineFunc(func(ctx context.Context, samples []float32, language string, task transcription.Task) ([]transcription.Segment, error) {
		current := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			observed := atomic.LoadInt32(&maxInFlight)
			if current <= observed || atomic.CompareAndSwapInt32(&maxInFlight, observed, current) {
				break
			}
		}

		time.Sleep(time.Duration(randIntn(3000)) * time.Microsecond)

		window := float64(len(samples)) / audio.SampleRate
		first := float64(randIntn(100)) / 100 * window / 2
		return []transcription.Segment{
			{Text: "first part of speech", Start: first, End: first + 0.01},
			{Text: "second part of speech", Start: window / 2, End: window},
		}, nil
	})

	cfg := testConfig()
	cfg.WindowSamples = 1600
	cfg.Backpressure.MaxPendingChunks = 4
	session := newStartedSession(t, engine, cfg)

	var collected []transcription.Segment
	var collectMu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			amplitude := float32(randIntn(100)+1) / 200
			if _, err := session.AddChunk(speech(200+randIntn(1200), amplitude)); err != nil {
				t.Errorf("AddChunk failed: %v", err)
				return
			}
			if i%10 == 0 {
				segments, _ := session.PollSegments()
				collectMu.Lock()
				collected = append(collected, segments...)
				collectMu.Unlock()
			}
			time.Sleep(time.Duration(randIntn(500)) * time.Microsecond)
		}
	}()
	<-done

	waitFor(t, "decodes to settle", func() bool { return !session.Info().DecodeInFlight })
	segments, _ := session.PollSegments()
	collected = append(collected, segments...)

	info := session.Info()
	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("Expected at most 1 decode in flight, observed %d", got)
	}
	if uint64(info.Buffer.Size) != info.SamplesAppended-info.SamplesTrimmed {
		t.Errorf("Expected buffer size %d (appended %d - trimmed %d), got %d",
			info.SamplesAppended-info.SamplesTrimmed, info.SamplesAppended, info.SamplesTrimmed, info.Buffer.Size)
	}
	if info.DecodesDispatched == 0 {
		t.Error("Expected some decodes")
	}
	for i := 1; i < len(collected); i++ {
		if collected[i].Start < collected[i-1].Start {
			t.Fatalf("Segment %d starts at %v before previous %v", i, collected[i].Start, collected[i-1].Start)
		}
	}

	session.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Wait(ctx); err != nil {
		t.Errorf("Wait failed: %v", err)
	}
}

func TestUpdatesSignal(t *testing.T) {
	session := newStartedSession(t, staticEngine(transcription.Segment{Text: "signal me", Start: 0, End: 1}), testConfig())
	defer session.Stop()

	session.AddChunk(speech(audio.SampleRate, 0.2))

	select {
	case <-session.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected update signal after output")
	}
}

func TestSegmentReaderAloneKeepsOutputSmall(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSamples = 160
	session := newStartedSession(t, staticEngine(transcription.Segment{Text: "hello world", Start: 0, End: 0.01}), cfg)
	defer session.Stop()

	windows := maxQueuedSegments + 100
	for i := 0; i < windows; i++ {
		session.AddChunk(speech(160, 0.2))
		select {
		case <-session.Updates():
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for window %d", i)
		}
		segments, err := session.PollSegments()
		if err != nil {
			t.Fatalf("PollSegments failed: %v", err)
		}
		if len(segments) != 1 {
			t.Fatalf("Expected 1 segment for window %d, got %d", i, len(segments))
		}
	}

	session.mu.Lock()
	retained := len(session.output)
	session.mu.Unlock()
	if retained != 0 {
		t.Errorf("Expected no retained output, got %d segments", retained)
	}

	// A text reader joining late sees only new output
	session.AddChunk(speech(160, 0.2))
	waitFor(t, "last window", func() bool { return session.Info().SegmentsEmitted == uint64(windows+1) })
	text, err := session.DrainText()
	if err != nil {
		t.Fatalf("DrainText failed: %v", err)
	}
	if text != "hello world" {
		t.Errorf("Expected 'hello world', got %q", text)
	}
}

func TestBothReadersShareOutput(t *testing.T) {
	session := newStartedSession(t, staticEngine(transcription.Segment{Text: "hello world", Start: 0, End: 0.5}), testConfig())
	defer session.Stop()

	// Both readers in use before any output
	session.DrainText()
	session.PollSegments()

	session.AddChunk(speech(audio.SampleRate, 0.2))
	waitFor(t, "first window", func() bool { return session.Info().SegmentsEmitted == 1 })

	if segments, _ := session.PollSegments(); len(segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segments))
	}
	// The text reader has not caught up, so the segment is still held
	if text, _ := session.DrainText(); text != "hello world" {
		t.Errorf("Expected 'hello world', got %q", text)
	}

	session.mu.Lock()
	retained := len(session.output)
	session.mu.Unlock()
	if retained != 0 {
		t.Errorf("Expected output compacted after both reads, got %d segments", retained)
	}
}
