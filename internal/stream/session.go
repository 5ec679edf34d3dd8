package stream

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/backpressure"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/stabilizer"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
	"github.com/skypro1111/stream-transcriber/internal/vad"
)

// State is the session lifecycle state
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// maxQueuedSegments bounds undrained output; the oldest segments go first
const maxQueuedSegments = 4096

var languagePattern = regexp.MustCompile(`^[a-z]{2,3}(-[A-Za-z0-9]{2,8})?$`)

// SessionConfig holds construction-time parameters of a session
type SessionConfig struct {
	WindowSamples  int // samples per decode window
	OverlapSamples int // samples re-decoded by the next window; 0 partitions strictly
	Backpressure   backpressure.Config
	Stabilizer     stabilizer.Config
	Energy         audio.EnergyFunc
	Language       string // empty lets the engine detect
	Task           transcription.Task
	VoiceGate      *vad.Config // nil decodes every window
}

// DefaultSessionConfig returns 4 second non-overlapping windows
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		WindowSamples: 4 * audio.SampleRate,
		Backpressure:  backpressure.DefaultConfig(),
		Stabilizer:    stabilizer.DefaultConfig(),
		Energy:        audio.RMS,
		Task:          transcription.TaskTranscribe,
	}
}

// Validate checks the configuration; failures wrap ErrInvalidConfiguration
func (c SessionConfig) Validate() error {
	if c.WindowSamples <= 0 {
		return fmt.Errorf("%w: window must be positive, got %d samples", ErrInvalidConfiguration, c.WindowSamples)
	}
	if c.OverlapSamples < 0 || c.OverlapSamples*2 > c.WindowSamples {
		return fmt.Errorf("%w: overlap must be between 0 and half the window (%d samples), got %d",
			ErrInvalidConfiguration, c.WindowSamples/2, c.OverlapSamples)
	}
	if err := c.Backpressure.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if err := c.Stabilizer.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if err := validateLanguage(c.Language); err != nil {
		return err
	}
	if _, err := transcription.ParseTask(string(c.Task)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if c.VoiceGate != nil {
		if err := c.VoiceGate.Validate(); err != nil {
			return fmt.Errorf("%w: voice gate: %v", ErrInvalidConfiguration, err)
		}
	}
	return nil
}

func validateLanguage(language string) error {
	if language != "" && !languagePattern.MatchString(language) {
		return fmt.Errorf("%w: invalid language code '%s'", ErrInvalidConfiguration, language)
	}
	return nil
}

// Session coordinates one producer and one decode consumer over a shared
// buffer. Every field below mu is guarded by it.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	state        State
	language     string
	task         transcription.Task
	lastActivity time.Time

	config     SessionConfig
	buffer     *audio.SampleBuffer
	stats      *backpressure.RateStatistics
	controller *backpressure.Controller
	stabilizer *stabilizer.Stabilizer

	// Decode scheduling
	sched        schedulerState
	engine       transcription.Engine
	gate         *vad.Detector
	decodeCtx    context.Context
	decodes      sync.WaitGroup
	streamOffset int // stream position of buffer[0], in samples

	// Output accumulator shared by two independent readers
	output        []transcription.Segment
	textCursor    int
	segmentCursor int
	textReader    bool // DrainText has been called
	segmentReader bool // PollSegments has been called
	updates       chan struct{}

	// Counters
	chunksReceived    uint64
	samplesAppended   uint64
	samplesTrimmed    uint64
	decodesDispatched uint64
	decodesCompleted  uint64
	decodesFailed     uint64
	resultsDiscarded  uint64
	segmentsEmitted   uint64
	segmentsFiltered  uint64
	windowsSkipped    uint64

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// SessionInfo is a point-in-time snapshot of a session
type SessionInfo struct {
	ID           string        `json:"id"`
	State        string        `json:"state"`
	Language     string        `json:"language,omitempty"`
	Task         string        `json:"task"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`

	Buffer                audio.BufferStats `json:"buffer"`
	StreamPositionSeconds float64           `json:"stream_position_seconds"`
	PendingChunks         int               `json:"pending_chunks"`
	DecodeInFlight        bool              `json:"decode_in_flight"`

	ChunksReceived    uint64 `json:"chunks_received"`
	ChunksDropped     uint64 `json:"chunks_dropped"`
	SamplesAppended   uint64 `json:"samples_appended"`
	SamplesTrimmed    uint64 `json:"samples_trimmed"`
	DecodesDispatched uint64 `json:"decodes_dispatched"`
	DecodesCompleted  uint64 `json:"decodes_completed"`
	DecodesFailed     uint64 `json:"decodes_failed"`
	ResultsDiscarded  uint64 `json:"results_discarded"`
	SegmentsEmitted   uint64 `json:"segments_emitted"`
	SegmentsFiltered  uint64 `json:"segments_filtered"`
	WindowsSkipped    uint64 `json:"windows_skipped"`

	Rate backpressure.StatsSnapshot `json:"rate"`
}

// NewSession creates an idle session. Engine calls run under ctx; stopping
// the session does not cancel them.
func NewSession(ctx context.Context, id string, engine transcription.Engine, config SessionConfig,
	logger *slog.Logger, m *metrics.Metrics) (*Session, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: engine is required", ErrInvalidConfiguration)
	}
	if config.Energy == nil {
		config.Energy = audio.RMS
	}
	if config.Task == "" {
		config.Task = transcription.TaskTranscribe
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	buffer, err := audio.NewSampleBuffer(audio.SampleRate, config.WindowSamples)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	sessionLogger := logger.With(slog.String("session_id", id))
	stats := backpressure.NewRateStatistics(config.Backpressure)
	controller := backpressure.NewController(config.Backpressure, stats, config.Energy, audio.SampleRate, sessionLogger)
	controller.OnDrop = func(d backpressure.Drop) {
		m.RecordChunkDropped(d.Reason, d.DurationSeconds)
	}

	var gate *vad.Detector
	if config.VoiceGate != nil {
		if gate, err = vad.NewDetector(*config.VoiceGate); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
	}

	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		state:        StateIdle,
		language:     config.Language,
		task:         config.Task,
		lastActivity: now,
		config:       config,
		buffer:       buffer,
		stats:        stats,
		controller:   controller,
		stabilizer: stabilizer.New(config.Stabilizer,
			float64(config.WindowSamples)/audio.SampleRate,
			float64(config.OverlapSamples)/audio.SampleRate,
			sessionLogger),
		engine:    engine,
		gate:      gate,
		decodeCtx: ctx,
		updates:   make(chan struct{}, 1),
		logger:    sessionLogger,
		metrics:   m,
	}, nil
}

// Configure sets language and task. It is only allowed before Start.
func (s *Session) Configure(language string, task transcription.Task) error {
	parsed, err := transcription.ParseTask(string(task))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if err := validateLanguage(language); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: cannot configure session in state %s", ErrInvalidConfiguration, s.state)
	}
	s.language = language
	s.task = parsed
	return nil
}

// Start moves the session from Idle to Streaming
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: cannot start session in state %s", ErrInvalidConfiguration, s.state)
	}
	s.state = StateStreaming
	s.lastActivity = time.Now()

	s.logger.Info("Session started",
		slog.String("language", s.language),
		slog.String("task", string(s.task)),
		slog.Float64("window_seconds", float64(s.config.WindowSamples)/audio.SampleRate),
		slog.Float64("overlap_seconds", float64(s.config.OverlapSamples)/audio.SampleRate),
	)
	return nil
}

// Stop ends streaming. It is idempotent and returns without waiting for an
// in-flight decode; that result is discarded when it arrives.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return
	}
	previous := s.state
	s.state = StateStopped

	s.buffer.Reset()
	s.controller.Reset()
	s.stabilizer.Reset()
	s.output = nil
	s.textCursor = 0
	s.segmentCursor = 0
	s.textReader = false
	s.segmentReader = false

	s.logger.Info("Session stopped",
		slog.String("previous_state", previous.String()),
		slog.Bool("decode_in_flight", s.sched == schedulerBusy),
		slog.Uint64("decodes_completed", s.decodesCompleted),
		slog.Uint64("segments_emitted", s.segmentsEmitted),
		slog.Uint64("chunks_dropped", s.controller.Dropped()),
	)
}

// AddChunk appends samples, shedding audio if the engine is behind, and
// dispatches a window when one is ready. It never waits for the engine.
// The result reports whether this chunk was shed.
func (s *Session) AddChunk(samples []float32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStreaming {
		return false, fmt.Errorf("%w: cannot add chunk in state %s", ErrNotStreaming, s.state)
	}
	s.lastActivity = time.Now()
	if len(samples) == 0 {
		return false, nil
	}

	s.chunksReceived++
	s.metrics.RecordChunk()

	if s.sched == schedulerBusy {
		chunk := make([]float32, len(samples))
		copy(chunk, samples)
		return s.controller.Admit(chunk), nil
	}

	s.appendSamples(samples)
	s.poll()
	return false, nil
}

// DrainText returns text surfaced since the last DrainText, space-joined
func (s *Session) DrainText() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStreaming {
		return "", fmt.Errorf("%w: cannot drain text in state %s", ErrNotStreaming, s.state)
	}

	parts := make([]string, 0, len(s.output)-s.textCursor)
	for _, seg := range s.output[s.textCursor:] {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	s.textCursor = len(s.output)
	s.textReader = true
	s.compactOutput()

	return strings.Join(parts, " "), nil
}

// PollSegments returns segments surfaced since the last PollSegments.
// Times are seconds from the start of the stream.
func (s *Session) PollSegments() ([]transcription.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStreaming {
		return nil, fmt.Errorf("%w: cannot poll segments in state %s", ErrNotStreaming, s.state)
	}

	segments := make([]transcription.Segment, len(s.output)-s.segmentCursor)
	copy(segments, s.output[s.segmentCursor:])
	s.segmentCursor = len(s.output)
	s.segmentReader = true
	s.compactOutput()

	return segments, nil
}

// Updates signals when new output is available. Signals coalesce.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Wait blocks until no decode is in flight or ctx is done.
// Call it after Stop so no new decode can be dispatched meanwhile.
func (s *Session) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.decodes.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last lifecycle or ingest call
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		ID:           s.ID,
		State:        s.state.String(),
		Language:     s.language,
		Task:         string(s.task),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		Duration:     time.Since(s.CreatedAt),

		Buffer:                s.buffer.GetStats(),
		StreamPositionSeconds: float64(s.streamOffset) / audio.SampleRate,
		PendingChunks:         s.controller.Pending(),
		DecodeInFlight:        s.sched == schedulerBusy,

		ChunksReceived:    s.chunksReceived,
		ChunksDropped:     s.controller.Dropped(),
		SamplesAppended:   s.samplesAppended,
		SamplesTrimmed:    s.samplesTrimmed,
		DecodesDispatched: s.decodesDispatched,
		DecodesCompleted:  s.decodesCompleted,
		DecodesFailed:     s.decodesFailed,
		ResultsDiscarded:  s.resultsDiscarded,
		SegmentsEmitted:   s.segmentsEmitted,
		SegmentsFiltered:  s.segmentsFiltered,
		WindowsSkipped:    s.windowsSkipped,

		Rate: s.stats.Snapshot(),
	}
}

// appendSamples moves samples into the buffer. Caller holds mu.
func (s *Session) appendSamples(samples []float32) {
	s.buffer.Append(samples)
	s.samplesAppended += uint64(len(samples))
	s.metrics.RecordSamplesIngested(len(samples))
}

// flushPending moves chunks queued during a decode into the buffer. Caller holds mu.
func (s *Session) flushPending() {
	for _, chunk := range s.controller.Flush() {
		s.appendSamples(chunk.Samples)
	}
}

// emit shifts window-relative segments onto the stream timeline and queues
// them for both readers. Caller holds mu.
func (s *Session) emit(job decodeJob, segments []transcription.Segment) {
	if len(segments) == 0 {
		return
	}

	windowSeconds := job.window.DurationSeconds()
	for _, seg := range segments {
		start := clamp(seg.Start, 0, windowSeconds)
		end := clamp(seg.End, start, windowSeconds)
		s.output = append(s.output, transcription.Segment{
			Text:  seg.Text,
			Start: job.offsetSeconds + start,
			End:   job.offsetSeconds + end,
		})
	}
	s.segmentsEmitted += uint64(len(segments))

	if excess := len(s.output) - maxQueuedSegments; excess > 0 {
		s.logger.Warn("Output queue full, discarding oldest segments", slog.Int("discarded", excess))
		s.output = append([]transcription.Segment(nil), s.output[excess:]...)
		s.textCursor = max(0, s.textCursor-excess)
		s.segmentCursor = max(0, s.segmentCursor-excess)
	}

	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// compactOutput drops segments every reader in use has consumed. A reader
// that has never been called holds nothing back; its first call sees only
// what is still queued. Caller holds mu.
func (s *Session) compactOutput() {
	consumed := -1
	if s.textReader {
		consumed = s.textCursor
	}
	if s.segmentReader && (consumed < 0 || s.segmentCursor < consumed) {
		consumed = s.segmentCursor
	}
	if consumed <= 0 {
		return
	}
	s.output = append(s.output[:0], s.output[consumed:]...)
	s.textCursor = max(0, s.textCursor-consumed)
	s.segmentCursor = max(0, s.segmentCursor-consumed)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
