package stream

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
)

// schedulerState tracks the single decode slot of a session
type schedulerState int

const (
	schedulerIdle schedulerState = iota
	schedulerBusy
)

// decodeJob is one window handed to the engine
type decodeJob struct {
	seq           uint64
	window        audio.Window
	offsetSeconds float64 // stream position of the window start
	language      string
	task          transcription.Task
	skipped       bool // voice gate found no speech; the engine was not called
}

// poll dispatches the next window if one is ready and the slot is free.
// It returns false when the submission is refused. Caller holds mu.
func (s *Session) poll() bool {
	if s.state != StateStreaming || s.sched != schedulerIdle {
		return false
	}

	s.flushPending()
	if !s.buffer.IsWindowReady() {
		return false
	}

	window, err := s.buffer.ExtractWindow()
	if err != nil {
		s.logger.Error("Failed to extract ready window", slog.String("error", err.Error()))
		return false
	}

	s.decodesDispatched++
	job := decodeJob{
		seq:           s.decodesDispatched,
		window:        window,
		offsetSeconds: float64(s.streamOffset) / audio.SampleRate,
		language:      s.language,
		task:          s.task,
	}

	// Advance before the result arrives so the same audio is not queued twice
	advance := s.config.WindowSamples - s.config.OverlapSamples
	s.buffer.Trim(advance)
	s.streamOffset += advance
	s.samplesTrimmed += uint64(advance)

	s.sched = schedulerBusy
	s.metrics.RecordDecodeDispatched()
	s.logger.Debug("Dispatched window",
		slog.Uint64("seq", job.seq),
		slog.Float64("offset_seconds", job.offsetSeconds),
		slog.Int("buffered_samples", s.buffer.Size()),
	)

	s.decodes.Add(1)
	go s.decode(job)
	return true
}

// decode runs the engine call without holding mu, then applies the result
func (s *Session) decode(job decodeJob) {
	defer s.decodes.Done()

	startTime := time.Now()
	var segments []transcription.Segment
	var err error
	if s.gate != nil && !s.gate.Detect(job.window.Samples).HasVoice {
		job.skipped = true
	} else {
		segments, err = s.callEngine(job)
	}
	elapsed := time.Since(startTime)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete(job, segments, err, elapsed)
}

func (s *Session) callEngine(job decodeJob) (segments []transcription.Segment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return s.engine.Decode(s.decodeCtx, job.window.Samples, job.language, job.task)
}

// complete records timing, filters and queues output, frees the slot and
// polls again. Engine errors become an empty result. Caller holds mu.
func (s *Session) complete(job decodeJob, segments []transcription.Segment, err error, elapsed time.Duration) {
	s.sched = schedulerIdle

	windowSeconds := job.window.DurationSeconds()
	s.stats.UpdateMetrics(s.config.Energy(job.window.Samples), windowSeconds, elapsed.Seconds(), false)
	for _, d := range s.controller.TakeDrops() {
		s.stats.UpdateMetrics(d.Energy, d.DurationSeconds, 0, true)
	}

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
		s.decodesFailed++
		segments = nil
		s.logger.Error("Engine decode failed",
			slog.Uint64("seq", job.seq),
			slog.Float64("offset_seconds", job.offsetSeconds),
			slog.Duration("decode_time", elapsed),
			slog.String("error", err.Error()),
		)
	} else if job.skipped {
		outcome = metrics.OutcomeSkipped
		s.windowsSkipped++
		s.logger.Debug("Skipped window without voice",
			slog.Uint64("seq", job.seq),
			slog.Float64("offset_seconds", job.offsetSeconds),
		)
	} else {
		s.decodesCompleted++
	}

	if s.state != StateStreaming {
		s.resultsDiscarded++
		s.metrics.RecordDecodeCompleted(metrics.OutcomeDiscarded, elapsed.Seconds(), windowSeconds)
		s.logger.Info("Discarded decode result for stopped session",
			slog.Uint64("seq", job.seq),
			slog.Int("segments", len(segments)),
		)
		return
	}
	s.metrics.RecordDecodeCompleted(outcome, elapsed.Seconds(), windowSeconds)

	kept, filtered := s.stabilizer.Process(segments)
	s.emit(job, kept)
	s.segmentsFiltered += uint64(filtered)
	s.metrics.RecordSegments(len(kept), filtered)

	s.logger.Debug("Decode completed",
		slog.Uint64("seq", job.seq),
		slog.Duration("decode_time", elapsed),
		slog.Float64("real_time_ratio", elapsed.Seconds()/windowSeconds),
		slog.Int("segments", len(kept)),
		slog.Int("filtered", filtered),
		slog.Float64("threshold", s.stats.CurrentThreshold()),
	)

	s.poll()
}
