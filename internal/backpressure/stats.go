package backpressure

import (
	"fmt"
	"math"
)

// Config holds the tuning knobs for RateStatistics and Controller
type Config struct {
	WarmupUpdates    int     // updates before any drop threshold applies
	MinDropFraction  float64 // floor of the threshold as a fraction of average energy
	MaxPendingChunks int     // queued chunks kept while a decode is in flight
}

// DefaultConfig returns the standard tuning
func DefaultConfig() Config {
	return Config{
		WarmupUpdates:    10,
		MinDropFraction:  0.01,
		MaxPendingChunks: 8,
	}
}

// Validate checks the tuning values
func (c Config) Validate() error {
	if c.WarmupUpdates < 0 {
		return fmt.Errorf("warmup_updates must be non-negative, got %d", c.WarmupUpdates)
	}
	if c.MinDropFraction < 0 || c.MinDropFraction > 1 {
		return fmt.Errorf("min_drop_fraction must be between 0 and 1, got %g", c.MinDropFraction)
	}
	if c.MaxPendingChunks < 1 {
		return fmt.Errorf("max_pending_chunks must be at least 1, got %d", c.MaxPendingChunks)
	}
	return nil
}

// RateStatistics aggregates decode speed against audio duration and the
// average energy of decoded audio, and derives an adaptive drop threshold.
//
// RateStatistics is not safe for concurrent use. It lives under the same
// lock as the session's buffer and is mutated only on decode completion.
type RateStatistics struct {
	averageEnergy          float64
	energyCount            int
	totalDecodeTimeSeconds float64
	totalAudioSeconds      float64
	updates                int

	warmupUpdates   int
	minDropFraction float64
}

// StatsSnapshot is a point-in-time copy of RateStatistics
type StatsSnapshot struct {
	AverageEnergy          float64 `json:"average_energy"`
	TotalDecodeTimeSeconds float64 `json:"total_decode_time_seconds"`
	TotalAudioSeconds      float64 `json:"total_audio_seconds"`
	Updates                int     `json:"updates"`
	RealTimeRatio          float64 `json:"real_time_ratio"`
	Threshold              float64 `json:"threshold"`
	WarmedUp               bool    `json:"warmed_up"`
}

// NewRateStatistics creates empty statistics
func NewRateStatistics(cfg Config) *RateStatistics {
	return &RateStatistics{
		warmupUpdates:   cfg.WarmupUpdates,
		minDropFraction: cfg.MinDropFraction,
	}
}

// UpdateMetrics records one decoded or dropped unit of audio.
// Time totals always accumulate; the energy mean only counts audio that was decoded.
func (s *RateStatistics) UpdateMetrics(chunkEnergy, chunkDurationSeconds, decodeTimeSeconds float64, wasDropped bool) {
	s.updates++
	s.totalDecodeTimeSeconds += decodeTimeSeconds
	s.totalAudioSeconds += chunkDurationSeconds

	if wasDropped {
		return
	}
	s.energyCount++
	s.averageEnergy += (chunkEnergy - s.averageEnergy) / float64(s.energyCount)
}

// WarmedUp reports whether enough updates were seen for the threshold to apply
func (s *RateStatistics) WarmedUp() bool {
	return s.updates >= s.warmupUpdates
}

// RealTimeRatio returns decode time per second of audio, 0 before any audio
func (s *RateStatistics) RealTimeRatio() float64 {
	if s.totalAudioSeconds <= 0 {
		return 0
	}
	return s.totalDecodeTimeSeconds / s.totalAudioSeconds
}

// CurrentThreshold returns the energy below which incoming audio is shed.
// It is 0 during warm-up, so nothing is dropped until estimates settle.
func (s *RateStatistics) CurrentThreshold() float64 {
	if !s.WarmedUp() || s.totalAudioSeconds <= 0 {
		return 0
	}
	return s.averageEnergy * math.Max(s.minDropFraction, s.RealTimeRatio()-1.0)
}

// Snapshot returns a copy for reporting
func (s *RateStatistics) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		AverageEnergy:          s.averageEnergy,
		TotalDecodeTimeSeconds: s.totalDecodeTimeSeconds,
		TotalAudioSeconds:      s.totalAudioSeconds,
		Updates:                s.updates,
		RealTimeRatio:          s.RealTimeRatio(),
		Threshold:              s.CurrentThreshold(),
		WarmedUp:               s.WarmedUp(),
	}
}
