package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// referenceRMS is the frame RMS that maps to probability 1.0
const referenceRMS = 0.3

// Config controls the detector
type Config struct {
	Threshold        float64 // per-frame voice probability threshold (0.0 - 1.0)
	FrameSamples     int     // samples per analysis frame
	MinVoiceFraction float64 // fraction of voiced frames that marks a window as voiced
	Smoothing        float64 // weight of the previous frame's probability (0.0 - 1.0)
}

// DefaultConfig returns 30 ms frames at 16 kHz
func DefaultConfig() Config {
	return Config{
		Threshold:        0.1,
		FrameSamples:     480,
		MinVoiceFraction: 0.05,
		Smoothing:        0.5,
	}
}

// Validate checks the detector parameters
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", c.Threshold)
	}
	if c.FrameSamples <= 0 {
		return fmt.Errorf("frame size must be positive, got %d", c.FrameSamples)
	}
	if c.MinVoiceFraction < 0 || c.MinVoiceFraction > 1 {
		return fmt.Errorf("min voice fraction must be between 0 and 1, got %f", c.MinVoiceFraction)
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		return fmt.Errorf("smoothing must be in [0, 1), got %f", c.Smoothing)
	}
	return nil
}

// Detector classifies windows of normalized float32 audio
type Detector struct {
	config Config

	// lastProbability carries smoothing across windows of one stream
	lastProbability float64

	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.Mutex
}

// Result describes one classified window
type Result struct {
	Frames         int           `json:"frames"`
	VoicedFrames   int           `json:"voiced_frames"`
	VoiceFraction  float64       `json:"voice_fraction"`
	MaxProbability float64       `json:"max_probability"`
	HasVoice       bool          `json:"has_voice"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Stats summarizes detector activity
type Stats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float64   `json:"threshold"`
}

// NewDetector creates a detector
func NewDetector(config Config) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Detector{config: config}, nil
}

// Detect classifies samples. A trailing partial frame is analyzed on its own.
// An empty window has no voice.
func (d *Detector) Detect(samples []float32) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	startTime := time.Now()
	var result Result

	for start := 0; start < len(samples); start += d.config.FrameSamples {
		end := min(start+d.config.FrameSamples, len(samples))

		p := frameProbability(samples[start:end])
		p = d.config.Smoothing*d.lastProbability + (1-d.config.Smoothing)*p
		d.lastProbability = p

		result.Frames++
		if p >= d.config.Threshold {
			result.VoicedFrames++
		}
		result.MaxProbability = math.Max(result.MaxProbability, p)
	}

	if result.Frames > 0 {
		result.VoiceFraction = float64(result.VoicedFrames) / float64(result.Frames)
		result.HasVoice = result.VoicedFrames > 0 && result.VoiceFraction >= d.config.MinVoiceFraction
	}
	result.ProcessingTime = time.Since(startTime)

	d.totalWindows++
	if result.HasVoice {
		d.voiceWindows++
	}
	d.lastProcessed = time.Now()

	return result
}

// frameProbability maps frame RMS linearly onto [0, 1]
func frameProbability(frame []float32) float64 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	return math.Min(rms/referenceRMS, 1)
}

// GetStats returns detector statistics
func (d *Detector) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Stats{
		TotalWindows:  d.totalWindows,
		VoiceWindows:  d.voiceWindows,
		LastProcessed: d.lastProcessed,
		Threshold:     d.config.Threshold,
	}
	if d.totalWindows > 0 {
		stats.VoicePercentage = float64(d.voiceWindows) / float64(d.totalWindows) * 100
	}
	return stats
}

// Reset clears smoothing state and statistics
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastProbability = 0
	d.totalWindows = 0
	d.voiceWindows = 0
	d.lastProcessed = time.Time{}
}
