package audio

import (
	"fmt"
)

// SampleRate is the only rate the decode pipeline accepts (16 kHz mono).
const SampleRate = 16000

// SampleBuffer is a rolling store of mono float32 samples owned by one session.
// Samples are appended at the tail and trimmed from the head; trimmed samples are gone.
//
// SampleBuffer is not safe for concurrent use. The owning session serializes access.
type SampleBuffer struct {
	samples    []float32
	sampleRate int

	// Decode windows
	windowLength   int // samples per decode window
	decodePosition int // buffer-relative offset of the next window
}

// Window is an immutable copy of windowLength samples cut from the buffer
type Window struct {
	Samples    []float32
	Position   int // decodePosition the window was cut at
	SampleRate int
}

// DurationSeconds returns the window duration in seconds
func (w Window) DurationSeconds() float64 {
	if w.SampleRate <= 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Size            int     `json:"size_samples"`
	DurationSeconds float64 `json:"duration_seconds"`
	WindowLength    int     `json:"window_length_samples"`
	WindowPosition  int     `json:"window_position"`
	WindowReady     bool    `json:"window_ready"`
}

// NewSampleBuffer creates a buffer that cuts windows of windowLength samples
func NewSampleBuffer(sampleRate, windowLength int) (*SampleBuffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if windowLength <= 0 {
		return nil, fmt.Errorf("window length must be positive, got %d", windowLength)
	}

	return &SampleBuffer{
		samples:      make([]float32, 0, windowLength*2),
		sampleRate:   sampleRate,
		windowLength: windowLength,
	}, nil
}

// Append adds a chunk of samples at the tail. Empty chunks are ignored.
func (b *SampleBuffer) Append(chunk []float32) {
	if len(chunk) == 0 {
		return
	}
	b.samples = append(b.samples, chunk...)
}

// IsWindowReady reports whether a full window is available from the decode position
func (b *SampleBuffer) IsWindowReady() bool {
	return b.decodePosition+b.windowLength <= len(b.samples)
}

// ExtractWindow copies windowLength samples starting at the decode position.
// It does not move the decode position; callers Trim after dispatching.
func (b *SampleBuffer) ExtractWindow() (Window, error) {
	if !b.IsWindowReady() {
		return Window{}, fmt.Errorf("not enough audio for a window: need %d samples from position %d, have %d",
			b.windowLength, b.decodePosition, len(b.samples))
	}

	samples := make([]float32, b.windowLength)
	copy(samples, b.samples[b.decodePosition:b.decodePosition+b.windowLength])

	return Window{
		Samples:    samples,
		Position:   b.decodePosition,
		SampleRate: b.sampleRate,
	}, nil
}

// Trim removes the first n samples and resets the decode position to 0.
// The buffer is cleared when n covers all buffered samples.
func (b *SampleBuffer) Trim(n int) {
	b.decodePosition = 0
	if n <= 0 {
		return
	}
	if n >= len(b.samples) {
		b.samples = b.samples[:0]
		return
	}

	remaining := copy(b.samples, b.samples[n:])
	b.samples = b.samples[:remaining]
}

// Reset empties the buffer and rewinds the decode position
func (b *SampleBuffer) Reset() {
	b.samples = b.samples[:0]
	b.decodePosition = 0
}

// Size returns the number of buffered samples
func (b *SampleBuffer) Size() int {
	return len(b.samples)
}

// DurationSeconds returns the buffered audio duration in seconds
func (b *SampleBuffer) DurationSeconds() float64 {
	return float64(len(b.samples)) / float64(b.sampleRate)
}

// WindowPosition returns the current decode position in samples
func (b *SampleBuffer) WindowPosition() int {
	return b.decodePosition
}

// WindowLength returns the window length in samples
func (b *SampleBuffer) WindowLength() int {
	return b.windowLength
}

// GetStats returns current buffer statistics
func (b *SampleBuffer) GetStats() BufferStats {
	return BufferStats{
		Size:            len(b.samples),
		DurationSeconds: b.DurationSeconds(),
		WindowLength:    b.windowLength,
		WindowPosition:  b.decodePosition,
		WindowReady:     b.IsWindowReady(),
	}
}
