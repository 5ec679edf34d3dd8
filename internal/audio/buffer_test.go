package audio

import (
	"math/rand"
	"testing"
)

func newTestBuffer(t *testing.T, windowLength int) *SampleBuffer {
	t.Helper()
	buffer, err := NewSampleBuffer(SampleRate, windowLength)
	if err != nil {
		t.Fatalf("NewSampleBuffer failed: %v", err)
	}
	return buffer
}

func TestNewSampleBuffer(t *testing.T) {
	buffer := newTestBuffer(t, 64000)

	if buffer.Size() != 0 {
		t.Errorf("Expected initial size 0, got %d", buffer.Size())
	}
	if buffer.WindowPosition() != 0 {
		t.Errorf("Expected initial window position 0, got %d", buffer.WindowPosition())
	}
	if buffer.WindowLength() != 64000 {
		t.Errorf("Expected window length 64000, got %d", buffer.WindowLength())
	}

	if _, err := NewSampleBuffer(0, 64000); err == nil {
		t.Error("Expected error for zero sample rate")
	}
	if _, err := NewSampleBuffer(SampleRate, 0); err == nil {
		t.Error("Expected error for zero window length")
	}
}

func TestWindowReadiness(t *testing.T) {
	buffer := newTestBuffer(t, 64000)

	for i := 0; i < 3; i++ {
		buffer.Append(make([]float32, 16000))
	}
	if buffer.Size() != 48000 {
		t.Errorf("Expected size 48000, got %d", buffer.Size())
	}
	if buffer.IsWindowReady() {
		t.Error("Expected window not ready at 48000 samples")
	}
	if _, err := buffer.ExtractWindow(); err == nil {
		t.Error("Expected error extracting a window that is not ready")
	}

	buffer.Append(make([]float32, 16000))
	if !buffer.IsWindowReady() {
		t.Error("Expected window ready at 64000 samples")
	}
	if buffer.DurationSeconds() != 4.0 {
		t.Errorf("Expected duration 4.0s, got %.2f", buffer.DurationSeconds())
	}
}

func TestAppendEmptyChunk(t *testing.T) {
	buffer := newTestBuffer(t, 100)
	buffer.Append(nil)
	buffer.Append([]float32{})

	if buffer.Size() != 0 {
		t.Errorf("Expected size 0 after empty appends, got %d", buffer.Size())
	}
}

func TestExtractWindow(t *testing.T) {
	buffer := newTestBuffer(t, 4)
	buffer.Append([]float32{1, 2, 3, 4, 5, 6})

	window, err := buffer.ExtractWindow()
	if err != nil {
		t.Fatalf("ExtractWindow failed: %v", err)
	}
	if len(window.Samples) != 4 {
		t.Fatalf("Expected 4 window samples, got %d", len(window.Samples))
	}
	for i, want := range []float32{1, 2, 3, 4} {
		if window.Samples[i] != want {
			t.Errorf("Sample %d: expected %v, got %v", i, want, window.Samples[i])
		}
	}

	// Extraction copies and does not consume
	window.Samples[0] = 99
	if buffer.Size() != 6 {
		t.Errorf("Expected size 6 after extraction, got %d", buffer.Size())
	}
	again, _ := buffer.ExtractWindow()
	if again.Samples[0] != 1 {
		t.Errorf("Expected window to be an independent copy, got first sample %v", again.Samples[0])
	}
}

func TestTrimBeyondSize(t *testing.T) {
	buffer := newTestBuffer(t, 64000)
	buffer.Append(make([]float32, 64000))

	buffer.Trim(70000)

	if buffer.Size() != 0 {
		t.Errorf("Expected size 0 after over-trim, got %d", buffer.Size())
	}
	if buffer.WindowPosition() != 0 {
		t.Errorf("Expected window position 0 after trim, got %d", buffer.WindowPosition())
	}
}

func TestTrimKeepsTail(t *testing.T) {
	buffer := newTestBuffer(t, 2)
	buffer.Append([]float32{1, 2, 3, 4, 5})

	buffer.Trim(3)

	if buffer.Size() != 2 {
		t.Fatalf("Expected size 2, got %d", buffer.Size())
	}
	window, err := buffer.ExtractWindow()
	if err != nil {
		t.Fatalf("ExtractWindow failed: %v", err)
	}
	if window.Samples[0] != 4 || window.Samples[1] != 5 {
		t.Errorf("Expected remaining samples [4 5], got %v", window.Samples)
	}
}

func TestTrimSizeInvariant(t *testing.T) {
	buffer := newTestBuffer(t, 1000)
	rng := rand.New(rand.NewSource(42))

	appended, trimmed := 0, 0
	for i := 0; i < 500; i++ {
		if rng.Intn(3) == 0 {
			n := rng.Intn(3000)
			previous := buffer.Size()
			buffer.Trim(n)

			expected := previous - n
			if expected < 0 {
				expected = 0
			}
			if buffer.Size() != expected {
				t.Fatalf("Trim(%d) from %d: expected size %d, got %d", n, previous, expected, buffer.Size())
			}
			trimmed += previous - buffer.Size()
			continue
		}

		chunk := make([]float32, rng.Intn(2000))
		buffer.Append(chunk)
		appended += len(chunk)
	}

	if buffer.Size() != appended-trimmed {
		t.Errorf("Expected size %d (appended %d - trimmed %d), got %d",
			appended-trimmed, appended, trimmed, buffer.Size())
	}
}

func TestReset(t *testing.T) {
	buffer := newTestBuffer(t, 10)
	buffer.Append(make([]float32, 25))

	buffer.Reset()

	stats := buffer.GetStats()
	if stats.Size != 0 {
		t.Errorf("Expected size 0 after reset, got %d", stats.Size)
	}
	if stats.WindowReady {
		t.Error("Expected window not ready after reset")
	}
}
