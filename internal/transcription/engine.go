package transcription

import (
	"context"
	"fmt"
)

// Task selects what the engine produces from a window
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// ParseTask validates a task name; the empty string means transcribe
func ParseTask(s string) (Task, error) {
	switch Task(s) {
	case "", TaskTranscribe:
		return TaskTranscribe, nil
	case TaskTranslate:
		return TaskTranslate, nil
	default:
		return "", fmt.Errorf("unknown task '%s' (expected transcribe or translate)", s)
	}
}

// Segment is one unit of engine output. Times are seconds relative to the
// start of the decoded window until the session shifts them onto the stream.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Engine decodes one window of 16 kHz mono samples into segments.
// Implementations may be slow and are not assumed to be reentrant;
// each session calls Decode from at most one goroutine at a time.
// An empty language asks the engine to detect it.
type Engine interface {
	Decode(ctx context.Context, samples []float32, language string, task Task) ([]Segment, error)
}

// EngineFunc adapts a function to the Engine interface
type EngineFunc func(ctx context.Context, samples []float32, language string, task Task) ([]Segment, error)

// Decode calls f
func (f EngineFunc) Decode(ctx context.Context, samples []float32, language string, task Task) ([]Segment, error) {
	return f(ctx, samples, language, task)
}
