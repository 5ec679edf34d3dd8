package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/skypro1111/stream-transcriber/internal/audio"
)

// OpenAIEngine decodes windows through the Whisper audio endpoints of an
// OpenAI-compatible API. BaseURL points it at self-hosted servers.
type OpenAIEngine struct {
	Client *openai.Client
	model  string
}

// OpenAIConfig configures OpenAIEngine
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string // optional; defaults to api.openai.com
	Model      string
	HTTPClient *http.Client
}

// NewOpenAIEngine creates an engine backed by go-openai
func NewOpenAIEngine(cfg OpenAIConfig) (*OpenAIEngine, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("missing API key")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	} else {
		config.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}

	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}

	return &OpenAIEngine{Client: openai.NewClientWithConfig(config), model: model}, nil
}

// Decode uploads the window and converts verbose_json segments
func (e *OpenAIEngine) Decode(ctx context.Context, samples []float32, language string, task Task) ([]Segment, error) {
	wavData, err := audio.EncodeWAV(samples, audio.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode window: %w", err)
	}

	req := openai.AudioRequest{
		Model:    e.model,
		FilePath: "window.wav",
		Reader:   bytes.NewReader(wavData),
		Format:   openai.AudioResponseFormatVerboseJSON,
	}

	var resp openai.AudioResponse
	switch task {
	case TaskTranslate:
		resp, err = e.Client.CreateTranslation(ctx, req)
	default:
		req.Language = language
		resp, err = e.Client.CreateTranscription(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("openai %s: %w", task, err)
	}

	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, Segment{Text: s.Text, Start: s.Start, End: s.End})
	}
	// Some servers omit segments for short windows
	if len(segments) == 0 && strings.TrimSpace(resp.Text) != "" {
		segments = append(segments, Segment{
			Text:  resp.Text,
			Start: 0,
			End:   float64(len(samples)) / audio.SampleRate,
		})
	}

	return segments, nil
}
