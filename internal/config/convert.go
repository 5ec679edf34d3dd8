package config

import (
	"fmt"
	"net/http"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/backpressure"
	"github.com/skypro1111/stream-transcriber/internal/stabilizer"
	"github.com/skypro1111/stream-transcriber/internal/stream"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
)

// StreamSession builds the per-session configuration
func (c *Config) StreamSession() (stream.SessionConfig, error) {
	energy, err := audio.EnergyFuncByName(c.Backpressure.EnergyMetric)
	if err != nil {
		return stream.SessionConfig{}, err
	}
	task, err := transcription.ParseTask(c.Session.DefaultTask)
	if err != nil {
		return stream.SessionConfig{}, err
	}

	sc := stream.SessionConfig{
		WindowSamples:  c.Audio.WindowSamples(),
		OverlapSamples: c.Audio.OverlapSamples(),
		Backpressure: backpressure.Config{
			WarmupUpdates:    c.Backpressure.WarmupUpdates,
			MinDropFraction:  c.Backpressure.MinDropFraction,
			MaxPendingChunks: c.Backpressure.MaxPendingChunks,
		},
		Stabilizer: stabilizer.Config{
			MinTextLength:      c.Stabilizer.MinTextLength,
			MinUniqueWordRatio: c.Stabilizer.MinUniqueWordRatio,
			ExtraDenylist:      c.Stabilizer.ExtraDenylist,
		},
		Energy:   energy,
		Language: c.Session.DefaultLanguage,
		Task:     task,
	}
	if c.VAD.Enabled {
		gate := c.VAD.Detector()
		sc.VoiceGate = &gate
	}
	if err := sc.Validate(); err != nil {
		return stream.SessionConfig{}, fmt.Errorf("session config: %w", err)
	}
	return sc, nil
}

// StreamManager builds the session manager configuration
func (c *Config) StreamManager() (stream.ManagerConfig, error) {
	sc, err := c.StreamSession()
	if err != nil {
		return stream.ManagerConfig{}, err
	}
	return stream.ManagerConfig{
		Session:         sc,
		IdleTimeout:     c.Session.GetIdleTimeoutDuration(),
		MaxSessions:     c.Session.MaxSessions,
		CleanupInterval: 30 * time.Second,
	}, nil
}

// TranscriptionClient builds the HTTP engine client configuration
func (e *EngineConfig) TranscriptionClient() transcription.Config {
	return transcription.Config{
		Endpoint:      e.Endpoint,
		APIKey:        e.APIKey,
		Model:         e.Model,
		Timeout:       e.GetTimeoutDuration(),
		MaxRetries:    e.MaxRetries,
		MaxConcurrent: e.MaxConcurrent,
		RetryBackoff:  time.Second,
	}
}

// OpenAI builds the OpenAI engine configuration
func (e *EngineConfig) OpenAI() transcription.OpenAIConfig {
	return transcription.OpenAIConfig{
		APIKey:     e.APIKey,
		BaseURL:    e.Endpoint,
		Model:      e.Model,
		HTTPClient: &http.Client{
			Timeout: e.GetTimeoutDuration(),
		},
	}
}

// Sanitized returns a copy safe to expose over the API
func (c *Config) Sanitized() Config {
	out := *c
	if out.Engine.APIKey != "" {
		out.Engine.APIKey = "***"
	}
	out.Stabilizer.ExtraDenylist = append([]string(nil), c.Stabilizer.ExtraDenylist...)
	return out
}
