package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/skypro1111/stream-transcriber/internal/vad"
)

// Environment overrides applied after the YAML file
const (
	EnvEngineAPIKey   = "TRANSCRIBER_ENGINE_API_KEY"
	EnvEngineEndpoint = "TRANSCRIBER_ENGINE_ENDPOINT"
	EnvLogLevel       = "TRANSCRIBER_LOG_LEVEL"
	EnvHTTPPort       = "TRANSCRIBER_HTTP_PORT"
)

// Config represents the complete service configuration
type Config struct {
	HTTP         HTTPConfig         `yaml:"http" json:"http"`
	UDP          UDPConfig          `yaml:"udp" json:"udp"`
	Audio        AudioConfig        `yaml:"audio" json:"audio"`
	Backpressure BackpressureConfig `yaml:"backpressure" json:"backpressure"`
	Stabilizer   StabilizerConfig   `yaml:"stabilizer" json:"stabilizer"`
	VAD          VADConfig          `yaml:"vad" json:"vad"`
	Engine       EngineConfig       `yaml:"engine" json:"engine"`
	Session      SessionConfig      `yaml:"session" json:"session"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port         int    `yaml:"port" json:"port"`
	Address      string `yaml:"address" json:"address"`
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	ReadTimeout  int    `yaml:"read_timeout" json:"read_timeout"`   // seconds
	WriteTimeout int    `yaml:"write_timeout" json:"write_timeout"` // seconds
}

// UDPConfig contains datagram ingest configuration
type UDPConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Address    string `yaml:"address" json:"address"`
	Port       int    `yaml:"port" json:"port"`
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"`
	Workers    int    `yaml:"workers" json:"workers"`
	QueueSize  int    `yaml:"queue_size" json:"queue_size"`
}

// AudioConfig contains decode window parameters
type AudioConfig struct {
	SampleRate     int     `yaml:"sample_rate" json:"sample_rate"`
	WindowSeconds  float64 `yaml:"window_seconds" json:"window_seconds"`
	OverlapSeconds float64 `yaml:"overlap_seconds" json:"overlap_seconds"`
}

// BackpressureConfig contains overload shedding parameters
type BackpressureConfig struct {
	WarmupUpdates    int     `yaml:"warmup_updates" json:"warmup_updates"`
	MinDropFraction  float64 `yaml:"min_drop_fraction" json:"min_drop_fraction"`
	MaxPendingChunks int     `yaml:"max_pending_chunks" json:"max_pending_chunks"`
	EnergyMetric     string  `yaml:"energy_metric" json:"energy_metric"`
}

// StabilizerConfig contains hallucination filter parameters
type StabilizerConfig struct {
	MinTextLength      int      `yaml:"min_text_length" json:"min_text_length"`
	MinUniqueWordRatio float64  `yaml:"min_unique_word_ratio" json:"min_unique_word_ratio"`
	ExtraDenylist      []string `yaml:"extra_denylist" json:"extra_denylist"`
}

// VADConfig contains the voice gate applied before each engine call
type VADConfig struct {
	Enabled          bool    `yaml:"enabled" json:"enabled"`
	Threshold        float64 `yaml:"threshold" json:"threshold"`
	FrameMs          int     `yaml:"frame_ms" json:"frame_ms"`
	MinVoiceFraction float64 `yaml:"min_voice_fraction" json:"min_voice_fraction"`
	Smoothing        float64 `yaml:"smoothing" json:"smoothing"`
}

// EngineConfig selects and configures the transcription engine
type EngineConfig struct {
	Provider      string `yaml:"provider" json:"provider"` // "http" or "openai"
	Endpoint      string `yaml:"endpoint" json:"endpoint"`
	APIKey        string `yaml:"api_key" json:"api_key"`
	Model         string `yaml:"model" json:"model"`
	Timeout       int    `yaml:"timeout" json:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries" json:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent" json:"max_concurrent"`
}

// SessionConfig contains session management parameters
type SessionConfig struct {
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"` // seconds
	DefaultLanguage string `yaml:"default_language" json:"default_language"`
	DefaultTask     string `yaml:"default_task" json:"default_task"`
	MaxSessions     int    `yaml:"max_sessions" json:"max_sessions"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Default returns the configuration used for keys missing from the file
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:         8080,
			Address:      "0.0.0.0",
			Enabled:      true,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		UDP: UDPConfig{
			Enabled:    false,
			Address:    "0.0.0.0",
			Port:       4444,
			BufferSize: 65536,
			Workers:    4,
			QueueSize:  1000,
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			WindowSeconds: 4.0,
		},
		Backpressure: BackpressureConfig{
			WarmupUpdates:    10,
			MinDropFraction:  0.01,
			MaxPendingChunks: 8,
			EnergyMetric:     "rms",
		},
		Stabilizer: StabilizerConfig{
			MinTextLength:      3,
			MinUniqueWordRatio: 0.5,
		},
		VAD: VADConfig{
			Enabled:          false,
			Threshold:        0.1,
			FrameMs:          30,
			MinVoiceFraction: 0.05,
			Smoothing:        0.5,
		},
		Engine: EngineConfig{
			Provider:      "http",
			Model:         "whisper-1",
			Timeout:       30,
			MaxRetries:    2,
			MaxConcurrent: 4,
		},
		Session: SessionConfig{
			IdleTimeout: 300,
			DefaultTask: "transcribe",
			MaxSessions: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads a .env file if present, parses the YAML configuration over the
// defaults, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides selected fields from the environment
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvEngineAPIKey); v != "" {
		c.Engine.APIKey = v
	}
	if v := os.Getenv(EnvEngineEndpoint); v != "" {
		c.Engine.Endpoint = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got '%s'", EnvHTTPPort, v)
		}
		c.HTTP.Port = port
	}
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.UDP.Validate(); err != nil {
		return fmt.Errorf("udp config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Backpressure.Validate(); err != nil {
		return fmt.Errorf("backpressure config: %w", err)
	}

	if err := c.Stabilizer.Validate(); err != nil {
		return fmt.Errorf("stabilizer config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	if h.ReadTimeout < 0 || h.WriteTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative, got read %d and write %d", h.ReadTimeout, h.WriteTimeout)
	}

	return nil
}

// Validate validates UDP ingest configuration
func (u *UDPConfig) Validate() error {
	if !u.Enabled {
		return nil
	}

	if u.Port < 1 || u.Port > 65535 {
		return fmt.Errorf("udp port must be between 1 and 65535, got %d", u.Port)
	}

	if u.Address == "" {
		return fmt.Errorf("udp address cannot be empty when UDP is enabled")
	}

	if u.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024, got %d", u.BufferSize)
	}

	if u.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", u.Workers)
	}

	if u.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", u.QueueSize)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz, got %d", a.SampleRate)
	}

	if a.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive, got %f", a.WindowSeconds)
	}

	if a.OverlapSeconds < 0 || a.OverlapSeconds*2 > a.WindowSeconds {
		return fmt.Errorf("overlap_seconds must be between 0 and half of window_seconds (%f), got %f",
			a.WindowSeconds/2, a.OverlapSeconds)
	}

	return nil
}

// Validate validates backpressure configuration
func (b *BackpressureConfig) Validate() error {
	if b.WarmupUpdates < 0 {
		return fmt.Errorf("warmup_updates cannot be negative, got %d", b.WarmupUpdates)
	}

	if b.MinDropFraction < 0 || b.MinDropFraction > 1 {
		return fmt.Errorf("min_drop_fraction must be between 0 and 1, got %f", b.MinDropFraction)
	}

	if b.MaxPendingChunks < 1 {
		return fmt.Errorf("max_pending_chunks must be at least 1, got %d", b.MaxPendingChunks)
	}

	validMetrics := map[string]bool{"rms": true, "mean_abs": true}
	if !validMetrics[b.EnergyMetric] {
		return fmt.Errorf("energy_metric must be 'rms' or 'mean_abs', got '%s'", b.EnergyMetric)
	}

	return nil
}

// Validate validates voice gate configuration
func (v *VADConfig) Validate() error {
	if !v.Enabled {
		return nil
	}

	if v.FrameMs < 10 || v.FrameMs > 1000 {
		return fmt.Errorf("frame_ms must be between 10 and 1000, got %d", v.FrameMs)
	}

	return v.Detector().Validate()
}

// Detector converts the section to detector parameters at 16 kHz
func (v *VADConfig) Detector() vad.Config {
	return vad.Config{
		Threshold:        v.Threshold,
		FrameSamples:     v.FrameMs * 16,
		MinVoiceFraction: v.MinVoiceFraction,
		Smoothing:        v.Smoothing,
	}
}

// Validate validates stabilizer configuration
func (s *StabilizerConfig) Validate() error {
	if s.MinTextLength < 0 {
		return fmt.Errorf("min_text_length cannot be negative, got %d", s.MinTextLength)
	}

	if s.MinUniqueWordRatio < 0 || s.MinUniqueWordRatio > 1 {
		return fmt.Errorf("min_unique_word_ratio must be between 0 and 1, got %f", s.MinUniqueWordRatio)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	switch e.Provider {
	case "http":
		if e.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http provider")
		}
	case "openai":
		if e.APIKey == "" && e.Endpoint == "" {
			return fmt.Errorf("api_key or endpoint is required for the openai provider")
		}
	default:
		return fmt.Errorf("provider must be 'http' or 'openai', got '%s'", e.Provider)
	}

	if e.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries)
	}

	if e.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", e.MaxConcurrent)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative, got %d", s.MaxSessions)
	}

	validTasks := map[string]bool{"transcribe": true, "translate": true}
	if !validTasks[s.DefaultTask] {
		return fmt.Errorf("default_task must be 'transcribe' or 'translate', got '%s'", s.DefaultTask)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// WindowSamples returns the decode window length in samples
func (a *AudioConfig) WindowSamples() int {
	return int(a.WindowSeconds * float64(a.SampleRate))
}

// OverlapSamples returns the retained overlap in samples
func (a *AudioConfig) OverlapSamples() int {
	return int(a.OverlapSeconds * float64(a.SampleRate))
}

// GetReadTimeout returns the HTTP read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeout() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// GetWriteTimeout returns the HTTP write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeout() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

// GetTimeoutDuration returns the engine timeout as a time.Duration
func (e *EngineConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// GetIdleTimeoutDuration returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}
