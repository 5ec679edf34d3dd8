package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/config"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/stream"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
)

// maxChunkBytes bounds a single POSTed chunk (about 60 s of f32le at 16 kHz)
const maxChunkBytes = 4 << 20

// Resampler converts samples between rates
type Resampler func(samples []float32, fromRate, toRate int) ([]float32, error)

// HTTPServer provides the session API, streaming WebSocket and monitoring endpoints
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	manager   *stream.Manager
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	resampler Resampler
	udpServer *UDPServer

	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port         int
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewHTTPServer creates a new HTTP API server. A nil resampler rejects
// chunks that are not already 16 kHz; a nil gatherer serves the default registry.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config,
	manager *stream.Manager, m *metrics.Metrics, gatherer prometheus.Gatherer, resampler Resampler) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		manager:   manager,
		metrics:   m,
		gatherer:  gatherer,
		resampler: resampler,
		startTime: time.Now(),
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// SetUDPServer attaches the datagram ingest server to health and stats reporting
func (h *HTTPServer) SetUDPServer(udpServer *UDPServer) {
	h.udpServer = udpServer
}

// Handler returns the routed handler, used directly by tests
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	return mux
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))

	// Session lifecycle
	mux.HandleFunc("POST /sessions", h.withMetrics("/sessions", h.handleCreateSession))
	mux.HandleFunc("GET /sessions", h.withMetrics("/sessions", h.handleListSessions))
	mux.HandleFunc("GET /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("DELETE /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleDeleteSession))

	// Audio in, text out
	mux.HandleFunc("POST /sessions/{id}/chunks", h.withMetrics("/sessions/{id}/chunks", h.handleChunk))
	mux.HandleFunc("GET /sessions/{id}/text", h.withMetrics("/sessions/{id}/text", h.handleText))
	mux.HandleFunc("GET /sessions/{id}/segments", h.withMetrics("/sessions/{id}/segments", h.handleSegments))
	mux.HandleFunc("GET /sessions/{id}/ws", h.withMetrics("/sessions/{id}/ws", h.handleWebSocket))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "stream-transcriber",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"session_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.manager.GetActiveSessionCount(),
			},
			"engine": map[string]interface{}{
				"provider": h.config.Engine.Provider,
				"model":    h.config.Engine.Model,
			},
		},
	}

	if h.udpServer != nil {
		stats := h.udpServer.GetStatistics()
		health["components"].(map[string]interface{})["udp_ingest"] = map[string]interface{}{
			"status":            "running",
			"packets_received":  stats.PacketsReceived,
			"packets_processed": stats.PacketsProcessed,
			"parse_errors":      stats.ParseErrors,
			"open_streams":      stats.OpenStreams,
		}
	}

	writeJSON(w, http.StatusOK, health)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions":  h.manager.GetStats(),
	}
	if h.udpServer != nil {
		stats["udp"] = h.udpServer.GetStatistics()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Sanitized())
}

type createSessionRequest struct {
	Language string `json:"language"`
	Task     string `json:"task"`
}

type createSessionResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// handleCreateSession implements POST /sessions
func (h *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}

	var task transcription.Task
	if req.Task != "" {
		parsed, err := transcription.ParseTask(req.Task)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		task = parsed
	}

	session, err := h.manager.CreateSession(req.Language, task)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		ID:    session.ID,
		State: session.State().String(),
	})
}

// handleListSessions implements GET /sessions
func (h *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := h.manager.ListSessions()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements GET /sessions/{id}
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	session, err := h.manager.GetSession(r.PathValue("id"))
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session.Info())
}

// handleDeleteSession implements DELETE /sessions/{id}
func (h *HTTPServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.RemoveSession(r.PathValue("id")); err != nil {
		h.writeSessionError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type chunkResponse struct {
	Samples int  `json:"samples"`
	Dropped bool `json:"dropped"`
}

// handleChunk implements POST /sessions/{id}/chunks
func (h *HTTPServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	session, err := h.manager.GetSession(r.PathValue("id"))
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("failed to read chunk: %v", err))
		return
	}

	samples, err := h.decodeChunk(body, r.URL.Query().Get("format"), r.URL.Query().Get("sample_rate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dropped, err := session.AddChunk(samples)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chunkResponse{Samples: len(samples), Dropped: dropped})
}

// decodeChunk converts a request body to 16 kHz float samples
func (h *HTTPServer) decodeChunk(body []byte, format, rate string) ([]float32, error) {
	var samples []float32
	var err error

	switch format {
	case "", "f32le":
		samples, err = audio.DecodeFloat32LE(body)
	case "s16le":
		samples, err = audio.DecodeS16LE(body)
	default:
		return nil, fmt.Errorf("format must be 'f32le' or 's16le', got '%s'", format)
	}
	if err != nil {
		return nil, err
	}

	if rate == "" {
		return samples, nil
	}
	sampleRate, err := strconv.Atoi(rate)
	if err != nil || sampleRate <= 0 {
		return nil, fmt.Errorf("sample_rate must be a positive integer, got '%s'", rate)
	}
	if sampleRate == audio.SampleRate {
		return samples, nil
	}
	if h.resampler == nil {
		return nil, fmt.Errorf("sample_rate must be %d, got %d", audio.SampleRate, sampleRate)
	}

	resampled, err := h.resampler(samples, sampleRate, audio.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to resample from %d Hz: %w", sampleRate, err)
	}
	return resampled, nil
}

// handleText implements GET /sessions/{id}/text
func (h *HTTPServer) handleText(w http.ResponseWriter, r *http.Request) {
	session, err := h.manager.GetSession(r.PathValue("id"))
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	text, err := session.DrainText()
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

type segmentsMessage struct {
	Segments []transcription.Segment `json:"segments"`
}

// handleSegments implements GET /sessions/{id}/segments
func (h *HTTPServer) handleSegments(w http.ResponseWriter, r *http.Request) {
	session, err := h.manager.GetSession(r.PathValue("id"))
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	segments, err := session.PollSegments()
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	if segments == nil {
		segments = []transcription.Segment{}
	}

	writeJSON(w, http.StatusOK, segmentsMessage{Segments: segments})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "Stream Transcriber",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                       "API documentation",
			"GET /health":                 "Service health check",
			"GET /config":                 "Get service configuration",
			"GET /stats":                  "Get service statistics",
			"GET /metrics":                "Prometheus metrics",
			"POST /sessions":              "Create and start a session",
			"GET /sessions":               "List sessions",
			"GET /sessions/{id}":          "Get session statistics",
			"DELETE /sessions/{id}":       "Stop and remove a session",
			"POST /sessions/{id}/chunks":  "Append PCM audio (format=f32le|s16le, sample_rate)",
			"GET /sessions/{id}/text":     "Drain new transcript text",
			"GET /sessions/{id}/segments": "Drain new timed segments",
			"GET /sessions/{id}/ws":       "Stream audio in and segments out over WebSocket",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

// writeSessionError maps stream errors to status codes
func (h *HTTPServer) writeSessionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, stream.ErrInvalidConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, stream.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, stream.ErrNotStreaming):
		status = http.StatusConflict
	case errors.Is(err, stream.ErrSessionLimit):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", slog.String("error", err.Error()))
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
