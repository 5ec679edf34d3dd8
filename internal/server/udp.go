package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/protocol"
	"github.com/skypro1111/stream-transcriber/internal/stream"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
)

// UDPServerConfig contains datagram ingest configuration
type UDPServerConfig struct {
	Address    string
	Port       int
	BufferSize int
	Workers    int
	QueueSize  int // per worker

	// SweepInterval controls how often streams whose session is gone are forgotten
	SweepInterval time.Duration
}

// UDPServer turns datagram streams into transcription sessions. Packets of
// one stream always land on the same worker, so each session keeps a single
// producer and sees audio in arrival order.
type UDPServer struct {
	conn      *net.UDPConn
	config    UDPServerConfig
	logger    *slog.Logger
	manager   *stream.Manager
	metrics   *metrics.Metrics
	resampler Resampler

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// One queue per worker, selected by stream ID
	queues []chan *incomingPacket

	// Stream ID to session mapping
	streams   map[uint32]*udpStream
	streamsMu sync.Mutex

	// Counters
	packetsReceived  uint64
	packetsProcessed uint64
	parseErrors      uint64
	queueDrops       uint64
	packetsLost      uint64
	mu               sync.RWMutex
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// udpStream tracks one open datagram stream
type udpStream struct {
	sessionID  string
	sampleRate int
	format     uint8
	lastSeq    uint32
	seenAudio  bool
}

// UDPStatistics represents ingest counters
type UDPStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	ParseErrors      uint64 `json:"parse_errors"`
	QueueDrops       uint64 `json:"queue_drops"`
	PacketsLost      uint64 `json:"packets_lost"`
	OpenStreams      int    `json:"open_streams"`
	QueueSize        int    `json:"queue_size"`
	QueueCapacity    int    `json:"queue_capacity"`
}

// NewUDPServer creates a new UDP ingest server. A nil resampler rejects
// streams opened at rates other than 16 kHz.
func NewUDPServer(cfg UDPServerConfig, logger *slog.Logger, manager *stream.Manager,
	m *metrics.Metrics, resampler Resampler) *UDPServer {

	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.BufferSize < protocol.MaxPacketSize {
		cfg.BufferSize = protocol.MaxPacketSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	queues := make([]chan *incomingPacket, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan *incomingPacket, cfg.QueueSize)
	}

	return &UDPServer{
		config:    cfg,
		logger:    logger,
		manager:   manager,
		metrics:   m,
		resampler: resampler,
		ctx:       ctx,
		cancel:    cancel,
		queues:    queues,
		streams:   make(map[uint32]*udpStream),
	}
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.Address, s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("workers", s.config.Workers),
	)

	for i := range s.queues {
		s.wg.Add(1)
		go s.packetProcessor(i)
	}

	s.wg.Add(1)
	go s.receiveLoop()

	s.wg.Add(1)
	go s.sweepLoop()

	return nil
}

// Addr returns the bound address, or nil before Start
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop gracefully stops the UDP server. Queued packets are processed first;
// sessions stay with the manager.
func (s *UDPServer) Stop() error {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	// Close UDP connection to unblock the receive loop
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("queue_drops", stats.QueueDrops),
		slog.Uint64("packets_lost", stats.PacketsLost),
	)

	return nil
}

// receiveLoop is the main packet receiving loop. It owns the worker queues
// and closes them on exit.
func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()
	defer func() {
		for _, q := range s.queues {
			close(q)
		}
	}()

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// Set read deadline to check for context cancellation periodically
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()

		// The read buffer is reused
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		select {
		case s.queues[s.workerFor(packetData)] <- packet:
		default:
			s.mu.Lock()
			s.queueDrops++
			s.mu.Unlock()
			s.metrics.RecordUDPPacket(metrics.PacketQueueFull)

			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// workerFor picks the worker queue from the stream ID in the header
func (s *UDPServer) workerFor(data []byte) int {
	header, err := protocol.ParseHeader(data)
	if err != nil {
		return 0
	}
	return int(header.StreamID % uint32(len(s.queues)))
}

// packetProcessor processes packets from one worker queue
func (s *UDPServer) packetProcessor(workerID int) {
	defer s.wg.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range s.queues[workerID] {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

// handlePacket processes a single incoming packet
func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	parsed, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()
		s.metrics.RecordUDPPacket(metrics.PacketParseError)

		s.logger.Error("Failed to parse packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	switch parsed.Header.PacketType {
	case protocol.PacketTypeOpen:
		err = s.processOpenPacket(parsed.Header, parsed.Open)
	case protocol.PacketTypeAudio:
		err = s.processAudioPacket(parsed.Header, parsed.Audio)
	case protocol.PacketTypeClose:
		err = s.processClosePacket(parsed.Header)
	}

	if err != nil {
		s.metrics.RecordUDPPacket(metrics.PacketRejected)
		s.logger.Warn("Packet rejected",
			slog.String("packet", parsed.Header.String()),
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()
	s.metrics.RecordUDPPacket(metrics.PacketProcessed)
}

// processOpenPacket creates a session for a new stream. Re-opening a known
// stream replaces its session.
func (s *UDPServer) processOpenPacket(header *protocol.Header, payload *protocol.OpenPayload) error {
	sampleRate := int(payload.SampleRate)
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if sampleRate != audio.SampleRate && s.resampler == nil {
		return fmt.Errorf("sample rate must be %d, got %d", audio.SampleRate, sampleRate)
	}

	task, err := transcription.ParseTask(payload.GetTask())
	if err != nil {
		return err
	}

	session, err := s.manager.CreateSession(payload.GetLanguage(), task)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	s.streamsMu.Lock()
	previous := s.streams[header.StreamID]
	s.streams[header.StreamID] = &udpStream{
		sessionID:  session.ID,
		sampleRate: sampleRate,
		format:     header.Format,
	}
	s.streamsMu.Unlock()

	if previous != nil {
		s.removeSession(header.StreamID, previous.sessionID)
	}

	s.logger.Info("UDP stream opened",
		slog.Uint64("stream_id", uint64(header.StreamID)),
		slog.String("session_id", session.ID),
		slog.Int("sample_rate", sampleRate),
		slog.String("language", payload.GetLanguage()),
		slog.String("task", string(task)),
	)
	return nil
}

// processAudioPacket decodes the payload and feeds it to the stream's session
func (s *UDPServer) processAudioPacket(header *protocol.Header, payload *protocol.AudioPayload) error {
	s.streamsMu.Lock()
	st, exists := s.streams[header.StreamID]
	if !exists {
		s.streamsMu.Unlock()
		return fmt.Errorf("audio for unknown stream %d", header.StreamID)
	}
	if header.Format != st.format {
		s.streamsMu.Unlock()
		return fmt.Errorf("format 0x%02x does not match stream format 0x%02x", header.Format, st.format)
	}

	// Late or duplicated datagrams are ignored; gaps are counted as loss
	if st.seenAudio && payload.Sequence <= st.lastSeq {
		s.streamsMu.Unlock()
		return fmt.Errorf("out of order sequence %d (last %d)", payload.Sequence, st.lastSeq)
	}
	var lost uint32
	if st.seenAudio {
		lost = payload.Sequence - st.lastSeq - 1
	}
	st.lastSeq = payload.Sequence
	st.seenAudio = true
	sessionID, sampleRate := st.sessionID, st.sampleRate
	s.streamsMu.Unlock()

	if lost > 0 {
		s.mu.Lock()
		s.packetsLost += uint64(lost)
		s.mu.Unlock()
		s.logger.Debug("UDP packets lost",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("lost", uint64(lost)),
		)
	}

	samples, err := decodeDatagramAudio(header.Format, payload.AudioData)
	if err != nil {
		return err
	}
	if sampleRate != audio.SampleRate {
		if samples, err = s.resampler(samples, sampleRate, audio.SampleRate); err != nil {
			return fmt.Errorf("failed to resample from %d Hz: %w", sampleRate, err)
		}
	}

	session, err := s.manager.GetSession(sessionID)
	if err != nil {
		// Expired or removed through the API
		s.forgetStream(header.StreamID, sessionID)
		return err
	}
	if _, err := session.AddChunk(samples); err != nil {
		if errors.Is(err, stream.ErrNotStreaming) {
			s.forgetStream(header.StreamID, sessionID)
		}
		return err
	}
	return nil
}

// processClosePacket removes the stream and its session
func (s *UDPServer) processClosePacket(header *protocol.Header) error {
	s.streamsMu.Lock()
	st, exists := s.streams[header.StreamID]
	if exists {
		delete(s.streams, header.StreamID)
	}
	s.streamsMu.Unlock()

	if !exists {
		return fmt.Errorf("close for unknown stream %d", header.StreamID)
	}

	s.removeSession(header.StreamID, st.sessionID)
	s.logger.Info("UDP stream closed",
		slog.Uint64("stream_id", uint64(header.StreamID)),
		slog.String("session_id", st.sessionID),
	)
	return nil
}

// SessionID returns the session bound to a stream
func (s *UDPServer) SessionID(streamID uint32) (string, bool) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()

	st, exists := s.streams[streamID]
	if !exists {
		return "", false
	}
	return st.sessionID, true
}

func (s *UDPServer) removeSession(streamID uint32, sessionID string) {
	if err := s.manager.RemoveSession(sessionID); err != nil && !errors.Is(err, stream.ErrSessionNotFound) {
		s.logger.Warn("Failed to remove stream session",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// forgetStream drops the mapping if it still points at sessionID
func (s *UDPServer) forgetStream(streamID uint32, sessionID string) bool {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()

	if st, exists := s.streams[streamID]; exists && st.sessionID == sessionID {
		delete(s.streams, streamID)
		return true
	}
	return false
}

// sweepLoop periodically forgets streams whose session has been removed
// by idle cleanup or the API, so silent senders do not leak entries
func (s *UDPServer) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepStreams()
		}
	}
}

// sweepStreams forgets every stream whose session no longer exists and
// returns how many were dropped
func (s *UDPServer) sweepStreams() int {
	s.streamsMu.Lock()
	bound := make(map[uint32]string, len(s.streams))
	for id, st := range s.streams {
		bound[id] = st.sessionID
	}
	s.streamsMu.Unlock()

	swept := 0
	for streamID, sessionID := range bound {
		if _, err := s.manager.GetSession(sessionID); errors.Is(err, stream.ErrSessionNotFound) {
			if s.forgetStream(streamID, sessionID) {
				swept++
			}
		}
	}

	if swept > 0 {
		s.logger.Info("Forgot UDP streams without a session", slog.Int("count", swept))
	}
	return swept
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() UDPStatistics {
	s.streamsMu.Lock()
	openStreams := len(s.streams)
	s.streamsMu.Unlock()

	queueSize, queueCapacity := 0, 0
	for _, q := range s.queues {
		queueSize += len(q)
		queueCapacity += cap(q)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return UDPStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		ParseErrors:      s.parseErrors,
		QueueDrops:       s.queueDrops,
		PacketsLost:      s.packetsLost,
		OpenStreams:      openStreams,
		QueueSize:        queueSize,
		QueueCapacity:    queueCapacity,
	}
}

func decodeDatagramAudio(format uint8, data []byte) ([]float32, error) {
	switch format {
	case protocol.FormatS16LE:
		return audio.DecodeS16LE(data)
	case protocol.FormatF32LE:
		return audio.DecodeFloat32LE(data)
	default:
		return nil, fmt.Errorf("unsupported format 0x%02x", format)
	}
}
