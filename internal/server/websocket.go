package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/stream"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = maxChunkBytes
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 8 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsControl is a text frame sent by the client
type wsControl struct {
	Type string `json:"type"` // "end" closes the stream
}

// wsConn serializes writes from the reader and writer goroutines
type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.c.WriteJSON(v)
}

func (w *wsConn) writeControl(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteControl(messageType, data, time.Now().Add(wsWriteWait))
}

// handleWebSocket implements GET /sessions/{id}/ws. Binary frames carry
// f32le chunks; segments are pushed as {"segments":[...]} text frames.
func (h *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	session, err := h.manager.GetSession(r.PathValue("id"))
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	h.metrics.WebSocketOpened()
	defer h.metrics.WebSocketClosed()

	logger := h.logger.With(slog.String("session_id", session.ID))
	logger.Info("WebSocket stream opened", slog.String("remote_addr", r.RemoteAddr))

	wc := &wsConn{c: conn}
	conn.SetReadLimit(wsMaxMessage)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return h.readChunks(ctx, wc, session) })
	g.Go(func() error { return h.pushSegments(ctx, wc, session) })

	// Unblock the reader once either side has finished
	go func() {
		<-ctx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	err = g.Wait()
	closeCode := websocket.CloseNormalClosure
	reason := ""
	switch {
	case err == nil, errors.Is(err, errStreamEnded):
	case errors.Is(err, stream.ErrNotStreaming):
		closeCode, reason = websocket.CloseGoingAway, "session stopped"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
	default:
		closeCode, reason = websocket.CloseInternalServerErr, "stream error"
		logger.Warn("WebSocket stream failed", slog.String("error", err.Error()))
	}
	wc.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason))

	logger.Info("WebSocket stream closed")
}

var errStreamEnded = errors.New("stream ended by client")

// readChunks feeds binary frames into the session until the client goes away
func (h *HTTPServer) readChunks(ctx context.Context, wc *wsConn, session *stream.Session) error {
	conn := wc.c
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch messageType {
		case websocket.BinaryMessage:
			samples, err := audio.DecodeFloat32LE(data)
			if err != nil {
				if werr := wc.writeJSON(map[string]string{"error": err.Error()}); werr != nil {
					return werr
				}
				continue
			}
			if _, err := session.AddChunk(samples); err != nil {
				return err
			}

		case websocket.TextMessage:
			var msg wsControl
			if err := json.Unmarshal(data, &msg); err != nil {
				if werr := wc.writeJSON(map[string]string{"error": "invalid control message"}); werr != nil {
					return werr
				}
				continue
			}
			if msg.Type == "end" {
				return errStreamEnded
			}
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// pushSegments forwards new segments whenever the session signals output
func (h *HTTPServer) pushSegments(ctx context.Context, wc *wsConn, session *stream.Session) error {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Flush whatever is already queued before closing
			return h.flushSegments(wc, session)

		case <-session.Updates():
			if err := h.flushSegments(wc, session); err != nil {
				return err
			}

		case <-ticker.C:
			if err := wc.writeControl(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		}
	}
}

func (h *HTTPServer) flushSegments(wc *wsConn, session *stream.Session) error {
	segments, err := session.PollSegments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}
	return wc.writeJSON(segmentsMessage{Segments: segments})
}
