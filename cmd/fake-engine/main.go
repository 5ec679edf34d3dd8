// Command fake-engine serves an OpenAI-compatible transcription API that
// returns canned text, for running the service without a real model.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/stream-transcriber/internal/audio"
)

type segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type verboseResponse struct {
	Task     string    `json:"task"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Text     string    `json:"text"`
	Segments []segment `json:"segments"`
}

type fakeEngine struct {
	text      string
	delay     time.Duration
	silenceRMS float64
	logger    *slog.Logger
}

func (f *fakeEngine) handle(task string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, "Error parsing form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Error getting audio file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "Error reading audio file", http.StatusInternalServerError)
			return
		}

		samples, _, err := audio.DecodeWAV(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		info, _ := audio.ReadWAVInfo(data)

		requestID := r.FormValue("request_id")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		f.logger.Info("Transcription request received",
			slog.String("request_id", requestID),
			slog.String("task", task),
			slog.String("model", r.FormValue("model")),
			slog.String("language", r.FormValue("language")),
			slog.String("filename", header.Filename),
			slog.Float64("duration", info.Duration),
		)

		// Simulated inference time
		time.Sleep(f.delay)

		response := verboseResponse{
			Task:     task,
			Language: r.FormValue("language"),
			Duration: info.Duration,
			Segments: []segment{},
		}
		if audio.RMS(samples) >= f.silenceRMS {
			response.Text = f.text
			response.Segments = append(response.Segments, segment{
				Start: 0,
				End:   info.Duration,
				Text:  f.text,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	text := flag.String("text", "This is a test transcription.", "Text returned for every voiced window")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time per request")
	silence := flag.Float64("silence", 0.01, "RMS below which a window is treated as silence")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	engine := &fakeEngine{text: *text, delay: *delay, silenceRMS: *silence, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/audio/transcriptions", engine.handle("transcribe"))
	mux.HandleFunc("POST /v1/audio/translations", engine.handle("translate"))

	logger.Info("Fake transcription engine starting",
		slog.String("address", *addr),
		slog.Duration("delay", *delay),
	)

	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
