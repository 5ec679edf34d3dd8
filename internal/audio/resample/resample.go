// Package resample converts ingest audio at arbitrary rates to the 16 kHz
// rate the decode pipeline requires. It links libsoxr through cgo, so only
// the service binary imports it and hands Resample to the servers.
package resample

import (
	"bytes"
	"fmt"

	soxr "github.com/zaf/resample"

	"github.com/skypro1111/stream-transcriber/internal/audio"
)

// Resample converts a single chunk with a fresh soxr instance.
// soxr's F32 format is host byte order; supported hosts are little-endian.
func Resample(samples []float32, fromRate, toRate int) ([]float32, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", fromRate, toRate)
	}
	if fromRate == toRate || len(samples) == 0 {
		return samples, nil
	}

	out := &bytes.Buffer{}
	resampler, err := soxr.New(out, float64(fromRate), float64(toRate), 1, soxr.F32, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}

	if _, err := resampler.Write(audio.EncodeFloat32LE(samples)); err != nil {
		resampler.Close()
		return nil, fmt.Errorf("resample %d -> %d: %w", fromRate, toRate, err)
	}
	// Close flushes the filter tail into out
	if err := resampler.Close(); err != nil {
		return nil, fmt.Errorf("flush resampler: %w", err)
	}

	return audio.DecodeFloat32LE(out.Bytes())
}
