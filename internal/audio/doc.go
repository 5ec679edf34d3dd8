// Package audio handles sample buffering and format conversion for streaming transcription.
// It implements the rolling 16 kHz float32 sample buffer that decode windows are cut from,
// amplitude energy measures used for backpressure, PCM codecs, WAV encoding for engine
// uploads and resampling of foreign-rate input.
package audio
