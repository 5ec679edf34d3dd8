// Package server exposes transcription sessions over the network: an HTTP
// API for session lifecycle, chunk ingest and output draining, a WebSocket
// endpoint for full-duplex streaming, and an optional UDP datagram ingest.
package server
