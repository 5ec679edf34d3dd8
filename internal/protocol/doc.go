// Package protocol implements the binary datagram format used for UDP audio
// ingest: an 8-byte header followed by an open, audio or close payload.
package protocol
