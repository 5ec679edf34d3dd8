// Package stream coordinates real-time transcription sessions.
//
// A Session owns a sample buffer, rate statistics, a backpressure controller
// and a segment stabilizer, all guarded by one mutex. Producers call AddChunk;
// the scheduler cuts a window whenever one is ready and hands it to the engine
// on its own goroutine, with at most one decode in flight per session. The
// engine call runs without the lock. Results are filtered, shifted onto the
// stream timeline and queued for DrainText and PollSegments.
//
// Manager holds many independent sessions keyed by UUID and removes sessions
// that stop receiving audio.
package stream
