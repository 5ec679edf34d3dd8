// Package backpressure sheds audio when decoding falls behind real time.
//
// RateStatistics tracks how long the engine takes per second of audio and the
// average energy of decoded audio. Once warmed up, it yields a drop threshold
// that grows with the backlog. Controller queues chunks that arrive while a
// decode is in flight, discards chunks below the threshold, and evicts the
// lowest-energy chunk when the queue overflows, keeping likely speech over
// likely silence.
package backpressure
