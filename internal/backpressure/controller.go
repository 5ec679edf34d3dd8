package backpressure

import (
	"log/slog"

	"github.com/skypro1111/stream-transcriber/internal/audio"
)

// Chunk is a caller chunk waiting for the buffer while a decode is in flight
type Chunk struct {
	Samples         []float32
	Energy          float64
	DurationSeconds float64
}

// Drop records a chunk shed by the controller
type Drop struct {
	Energy          float64
	DurationSeconds float64
	Threshold       float64
	Reason          string
}

const (
	DropBelowThreshold = "below_threshold"
	DropQueueFull      = "queue_full"
)

// Controller holds chunks that arrive while the engine is busy and sheds
// the least speech-like audio when the queue overflows.
//
// Controller is not safe for concurrent use; the owning session serializes access.
type Controller struct {
	pending    []Chunk
	maxPending int
	stats      *RateStatistics
	energy     audio.EnergyFunc
	sampleRate int
	logger     *slog.Logger

	// Drops not yet folded into stats
	unrecorded []Drop
	dropped    uint64

	// OnDrop, if set, observes every shed chunk
	OnDrop func(Drop)
}

// NewController creates a controller that reads thresholds from stats
func NewController(cfg Config, stats *RateStatistics, energy audio.EnergyFunc, sampleRate int, logger *slog.Logger) *Controller {
	if energy == nil {
		energy = audio.RMS
	}
	return &Controller{
		pending:    make([]Chunk, 0, cfg.MaxPendingChunks+1),
		maxPending: cfg.MaxPendingChunks,
		stats:      stats,
		energy:     energy,
		sampleRate: sampleRate,
		logger:     logger,
	}
}

// Admit queues a chunk that arrived while a decode is in flight.
// It returns true when the chunk itself was shed.
func (c *Controller) Admit(samples []float32) bool {
	chunk := Chunk{
		Samples:         samples,
		Energy:          c.energy(samples),
		DurationSeconds: float64(len(samples)) / float64(c.sampleRate),
	}

	threshold := c.stats.CurrentThreshold()
	if threshold > 0 && chunk.Energy < threshold {
		c.drop(chunk, threshold, DropBelowThreshold)
		return true
	}

	c.pending = append(c.pending, chunk)
	if len(c.pending) <= c.maxPending || !c.stats.WarmedUp() {
		return false
	}

	lowest := c.lowestIndex()
	shed := c.removeAt(lowest)
	c.drop(shed, threshold, DropQueueFull)
	return lowest == len(c.pending)
}

// lowestIndex finds the queued chunk with the lowest energy; ties go to the
// oldest chunk
func (c *Controller) lowestIndex() int {
	lowest := 0
	for i := 1; i < len(c.pending); i++ {
		if c.pending[i].Energy < c.pending[lowest].Energy {
			lowest = i
		}
	}
	return lowest
}

func (c *Controller) removeAt(i int) Chunk {
	chunk := c.pending[i]
	c.pending = append(c.pending[:i], c.pending[i+1:]...)
	return chunk
}

// Flush returns queued chunks in arrival order and empties the queue
func (c *Controller) Flush() []Chunk {
	if len(c.pending) == 0 {
		return nil
	}
	flushed := make([]Chunk, len(c.pending))
	copy(flushed, c.pending)
	c.pending = c.pending[:0]
	return flushed
}

// TakeDrops returns drops not yet recorded into statistics
func (c *Controller) TakeDrops() []Drop {
	drops := c.unrecorded
	c.unrecorded = nil
	return drops
}

// Pending returns the number of queued chunks
func (c *Controller) Pending() int {
	return len(c.pending)
}

// Dropped returns the total number of chunks shed
func (c *Controller) Dropped() uint64 {
	return c.dropped
}

// Reset discards queued chunks and unrecorded drops
func (c *Controller) Reset() {
	c.pending = c.pending[:0]
	c.unrecorded = nil
}

func (c *Controller) drop(chunk Chunk, threshold float64, reason string) {
	d := Drop{
		Energy:          chunk.Energy,
		DurationSeconds: chunk.DurationSeconds,
		Threshold:       threshold,
		Reason:          reason,
	}
	c.unrecorded = append(c.unrecorded, d)
	c.dropped++
	if c.OnDrop != nil {
		c.OnDrop(d)
	}

	c.logger.Warn("Shed audio chunk",
		slog.String("reason", reason),
		slog.Float64("energy", chunk.Energy),
		slog.Float64("threshold", threshold),
		slog.Float64("duration_seconds", chunk.DurationSeconds),
		slog.Int("pending", len(c.pending)))
}
