package stabilizer

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/skypro1111/stream-transcriber/internal/transcription"
)

// Filter reasons
const (
	ReasonEmpty      = "empty"
	ReasonBracketed  = "bracketed_annotation"
	ReasonTooShort   = "too_short"
	ReasonDenylisted = "denylisted"
	ReasonRepetitive = "repetitive"
	ReasonUnstable   = "unstable"
)

// exactDenylist rejects whole utterances engines emit over silence
var exactDenylist = []string{
	"music",
	"thank you",
	"thank you very much",
	"thanks",
	"you",
	"bye",
	"bye bye",
	"silence",
	"applause",
	"laughter",
	"fuck",
	"shit",
}

// prefixDenylist rejects sign-offs and credits however they end
var prefixDenylist = []string{
	"thank you for watching",
	"thanks for watching",
	"thank you for listening",
	"please subscribe",
	"like and subscribe",
	"don't forget to subscribe",
	"subtitles by",
	"subtitled by",
	"captions by",
	"transcribed by",
	"translated by",
	"amara.org",
}

// Config tunes the hallucination filter
type Config struct {
	MinTextLength      int      // normalized text shorter than this is rejected
	MinUniqueWordRatio float64  // unique words / total words below this is rejected
	ExtraDenylist      []string // additional exact phrases
}

// DefaultConfig returns the standard filter tuning
func DefaultConfig() Config {
	return Config{
		MinTextLength:      3,
		MinUniqueWordRatio: 0.5,
	}
}

// Validate checks filter tuning
func (c Config) Validate() error {
	if c.MinTextLength < 0 {
		return fmt.Errorf("min_text_length must be non-negative, got %d", c.MinTextLength)
	}
	if c.MinUniqueWordRatio < 0 || c.MinUniqueWordRatio > 1 {
		return fmt.Errorf("min_unique_word_ratio must be between 0 and 1, got %g", c.MinUniqueWordRatio)
	}
	return nil
}

// Stabilizer filters engine output before it reaches callers. Every segment
// passes the hallucination filter. When windows overlap, segments in the
// overlap are surfaced only after two consecutive decodes agree on them.
//
// Stabilizer is not safe for concurrent use; the owning session serializes access.
type Stabilizer struct {
	config   Config
	exact    map[string]struct{}
	prefixes []string

	windowSeconds  float64
	overlapSeconds float64

	// Tail segments of the previous window awaiting confirmation
	held       []string
	seenWindow bool

	logger *slog.Logger
}

// New creates a stabilizer for windows of windowSeconds that overlap by overlapSeconds.
// Zero overlap disables the cross-window filter.
func New(config Config, windowSeconds, overlapSeconds float64, logger *slog.Logger) *Stabilizer {
	exact := make(map[string]struct{}, len(exactDenylist)+len(config.ExtraDenylist))
	for _, phrase := range exactDenylist {
		exact[phrase] = struct{}{}
	}
	for _, phrase := range config.ExtraDenylist {
		if n := normalize(phrase); n != "" {
			exact[n] = struct{}{}
		}
	}

	return &Stabilizer{
		config:         config,
		exact:          exact,
		prefixes:       prefixDenylist,
		windowSeconds:  windowSeconds,
		overlapSeconds: overlapSeconds,
		logger:         logger,
	}
}

// Process filters one window's segments and returns the survivors sorted by
// start time, in window-relative seconds, plus the number filtered out.
func (s *Stabilizer) Process(segments []transcription.Segment) ([]transcription.Segment, int) {
	ordered := make([]transcription.Segment, len(segments))
	copy(ordered, segments)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	kept := make([]transcription.Segment, 0, len(ordered))
	filtered := 0
	for _, seg := range ordered {
		if reason := s.Hallucination(seg.Text); reason != "" {
			s.logFiltered(seg, reason)
			filtered++
			continue
		}
		kept = append(kept, seg)
	}

	if s.overlapSeconds <= 0 {
		return kept, filtered
	}

	stable, unstable := s.stabilize(kept)
	return stable, filtered + unstable
}

// Hallucination returns the reason text is rejected, or "" if it passes
func (s *Stabilizer) Hallucination(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ReasonEmpty
	}
	if isBracketed(trimmed) {
		return ReasonBracketed
	}

	normalized := normalize(trimmed)
	if utf8.RuneCountInString(normalized) < s.config.MinTextLength {
		return ReasonTooShort
	}
	if _, ok := s.exact[normalized]; ok {
		return ReasonDenylisted
	}
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(normalized, prefix) {
			return ReasonDenylisted
		}
	}
	if uniqueWordRatio(normalized) < s.config.MinUniqueWordRatio {
		return ReasonRepetitive
	}

	return ""
}

// stabilize applies the cross-window filter. Tail segments are held for the
// next window; head segments pass only if they match a held tail.
func (s *Stabilizer) stabilize(segments []transcription.Segment) ([]transcription.Segment, int) {
	tailStart := s.windowSeconds - s.overlapSeconds

	previous := make(map[string]struct{}, len(s.held))
	for _, text := range s.held {
		previous[text] = struct{}{}
	}
	firstWindow := !s.seenWindow
	s.seenWindow = true
	s.held = s.held[:0]

	stable := make([]transcription.Segment, 0, len(segments))
	unstable := 0
	for _, seg := range segments {
		key := normalize(seg.Text)
		switch {
		case seg.Start >= tailStart:
			s.held = append(s.held, key)
		case seg.Start < s.overlapSeconds && !firstWindow:
			if _, ok := previous[key]; !ok {
				s.logFiltered(seg, ReasonUnstable)
				unstable++
				continue
			}
			delete(previous, key)
			stable = append(stable, seg)
		default:
			stable = append(stable, seg)
		}
	}

	// Held tails the head of this window did not confirm
	unstable += len(previous)
	return stable, unstable
}

// Reset forgets held segments; the next window is treated as the first
func (s *Stabilizer) Reset() {
	s.held = s.held[:0]
	s.seenWindow = false
}

// Holding returns the number of tail segments awaiting confirmation
func (s *Stabilizer) Holding() int {
	return len(s.held)
}

func (s *Stabilizer) logFiltered(seg transcription.Segment, reason string) {
	s.logger.Debug("Filtered segment",
		slog.String("reason", reason),
		slog.String("text", seg.Text),
		slog.Float64("start", seg.Start),
		slog.Float64("end", seg.End))
}

func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.TrimRight(text, ".!?,;: ")
	return strings.TrimSpace(text)
}

func isBracketed(text string) bool {
	pairs := [][2]string{{"(", ")"}, {"[", "]"}, {"*", "*"}, {"♪", "♪"}}
	for _, p := range pairs {
		if len(text) > len(p[0]) && strings.HasPrefix(text, p[0]) && strings.HasSuffix(text, p[1]) {
			return true
		}
	}
	return strings.Trim(text, "♪ ") == ""
}

func uniqueWordRatio(normalized string) float64 {
	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?' || r == '\t' || r == '\n'
	})
	if len(words) == 0 {
		return 0
	}

	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
	}
	return float64(len(unique)) / float64(len(words))
}
