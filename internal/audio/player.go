package audio

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDuration is the length of each tone when a ring does not ask for one
const DefaultDuration = 500 * time.Millisecond

// Player sounds a chime
type Player interface {
	Play(notes, chords []string, duration time.Duration) error
}

// LogPlayer logs the tones it would play. It is the player for headless nodes.
type LogPlayer struct {
	logger *zap.Logger

	mu     sync.Mutex
	played int
}

// NewLogPlayer creates a LogPlayer
func NewLogPlayer(logger *zap.Logger) *LogPlayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPlayer{logger: logger.Named("audio")}
}

// Play logs the expanded tone sequence
func (p *LogPlayer) Play(notes, chords []string, duration time.Duration) error {
	if duration <= 0 {
		duration = DefaultDuration
	}
	tones := Sequence(notes, chords)

	freqs := make([]float64, len(tones))
	names := make([]string, len(tones))
	for i, t := range tones {
		freqs[i] = t.Frequency
		names[i] = t.Note
	}
	p.logger.Info("Playing chime",
		zap.Strings("notes", names),
		zap.Float64s("frequencies", freqs),
		zap.Duration("tone_duration", duration))

	p.mu.Lock()
	p.played++
	p.mu.Unlock()
	return nil
}

// Played returns how many chimes were played
func (p *LogPlayer) Played() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}
