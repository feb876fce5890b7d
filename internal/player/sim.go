package player

import (
	"fmt"
	"sync"
	"time"
)

// Sim is a wall-clock simulation of a media engine. While playing, position
// advances at the commanded rate; the buffer fills linearly after Prepare.
// Tests and the demo binary use it in place of a real decoder.
type Sim struct {
	mu sync.Mutex

	uri      string
	prepared bool
	playing  bool
	rate     float64
	duration int64

	// position as of anchor; live position is derived from the clock.
	position int64
	anchor   time.Time

	bufferFill time.Duration // time from Prepare to 100% buffered
	preparedAt time.Time
}

// NewSim returns a simulated player for a stream of the given duration.
// bufferFill controls how fast the buffer percentage climbs after Prepare;
// zero means instantly buffered.
func NewSim(duration int64, bufferFill time.Duration) *Sim {
	return &Sim{rate: 1.0, duration: duration, bufferFill: bufferFill}
}

func (s *Sim) Prepare(uri string, startPosition int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uri = uri
	s.prepared = true
	s.playing = false
	s.position = startPosition
	s.anchor = time.Now()
	s.preparedAt = time.Now()
	return nil
}

func (s *Sim) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return fmt.Errorf("player: not prepared")
	}
	if s.playing {
		return nil
	}
	s.playing = true
	s.anchor = time.Now()
	return nil
}

func (s *Sim) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = s.positionLocked()
	s.anchor = time.Now()
	s.playing = false
	return nil
}

func (s *Sim) SeekTo(position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position < 0 {
		position = 0
	}
	if s.duration > 0 && position > s.duration {
		position = s.duration
	}
	s.position = position
	s.anchor = time.Now()
	return nil
}

func (s *Sim) SetPlaybackSpeed(rate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate <= 0 {
		return fmt.Errorf("player: invalid rate %v", rate)
	}
	s.position = s.positionLocked()
	s.anchor = time.Now()
	s.rate = rate
	return nil
}

func (s *Sim) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *Sim) Duration() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *Sim) BufferPercentage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return 0
	}
	if s.bufferFill <= 0 {
		return 100
	}
	elapsed := time.Since(s.preparedAt)
	pct := int(elapsed * 100 / s.bufferFill)
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (s *Sim) ReadyToPlay() bool {
	return s.BufferPercentage() >= 10
}

func (s *Sim) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Rate returns the current playback rate; tests assert on it.
func (s *Sim) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// URI returns the last prepared uri.
func (s *Sim) URI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uri
}

func (s *Sim) positionLocked() int64 {
	if !s.playing {
		return s.position
	}
	pos := s.position + int64(float64(time.Since(s.anchor).Milliseconds())*s.rate)
	if s.duration > 0 && pos > s.duration {
		return s.duration
	}
	return pos
}
