package downloader

import (
	"sync"
	"time"
)

const defaultSpeedWindow = 5

type speedSample struct {
	bytes int64
	at    time.Time
}

// SpeedCalculator estimates the transfer rate over the last few offset samples.
type SpeedCalculator struct {
	mu      sync.Mutex
	window  int
	samples []speedSample
}

func NewSpeedCalculator(window int) *SpeedCalculator {
	if window < 2 {
		window = 2
	}
	return &SpeedCalculator{window: window}
}

// Observe records the cumulative byte count at a point in time.
func (s *SpeedCalculator) Observe(total int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.samples); n > 0 && total < s.samples[n-1].bytes {
		// the transfer restarted from zero
		s.samples = s.samples[:0]
	}
	s.samples = append(s.samples, speedSample{bytes: total, at: at})
	if len(s.samples) > s.window {
		s.samples = s.samples[len(s.samples)-s.window:]
	}
}

// Speed returns bytes per second between the oldest and newest sample.
func (s *SpeedCalculator) Speed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) < 2 {
		return 0
	}
	first, last := s.samples[0], s.samples[len(s.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(last.bytes-first.bytes) / elapsed)
}

func (s *SpeedCalculator) Reset() {
	s.mu.Lock()
	s.samples = s.samples[:0]
	s.mu.Unlock()
}
