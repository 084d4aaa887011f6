package queue

import (
	"sync"
	"time"
)

// bucketWindow is the rolling window the speed meter reports over.
const bucketWindow = time.Second

// SpeedMeter reports a rolling ~1s window of bytes delivered across all
// workers. Updated under a small dedicated lock rather than atomics
// since a bucket rotation mutates two fields together.
type SpeedMeter struct {
	mu         sync.Mutex
	bucketTime time.Time
	current    int64
	previous   int64
}

func NewSpeedMeter() *SpeedMeter {
	return &SpeedMeter{bucketTime: time.Now()}
}

// Add records n bytes delivered just now.
func (s *SpeedMeter) Add(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotate()
	s.current += n
}

// BytesPerSecond returns the current rolling-window rate.
func (s *SpeedMeter) BytesPerSecond() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotate()
	elapsed := time.Since(s.bucketTime)
	if elapsed >= bucketWindow {
		return s.current
	}
	// Blend the completed previous bucket with the in-flight one so the
	// reported rate doesn't saw-tooth at bucket boundaries.
	weight := float64(elapsed) / float64(bucketWindow)
	return int64(float64(s.previous)*(1-weight) + float64(s.current))
}

func (s *SpeedMeter) rotate() {
	if time.Since(s.bucketTime) >= bucketWindow {
		s.previous = s.current
		s.current = 0
		s.bucketTime = time.Now()
	}
}
