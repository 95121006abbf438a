package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindow is the updates-per-second sampling window.
const DefaultWindow = time.Second

// Sampler is a windowed frame-rate estimator. It counts frames and, on the
// first frame that arrives after the window has elapsed, publishes the
// count of the window just closed. No frames means no republish, so the
// published rate stays at its last value while the feed is idle.
type Sampler struct {
	window time.Duration

	mu          sync.Mutex
	count       int64
	windowStart time.Time

	rate atomic.Int64
}

func NewSampler(window time.Duration) *Sampler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Sampler{window: window}
}

// Observe records one frame received at now. It reports the rate and
// whether it was republished by this call.
func (s *Sampler) Observe(now time.Time) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.windowStart.IsZero() {
		s.windowStart = now
	}
	published := false
	if now.Sub(s.windowStart) >= s.window {
		s.rate.Store(s.count)
		s.count = 0
		s.windowStart = now
		published = true
	}
	s.count++
	return s.rate.Load(), published
}

// Rate returns the last published updates-per-second value.
func (s *Sampler) Rate() int64 { return s.rate.Load() }
