// Package tracker owns the table of live buses.
package tracker

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"livebus/internal/motion"
	"livebus/internal/wire"
)

// DefaultEvictProbability is the chance that a frame triggers a sweep.
const DefaultEvictProbability = 0.15

// Metrics receives table events. All methods must be cheap.
type Metrics interface {
	ApplyObserve(d time.Duration)
	EntitiesSet(n int)
	SampleApplied(kind motion.Kind)
	SweepRan(evicted int)
}

// Commit describes the table right after a frame was applied. Entities is
// only filled when there are subscribers.
type Commit struct {
	Version  uint64
	At       time.Time
	Created  int
	Updated  int
	Evicted  int
	Swept    bool
	Entities []motion.Track
}

// Store maps bus id to its motion state. Frames are applied by a single
// writer; readers may call Snapshot and Render concurrently.
type Store struct {
	params  motion.Params
	evictP  float64
	rnd     func() float64
	metrics Metrics

	mu      sync.RWMutex
	tracks  map[int32]*motion.Track
	version uint64

	subMu   sync.Mutex
	subs    map[uint64]func(Commit)
	nextSub uint64
}

type Option func(*Store)

// WithRand replaces the sweep dice; f must return values in [0,1).
func WithRand(f func() float64) Option { return func(s *Store) { s.rnd = f } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option { return func(s *Store) { s.metrics = m } }

func NewStore(params motion.Params, evictProbability float64, opts ...Option) *Store {
	s := &Store{
		params: params,
		evictP: evictProbability,
		rnd:    rand.Float64,
		tracks: make(map[int32]*motion.Track),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Params returns the motion policy shared with renderers.
func (s *Store) Params() motion.Params { return s.params }

// Subscribe registers fn to be called after every applied frame. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn func(Commit)) (unsubscribe func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subs == nil {
		s.subs = make(map[uint64]func(Commit))
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// Apply ingests one decoded frame and possibly runs a staleness sweep.
// Subscribers registered while the frame is applied see the next commit.
func (s *Store) Apply(records []wire.Record, now time.Time) Commit {
	start := time.Now()
	subs := s.subscribers()
	seen := make(map[int32]struct{}, len(records))
	var c Commit

	s.mu.Lock()
	for _, r := range records {
		seen[r.ID] = struct{}{}
		tr, ok := s.tracks[r.ID]
		if !ok {
			s.tracks[r.ID] = motion.New(r.ID, r.Lat, r.Lng, r.Route, now)
			c.Created++
			s.observeSample(motion.Created)
			continue
		}
		s.observeSample(tr.Update(r.Lat, r.Lng, r.Route, now, s.params))
		c.Updated++
	}
	if s.evictP > 0 && s.rnd() < s.evictP {
		c.Swept = true
		for id := range s.tracks {
			if _, ok := seen[id]; !ok {
				delete(s.tracks, id)
				c.Evicted++
			}
		}
	}
	s.version++
	c.Version = s.version
	c.At = now
	if len(subs) > 0 {
		c.Entities = s.copyLocked()
	}
	n := len(s.tracks)
	s.mu.Unlock()

	if s.metrics != nil {
		if c.Swept {
			s.metrics.SweepRan(c.Evicted)
		}
		s.metrics.EntitiesSet(n)
		s.metrics.ApplyObserve(time.Since(start))
	}
	for _, fn := range subs {
		fn(c)
	}
	return c
}

func (s *Store) observeSample(k motion.Kind) {
	if s.metrics != nil {
		s.metrics.SampleApplied(k)
	}
}

func (s *Store) subscribers() []func(Commit) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if len(s.subs) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(Commit), len(ids))
	for i, id := range ids {
		out[i] = s.subs[id]
	}
	return out
}

// Len returns the number of tracked buses.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

// Version increments once per applied frame.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Get returns a copy of the track for id.
func (s *Store) Get(id int32) (motion.Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.tracks[id]
	if !ok {
		return motion.Track{}, false
	}
	return *tr, true
}

// Snapshot copies all tracks ordered by id.
func (s *Store) Snapshot() []motion.Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Render evaluates every segment at now, records the result as the current
// rendered position and returns the updated copies ordered by id.
func (s *Store) Render(now time.Time) []motion.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.tracks {
		tr.Eval(now, s.params.Transition)
	}
	return s.copyLocked()
}

func (s *Store) copyLocked() []motion.Track {
	out := make([]motion.Track, 0, len(s.tracks))
	for _, tr := range s.tracks {
		out = append(out, *tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
