// Package motion turns irregular position samples into a continuous path.
//
// Every Track holds the parameters of one linear segment (start, target,
// start time). A new sample either snaps the bus to the reported position
// (teleport) or starts a new segment from wherever the bus is currently
// drawn (smooth transition).
package motion

import (
	"math"
	"time"
)

const (
	DefaultTeleportThreshold = 0.05
	DefaultTransition        = time.Second
)

// State is the coarse animation state of a track.
type State int

const (
	Settled State = iota
	Transitioning
)

func (s State) String() string {
	switch s {
	case Settled:
		return "settled"
	case Transitioning:
		return "transitioning"
	default:
		return "unknown"
	}
}

// Kind tells how a sample was applied.
type Kind int

const (
	Created Kind = iota
	Teleported
	Smoothed
)

// Params controls the update and evaluation policy.
type Params struct {
	// TeleportThreshold is the L1 distance in degrees above which a sample
	// is treated as a relocation rather than movement.
	TeleportThreshold float64
	// Transition is the animation window of a segment.
	Transition time.Duration
}

// DefaultParams returns the stock policy.
func DefaultParams() Params {
	return Params{TeleportThreshold: DefaultTeleportThreshold, Transition: DefaultTransition}
}

// Track is the motion state of a single bus.
type Track struct {
	ID    int32
	Route int32

	CurLat, CurLng       float64
	StartLat, StartLng   float64
	TargetLat, TargetLng float64
	StartTime            time.Time
}

// New creates a track that appears at its reported location.
func New(id int32, lat, lng float64, route int32, now time.Time) *Track {
	return &Track{
		ID:        id,
		Route:     route,
		CurLat:    lat,
		CurLng:    lng,
		StartLat:  lat,
		StartLng:  lng,
		TargetLat: lat,
		TargetLng: lng,
		StartTime: now,
	}
}

// Update ingests a new sample. The rendered position is brought up to now
// before the new segment is derived from it, so Cur may be ahead of the
// caller's last Render.
func (t *Track) Update(lat, lng float64, route int32, now time.Time, p Params) Kind {
	dist := math.Abs(t.TargetLat-lat) + math.Abs(t.TargetLng-lng)
	kind := Smoothed
	if dist > p.TeleportThreshold {
		kind = Teleported
		t.StartLat, t.StartLng = lat, lng
		t.CurLat, t.CurLng = lat, lng
	} else {
		t.Eval(now, p.Transition)
		t.StartLat, t.StartLng = t.CurLat, t.CurLng
	}
	if now.Before(t.StartTime) {
		// monotonic clocks never go back; guard against callers that mix clocks
		now = t.StartTime
	}
	t.StartTime = now
	t.TargetLat, t.TargetLng = lat, lng
	t.Route = route
	return kind
}

// Progress returns the fraction of the current segment completed at now.
// A non-positive duration means every segment snaps to its target.
func (t *Track) Progress(now time.Time, d time.Duration) float64 {
	if d <= 0 {
		return 1
	}
	f := float64(now.Sub(t.StartTime)) / float64(d)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Position interpolates the segment at now without mutating the track.
func (t *Track) Position(now time.Time, d time.Duration) (lat, lng float64) {
	f := t.Progress(now, d)
	if f >= 1 {
		return t.TargetLat, t.TargetLng
	}
	return t.StartLat + (t.TargetLat-t.StartLat)*f, t.StartLng + (t.TargetLng-t.StartLng)*f
}

// Eval is the render step: it stores the interpolated position as the
// current one and returns it.
func (t *Track) Eval(now time.Time, d time.Duration) (lat, lng float64) {
	t.CurLat, t.CurLng = t.Position(now, d)
	return t.CurLat, t.CurLng
}

// State reports whether the segment is still in flight at now.
func (t *Track) State(now time.Time, d time.Duration) State {
	if t.Progress(now, d) >= 1 || (t.StartLat == t.TargetLat && t.StartLng == t.TargetLng) {
		return Settled
	}
	return Transitioning
}
