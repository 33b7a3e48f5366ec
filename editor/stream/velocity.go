package stream

import (
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// sampleResult classifies what a velocity sample did to the tracker state.
type sampleResult uint8

const (
	// sampleResynced means the sample or its time delta was unusable; the
	// filter did not advance. A finite sample became the new anchor; a
	// non-finite one left the tracker unprimed.
	sampleResynced sampleResult = iota
	// sampleTeleport means the implied speed exceeded the teleport
	// threshold; the filter was zeroed.
	sampleTeleport
	// sampleUpdated means the filter advanced normally.
	sampleUpdated
)

// velocityTracker smooths camera velocity with an EMA and derives the
// acceleration used for quadratic extrapolation. Velocities are in px/ms,
// accelerations in px/ms².
type velocityTracker struct {
	smoothing         float64
	maxSpeed          float64
	teleportThreshold float64

	vel, acc mgl64.Vec2
	lastPos  mgl64.Vec2
	lastTime time.Time
	primed   bool
}

// sample feeds a new camera centre into the tracker. Samples with a time
// delta outside [1ms, 1000ms] resync the anchor without advancing the
// filter. Samples with non-finite coordinates unprime the tracker, so the
// next finite sample becomes the anchor.
func (t *velocityTracker) sample(pos mgl64.Vec2, now time.Time) sampleResult {
	if !finite(pos) {
		t.primed = false
		return sampleResynced
	}
	if !t.primed {
		t.resync(pos, now)
		return sampleResynced
	}
	dt := float64(now.Sub(t.lastTime)) / float64(time.Millisecond)
	if dt < 1 || dt > 1000 {
		t.resync(pos, now)
		return sampleResynced
	}

	inst := pos.Sub(t.lastPos).Mul(1 / dt)
	if inst.Len() > t.teleportThreshold {
		t.reset()
		t.resync(pos, now)
		return sampleTeleport
	}

	prev := t.vel
	v := prev.Mul(t.smoothing).Add(inst.Mul(1 - t.smoothing))
	v = mgl64.Vec2{clamp(v.X(), t.maxSpeed), clamp(v.Y(), t.maxSpeed)}
	t.vel = v
	t.acc = v.Sub(prev).Mul(1 / dt)
	t.lastPos, t.lastTime = pos, now
	return sampleUpdated
}

// predict extrapolates the camera position over the horizon in milliseconds
// using the smoothed velocity and acceleration.
func (t *velocityTracker) predict(horizon float64) mgl64.Vec2 {
	return t.lastPos.
		Add(t.vel.Mul(horizon)).
		Add(t.acc.Mul(0.5 * horizon * horizon))
}

// speed returns the magnitude of the smoothed velocity in px/ms.
func (t *velocityTracker) speed() float64 {
	return t.vel.Len()
}

// reset zeroes the filter. Used on teleports, where the previous motion has
// no bearing on what comes next.
func (t *velocityTracker) reset() {
	t.vel, t.acc = mgl64.Vec2{}, mgl64.Vec2{}
}

func (t *velocityTracker) resync(pos mgl64.Vec2, now time.Time) {
	t.lastPos, t.lastTime = pos, now
	t.primed = true
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}

func finite(v mgl64.Vec2) bool {
	return !math.IsNaN(v.X()) && !math.IsInf(v.X(), 0) && !math.IsNaN(v.Y()) && !math.IsInf(v.Y(), 0)
}
