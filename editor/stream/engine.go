package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tilesmith/tilesmith/editor/world"
)

// movementEdgeMargin is how many tiles the incoming buffer edge is placed
// beyond the camera viewport on a movement shift.
const movementEdgeMargin = 2

// direction is a buffer shift request. Components are -1, 0 or +1 per axis;
// the zero direction requests centring the buffer on the camera.
type direction [2]int

func (d direction) isCenter() bool {
	return d == direction{}
}

// genState is the state of the engine's single generation job slot.
type genState uint8

const (
	genIdle genState = iota
	genRunning
)

// bufferState couples one tile layer with the world anchor of its top-left
// cell.
type bufferState struct {
	layer  TileLayer
	anchor world.TilePos
}

// Engine keeps a finite two-layer tile buffer centred on a moving camera,
// regenerating it from a TileSource based on smoothed velocity and predicted
// position. The engine drives itself from an internal adaptive tick; no
// external update call is required.
type Engine struct {
	conf   Config
	log    *slog.Logger
	cam    Camera
	source TileSource

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	bufW, bufH int
	buffers    [2]*bufferState
	active     int
	applied    bool
	safeZone   Rect
	vel        velocityTracker
	level      int
	stopped    bool

	state   genState
	pending *direction

	centerTimer *time.Timer
	tickStop    chan struct{}
	closed      bool

	// now is the engine's clock; replaced in tests.
	now func() time.Time
}

// New creates an Engine streaming tiles from the source into layers created
// by conf.LayerFactory, and schedules an initial generation centred on the
// camera. The buffer dimensions are fixed at construction so that the buffer
// covers at least two visible viewports at conf.MinZoom.
func New(cam Camera, source TileSource, conf Config) (*Engine, error) {
	if cam == nil {
		return nil, errors.New("stream: camera must not be nil")
	}
	if source == nil {
		return nil, errors.New("stream: tile source must not be nil")
	}
	if conf.TileSize <= 0 {
		return nil, fmt.Errorf("stream: invalid tile size %v", conf.TileSize)
	}
	if conf.LayerFactory == nil {
		return nil, errors.New("stream: layer factory must not be nil")
	}
	conf = conf.withDefaults()

	viewW, viewH := cam.ViewSize()
	ts := float64(conf.TileSize)
	bufW := int(math.Ceil(2 * viewW / (conf.MinZoom * ts)))
	bufH := int(math.Ceil(2 * viewH / (conf.MinZoom * ts)))
	if bufW < 4 {
		bufW = 4
	}
	if bufH < 4 {
		bufH = 4
	}

	e := &Engine{
		conf:     conf,
		log:      conf.Log,
		cam:      cam,
		source:   source,
		bufW:     bufW,
		bufH:     bufH,
		level:    world.CurrentLevel,
		tickStop: make(chan struct{}),
		now:      time.Now,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.vel = velocityTracker{
		smoothing:         conf.VelocitySmoothing,
		maxSpeed:          conf.MaxSpeed,
		teleportThreshold: conf.TeleportThreshold,
	}
	for i := range e.buffers {
		layer := conf.LayerFactory(bufW, bufH)
		if layer == nil {
			return nil, errors.New("stream: layer factory returned nil")
		}
		layer.SetVisible(false)
		e.buffers[i] = &bufferState{layer: layer}
	}

	e.mu.Lock()
	e.requestLocked(direction{}, true)
	e.mu.Unlock()

	go e.tickLoop()
	return e, nil
}

// BufferSize returns the fixed buffer dimensions in tiles.
func (e *Engine) BufferSize() (w, h int) {
	return e.bufW, e.bufH
}

// CameraInSafeZone reports if the camera centre currently lies inside the
// safe zone of the active buffer. Callers may use this as a fast path to
// skip surrounding work.
func (e *Engine) CameraInSafeZone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cameraInSafeZoneLocked()
}

func (e *Engine) cameraInSafeZoneLocked() bool {
	if !e.applied {
		return false
	}
	c := e.cam.Center()
	return e.safeZone.Contains(c.X(), c.Y())
}

// TileAtWorldPixel looks up the tile currently displayed at a world pixel.
// ok is false if the pixel lies outside the active buffer.
func (e *Engine) TileAtWorldPixel(px, py float64) (world.TileIndex, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	act := e.buffers[e.active]
	i, j, ok := act.layer.WorldToTile(px, py)
	if !ok {
		return world.TileAbsent, false
	}
	return act.layer.TileAt(i, j), true
}

// TileConnected reports if the world cell holds a tile or at least one of
// its four neighbours does, judged against the active buffer. Cells outside
// the buffer count as absent.
func (e *Engine) TileConnected(x, y int32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tilePresentLocked(x, y) {
		return true
	}
	return e.tilePresentLocked(x+1, y) || e.tilePresentLocked(x-1, y) ||
		e.tilePresentLocked(x, y+1) || e.tilePresentLocked(x, y-1)
}

func (e *Engine) tilePresentLocked(x, y int32) bool {
	act := e.buffers[e.active]
	i, j := int(x-act.anchor.X()), int(y-act.anchor.Y())
	if i < 0 || j < 0 || i >= e.bufW || j >= e.bufH {
		return false
	}
	return act.layer.TileAt(i, j) != world.TileAbsent
}

// UpdateTile overwrites the displayed cell for the world coordinate if it
// lies within the active buffer, and is a no-op otherwise. It only changes
// what is shown; persisting the edit is the caller's concern.
func (e *Engine) UpdateTile(x, y int32, idx world.TileIndex) {
	e.mu.Lock()
	defer e.mu.Unlock()
	act := e.buffers[e.active]
	i, j := int(x-act.anchor.X()), int(y-act.anchor.Y())
	if i < 0 || j < 0 || i >= e.bufW || j >= e.bufH {
		return
	}
	act.layer.PutTileAt(idx, i, j)
}

// SetLevel switches the engine to display another level. Both buffers are
// cleared and a centred regeneration is forced, since the world under the
// viewport changed entirely.
func (e *Engine) SetLevel(level int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.level == level {
		return
	}
	e.level = level
	empty := world.NewTileGrid(e.bufW, e.bufH)
	for _, b := range e.buffers {
		b.layer.PutTilesAt(empty, 0, 0)
	}
	e.requestLocked(direction{}, true)
}

// Destroy stops the engine's timers and debounced work. An in-flight
// generation is allowed to finish but its result is discarded. Destroy is
// safe to call multiple times.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.cancelCenterLocked()
	close(e.tickStop)
	e.mu.Unlock()
}

func (e *Engine) tickLoop() {
	t := time.NewTimer(e.conf.SlowInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			t.Reset(e.tick())
		case <-e.tickStop:
			return
		}
	}
}

// tick samples the camera, updates the velocity filter and decides whether a
// buffer shift is needed. It returns the interval until the next tick, which
// adapts to the current speed.
func (e *Engine) tick() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return e.conf.SlowInterval
	}

	pos := e.cam.Center()
	switch e.vel.sample(pos, e.now()) {
	case sampleResynced:
		return e.intervalLocked()
	case sampleTeleport:
		e.stopped = false
		e.cancelCenterLocked()
		e.requestLocked(direction{}, true)
		return e.intervalLocked()
	}

	if e.vel.speed() <= e.conf.StopThreshold {
		if !e.stopped {
			e.stopped = true
			if !e.cameraInSafeZoneLocked() {
				e.scheduleCenterLocked()
			}
		}
		return e.intervalLocked()
	}

	e.stopped = false
	e.cancelCenterLocked()
	if dir, ok := e.predictLocked(); ok {
		e.requestLocked(dir, false)
	}
	return e.intervalLocked()
}

func (e *Engine) intervalLocked() time.Duration {
	switch speed := e.vel.speed(); {
	case speed > e.conf.FastSpeed:
		return e.conf.FastInterval
	case speed > e.conf.StopThreshold:
		return e.conf.MediumInterval
	}
	return e.conf.SlowInterval
}

// predictLocked extrapolates the camera over the prediction horizon and
// derives a shift direction from where the predicted position lands relative
// to the active buffer.
func (e *Engine) predictLocked() (direction, bool) {
	act := e.buffers[e.active]
	ts := float64(e.conf.TileSize)
	pred := e.vel.predict(float64(e.conf.PredictionTime) / float64(time.Millisecond))
	cellX := pred.X()/ts - float64(act.anchor.X())
	cellY := pred.Y()/ts - float64(act.anchor.Y())

	var dir direction
	// A predicted position outside the buffer always wins: point at the side
	// it left through.
	if cellX < 0 {
		dir[0] = -1
	} else if cellX >= float64(e.bufW) {
		dir[0] = 1
	}
	if cellY < 0 {
		dir[1] = -1
	} else if cellY >= float64(e.bufH) {
		dir[1] = 1
	}
	if !dir.isCenter() {
		return dir, true
	}

	if e.vel.speed() == 0 {
		return direction{}, false
	}
	d := e.vel.vel.Normalize()
	adx, ady := math.Abs(d.X()), math.Abs(d.Y())

	thX, thY := e.conf.BaseThreshold, e.conf.BaseThreshold
	if adx > ady*e.conf.DominanceRatio {
		thX = e.conf.AggressiveThreshold
	} else if ady > adx*e.conf.DominanceRatio {
		thY = e.conf.AggressiveThreshold
	}

	if adx > 0.1 {
		if d.X() > 0 && cellX >= float64(e.bufW)*(1-thX) {
			dir[0] = 1
		} else if d.X() < 0 && cellX <= float64(e.bufW)*thX {
			dir[0] = -1
		}
	}
	if ady > 0.1 {
		if d.Y() > 0 && cellY >= float64(e.bufH)*(1-thY) {
			dir[1] = 1
		} else if d.Y() < 0 && cellY <= float64(e.bufH)*thY {
			dir[1] = -1
		}
	}
	if dir.isCenter() {
		return direction{}, false
	}
	return dir, true
}

// targetLocked computes the anchor a request should generate at. Movement
// shifts align the incoming edge a fixed margin outside the camera viewport;
// centre requests centre the buffer on the camera. Axes without a movement
// component are centred as well.
func (e *Engine) targetLocked(dir direction) world.TilePos {
	ts := float64(e.conf.TileSize)
	c := e.cam.Center()
	centred := world.TilePos{
		int32(math.Floor(c.X()/ts)) - int32(e.bufW/2),
		int32(math.Floor(c.Y()/ts)) - int32(e.bufH/2),
	}
	if dir.isCenter() {
		return centred
	}

	view := e.cam.WorldView()
	target := centred
	switch dir[0] {
	case 1:
		target[0] = int32(math.Ceil(view.Right/ts)) + movementEdgeMargin - int32(e.bufW)
	case -1:
		target[0] = int32(math.Floor(view.Left/ts)) - movementEdgeMargin
	}
	switch dir[1] {
	case 1:
		target[1] = int32(math.Ceil(view.Bottom/ts)) + movementEdgeMargin - int32(e.bufH)
	case -1:
		target[1] = int32(math.Floor(view.Top/ts)) - movementEdgeMargin
	}
	return target
}

// requestLocked feeds a shift request into the job slot. A movement request
// always supersedes a queued centre request; a centre request never
// displaces anything. force bypasses the same-anchor fast path, used for the
// initial generation and level switches.
func (e *Engine) requestLocked(dir direction, force bool) {
	if e.closed {
		return
	}
	if e.state == genRunning {
		if dir.isCenter() {
			if e.pending == nil {
				e.pending = &dir
			}
		} else {
			e.pending = &dir
		}
		return
	}

	target := e.targetLocked(dir)
	if !force && e.applied && target == e.buffers[e.active].anchor {
		return
	}
	e.pending = nil
	e.state = genRunning
	go e.generate(target, dir, e.level)
}

// generate performs one asynchronous window read and completes the job slot
// with its result. The level is captured by the caller under the engine
// lock; generate runs outside it and completion re-acquires it.
func (e *Engine) generate(target world.TilePos, dir direction, level int) {
	grid, err := e.source.TileLayerData(e.ctx, level, e.bufW, e.bufH, target.X(), target.Y())

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if err != nil {
		// Keep the old buffer visible; predictive logic naturally re-emits
		// the request as motion continues.
		e.log.Warn("stream: tile layer generation failed.", "level", level, "err", err)
		e.state = genIdle
		e.pending = nil
		return
	}

	if level != e.level {
		// The engine switched levels while this window was read: the result
		// belongs to the old level and must never be shown. Chain into a
		// fresh generation for the current level instead.
		next := direction{}
		if p := e.pending; p != nil {
			next = *p
		}
		e.pending = nil
		go e.generate(e.targetLocked(next), next, e.level)
		return
	}

	if p := e.pending; p != nil && *p != dir {
		next := *p
		e.pending = nil
		nextTarget := e.targetLocked(next)
		if nextTarget != target {
			// The desired anchor moved on while we were generating: chain
			// into the pending request without rendering this result.
			go e.generate(nextTarget, next, level)
			return
		}
	} else {
		e.pending = nil
	}

	e.applyLocked(target, grid)
	e.state = genIdle
}

// applyLocked runs the swap protocol: fill the scratch layer off-screen,
// reveal it, swap the active role and hide the previous buffer. No
// observable intermediate state leaves both buffers hidden or both visible
// as the displayed layer; every public read under the engine lock sees
// either the old buffer or the new one.
func (e *Engine) applyLocked(target world.TilePos, grid world.TileGrid) {
	ts := float64(e.conf.TileSize)
	scratch := e.buffers[1-e.active]
	scratch.layer.SetVisible(false)
	scratch.layer.SetPosition(float64(target.X())*ts, float64(target.Y())*ts)
	scratch.layer.PutTilesAt(grid, 0, 0)
	scratch.anchor = target

	scratch.layer.SetVisible(true)
	e.active = 1 - e.active
	e.buffers[1-e.active].layer.SetVisible(false)

	e.applied = true
	e.recomputeSafeZoneLocked()
}

// recomputeSafeZoneLocked centres the safe zone on the active buffer with an
// extent of SafeZoneRatio times the buffer's pixel extent.
func (e *Engine) recomputeSafeZoneLocked() {
	ts := float64(e.conf.TileSize)
	act := e.buffers[e.active]
	w, h := float64(e.bufW)*ts, float64(e.bufH)*ts
	cx := float64(act.anchor.X())*ts + w/2
	cy := float64(act.anchor.Y())*ts + h/2
	sw, sh := w*e.conf.SafeZoneRatio, h*e.conf.SafeZoneRatio
	e.safeZone = Rect{Left: cx - sw/2, Top: cy - sh/2, Right: cx + sw/2, Bottom: cy + sh/2}
}

func (e *Engine) scheduleCenterLocked() {
	if e.centerTimer != nil {
		return
	}
	e.centerTimer = time.AfterFunc(e.conf.CenterDebounce, e.centerFired)
}

func (e *Engine) centerFired() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.centerTimer = nil
	if e.closed || !e.stopped {
		return
	}
	e.requestLocked(direction{}, false)
}

func (e *Engine) cancelCenterLocked() {
	if t := e.centerTimer; t != nil {
		t.Stop()
		e.centerTimer = nil
	}
}
