package editor

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/tilesmith/tilesmith/editor/stream"
	"github.com/tilesmith/tilesmith/editor/world"
)

type stubCamera struct{}

func (stubCamera) Center() mgl64.Vec2 { return mgl64.Vec2{} }

func (stubCamera) WorldView() stream.Rect {
	return stream.Rect{Left: -128, Top: -128, Right: 128, Bottom: 128}
}

func (stubCamera) ViewSize() (float64, float64) { return 256, 256 }

func (stubCamera) Zoom() float64 { return 1 }

type stubLayer struct {
	mu      sync.Mutex
	w, h    int
	tiles   []world.TileIndex
	px, py  float64
	visible bool
}

func newStubLayer(w, h int) *stubLayer {
	l := &stubLayer{w: w, h: h, tiles: make([]world.TileIndex, w*h)}
	for i := range l.tiles {
		l.tiles[i] = world.TileAbsent
	}
	return l
}

func (l *stubLayer) SetVisible(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visible = v
}

func (l *stubLayer) SetPosition(px, py float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.px, l.py = px, py
}

func (l *stubLayer) PutTilesAt(g world.TileGrid, i, j int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for y := 0; y < g.Height(); y++ {
		for x := 0; x < g.Width(); x++ {
			if i+x >= 0 && j+y >= 0 && i+x < l.w && j+y < l.h {
				l.tiles[(j+y)*l.w+i+x] = g.At(x, y)
			}
		}
	}
}

func (l *stubLayer) TileAt(i, j int) world.TileIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || j < 0 || i >= l.w || j >= l.h {
		return world.TileAbsent
	}
	return l.tiles[j*l.w+i]
}

func (l *stubLayer) PutTileAt(idx world.TileIndex, i, j int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= 0 && j >= 0 && i < l.w && j < l.h {
		l.tiles[j*l.w+i] = idx
	}
}

func (l *stubLayer) Bounds() stream.Rect {
	l.mu.Lock()
	defer l.mu.Unlock()
	return stream.Rect{Left: l.px, Top: l.py, Right: l.px + float64(l.w)*32, Bottom: l.py + float64(l.h)*32}
}

func (l *stubLayer) WorldToTile(px, py float64) (int, int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := int(math.Floor((px - l.px) / 32))
	j := int(math.Floor((py - l.py) / 32))
	if i < 0 || j < 0 || i >= l.w || j >= l.h {
		return 0, 0, false
	}
	return i, j, true
}

func newTestEditor(t *testing.T, dir string) *Editor {
	t.Helper()
	conf := Config{
		DataDir: dir,
		Stream: stream.Config{
			TileSize:     32,
			LayerFactory: func(w, h int) stream.TileLayer { return newStubLayer(w, h) },
			// Keep the engine's own tick out of the way.
			FastInterval:   time.Hour,
			MediumInterval: time.Hour,
			SlowInterval:   time.Hour,
		},
	}
	e, err := New(conf, stubCamera{})
	if err != nil {
		t.Fatalf("create editor: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEditorUpdateTileRoutesToStoreAndEngine(t *testing.T) {
	dir := t.TempDir()
	e := newTestEditor(t, dir)

	// The safe zone only exists once the initial centred generation applied.
	deadline := time.Now().Add(time.Second * 5)
	for !e.Engine().CameraInSafeZone() {
		if time.Now().After(deadline) {
			t.Fatalf("initial generation did not complete")
		}
		time.Sleep(time.Millisecond * 2)
	}

	if err := e.UpdateTile(1, 1, 6); err != nil {
		t.Fatalf("update tile: %v", err)
	}
	// The edit is visible immediately.
	if idx, ok := e.Engine().TileAtWorldPixel(33, 33); !ok || idx != 6 {
		t.Fatalf("expected edited tile visible, got %v (ok: %v)", idx, ok)
	}
	// And persisted through the store.
	if idx, err := e.Store().TileAt(world.CurrentLevel, 1, 1); err != nil || idx != 6 {
		t.Fatalf("expected edited tile persisted, got %v (err: %v)", idx, err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close editor: %v", err)
	}

	// The edit survives a full editor restart.
	e = newTestEditor(t, dir)
	if idx, err := e.Store().TileAt(world.CurrentLevel, 1, 1); err != nil || idx != 6 {
		t.Fatalf("expected tile after restart, got %v (err: %v)", idx, err)
	}
}

func TestEditorSetLevelSwitchesStoreAndEngine(t *testing.T) {
	e := newTestEditor(t, t.TempDir())
	if err := e.SetLevel(3); err != nil {
		t.Fatalf("set level: %v", err)
	}
	index, err := e.Store().CurrentLevelIndex()
	if err != nil {
		t.Fatalf("read level index: %v", err)
	}
	if index != 3 {
		t.Fatalf("expected current level 3, got %v", index)
	}
}
