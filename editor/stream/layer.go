package stream

import (
	"context"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/tilesmith/tilesmith/editor/world"
)

// Rect is an axis-aligned rectangle in world pixels.
type Rect struct {
	Left, Top, Right, Bottom float64
}

// Width returns the horizontal extent of the rectangle.
func (r Rect) Width() float64 {
	return r.Right - r.Left
}

// Height returns the vertical extent of the rectangle.
func (r Rect) Height() float64 {
	return r.Bottom - r.Top
}

// Contains reports if the point (x, y) lies within the rectangle.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.Left && x < r.Right && y >= r.Top && y < r.Bottom
}

// Camera is the read-only view the engine keeps centred on. Methods are
// called synchronously: from New, and under the engine lock from the tick,
// generation completions and the engine's public methods, which may run on
// different goroutines.
type Camera interface {
	// Center returns the camera centre in world pixels.
	Center() mgl64.Vec2
	// WorldView returns the world-pixel rectangle currently visible.
	WorldView() Rect
	// ViewSize returns the camera extent in screen pixels.
	ViewSize() (w, h float64)
	// Zoom returns the current zoom factor.
	Zoom() float64
}

// TileLayer is one renderable tile buffer the engine draws into. Two layers
// are created at engine construction and alternate between the visible and
// scratch role.
type TileLayer interface {
	SetVisible(visible bool)
	// SetPosition moves the layer so that its cell (0, 0) starts at the
	// world pixel (px, py).
	SetPosition(px, py float64)
	// PutTilesAt blits a grid into the layer with its top-left at cell
	// (i, j).
	PutTilesAt(g world.TileGrid, i, j int)
	// TileAt returns the tile at the layer cell (i, j).
	TileAt(i, j int) world.TileIndex
	// PutTileAt overwrites the single layer cell (i, j).
	PutTileAt(idx world.TileIndex, i, j int)
	// Bounds returns the layer's current extent in world pixels.
	Bounds() Rect
	// WorldToTile converts a world pixel to a layer cell. ok is false iff
	// the pixel lies outside the layer's pixel extent.
	WorldToTile(px, py float64) (i, j int, ok bool)
}

// TileSource serves rectangular window reads of the persistent world. It is
// satisfied by *world.Store.
type TileSource interface {
	TileLayerData(ctx context.Context, level, w, h int, offX, offY int32) (world.TileGrid, error)
}
