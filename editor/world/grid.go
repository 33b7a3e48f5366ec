package world

// TileGrid is a rectangular, row-major window of tile indices. It is the
// value exchanged between the store and the streaming engine: a read of a
// W×H window of the world, where cells never written hold TileAbsent.
type TileGrid struct {
	w, h  int
	tiles []TileIndex
}

// NewTileGrid creates a w×h grid with every cell set to TileAbsent.
// Non-positive dimensions yield an empty grid.
func NewTileGrid(w, h int) TileGrid {
	if w <= 0 || h <= 0 {
		return TileGrid{}
	}
	tiles := make([]TileIndex, w*h)
	for i := range tiles {
		tiles[i] = TileAbsent
	}
	return TileGrid{w: w, h: h, tiles: tiles}
}

// Width returns the width of the grid in cells.
func (g TileGrid) Width() int {
	return g.w
}

// Height returns the height of the grid in cells.
func (g TileGrid) Height() int {
	return g.h
}

// At returns the tile index at the cell (x, y). Cells outside the grid read
// as TileAbsent.
func (g TileGrid) At(x, y int) TileIndex {
	if x < 0 || y < 0 || x >= g.w || y >= g.h {
		return TileAbsent
	}
	return g.tiles[y*g.w+x]
}

// Set sets the tile index at the cell (x, y). Writes outside the grid are
// no-ops.
func (g TileGrid) Set(x, y int, idx TileIndex) {
	if x < 0 || y < 0 || x >= g.w || y >= g.h {
		return
	}
	g.tiles[y*g.w+x] = idx
}
