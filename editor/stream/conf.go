package stream

import (
	"log/slog"
	"time"
)

// Config contains the options for creating a streaming Engine.
type Config struct {
	// Log is the logger generation failures are reported to. If nil, Log is
	// set to slog.Default().
	Log *slog.Logger
	// TileSize is the edge length of one world tile in pixels. It must be
	// positive.
	TileSize int
	// MinZoom is the smallest zoom factor the camera can reach. The buffer
	// dimensions are chosen so that the buffer covers at least two visible
	// viewports at this zoom. It defaults to 1.
	MinZoom float64
	// LayerFactory creates the two tile layers the engine double-buffers
	// between. It is called exactly twice, with the computed buffer
	// dimensions.
	LayerFactory func(w, h int) TileLayer

	// SafeZoneRatio is the size of the rest safe zone relative to the active
	// buffer's pixel extent. It defaults to 0.4.
	SafeZoneRatio float64
	// VelocitySmoothing is the EMA weight of the previous velocity when a
	// new sample arrives. It defaults to 0.7.
	VelocitySmoothing float64
	// StopThreshold is the speed in px/ms at or below which the camera is
	// deemed stopped. It defaults to 0.5.
	StopThreshold float64
	// MaxSpeed is the hard clamp applied to each smoothed velocity
	// component, in px/ms. It defaults to 10.
	MaxSpeed float64
	// TeleportThreshold is the instantaneous speed in px/ms above which a
	// camera delta is treated as a teleport rather than motion. It defaults
	// to 20.
	TeleportThreshold float64
	// PredictionTime is the horizon the camera position is extrapolated
	// over. It defaults to 300ms.
	PredictionTime time.Duration
	// BaseThreshold and AggressiveThreshold are the edge-trigger fractions
	// of the buffer extent for the non-dominant and dominant motion axis.
	// They default to 0.33 and 0.50.
	BaseThreshold       float64
	AggressiveThreshold float64
	// DominanceRatio decides axis dominance: an axis dominates when its
	// direction component exceeds the other's by this factor. It defaults
	// to 1.2.
	DominanceRatio float64
	// CenterDebounce is the stillness period after a stop before the buffer
	// is re-centred on the camera. It defaults to 600ms.
	CenterDebounce time.Duration

	// FastInterval, MediumInterval and SlowInterval are the adaptive tick
	// rates used above FastSpeed, above StopThreshold and at rest. They
	// default to 50ms, 100ms and 200ms.
	FastInterval   time.Duration
	MediumInterval time.Duration
	SlowInterval   time.Duration
	// FastSpeed is the speed in px/ms above which the fast tick interval is
	// used. It defaults to 2.
	FastSpeed float64
}

func (conf Config) withDefaults() Config {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	if conf.MinZoom <= 0 {
		conf.MinZoom = 1
	}
	if conf.SafeZoneRatio <= 0 {
		conf.SafeZoneRatio = 0.4
	}
	if conf.VelocitySmoothing <= 0 {
		conf.VelocitySmoothing = 0.7
	}
	if conf.StopThreshold <= 0 {
		conf.StopThreshold = 0.5
	}
	if conf.MaxSpeed <= 0 {
		conf.MaxSpeed = 10
	}
	if conf.TeleportThreshold <= 0 {
		conf.TeleportThreshold = 20
	}
	if conf.PredictionTime <= 0 {
		conf.PredictionTime = time.Millisecond * 300
	}
	if conf.BaseThreshold <= 0 {
		conf.BaseThreshold = 0.33
	}
	if conf.AggressiveThreshold <= 0 {
		conf.AggressiveThreshold = 0.50
	}
	if conf.DominanceRatio <= 0 {
		conf.DominanceRatio = 1.2
	}
	if conf.CenterDebounce <= 0 {
		conf.CenterDebounce = time.Millisecond * 600
	}
	if conf.FastInterval <= 0 {
		conf.FastInterval = time.Millisecond * 50
	}
	if conf.MediumInterval <= 0 {
		conf.MediumInterval = time.Millisecond * 100
	}
	if conf.SlowInterval <= 0 {
		conf.SlowInterval = time.Millisecond * 200
	}
	if conf.FastSpeed <= 0 {
		conf.FastSpeed = 2
	}
	return conf
}
