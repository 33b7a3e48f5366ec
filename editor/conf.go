package editor

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/tilesmith/tilesmith/editor/attention"
	"github.com/tilesmith/tilesmith/editor/stream"
)

// Config contains options for assembling the editor core.
type Config struct {
	// Log is the Logger to use for logging information. If nil, Log is set
	// to slog.Default().
	Log *slog.Logger
	// DataDir is the directory the world database lives in. It defaults to
	// "world".
	DataDir string
	// AutoSaveInterval is the trailing throttle of the store's autosave. It
	// defaults to 30 seconds.
	AutoSaveInterval time.Duration
	// Stream configures the tile streaming engine. Its TileSize and
	// LayerFactory must be set by the caller; the remaining knobs fall back
	// to their defaults.
	Stream stream.Config
	// Attention configures the task scheduler. Its Store field is filled in
	// by New.
	Attention attention.Config
}

// UserConfig is the editor configuration as present in its config file. It
// holds the file-expressible subset of Config; programmatic collaborators
// such as the layer factory are supplied separately.
type UserConfig struct {
	Data struct {
		// Dir is the directory the world database is stored in.
		Dir string
		// AutoSaveSeconds is the autosave throttle in seconds.
		AutoSaveSeconds int
	}
	Stream struct {
		// TileSize is the tile edge length in pixels.
		TileSize int
		// MinZoom is the smallest camera zoom factor.
		MinZoom float64
		// SafeZoneRatio is the rest safe zone size relative to the buffer.
		SafeZoneRatio float64
		// CenterDebounceMS is the stop-to-centre delay in milliseconds.
		CenterDebounceMS int
	}
	Attention struct {
		// AdmissionDebounceMS coalesces admission triggers, in milliseconds.
		AdmissionDebounceMS int
		// TickSeconds is the progression granularity in seconds.
		TickSeconds int
		// GreedyDelaySeconds is the greedy backfill delay in seconds.
		GreedyDelaySeconds int
	}
}

// DefaultConfig returns a UserConfig with the default values filled out.
func DefaultConfig() UserConfig {
	var conf UserConfig
	conf.Data.Dir = "world"
	conf.Data.AutoSaveSeconds = 30
	conf.Stream.TileSize = 32
	conf.Stream.MinZoom = 0.5
	conf.Stream.SafeZoneRatio = 0.4
	conf.Stream.CenterDebounceMS = 600
	conf.Attention.AdmissionDebounceMS = 100
	conf.Attention.TickSeconds = 1
	conf.Attention.GreedyDelaySeconds = 30
	return conf
}

// Config converts the user configuration to a Config usable with New.
func (uc UserConfig) Config(log *slog.Logger) Config {
	conf := Config{
		Log:              log,
		DataDir:          uc.Data.Dir,
		AutoSaveInterval: time.Duration(uc.Data.AutoSaveSeconds) * time.Second,
	}
	conf.Stream.Log = log
	conf.Stream.TileSize = uc.Stream.TileSize
	conf.Stream.MinZoom = uc.Stream.MinZoom
	conf.Stream.SafeZoneRatio = uc.Stream.SafeZoneRatio
	conf.Stream.CenterDebounce = time.Duration(uc.Stream.CenterDebounceMS) * time.Millisecond
	conf.Attention.Log = log
	conf.Attention.AdmissionDebounce = time.Duration(uc.Attention.AdmissionDebounceMS) * time.Millisecond
	conf.Attention.TickInterval = time.Duration(uc.Attention.TickSeconds) * time.Second
	conf.Attention.GreedyDelay = time.Duration(uc.Attention.GreedyDelaySeconds) * time.Second
	return conf
}

// ReadUserConfig reads the UserConfig stored in the TOML file at the path.
// If the file does not exist yet, it is created with the default
// configuration.
func ReadUserConfig(path string) (UserConfig, error) {
	conf := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		out, err := toml.Marshal(conf)
		if err != nil {
			return conf, fmt.Errorf("editor: encode default config: %w", err)
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return conf, fmt.Errorf("editor: create default config: %w", err)
		}
		return conf, nil
	} else if err != nil {
		return conf, fmt.Errorf("editor: read config: %w", err)
	}
	if err := toml.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("editor: decode config: %w", err)
	}
	return conf, nil
}
