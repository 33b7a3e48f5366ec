// Package editor assembles the core of the infinite-tilemap editor: the
// persistent world store, the tile streaming engine and the attention
// scheduler.
package editor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tilesmith/tilesmith/editor/attention"
	"github.com/tilesmith/tilesmith/editor/stream"
	"github.com/tilesmith/tilesmith/editor/world"
)

// Editor owns the three core subsystems for the lifetime of the process.
// The store is the only owner of persisted state; the engine and scheduler
// read and write it exclusively through its request interface.
type Editor struct {
	log    *slog.Logger
	store  *world.Store
	engine *stream.Engine
	sched  *attention.Scheduler
}

// New opens the store under conf.DataDir, waits for its persisted state to
// load, and constructs the streaming engine around the camera and the
// scheduler on top of the store.
func New(conf Config, cam stream.Camera) (*Editor, error) {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	if conf.DataDir == "" {
		conf.DataDir = "world"
	}

	store := world.Open(world.Config{
		Log:              conf.Log,
		Path:             conf.DataDir,
		AutoSaveInterval: conf.AutoSaveInterval,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := store.WaitReady(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("editor: open store: %w", err)
	}

	conf.Stream.Log = conf.Log
	engine, err := stream.New(cam, store, conf.Stream)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	conf.Attention.Log = conf.Log
	conf.Attention.Store = store
	sched, err := attention.New(conf.Attention)
	if err != nil {
		engine.Destroy()
		_ = store.Close()
		return nil, err
	}

	return &Editor{log: conf.Log, store: store, engine: engine, sched: sched}, nil
}

// Store returns the persistent world store.
func (e *Editor) Store() *world.Store {
	return e.store
}

// Engine returns the tile streaming engine.
func (e *Editor) Engine() *stream.Engine {
	return e.engine
}

// Scheduler returns the attention scheduler.
func (e *Editor) Scheduler() *attention.Scheduler {
	return e.sched
}

// UpdateTile applies a tile edit on the current level: it is persisted
// through the store and, if the cell is within the active buffer, shown
// immediately.
func (e *Editor) UpdateTile(x, y int32, idx world.TileIndex) error {
	if err := e.store.SetTile(world.CurrentLevel, x, y, idx); err != nil {
		return err
	}
	e.engine.UpdateTile(x, y, idx)
	return nil
}

// SetLevel switches the editor to another level, both in the persisted meta
// state and in the displayed buffers.
func (e *Editor) SetLevel(index int) error {
	if err := e.store.SetCurrentLevelIndex(index); err != nil {
		return err
	}
	e.engine.SetLevel(index)
	return nil
}

// Close shuts the subsystems down in dependency order: the engine first so
// no generation is issued against a closing store, then the scheduler, then
// the store, which flushes all unsaved edits.
func (e *Editor) Close() error {
	e.engine.Destroy()
	e.sched.Close()
	return e.store.Close()
}
