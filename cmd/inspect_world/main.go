// Command inspect_world opens the world database named by an editor config
// file and prints a summary of its contents: schema-backed levels and their
// tile counts, the current level, the attention limit and the task pools.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/tilesmith/tilesmith/editor"
	"github.com/tilesmith/tilesmith/editor/world"
)

func main() {
	path := "tilesmith.toml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	conf, err := editor.ReadUserConfig(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	store := world.Open(world.Config{
		Log:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Path: conf.Data.Dir,
	})
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := store.WaitReady(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	current, _ := store.CurrentLevelIndex()
	fmt.Printf("database: %v\ncurrent level: %v\n", conf.Data.Dir, current)

	levels, err := store.Levels()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	sort.Ints(levels)
	for _, index := range levels {
		count, _ := store.TileCount(index)
		fmt.Printf("level %v: %v tiles\n", index, count)
	}

	limit, _ := store.AttentionLimit()
	fmt.Printf("attention limit: %v\n", limit)

	pools, err := store.AllTasks()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, pool := range []world.PoolKind{world.PoolActive, world.PoolPaused, world.PoolResumed, world.PoolPending} {
		tasks := pools[pool]
		if len(tasks) == 0 {
			continue
		}
		fmt.Printf("%v tasks: %v\n", pool, len(tasks))
		for _, t := range tasks {
			fmt.Printf("  %v kind=%v cost=%v progress=%v/%v\n", t.ID, t.Kind, t.Cost, t.Elapsed, t.Duration)
		}
	}
}
