package world

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/df-mc/goleveldb/leveldb"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s := Open(Config{Path: path})
	t.Cleanup(func() { _ = s.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("store did not become ready: %v", err)
	}
	return s
}

func TestTileRoundTripAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	if err := s.SetTile(0, 3, -4, 7); err != nil {
		t.Fatalf("set tile: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s = openTestStore(t, dir)
	idx, err := s.TileAt(0, 3, -4)
	if err != nil {
		t.Fatalf("read tile: %v", err)
	}
	if idx != 7 {
		t.Fatalf("expected tile 7 after reopen, got %v", idx)
	}
}

func TestWindowMatchesPointReads(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	edits := []TileEdit{
		{Pos: TilePos{-2, -2}, Index: 1},
		{Pos: TilePos{0, 0}, Index: 2},
		{Pos: TilePos{3, 1}, Index: 5},
		{Pos: TilePos{-1, 2}, Index: 9},
	}
	if err := s.SetTiles(0, edits); err != nil {
		t.Fatalf("set tiles: %v", err)
	}

	grid, err := s.TileLayerData(context.Background(), 0, 8, 8, -3, -3)
	if err != nil {
		t.Fatalf("window read: %v", err)
	}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			point, err := s.TileAt(0, int32(x)-3, int32(y)-3)
			if err != nil {
				t.Fatalf("point read: %v", err)
			}
			if got := grid.At(x, y); got != point {
				t.Fatalf("cell (%v, %v): window read %v, point read %v", x, y, got, point)
			}
		}
	}
}

func TestSetTileAbsentDeletesCell(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	if err := s.SetTile(2, 1, 1, 4); err != nil {
		t.Fatalf("set tile: %v", err)
	}
	if err := s.SetTile(2, 1, 1, TileAbsent); err != nil {
		t.Fatalf("delete tile: %v", err)
	}
	if count, _ := s.TileCount(2); count != 0 {
		t.Fatalf("expected empty level, got %v tiles", count)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	_ = s.Close()

	s = openTestStore(t, dir)
	levels, err := s.Levels()
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	if len(levels) != 0 {
		t.Fatalf("expected no stored levels, got %v", levels)
	}
}

func TestSetTilesRejectsBatchAtomically(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	edits := []TileEdit{
		{Pos: TilePos{1, 1}, Index: 4},
		{Pos: TilePos{1 << 20, 0}, Index: 5},
	}
	if err := s.SetTiles(0, edits); !errors.Is(err, ErrPosOutOfRange) {
		t.Fatalf("expected ErrPosOutOfRange, got %v", err)
	}
	// The in-range edit ahead of the invalid one was not applied either.
	if idx, _ := s.TileAt(0, 1, 1); idx != TileAbsent {
		t.Fatalf("expected rejected batch to leave the level untouched, got %v", idx)
	}
	if count, _ := s.TileCount(0); count != 0 {
		t.Fatalf("expected empty level after rejected batch, got %v tiles", count)
	}
}

func TestCurrentLevelRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	if err := s.SetCurrentLevelIndex(5); err != nil {
		t.Fatalf("set level index: %v", err)
	}
	if err := s.SetTile(CurrentLevel, 0, 0, 11); err != nil {
		t.Fatalf("set tile on current level: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	_ = s.Close()

	s = openTestStore(t, dir)
	index, err := s.CurrentLevelIndex()
	if err != nil {
		t.Fatalf("current level: %v", err)
	}
	if index != 5 {
		t.Fatalf("expected current level 5, got %v", index)
	}
	if idx, _ := s.TileAt(5, 0, 0); idx != 11 {
		t.Fatalf("expected tile on level 5, got %v", idx)
	}
}

func TestTaskRoundTripAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	ids, err := s.PushTasks(PoolPending, []Task{{
		Kind:     "excavate",
		Cost:     2,
		Duration: time.Minute,
		Payload:  json.RawMessage(`{"target":"vault"}`),
	}})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(ids) != 1 || ids[0] == "" {
		t.Fatalf("expected one generated id, got %v", ids)
	}
	if err := s.MoveTask(ids[0], PoolPending, PoolActive); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := s.UpdateActiveProgress([]TaskProgress{{ID: ids[0], Elapsed: time.Second * 12}}); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	_ = s.Close()

	s = openTestStore(t, dir)
	pools, err := s.AllTasks()
	if err != nil {
		t.Fatalf("all tasks: %v", err)
	}
	active := pools[PoolActive]
	if len(active) != 1 {
		t.Fatalf("expected one active task after reopen, got %+v", pools)
	}
	got := active[0]
	if got.ID != ids[0] || got.Kind != "excavate" || got.Cost != 2 {
		t.Fatalf("task did not survive reopen: %+v", got)
	}
	if got.Elapsed != time.Second*12 {
		t.Fatalf("expected persisted progress, got %v", got.Elapsed)
	}
	if string(got.Payload) != `{"target":"vault"}` {
		t.Fatalf("payload did not survive reopen: %s", got.Payload)
	}
}

func TestEmptyPoolsAreDeleted(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	ids, err := s.PushTasks(PoolPending, []Task{{Kind: "dig", Cost: 1, Duration: time.Minute}})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := s.RemoveTask(ids[0], PoolPending); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	_ = s.Close()

	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		t.Fatalf("open raw database: %v", err)
	}
	defer db.Close()
	if _, err := db.Get([]byte(taskKey(PoolPending)), nil); !errors.Is(err, leveldb.ErrNotFound) {
		t.Fatalf("expected empty pool to be deleted, got err %v", err)
	}
}

func TestMoveTaskUnknownID(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	if err := s.MoveTask("missing", PoolPending, PoolActive); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	// Removal of unknown tasks is a no-op, not an error.
	if err := s.RemoveTask("missing", PoolActive); err != nil {
		t.Fatalf("expected remove of unknown task to be a no-op, got %v", err)
	}
}

func TestAttentionLimit(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	if err := s.SetAttentionLimit(-3); !errors.Is(err, ErrNegativeLimit) {
		t.Fatalf("expected ErrNegativeLimit, got %v", err)
	}
	if err := s.SetAttentionLimit(16); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	_ = s.Close()

	s = openTestStore(t, dir)
	limit, err := s.AttentionLimit()
	if err != nil {
		t.Fatalf("read limit: %v", err)
	}
	if limit != 16 {
		t.Fatalf("expected limit 16 after reopen, got %v", limit)
	}
}

func TestAutosaveCommitsWithoutFlush(t *testing.T) {
	s := Open(Config{Path: t.TempDir(), AutoSaveInterval: time.Millisecond * 30})
	t.Cleanup(func() { _ = s.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("store did not become ready: %v", err)
	}

	if err := s.SetTile(0, 1, 2, 3); err != nil {
		t.Fatalf("set tile: %v", err)
	}
	deadline := time.Now().Add(time.Second * 5)
	for {
		var dirty int
		if err := s.exec(func(s *Store) error {
			dirty = len(s.dirty)
			return nil
		}); err != nil {
			t.Fatalf("inspect store: %v", err)
		}
		if dirty == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("autosave did not commit the dirty level")
		}
		time.Sleep(time.Millisecond * 10)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.SetTile(0, 0, 0, 1); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	// Close stays idempotent.
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestLegacyTaskMigration(t *testing.T) {
	dir := t.TempDir()

	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		t.Fatalf("create legacy database: %v", err)
	}
	legacy := map[string][]taskRecord{
		"active":  {{ID: "a", Kind: "dig", Cost: 1, DurationMS: 60000, ElapsedMS: 1000}},
		"pending": {{ID: "b", Kind: "haul", Cost: 2, DurationMS: 30000}},
	}
	raw, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("encode legacy tasks: %v", err)
	}
	if err := db.Put([]byte(keyLegacyTasks), raw, nil); err != nil {
		t.Fatalf("write legacy tasks: %v", err)
	}
	if err := db.Put([]byte(keyVersion), binary.AppendUvarint(nil, 1), nil); err != nil {
		t.Fatalf("write legacy version: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close legacy database: %v", err)
	}

	s := openTestStore(t, dir)
	pools, err := s.AllTasks()
	if err != nil {
		t.Fatalf("all tasks: %v", err)
	}
	if len(pools[PoolActive]) != 1 || pools[PoolActive][0].ID != "a" {
		t.Fatalf("expected migrated active task, got %+v", pools)
	}
	if len(pools[PoolPending]) != 1 || pools[PoolPending][0].ID != "b" {
		t.Fatalf("expected migrated pending task, got %+v", pools)
	}
	_ = s.Close()

	db, err = leveldb.OpenFile(dir, nil)
	if err != nil {
		t.Fatalf("reopen raw database: %v", err)
	}
	defer db.Close()
	if _, err := db.Get([]byte(keyLegacyTasks), nil); !errors.Is(err, leveldb.ErrNotFound) {
		t.Fatalf("expected legacy key to be dropped, got err %v", err)
	}
}

func TestSchemaTooNew(t *testing.T) {
	dir := t.TempDir()

	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		t.Fatalf("create database: %v", err)
	}
	if err := db.Put([]byte(keyVersion), binary.AppendUvarint(nil, schemaVersion+1), nil); err != nil {
		t.Fatalf("write version: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close database: %v", err)
	}

	s := Open(Config{Path: dir})
	t.Cleanup(func() { _ = s.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := s.WaitReady(ctx); !errors.Is(err, ErrSchemaTooNew) {
		t.Fatalf("expected ErrSchemaTooNew, got %v", err)
	}
	if err := s.SetTile(0, 0, 0, 1); err == nil {
		t.Fatalf("expected requests against a failed store to error")
	}
}

func TestCorruptLevelReadsEmpty(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	if err := s.SetTile(0, 4, 4, 9); err != nil {
		t.Fatalf("set tile: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	_ = s.Close()

	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		t.Fatalf("open raw database: %v", err)
	}
	raw, err := db.Get([]byte(levelKey(0)), nil)
	if err != nil {
		t.Fatalf("read level blob: %v", err)
	}
	raw = append([]byte(nil), raw...)
	raw[0] ^= 0xff
	if err := db.Put([]byte(levelKey(0)), raw, nil); err != nil {
		t.Fatalf("write corrupted blob: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close raw database: %v", err)
	}

	s = openTestStore(t, dir)
	idx, err := s.TileAt(0, 4, 4)
	if err != nil {
		t.Fatalf("read tile: %v", err)
	}
	if idx != TileAbsent {
		t.Fatalf("expected corrupt level to read empty, got %v", idx)
	}
}
