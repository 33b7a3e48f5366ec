package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brentp/intintmap"
	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/util"
	"github.com/google/uuid"
	"github.com/segmentio/fasthash/fnv1a"
)

// CurrentLevel may be passed as the level index of any tile operation to
// address the level the editor currently has open.
const CurrentLevel = -1

// ErrStoreClosed is returned by store operations issued after Close.
var ErrStoreClosed = errors.New("world: store closed")

// ErrUnknownTask is returned when a task operation names an id that is not in
// the pool it addresses.
var ErrUnknownTask = errors.New("world: unknown task")

// ErrNegativeLimit is returned when a negative attention limit is stored.
var ErrNegativeLimit = errors.New("world: attention limit must not be negative")

// TileEdit is one cell write of a batched SetTiles call.
type TileEdit struct {
	Pos   TilePos
	Index TileIndex
}

// Config contains the options for opening a Store.
type Config struct {
	// Log is the logger the store reports autosave failures and corrupt data
	// to. If nil, Log is set to slog.Default().
	Log *slog.Logger
	// Path is the directory the backing database lives in. It is created if
	// it does not exist yet.
	Path string
	// AutoSaveInterval is the trailing throttle between the first unsaved
	// edit and the automatic commit that persists it. It defaults to 30
	// seconds. Flush always commits immediately regardless of the interval.
	AutoSaveInterval time.Duration
}

// Store owns the persistent world state: the sparse tile maps of every
// level, the editor meta state, the attention budget and the four task
// pools. All state is owned by a single goroutine; public methods are
// requests served in FIFO order, so callers never hold references into the
// store's internal maps.
type Store struct {
	conf Config
	log  *slog.Logger
	db   *leveldb.DB

	queue     chan request
	stoppedCh chan struct{}
	closeOnce sync.Once
	closeErr  error

	ready   chan struct{}
	loadErr error

	levels         map[int]*intintmap.Map
	currentLevel   int
	attentionLimit int
	taskPools      map[PoolKind][]Task

	// dirty holds the database keys of categories with unsaved edits. saved
	// tracks, per key, what the database currently holds so that commits can
	// skip categories whose encoded payload did not actually change.
	dirty       map[string]struct{}
	saved       map[string]savedState
	saveTimer   *time.Timer
	savePending bool
	quit        bool
}

// savedState records what a commit last wrote for one key: whether the key
// exists at all and, if so, the content hash of its payload.
type savedState struct {
	present bool
	hash    uint64
}

type request struct {
	f    func(*Store) error
	resp chan error
	// always requests run even when the store failed to load, so that Close
	// can still shut the worker down.
	always bool
}

// Open opens the store at conf.Path and starts its worker goroutine. Open
// returns immediately; use WaitReady to wait for the persisted state to be
// loaded. A failure to load, including a schema upgrade failure, is fatal
// for the store and reported by WaitReady and every subsequent request.
func Open(conf Config) *Store {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	if conf.AutoSaveInterval <= 0 {
		conf.AutoSaveInterval = time.Second * 30
	}
	s := &Store{
		conf:      conf,
		log:       conf.Log,
		queue:     make(chan request),
		stoppedCh: make(chan struct{}),
		ready:     make(chan struct{}),
		levels:    make(map[int]*intintmap.Map),
		taskPools: make(map[PoolKind][]Task),
		dirty:     make(map[string]struct{}),
		saved:     make(map[string]savedState),
	}
	s.saveTimer = time.NewTimer(conf.AutoSaveInterval)
	if !s.saveTimer.Stop() {
		<-s.saveTimer.C
	}
	go s.run()
	return s
}

// WaitReady blocks until the store has loaded its persisted state, the
// loading failed, or ctx is cancelled.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) run() {
	s.loadErr = s.load()
	close(s.ready)

	for {
		select {
		case req := <-s.queue:
			req.resp <- s.handle(req)
			if s.quit {
				s.drain()
				return
			}
		case <-s.saveTimer.C:
			s.savePending = false
			if err := s.commitDirty(); err != nil {
				s.log.Error("world: autosave failed.", "err", err)
				// Dirty flags stay set; retry on the next interval.
				s.savePending = true
				s.saveTimer.Reset(s.conf.AutoSaveInterval)
			}
		}
	}
}

func (s *Store) handle(req request) error {
	if s.loadErr != nil && !req.always {
		return fmt.Errorf("world: store unavailable: %w", s.loadErr)
	}
	return req.f(s)
}

// drain rejects requests that raced with Close until no sender is left.
func (s *Store) drain() {
	close(s.stoppedCh)
	for {
		select {
		case req := <-s.queue:
			req.resp <- ErrStoreClosed
		default:
			return
		}
	}
}

func (s *Store) exec(f func(*Store) error) error {
	return s.execReq(context.Background(), request{f: f, resp: make(chan error, 1)})
}

func (s *Store) execCtx(ctx context.Context, f func(*Store) error) error {
	return s.execReq(ctx, request{f: f, resp: make(chan error, 1)})
}

func (s *Store) execReq(ctx context.Context, req request) error {
	select {
	case s.queue <- req:
	case <-s.stoppedCh:
		return ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes all unsaved edits and closes the backing database. Close is
// idempotent; requests issued after it return ErrStoreClosed.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		req := request{resp: make(chan error, 1), always: true}
		req.f = func(s *Store) error {
			s.quit = true
			s.saveTimer.Stop()
			err := s.commitDirty()
			if s.db != nil {
				err = errors.Join(err, s.db.Close())
			}
			return err
		}
		s.closeErr = s.execReq(context.Background(), req)
		if errors.Is(s.closeErr, ErrStoreClosed) {
			s.closeErr = nil
		}
	})
	return s.closeErr
}

// Flush cancels the pending autosave and commits every dirty category
// synchronously, surfacing the backend error to the caller.
func (s *Store) Flush() error {
	return s.exec(func(s *Store) error {
		if s.savePending {
			if !s.saveTimer.Stop() {
				<-s.saveTimer.C
			}
			s.savePending = false
		}
		return s.commitDirty()
	})
}

// TileLayerData reads a w×h window of the level, anchored at the world tile
// (offX, offY). Cells that hold no tile, including cells outside the
// storable coordinate range, read as TileAbsent.
func (s *Store) TileLayerData(ctx context.Context, level, w, h int, offX, offY int32) (TileGrid, error) {
	var grid TileGrid
	err := s.execCtx(ctx, func(s *Store) error {
		grid = NewTileGrid(w, h)
		tiles, ok := s.levels[s.resolveLevel(level)]
		if !ok {
			return nil
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				key, err := PackPos(TilePos{offX + int32(x), offY + int32(y)})
				if err != nil {
					continue
				}
				if v, ok := tiles.Get(int64(key)); ok {
					grid.Set(x, y, TileIndex(v))
				}
			}
		}
		return nil
	})
	return grid, err
}

// TileAt returns the tile stored at the world cell (x, y) of the level, or
// TileAbsent if the cell holds no tile.
func (s *Store) TileAt(level int, x, y int32) (TileIndex, error) {
	idx := TileAbsent
	err := s.exec(func(s *Store) error {
		tiles, ok := s.levels[s.resolveLevel(level)]
		if !ok {
			return nil
		}
		key, err := PackPos(TilePos{x, y})
		if err != nil {
			return nil
		}
		if v, ok := tiles.Get(int64(key)); ok {
			idx = TileIndex(v)
		}
		return nil
	})
	return idx, err
}

// SetTile writes one world cell of the level. Writing TileAbsent deletes the
// cell. The edit is persisted by the next autosave or Flush.
func (s *Store) SetTile(level int, x, y int32, idx TileIndex) error {
	return s.SetTiles(level, []TileEdit{{Pos: TilePos{x, y}, Index: idx}})
}

// SetTiles applies a batch of cell writes to the level in order. The batch
// is validated as a whole: an out-of-range position rejects it before any
// cell is written.
func (s *Store) SetTiles(level int, edits []TileEdit) error {
	return s.exec(func(s *Store) error {
		keys := make([]uint32, len(edits))
		for i, e := range edits {
			key, err := PackPos(e.Pos)
			if err != nil {
				return err
			}
			keys[i] = key
		}
		if len(edits) == 0 {
			return nil
		}
		index := s.resolveLevel(level)
		tiles := s.levelTiles(index)
		for i, e := range edits {
			if e.Index == TileAbsent {
				tiles.Del(int64(keys[i]))
			} else {
				tiles.Put(int64(keys[i]), int64(e.Index))
			}
		}
		s.markDirty(levelKey(index))
		return nil
	})
}

// TileCount returns the number of tiles stored in the level.
func (s *Store) TileCount(level int) (int, error) {
	var count int
	err := s.exec(func(s *Store) error {
		if tiles, ok := s.levels[s.resolveLevel(level)]; ok {
			count = tiles.Size()
		}
		return nil
	})
	return count, err
}

// Levels returns the indices of all levels that hold at least one tile.
func (s *Store) Levels() ([]int, error) {
	var indices []int
	err := s.exec(func(s *Store) error {
		for index, tiles := range s.levels {
			if tiles.Size() > 0 {
				indices = append(indices, index)
			}
		}
		return nil
	})
	return indices, err
}

// CurrentLevelIndex returns the index of the level the editor has open.
func (s *Store) CurrentLevelIndex() (int, error) {
	var index int
	err := s.exec(func(s *Store) error {
		index = s.currentLevel
		return nil
	})
	return index, err
}

// SetCurrentLevelIndex records the level the editor has open.
func (s *Store) SetCurrentLevelIndex(index int) error {
	return s.exec(func(s *Store) error {
		if s.currentLevel == index {
			return nil
		}
		s.currentLevel = index
		s.markDirty(keyMeta)
		return nil
	})
}

// AllTasks returns a copy of every persisted task pool.
func (s *Store) AllTasks() (map[PoolKind][]Task, error) {
	var all map[PoolKind][]Task
	err := s.exec(func(s *Store) error {
		all = make(map[PoolKind][]Task, len(pools))
		for _, pool := range pools {
			if tasks := s.taskPools[pool]; len(tasks) > 0 {
				all[pool] = append([]Task(nil), tasks...)
			}
		}
		return nil
	})
	return all, err
}

// PushTasks appends tasks to the pool, assigning a fresh id to every task
// that does not carry one, and returns the ids in order.
func (s *Store) PushTasks(pool PoolKind, tasks []Task) ([]TaskID, error) {
	var ids []TaskID
	err := s.exec(func(s *Store) error {
		ids = make([]TaskID, 0, len(tasks))
		for _, t := range tasks {
			if t.ID == "" {
				t.ID = TaskID(uuid.NewString())
			}
			s.taskPools[pool] = append(s.taskPools[pool], t)
			ids = append(ids, t.ID)
		}
		if len(tasks) > 0 {
			s.markDirty(taskKey(pool))
		}
		return nil
	})
	return ids, err
}

// MoveTask moves the task with the id from one pool to another, appending it
// to the destination. Moving an id that is not in the source pool returns
// ErrUnknownTask.
func (s *Store) MoveTask(id TaskID, from, to PoolKind) error {
	return s.exec(func(s *Store) error {
		t, ok := s.takeTask(id, from)
		if !ok {
			return fmt.Errorf("%w: %v in %v pool", ErrUnknownTask, id, from)
		}
		s.taskPools[to] = append(s.taskPools[to], t)
		s.markDirty(taskKey(from))
		s.markDirty(taskKey(to))
		return nil
	})
}

// RemoveTask deletes the task with the id from the pool. Removing an id that
// is not in the pool is a no-op.
func (s *Store) RemoveTask(id TaskID, from PoolKind) error {
	return s.exec(func(s *Store) error {
		if _, ok := s.takeTask(id, from); !ok {
			s.log.Debug("world: remove of unknown task.", "id", id, "pool", from.String())
			return nil
		}
		s.markDirty(taskKey(from))
		return nil
	})
}

// UpdateActiveProgress records new elapsed times for tasks in the active
// pool. Unknown ids are skipped.
func (s *Store) UpdateActiveProgress(progress []TaskProgress) error {
	return s.exec(func(s *Store) error {
		active := s.taskPools[PoolActive]
		changed := false
		for _, p := range progress {
			for i := range active {
				if active[i].ID == p.ID {
					active[i].Elapsed = p.Elapsed
					changed = true
					break
				}
			}
		}
		if changed {
			s.markDirty(taskKey(PoolActive))
		}
		return nil
	})
}

// AttentionLimit returns the persisted attention coefficient.
func (s *Store) AttentionLimit() (int, error) {
	var limit int
	err := s.exec(func(s *Store) error {
		limit = s.attentionLimit
		return nil
	})
	return limit, err
}

// SetAttentionLimit stores the attention coefficient. Negative limits are
// rejected.
func (s *Store) SetAttentionLimit(limit int) error {
	return s.exec(func(s *Store) error {
		if limit < 0 {
			return ErrNegativeLimit
		}
		if s.attentionLimit == limit {
			return nil
		}
		s.attentionLimit = limit
		s.markDirty(keyAttention)
		return nil
	})
}

func (s *Store) resolveLevel(level int) int {
	if level == CurrentLevel {
		return s.currentLevel
	}
	return level
}

func (s *Store) levelTiles(index int) *intintmap.Map {
	tiles, ok := s.levels[index]
	if !ok {
		tiles = intintmap.New(64, 0.6)
		s.levels[index] = tiles
	}
	return tiles
}

func (s *Store) takeTask(id TaskID, pool PoolKind) (Task, bool) {
	tasks := s.taskPools[pool]
	for i, t := range tasks {
		if t.ID == id {
			s.taskPools[pool] = append(tasks[:i:i], tasks[i+1:]...)
			return t, true
		}
	}
	return Task{}, false
}

// markDirty flags a database key as having unsaved edits and arms the
// trailing autosave throttle. Later edits do not extend the timer: the
// commit happens one interval after the first unsaved edit.
func (s *Store) markDirty(key string) {
	s.dirty[key] = struct{}{}
	if !s.savePending {
		s.savePending = true
		s.saveTimer.Reset(s.conf.AutoSaveInterval)
	}
}

// commitDirty persists every dirty category in one atomic batch. Categories
// whose encoded payload matches what the database already holds are skipped,
// so a commit after quiescence performs no writes at all. On failure the
// dirty set is left untouched for a later retry.
func (s *Store) commitDirty() error {
	if len(s.dirty) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	staged := make(map[string]savedState, len(s.dirty))
	for key := range s.dirty {
		payload, drop, err := s.encodeCategory(key)
		if err != nil {
			return fmt.Errorf("encode %v: %w", key, err)
		}
		prev := s.saved[key]
		if drop {
			if !prev.present {
				continue
			}
			batch.Delete([]byte(key))
			staged[key] = savedState{}
			continue
		}
		hash := fnv1a.HashBytes64(payload)
		if prev.present && prev.hash == hash {
			continue
		}
		batch.Put([]byte(key), payload)
		staged[key] = savedState{present: true, hash: hash}
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
	}
	for key, state := range staged {
		s.saved[key] = state
	}
	clear(s.dirty)
	return nil
}

// encodeCategory serialises the current state of one database key. drop is
// true when the category is an empty collection, which is deleted rather
// than written as an empty object.
func (s *Store) encodeCategory(key string) (payload []byte, drop bool, err error) {
	switch {
	case key == keyMeta:
		payload, err = json.Marshal(metaState{CurrentLevelIndex: s.currentLevel})
		return payload, false, err
	case key == keyAttention:
		payload, err = json.Marshal(attentionState{AttentionLimit: s.attentionLimit})
		return payload, false, err
	case strings.HasPrefix(key, levelKeyPrefix):
		index, err := strconv.Atoi(key[len(levelKeyPrefix):])
		if err != nil {
			return nil, false, err
		}
		tiles, ok := s.levels[index]
		if !ok || tiles.Size() == 0 {
			return nil, true, nil
		}
		return encodeLevel(tiles), false, nil
	case strings.HasPrefix(key, taskKeyPrefix):
		pool, ok := poolByName(key[len(taskKeyPrefix):])
		if !ok {
			return nil, false, fmt.Errorf("unknown pool key %v", key)
		}
		tasks := s.taskPools[pool]
		if len(tasks) == 0 {
			return nil, true, nil
		}
		payload, err = encodeTasks(tasks)
		return payload, false, err
	}
	return nil, false, fmt.Errorf("unknown category key %v", key)
}

func poolByName(name string) (PoolKind, bool) {
	for _, pool := range pools {
		if pool.String() == name {
			return pool, true
		}
	}
	return 0, false
}

// load opens the database, runs schema migrations and reads the persisted
// state into memory. A failure here, including a schema upgrade failure, is
// fatal for the store.
func (s *Store) load() error {
	db, err := leveldb.OpenFile(s.conf.Path, nil)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return err
	}
	if err := s.loadState(db); err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	return nil
}

// loadState reads the persisted categories into memory and records their
// content hashes so that the first commit can skip unchanged payloads.
func (s *Store) loadState(db *leveldb.DB) error {
	if raw, err := db.Get([]byte(keyMeta), nil); err == nil {
		var meta metaState
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decode meta: %w", err)
		}
		s.currentLevel = meta.CurrentLevelIndex
		s.remember(keyMeta, raw)
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("read meta: %w", err)
	}

	if raw, err := db.Get([]byte(keyAttention), nil); err == nil {
		var att attentionState
		if err := json.Unmarshal(raw, &att); err != nil {
			return fmt.Errorf("decode attention state: %w", err)
		}
		s.attentionLimit = att.AttentionLimit
		s.remember(keyAttention, raw)
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("read attention state: %w", err)
	}

	for _, pool := range pools {
		key := taskKey(pool)
		raw, err := db.Get([]byte(key), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		} else if err != nil {
			return fmt.Errorf("read %v pool: %w", pool, err)
		}
		tasks, err := decodeTasks(raw)
		if err != nil {
			return fmt.Errorf("decode %v pool: %w", pool, err)
		}
		s.taskPools[pool] = tasks
		s.remember(key, raw)
	}

	it := db.NewIterator(util.BytesPrefix([]byte(levelKeyPrefix)), nil)
	defer it.Release()
	for it.Next() {
		key := string(it.Key())
		index, err := strconv.Atoi(key[len(levelKeyPrefix):])
		if err != nil {
			s.log.Warn("world: skipping malformed level key.", "key", key)
			continue
		}
		tiles, err := decodeLevel(it.Value())
		if err != nil {
			// A corrupt level must not take the whole store down: the level
			// reads as empty and is rewritten on its next edit.
			s.log.Error("world: corrupt level data, treating level as empty.", "level", index, "err", err)
			continue
		}
		s.levels[index] = tiles
		s.remember(key, it.Value())
	}
	return it.Error()
}

func (s *Store) remember(key string, raw []byte) {
	s.saved[key] = savedState{present: true, hash: fnv1a.HashBytes64(raw)}
}
