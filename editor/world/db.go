package world

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/brentp/intintmap"
	"github.com/cespare/xxhash/v2"
	"github.com/df-mc/goleveldb/leveldb"
)

// schemaVersion is the current on-disk schema version. Versions only ever
// increase; opening a database written by a newer version fails.
const schemaVersion = 2

const (
	keyVersion   = "ver"
	keyMeta      = "meta"
	keyAttention = "attention"

	levelKeyPrefix = "level:"
	taskKeyPrefix  = "task:"

	// keyLegacyTasks held all four pools in a single object before schema
	// version 2 split them into per-pool keys.
	keyLegacyTasks = "tasks"
)

// ErrSchemaTooNew is returned from WaitReady when the database was written by
// a newer schema version than this build understands.
var ErrSchemaTooNew = errors.New("world: database schema newer than supported")

// errChecksum reports a level blob whose trailing checksum does not match its
// payload.
var errChecksum = errors.New("world: level data checksum mismatch")

func levelKey(index int) string {
	return levelKeyPrefix + strconv.Itoa(index)
}

func taskKey(pool PoolKind) string {
	return taskKeyPrefix + pool.String()
}

// metaState is the persisted shape of the editor meta data.
type metaState struct {
	CurrentLevelIndex int `json:"currentLevelIndex"`
}

// attentionState is the persisted shape of the attention budget.
type attentionState struct {
	AttentionLimit int `json:"attentionLimit"`
}

// taskRecord is the persisted shape of a Task. Durations are stored in
// milliseconds.
type taskRecord struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Cost       int             `json:"cost"`
	DurationMS int64           `json:"durationMs"`
	ElapsedMS  int64           `json:"elapsedMs"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// taskPool is the persisted shape of one task pool.
type taskPool struct {
	Tasks []taskRecord `json:"tasks"`
}

func recordOf(t Task) taskRecord {
	return taskRecord{
		ID:         string(t.ID),
		Kind:       t.Kind,
		Cost:       t.Cost,
		DurationMS: t.Duration.Milliseconds(),
		ElapsedMS:  t.Elapsed.Milliseconds(),
		Payload:    t.Payload,
	}
}

func (r taskRecord) task() Task {
	return Task{
		ID:       TaskID(r.ID),
		Kind:     r.Kind,
		Cost:     r.Cost,
		Duration: time.Duration(r.DurationMS) * time.Millisecond,
		Elapsed:  time.Duration(r.ElapsedMS) * time.Millisecond,
		Payload:  r.Payload,
	}
}

func encodeTasks(tasks []Task) ([]byte, error) {
	p := taskPool{Tasks: make([]taskRecord, 0, len(tasks))}
	for _, t := range tasks {
		p.Tasks = append(p.Tasks, recordOf(t))
	}
	return json.Marshal(p)
}

func decodeTasks(b []byte) ([]Task, error) {
	var p taskPool
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(p.Tasks))
	for _, r := range p.Tasks {
		tasks = append(tasks, r.task())
	}
	return tasks, nil
}

// encodeLevel serialises a sparse level map. The payload is a tile count
// followed by (packed position, index) pairs sorted by key, with an xxhash64
// checksum of the payload appended. Sorting keeps the encoding deterministic
// so unchanged levels hash identically across saves.
func encodeLevel(tiles *intintmap.Map) []byte {
	pairs := make([][2]int64, 0, tiles.Size())
	for kv := range tiles.Items() {
		pairs = append(pairs, kv)
	}
	sort.Slice(pairs, func(i, j int) bool {
		return uint32(pairs[i][0]) < uint32(pairs[j][0])
	})

	buf := binary.AppendUvarint(nil, uint64(len(pairs)))
	for _, kv := range pairs {
		buf = binary.BigEndian.AppendUint32(buf, uint32(kv[0]))
		buf = binary.AppendUvarint(buf, uint64(kv[1]))
	}
	return binary.BigEndian.AppendUint64(buf, xxhash.Sum64(buf))
}

// decodeLevel is the inverse of encodeLevel. It verifies the trailing
// checksum before decoding and returns errChecksum on mismatch.
func decodeLevel(b []byte) (*intintmap.Map, error) {
	if len(b) < 8 {
		return nil, errChecksum
	}
	payload, sum := b[:len(b)-8], binary.BigEndian.Uint64(b[len(b)-8:])
	if xxhash.Sum64(payload) != sum {
		return nil, errChecksum
	}

	count, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, fmt.Errorf("world: malformed level header")
	}
	payload = payload[n:]

	tiles := intintmap.New(int(count)+1, 0.6)
	for i := uint64(0); i < count; i++ {
		if len(payload) < 4 {
			return nil, fmt.Errorf("world: truncated level data")
		}
		key := binary.BigEndian.Uint32(payload)
		payload = payload[4:]
		idx, n := binary.Uvarint(payload)
		if n <= 0 {
			return nil, fmt.Errorf("world: truncated level data")
		}
		payload = payload[n:]
		tiles.Put(int64(key), int64(idx))
	}
	return tiles, nil
}

// migrate brings the database schema up to schemaVersion. All key rewrites of
// one upgrade are committed in a single batch together with the new version,
// so an interrupted upgrade never leaves the database half-migrated.
func migrate(db *leveldb.DB) error {
	version := uint64(0)
	if raw, err := db.Get([]byte(keyVersion), nil); err == nil {
		version, _ = binary.Uvarint(raw)
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version == schemaVersion {
		return nil
	}
	if version > schemaVersion {
		return fmt.Errorf("%w: found %v, supported up to %v", ErrSchemaTooNew, version, schemaVersion)
	}

	batch := new(leveldb.Batch)
	if version < 2 {
		if err := splitLegacyTasks(db, batch); err != nil {
			return err
		}
	}
	batch.Put([]byte(keyVersion), binary.AppendUvarint(nil, schemaVersion))
	if err := db.Write(batch, nil); err != nil {
		return fmt.Errorf("commit schema upgrade: %w", err)
	}
	return nil
}

// splitLegacyTasks moves the single pre-v2 task object into per-pool keys and
// drops the obsolete key. Empty pools are not written.
func splitLegacyTasks(db *leveldb.DB, batch *leveldb.Batch) error {
	raw, err := db.Get([]byte(keyLegacyTasks), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("read legacy tasks: %w", err)
	}

	var legacy map[string][]taskRecord
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return fmt.Errorf("decode legacy tasks: %w", err)
	}
	for _, pool := range pools {
		records := legacy[pool.String()]
		if len(records) == 0 {
			continue
		}
		encoded, err := json.Marshal(taskPool{Tasks: records})
		if err != nil {
			return fmt.Errorf("encode %v pool: %w", pool, err)
		}
		batch.Put([]byte(taskKey(pool)), encoded)
	}
	batch.Delete([]byte(keyLegacyTasks))
	return nil
}
