// Package attention implements the cooperative task scheduler that admits
// long-running editor tasks into a bounded attention budget.
//
// Tasks live in one of four pools: active tasks progress and count against
// the budget, paused tasks are frozen, resumed tasks wait for re-admission
// with priority over pending tasks, and pending tasks wait for their first
// admission. Admission is non-preemptive: capacity is only freed by an
// explicit pause, cancel or completion.
package attention

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tilesmith/tilesmith/editor/internal/sliceutil"
	"github.com/tilesmith/tilesmith/editor/world"
)

// ErrInvalidTask is returned by AddTask for a cost below 1 or a non-positive
// duration.
var ErrInvalidTask = errors.New("attention: task cost must be >= 1 and duration positive")

// ErrNegativeCoefficient is returned when a negative attention coefficient
// is set.
var ErrNegativeCoefficient = errors.New("attention: coefficient must not be negative")

// Config contains the options for creating a Scheduler.
type Config struct {
	// Log is the logger persistence failures are reported to. If nil, Log is
	// set to slog.Default().
	Log *slog.Logger
	// Store, if set, is the persistent store the scheduler loads its pools
	// and attention coefficient from at construction and writes every
	// transition through to. The store's persisted coefficient is the
	// authoritative one.
	Store *world.Store
	// OnComplete is called, outside the scheduler lock, for every task that
	// finishes. The scheduler itself attaches no meaning to a task's kind or
	// payload; interpretation happens here.
	OnComplete func(world.Task)

	// AdmissionDebounce coalesces admission triggers. It defaults to 100ms.
	AdmissionDebounce time.Duration
	// TickInterval is the granularity active task progress advances at. It
	// defaults to 1s.
	TickInterval time.Duration
	// GreedyDelay is how long the queue head must stay blocked before a
	// greedy backfill pass may run. It defaults to 30s. The delay is
	// runtime-only and never persisted.
	GreedyDelay time.Duration
}

func (conf Config) withDefaults() Config {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	if conf.AdmissionDebounce <= 0 {
		conf.AdmissionDebounce = time.Millisecond * 100
	}
	if conf.TickInterval <= 0 {
		conf.TickInterval = time.Second
	}
	if conf.GreedyDelay <= 0 {
		conf.GreedyDelay = time.Second * 30
	}
	return conf
}

// Scheduler holds, progresses and gates long-running tasks against a
// continuous attention budget in [0, 1]. The sum of active costs never
// exceeds the coefficient; resumed tasks are admitted before pending ones.
type Scheduler struct {
	conf  Config
	log   *slog.Logger
	store *world.Store

	mu          sync.Mutex
	coefficient int
	active      map[world.TaskID]*world.Task
	paused      map[world.TaskID]*world.Task
	resumed     []*world.Task
	pending     []*world.Task
	greedy      bool

	admitTimer  *time.Timer
	greedyTimer *time.Timer

	tickRunning bool
	tickStop    chan struct{}
	lastTick    time.Time
	closed      bool

	// now is the scheduler's clock; replaced in tests.
	now func() time.Time
}

// New creates a Scheduler. With a store configured, the persisted pools and
// attention coefficient are loaded before the scheduler accepts tasks, and a
// fresh sequential admission pass is scheduled; a greedy pass is only ever
// rescheduled if its conditions recur at runtime.
func New(conf Config) (*Scheduler, error) {
	conf = conf.withDefaults()
	s := &Scheduler{
		conf:   conf,
		log:    conf.Log,
		store:  conf.Store,
		active: make(map[world.TaskID]*world.Task),
		paused: make(map[world.TaskID]*world.Task),
		now:    time.Now,
	}
	if s.store != nil {
		if err := s.loadFromStore(); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	if len(s.active) > 0 {
		s.startTickLocked()
	}
	if len(s.resumed) > 0 || len(s.pending) > 0 {
		s.scheduleAdmissionLocked()
	}
	s.mu.Unlock()
	return s, nil
}

func (s *Scheduler) loadFromStore() error {
	limit, err := s.store.AttentionLimit()
	if err != nil {
		return fmt.Errorf("attention: load coefficient: %w", err)
	}
	pools, err := s.store.AllTasks()
	if err != nil {
		return fmt.Errorf("attention: load pools: %w", err)
	}
	s.coefficient = limit
	for _, t := range pools[world.PoolActive] {
		t := t
		s.active[t.ID] = &t
	}
	for _, t := range pools[world.PoolPaused] {
		t := t
		s.paused[t.ID] = &t
	}
	for _, t := range pools[world.PoolResumed] {
		t := t
		s.resumed = append(s.resumed, &t)
	}
	for _, t := range pools[world.PoolPending] {
		t := t
		s.pending = append(s.pending, &t)
	}
	return nil
}

// Close stops the progression tick and all debounced work. Tasks are left in
// whatever pool they were last persisted in.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.admitTimer != nil {
		s.admitTimer.Stop()
		s.admitTimer = nil
	}
	if s.greedyTimer != nil {
		s.greedyTimer.Stop()
		s.greedyTimer = nil
	}
	s.stopTickLocked()
}

// AddTask appends a new task to the pending pool and triggers admission. The
// returned id identifies the task in all later calls.
func (s *Scheduler) AddTask(kind string, cost int, duration time.Duration, payload json.RawMessage) (world.TaskID, error) {
	if cost < 1 || duration <= 0 {
		return "", ErrInvalidTask
	}
	t := &world.Task{
		ID:       world.TaskID(uuid.NewString()),
		Kind:     kind,
		Cost:     cost,
		Duration: duration,
		Payload:  payload,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, t)
	s.persistPush(world.PoolPending, *t)
	s.scheduleAdmissionLocked()
	return t.ID, nil
}

// Pause freezes an active task: both its progress and its budget
// contribution stop. Pausing a task that is not active is a no-op.
func (s *Scheduler) Pause(id world.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.active[id]
	if !ok {
		s.log.Debug("attention: pause of non-active task.", "id", id)
		return
	}
	delete(s.active, id)
	s.paused[id] = t
	s.persistMove(id, world.PoolActive, world.PoolPaused)
	if len(s.active) == 0 {
		s.stopTickLocked()
	}
	// Capacity was freed.
	s.scheduleAdmissionLocked()
}

// Resume moves a paused task to the back of the resumed queue, where it
// awaits re-admission with priority over pending tasks. Resuming a task that
// is not paused is a no-op.
func (s *Scheduler) Resume(id world.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.paused[id]
	if !ok {
		s.log.Debug("attention: resume of non-paused task.", "id", id)
		return
	}
	delete(s.paused, id)
	s.resumed = append(s.resumed, t)
	s.persistMove(id, world.PoolPaused, world.PoolResumed)
	s.scheduleAdmissionLocked()
}

// PauseResumed moves a task from the resumed queue back to paused. No
// admission is triggered: the task was not occupying capacity.
func (s *Scheduler) PauseResumed(id world.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sliceutil.Index(s.resumed, func(t *world.Task) bool { return t.ID == id })
	if i < 0 {
		s.log.Debug("attention: pauseResumed of task not in resumed queue.", "id", id)
		return
	}
	t := s.resumed[i]
	s.resumed = sliceutil.DeleteVal(s.resumed, t)
	s.paused[id] = t
	s.persistMove(id, world.PoolResumed, world.PoolPaused)
}

// Cancel removes a task from whichever pool holds it. Cancelling an unknown
// id is a no-op. If the task was active, admission is triggered.
func (s *Scheduler) Cancel(id world.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		delete(s.active, id)
		s.persistRemove(id, world.PoolActive)
		if len(s.active) == 0 {
			s.stopTickLocked()
		}
		s.scheduleAdmissionLocked()
		return
	}
	if _, ok := s.paused[id]; ok {
		delete(s.paused, id)
		s.persistRemove(id, world.PoolPaused)
		return
	}
	if i := sliceutil.Index(s.resumed, func(t *world.Task) bool { return t.ID == id }); i >= 0 {
		s.resumed = sliceutil.DeleteVal(s.resumed, s.resumed[i])
		s.persistRemove(id, world.PoolResumed)
		return
	}
	if i := sliceutil.Index(s.pending, func(t *world.Task) bool { return t.ID == id }); i >= 0 {
		s.pending = sliceutil.DeleteVal(s.pending, s.pending[i])
		s.persistRemove(id, world.PoolPending)
		return
	}
	s.log.Debug("attention: cancel of unknown task.", "id", id)
}

// Complete finishes an active task immediately, regardless of its remaining
// duration, and frees its capacity. Completing a task that is not active is
// a no-op.
func (s *Scheduler) Complete(id world.TaskID) {
	s.mu.Lock()
	t, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		s.log.Debug("attention: complete of non-active task.", "id", id)
		return
	}
	t.Elapsed = t.Duration
	task := *t
	delete(s.active, id)
	s.persistRemove(id, world.PoolActive)
	if len(s.active) == 0 {
		s.stopTickLocked()
	}
	s.scheduleAdmissionLocked()
	cb := s.conf.OnComplete
	s.mu.Unlock()

	if cb != nil {
		cb(task)
	}
}

// Get returns a copy of the task with the id, searching all pools.
func (s *Scheduler) Get(id world.TaskID) (world.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.active[id]; ok {
		return *t, true
	}
	if t, ok := s.paused[id]; ok {
		return *t, true
	}
	for _, t := range s.resumed {
		if t.ID == id {
			return *t, true
		}
	}
	for _, t := range s.pending {
		if t.ID == id {
			return *t, true
		}
	}
	return world.Task{}, false
}

// Pool returns the pool currently holding the task with the id.
func (s *Scheduler) Pool(id world.TaskID) (world.PoolKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		return world.PoolActive, true
	}
	if _, ok := s.paused[id]; ok {
		return world.PoolPaused, true
	}
	if sliceutil.Index(s.resumed, func(t *world.Task) bool { return t.ID == id }) >= 0 {
		return world.PoolResumed, true
	}
	if sliceutil.Index(s.pending, func(t *world.Task) bool { return t.ID == id }) >= 0 {
		return world.PoolPending, true
	}
	return 0, false
}

// SetAttentionCoefficient sets the capacity denominator. Raising it strictly
// triggers an admission pass; negative values are rejected.
func (s *Scheduler) SetAttentionCoefficient(c int) error {
	if c < 0 {
		return ErrNegativeCoefficient
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.coefficient
	s.coefficient = c
	if s.store != nil {
		if err := s.store.SetAttentionLimit(c); err != nil {
			s.log.Warn("attention: persisting coefficient failed.", "err", err)
		}
	}
	if c > prev {
		s.scheduleAdmissionLocked()
	}
	return nil
}

// AttentionCoefficient returns the current capacity denominator.
func (s *Scheduler) AttentionCoefficient() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coefficient
}

// SetGreedyEnabled switches the delayed greedy backfill pass on or off.
func (s *Scheduler) SetGreedyEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greedy = enabled
	if !enabled && s.greedyTimer != nil {
		s.greedyTimer.Stop()
		s.greedyTimer = nil
	}
}

// UsedAttention returns the fraction of the budget occupied by active tasks.
func (s *Scheduler) UsedAttention() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedLocked()
}

// FreeAttention returns the remaining fraction of the budget.
func (s *Scheduler) FreeAttention() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 1 - s.usedLocked()
}

func (s *Scheduler) usedLocked() float64 {
	if s.coefficient <= 0 {
		return 0
	}
	return float64(s.activeCostLocked()) / float64(s.coefficient)
}

func (s *Scheduler) activeCostLocked() int {
	sum := 0
	for _, t := range s.active {
		sum += t.Cost
	}
	return sum
}

func (s *Scheduler) canFitLocked(cost int) bool {
	return s.coefficient > 0 && s.activeCostLocked()+cost <= s.coefficient
}

// scheduleAdmissionLocked arms the debounced admission trigger. Triggers
// arriving while one is armed coalesce into a single pass.
func (s *Scheduler) scheduleAdmissionLocked() {
	if s.closed || s.admitTimer != nil {
		return
	}
	s.admitTimer = time.AfterFunc(s.conf.AdmissionDebounce, s.runAdmission)
}

func (s *Scheduler) runAdmission() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admitTimer = nil
	if s.closed {
		return
	}
	s.admitLocked()
}

// admitLocked runs one sequential admission pass: resumed tasks strictly
// first, then pending, each in FIFO order, stopping at the first head that
// does not fit. If the head stays blocked and greedy backfill is enabled, a
// delayed greedy pass is armed.
func (s *Scheduler) admitLocked() {
	for len(s.resumed) > 0 && s.canFitLocked(s.resumed[0].Cost) {
		t := s.resumed[0]
		s.resumed = s.resumed[1:]
		s.activateLocked(t, world.PoolResumed)
	}
	if len(s.resumed) == 0 {
		for len(s.pending) > 0 && s.canFitLocked(s.pending[0].Cost) {
			t := s.pending[0]
			s.pending = s.pending[1:]
			s.activateLocked(t, world.PoolPending)
		}
	}
	if s.greedy && s.greedyTimer == nil && s.headBlockedLocked() {
		s.greedyTimer = time.AfterFunc(s.conf.GreedyDelay, s.runGreedy)
	}
}

func (s *Scheduler) headBlockedLocked() bool {
	if len(s.resumed) > 0 {
		return !s.canFitLocked(s.resumed[0].Cost)
	}
	return len(s.pending) > 0 && !s.canFitLocked(s.pending[0].Cost)
}

// runGreedy is the delayed backfill pass: it walks resumed, then pending, in
// order and admits every task that fits now, skipping larger ones.
func (s *Scheduler) runGreedy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greedyTimer = nil
	if s.closed || !s.greedy {
		return
	}
	admit := func(queue []*world.Task, from world.PoolKind) []*world.Task {
		return sliceutil.Filter(queue, func(t *world.Task) bool {
			if !s.canFitLocked(t.Cost) {
				return true
			}
			s.activateLocked(t, from)
			return false
		})
	}
	s.resumed = admit(s.resumed, world.PoolResumed)
	s.pending = admit(s.pending, world.PoolPending)
}

func (s *Scheduler) activateLocked(t *world.Task, from world.PoolKind) {
	s.active[t.ID] = t
	s.persistMove(t.ID, from, world.PoolActive)
	s.startTickLocked()
}

func (s *Scheduler) startTickLocked() {
	if s.tickRunning || s.closed {
		return
	}
	s.tickRunning = true
	s.lastTick = s.now()
	s.tickStop = make(chan struct{})
	go s.tickLoop(s.tickStop)
}

func (s *Scheduler) stopTickLocked() {
	if !s.tickRunning {
		return
	}
	close(s.tickStop)
	s.tickRunning = false
}

func (s *Scheduler) tickLoop(stop chan struct{}) {
	t := time.NewTicker(s.conf.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.advance(s.now())
		case <-stop:
			return
		}
	}
}

// advance progresses every active task by the wall-clock delta since the
// previous tick and completes tasks that reached their duration. Completion
// callbacks run after the lock is released.
func (s *Scheduler) advance(now time.Time) {
	s.mu.Lock()
	if s.closed || !s.tickRunning {
		s.mu.Unlock()
		return
	}
	delta := now.Sub(s.lastTick)
	s.lastTick = now
	if delta <= 0 {
		s.mu.Unlock()
		return
	}

	var completed []world.Task
	var progress []world.TaskProgress
	for _, t := range s.active {
		t.Elapsed += delta
		if t.Done() {
			t.Elapsed = t.Duration
			completed = append(completed, *t)
		} else {
			progress = append(progress, world.TaskProgress{ID: t.ID, Elapsed: t.Elapsed})
		}
	}
	for _, t := range completed {
		delete(s.active, t.ID)
		s.persistRemove(t.ID, world.PoolActive)
	}
	if len(progress) > 0 && s.store != nil {
		if err := s.store.UpdateActiveProgress(progress); err != nil {
			s.log.Warn("attention: persisting progress failed.", "err", err)
		}
	}
	if len(completed) > 0 {
		s.scheduleAdmissionLocked()
	}
	if len(s.active) == 0 {
		s.stopTickLocked()
	}
	cb := s.conf.OnComplete
	s.mu.Unlock()

	if cb != nil {
		for _, t := range completed {
			cb(t)
		}
	}
}

func (s *Scheduler) persistPush(pool world.PoolKind, t world.Task) {
	if s.store == nil {
		return
	}
	if _, err := s.store.PushTasks(pool, []world.Task{t}); err != nil {
		s.log.Warn("attention: persisting task failed.", "id", t.ID, "err", err)
	}
}

func (s *Scheduler) persistMove(id world.TaskID, from, to world.PoolKind) {
	if s.store == nil {
		return
	}
	if err := s.store.MoveTask(id, from, to); err != nil {
		s.log.Warn("attention: persisting task move failed.", "id", id, "err", err)
	}
}

func (s *Scheduler) persistRemove(id world.TaskID, from world.PoolKind) {
	if s.store == nil {
		return
	}
	if err := s.store.RemoveTask(id, from); err != nil {
		s.log.Warn("attention: persisting task removal failed.", "id", id, "err", err)
	}
}
