package history

import (
	"sort"
	"sync"
	"sync/atomic"
)

type RegressionPolicy uint8

const (
	// RegressionAccept inserts late records in tick order.
	RegressionAccept RegressionPolicy = iota
	// RegressionReset clears the world when a write lags the world tick by more than
	// the threshold, then accepts it.
	RegressionReset
	// RegressionDrop discards writes lagging the world tick by more than the threshold.
	RegressionDrop
)

func (p RegressionPolicy) String() string {
	switch p {
	case RegressionAccept:
		return "accept"
	case RegressionReset:
		return "reset"
	case RegressionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

func ParseRegressionPolicy(s string) (RegressionPolicy, bool) {
	switch s {
	case "accept":
		return RegressionAccept, true
	case "reset":
		return RegressionReset, true
	case "drop":
		return RegressionDrop, true
	}
	return 0, false
}

type Config struct {
	HorizonTicks         uint64
	RegionShift          int
	Vacant               State
	Regression           RegressionPolicy
	RegressionResetTicks uint64
}

const DefaultHorizonTicks = 400

// Tracker keeps a bounded history of block changes per world.
//
// Writes for a region are expected to come from the goroutine owning that region;
// the scheduler arranges this. Shard locks are uncontended under that discipline and
// only matter for piston moves crossing a region border and for cross-region reads.
type Tracker struct {
	cfg Config

	mu     sync.RWMutex
	worlds map[string]*worldLog

	appended atomic.Uint64
	stale    atomic.Uint64
	dropped  atomic.Uint64
	resets   atomic.Uint64
	evicted  atomic.Uint64
}

type worldLog struct {
	id   string
	tick atomic.Uint64

	mu     sync.RWMutex
	shards map[RegionKey]*shard
}

type shard struct {
	mu        sync.RWMutex
	positions map[Pos]*posLog
}

func NewTracker(cfg Config) *Tracker {
	if cfg.HorizonTicks == 0 {
		cfg.HorizonTicks = DefaultHorizonTicks
	}
	if cfg.RegionShift < 0 {
		cfg.RegionShift = 0
	}
	return &Tracker{
		cfg:    cfg,
		worlds: map[string]*worldLog{},
	}
}

func (t *Tracker) Config() Config { return t.cfg }

func (t *Tracker) world(id string) *worldLog {
	t.mu.RLock()
	wl := t.worlds[id]
	t.mu.RUnlock()
	return wl
}

func (t *Tracker) worldFor(id string) *worldLog {
	if wl := t.world(id); wl != nil {
		return wl
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	wl := t.worlds[id]
	if wl == nil {
		wl = &worldLog{id: id, shards: map[RegionKey]*shard{}}
		t.worlds[id] = wl
	}
	return wl
}

func (wl *worldLog) shard(k RegionKey) *shard {
	wl.mu.RLock()
	s := wl.shards[k]
	wl.mu.RUnlock()
	return s
}

func (wl *worldLog) shardFor(k RegionKey) *shard {
	if s := wl.shard(k); s != nil {
		return s
	}
	wl.mu.Lock()
	defer wl.mu.Unlock()
	s := wl.shards[k]
	if s == nil {
		s = &shard{positions: map[Pos]*posLog{}}
		wl.shards[k] = s
	}
	return s
}

// reset clears every shard under its own lock. Shards stay in the map: a piston
// move from another region's loop may already hold one, and its write must land
// in the live shard rather than in a detached one.
func (wl *worldLog) reset(tick uint64) {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	for _, s := range wl.shards {
		s.mu.Lock()
		clear(s.positions)
		s.mu.Unlock()
	}
	wl.tick.Store(tick)
}

// advance raises the world tick to at least tick.
func (wl *worldLog) advance(tick uint64) {
	for {
		cur := wl.tick.Load()
		if tick <= cur || wl.tick.CompareAndSwap(cur, tick) {
			return
		}
	}
}

func (t *Tracker) floor(wl *worldLog) uint64 {
	cur := wl.tick.Load()
	if cur <= t.cfg.HorizonTicks {
		return 0
	}
	return cur - t.cfg.HorizonTicks
}

// admit applies the stale/regression rules to a write at tick.
func (t *Tracker) admit(wl *worldLog, tick uint64) bool {
	cur := wl.tick.Load()
	if tick >= cur {
		wl.advance(tick)
		return true
	}
	gap := cur - tick
	if gap > t.cfg.RegressionResetTicks {
		switch t.cfg.Regression {
		case RegressionReset:
			wl.reset(tick)
			t.resets.Add(1)
			return true
		case RegressionDrop:
			t.dropped.Add(1)
			return false
		}
	}
	if tick < t.floor(wl) {
		// Too old to answer any in-horizon query; keeping it could corrupt a baseline.
		t.stale.Add(1)
		return false
	}
	return true
}

func (t *Tracker) appendRecord(wl *worldLog, r Record) {
	s := wl.shardFor(RegionOf(r.Pos, t.cfg.RegionShift))
	floor := t.floor(wl)

	s.mu.Lock()
	l := s.positions[r.Pos]
	if l == nil {
		l = &posLog{}
		s.positions[r.Pos] = l
	}
	l.insert(r)
	ev := l.evict(floor)
	if len(l.recs) == 0 {
		delete(s.positions, r.Pos)
	}
	s.mu.Unlock()

	t.appended.Add(1)
	if ev > 0 {
		t.evicted.Add(uint64(ev))
	}
}

// RecordChange appends one change record.
func (t *Tracker) RecordChange(world string, pos Pos, prev, next State, tick uint64, cause Cause) {
	wl := t.worldFor(world)
	if !t.admit(wl, tick) {
		return
	}
	t.appendRecord(wl, Record{Tick: tick, Pos: pos, Prev: prev, New: next, Cause: cause})
}

// AdvanceTick moves the world's notional current tick forward. A backwards jump
// larger than the regression threshold is a world-time reset and clears the world.
func (t *Tracker) AdvanceTick(world string, tick uint64) {
	wl := t.worldFor(world)
	cur := wl.tick.Load()
	if tick < cur {
		if cur-tick > t.cfg.RegressionResetTicks {
			wl.reset(tick)
			t.resets.Add(1)
		}
		return
	}
	wl.advance(tick)
}

func (t *Tracker) CurrentTick(world string) uint64 {
	wl := t.world(world)
	if wl == nil {
		return 0
	}
	return wl.tick.Load()
}

// ResetWorld forgets all history of a world and rewinds its tick to zero.
func (t *Tracker) ResetWorld(world string) {
	wl := t.world(world)
	if wl == nil {
		return
	}
	wl.reset(0)
	t.resets.Add(1)
}

// SweepRegion evicts expired records from one region shard. Returns the number of
// records removed.
func (t *Tracker) SweepRegion(world string, region RegionKey) int {
	wl := t.world(world)
	if wl == nil {
		return 0
	}
	s := wl.shard(region)
	if s == nil {
		return 0
	}
	n := s.sweep(t.floor(wl))
	t.evicted.Add(uint64(n))
	return n
}

// SweepWorld sweeps every shard of a world.
func (t *Tracker) SweepWorld(world string) int {
	wl := t.world(world)
	if wl == nil {
		return 0
	}
	floor := t.floor(wl)
	wl.mu.RLock()
	shards := make([]*shard, 0, len(wl.shards))
	for _, s := range wl.shards {
		shards = append(shards, s)
	}
	wl.mu.RUnlock()
	n := 0
	for _, s := range shards {
		n += s.sweep(floor)
	}
	t.evicted.Add(uint64(n))
	return n
}

func (s *shard) sweep(floor uint64) int {
	if floor == 0 {
		return 0
	}
	n := 0
	s.mu.Lock()
	for p, l := range s.positions {
		n += l.evict(floor)
		if len(l.recs) == 0 {
			delete(s.positions, p)
		}
	}
	s.mu.Unlock()
	return n
}

func (t *Tracker) Worlds() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.worlds))
	for id := range t.worlds {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

type Stats struct {
	Worlds    int
	Shards    int
	Positions int
	Records   int

	Appended uint64
	Stale    uint64
	Dropped  uint64
	Resets   uint64
	Evicted  uint64
}

func (t *Tracker) Stats() Stats {
	st := Stats{
		Appended: t.appended.Load(),
		Stale:    t.stale.Load(),
		Dropped:  t.dropped.Load(),
		Resets:   t.resets.Load(),
		Evicted:  t.evicted.Load(),
	}
	t.mu.RLock()
	worlds := make([]*worldLog, 0, len(t.worlds))
	for _, wl := range t.worlds {
		worlds = append(worlds, wl)
	}
	t.mu.RUnlock()
	st.Worlds = len(worlds)
	for _, wl := range worlds {
		wl.mu.RLock()
		for _, s := range wl.shards {
			st.Shards++
			s.mu.RLock()
			st.Positions += len(s.positions)
			for _, l := range s.positions {
				st.Records += len(l.recs)
			}
			s.mu.RUnlock()
		}
		wl.mu.RUnlock()
	}
	return st
}
