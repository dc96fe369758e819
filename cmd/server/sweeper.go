package main

import (
	"context"
	"sync"

	"voxelguard.ai/internal/history"
	"voxelguard.ai/internal/host"
)

// worldSweepFactor spaces out the whole-world sweep done by world loops in
// region-parallel mode. It only catches shards written through the world loop
// after a region fallback.
const worldSweepFactor = 10

// sweeper is the runtime tick hook: every loop evicts expired history for what it
// owns once per sweep interval. With a self-advancing runtime clock the world loop
// also advances the tracker clock; an external clock reaches the tracker through
// WORLD_TICK instead, and a hook queued before a rewind would carry a stale tick.
type sweeper struct {
	tracker  *history.Tracker
	parallel bool
	external bool
	every    uint64

	mu   sync.Mutex
	last map[string]uint64
}

func newSweeper(tr *history.Tracker, parallel, external bool, every int) *sweeper {
	s := &sweeper{tracker: tr, parallel: parallel, external: external, last: map[string]uint64{}}
	if every > 0 {
		s.every = uint64(every)
	}
	return s
}

// due reports whether tick crossed a multiple of interval since loop last swept.
func (s *sweeper) due(loop string, tick, interval uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, seen := s.last[loop]
	if seen && tick < prev {
		// World time was reset.
		s.last[loop] = tick
		return false
	}
	if seen && tick/interval <= prev/interval {
		return false
	}
	s.last[loop] = tick
	return seen || tick >= interval
}

func (s *sweeper) hook(ctx context.Context, t host.Tick) {
	if t.Global && !s.external {
		s.tracker.AdvanceTick(t.World, t.Tick)
	}
	if s.every == 0 {
		return
	}
	loop := host.LoopName(ctx)
	switch {
	case !t.Global:
		if s.due(loop, t.Tick, s.every) {
			s.tracker.SweepRegion(t.World, t.Region)
		}
	case !s.parallel:
		if s.due(loop, t.Tick, s.every) {
			s.tracker.SweepWorld(t.World)
		}
	default:
		if s.due(loop, t.Tick, s.every*worldSweepFactor) {
			s.tracker.SweepWorld(t.World)
		}
	}
}
