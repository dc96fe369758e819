package history

import "sort"

// view runs fn with the position's log under the shard read lock. fn is not called
// when the world, shard or position has no history.
func (t *Tracker) view(world string, pos Pos, fn func(wl *worldLog, l *posLog)) {
	wl := t.world(world)
	if wl == nil {
		return
	}
	s := wl.shard(RegionOf(pos, t.cfg.RegionShift))
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l := s.positions[pos]; l != nil && len(l.recs) > 0 {
		fn(wl, l)
	}
}

// StateAt returns the state in effect at pos at tick. false means "no history":
// the caller should fall back to the live world state. Ticks older than the
// retention horizon always report no history.
func (t *Tracker) StateAt(world string, pos Pos, tick uint64) (State, bool) {
	var (
		st State
		ok bool
	)
	t.view(world, pos, func(wl *worldLog, l *posLog) {
		if tick < t.floor(wl) {
			return
		}
		if i := l.at(tick); i >= 0 {
			st, ok = l.recs[i].New, true
		}
	})
	return st, ok
}

// ChangedSince reports whether pos changed after tick. Below the retention
// horizon the answer is unknowable and reported as changed.
func (t *Tracker) ChangedSince(world string, pos Pos, tick uint64) bool {
	if wl := t.world(world); wl != nil && tick < t.floor(wl) {
		return true
	}
	changed := false
	t.view(world, pos, func(_ *worldLog, l *posLog) {
		changed = l.changedSince(tick)
	})
	return changed
}

func (t *Tracker) Latest(world string, pos Pos) (Record, bool) {
	var (
		r  Record
		ok bool
	)
	t.view(world, pos, func(_ *worldLog, l *posLog) {
		r, ok = l.latest()
	})
	return r, ok
}

// Records lists records at pos newer than since, oldest first, optionally
// restricted to the given causes.
func (t *Tracker) Records(world string, pos Pos, since uint64, causes ...Cause) []Record {
	var out []Record
	t.view(world, pos, func(_ *worldLog, l *posLog) {
		for _, r := range l.recs {
			if r.Tick <= since || !matchCause(r.Cause, causes) {
				continue
			}
			if r.Shift != nil {
				sh := *r.Shift
				r.Shift = &sh
			}
			out = append(out, r)
		}
	})
	return out
}

func matchCause(c Cause, causes []Cause) bool {
	if len(causes) == 0 {
		return true
	}
	for _, x := range causes {
		if x == c {
			return true
		}
	}
	return false
}

// LastPistonShift returns the newest piston move that touched pos after since.
func (t *Tracker) LastPistonShift(world string, pos Pos, since uint64) (PistonShift, bool) {
	var (
		sh PistonShift
		ok bool
	)
	t.view(world, pos, func(_ *worldLog, l *posLog) {
		for i := len(l.recs) - 1; i >= 0 && l.recs[i].Tick > since; i-- {
			if l.recs[i].Shift != nil {
				sh, ok = *l.recs[i].Shift, true
				return
			}
		}
	})
	return sh, ok
}

func (t *Tracker) StatesAt(world string, positions []Pos, tick uint64) []Lookup {
	out := make([]Lookup, len(positions))
	for i, p := range positions {
		st, ok := t.StateAt(world, p, tick)
		out[i] = Lookup{Pos: p, State: st, Known: ok}
	}
	return out
}

func (t *Tracker) ChangedSinceAny(world string, positions []Pos, tick uint64) bool {
	for _, p := range positions {
		if t.ChangedSince(world, p, tick) {
			return true
		}
	}
	return false
}

// ChangedInBox returns the positions inside the inclusive box [min, max] with a
// record newer than tick, sorted by X, then Z, then Y.
func (t *Tracker) ChangedInBox(world string, min, max Pos, tick uint64) []Pos {
	wl := t.world(world)
	if wl == nil {
		return nil
	}
	min, max = orderBox(min, max)
	lo := RegionOf(min, t.cfg.RegionShift)
	hi := RegionOf(max, t.cfg.RegionShift)
	var out []Pos
	for cx := lo.CX; cx <= hi.CX; cx++ {
		for cz := lo.CZ; cz <= hi.CZ; cz++ {
			s := wl.shard(RegionKey{CX: cx, CZ: cz})
			if s == nil {
				continue
			}
			s.mu.RLock()
			for p, l := range s.positions {
				if inBox(p, min, max) && l.changedSince(tick) {
					out = append(out, p)
				}
			}
			s.mu.RUnlock()
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		if out[i].Z != out[j].Z {
			return out[i].Z < out[j].Z
		}
		return out[i].Y < out[j].Y
	})
	return out
}

func orderBox(a, b Pos) (Pos, Pos) {
	if a.X > b.X {
		a.X, b.X = b.X, a.X
	}
	if a.Y > b.Y {
		a.Y, b.Y = b.Y, a.Y
	}
	if a.Z > b.Z {
		a.Z, b.Z = b.Z, a.Z
	}
	return a, b
}

func inBox(p, min, max Pos) bool {
	return p.X >= min.X && p.X <= max.X &&
		p.Y >= min.Y && p.Y <= max.Y &&
		p.Z >= min.Z && p.Z <= max.Z
}
