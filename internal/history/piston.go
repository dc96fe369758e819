package history

// Moved is one block relocated by a piston: it sat at From and now sits at From+dir
// with State.
type Moved struct {
	From  Pos
	State State
}

// RecordPistonMove records a piston push or pull of the given blocks by one step in
// dir. Each destination gets a record carrying the moved block's state; each origin
// that is not refilled by another block of the same move becomes vacant. All records
// carry the PistonShift linking them to the piston head and to the block's path.
func (t *Tracker) RecordPistonMove(world string, head Pos, dir Face, cause Cause, moved []Moved, tick uint64) {
	if len(moved) == 0 {
		return
	}
	wl := t.worldFor(world)
	if !t.admit(wl, tick) {
		return
	}

	origins := make(map[Pos]State, len(moved))
	dests := make(map[Pos]struct{}, len(moved))
	for _, m := range moved {
		origins[m.From] = m.State
		dests[dir.Relative(m.From, 1)] = struct{}{}
	}

	recs := make([]Record, 0, 2*len(moved))
	for _, m := range moved {
		to := dir.Relative(m.From, 1)
		prev, ok := origins[to]
		if !ok {
			prev = t.stateBefore(world, to, tick)
		}
		recs = append(recs, Record{
			Tick:  tick,
			Pos:   to,
			Prev:  prev,
			New:   m.State,
			Cause: cause,
			Shift: &PistonShift{Head: head, Dir: dir, From: m.From, To: to},
		})
	}
	for _, m := range moved {
		if _, refilled := dests[m.From]; refilled {
			continue
		}
		recs = append(recs, Record{
			Tick:  tick,
			Pos:   m.From,
			Prev:  m.State,
			New:   t.cfg.Vacant,
			Cause: cause,
			Shift: &PistonShift{Head: head, Dir: dir, From: m.From, To: dir.Relative(m.From, 1)},
		})
	}
	for _, r := range recs {
		t.appendRecord(wl, r)
	}
}

// stateBefore is what a piston move at tick found at pos. Replays arrive late, so
// records newer than tick may already exist; the earliest of them still knows the
// state it replaced.
func (t *Tracker) stateBefore(world string, pos Pos, tick uint64) State {
	st := t.cfg.Vacant
	t.view(world, pos, func(_ *worldLog, l *posLog) {
		if i := l.at(tick); i >= 0 {
			st = l.recs[i].New
		} else {
			st = l.recs[0].Prev
		}
	})
	return st
}
