package history

import "sort"

// posLog is the tick-ordered record sequence of one position, newest last.
// Equal ticks keep arrival order.
type posLog struct {
	recs []Record
}

func (l *posLog) insert(r Record) {
	n := len(l.recs)
	if n == 0 || l.recs[n-1].Tick <= r.Tick {
		l.recs = append(l.recs, r)
		return
	}
	i := sort.Search(n, func(i int) bool { return l.recs[i].Tick > r.Tick })
	l.recs = append(l.recs, Record{})
	copy(l.recs[i+1:], l.recs[i:])
	l.recs[i] = r
}

// at returns the index of the newest record with Tick <= tick, or -1.
func (l *posLog) at(tick uint64) int {
	return sort.Search(len(l.recs), func(i int) bool { return l.recs[i].Tick > tick }) - 1
}

func (l *posLog) latest() (Record, bool) {
	if len(l.recs) == 0 {
		return Record{}, false
	}
	return l.recs[len(l.recs)-1], true
}

func (l *posLog) changedSince(tick uint64) bool {
	n := len(l.recs)
	return n > 0 && l.recs[n-1].Tick > tick
}

// evict drops records older than floor. The newest expired record survives as the
// baseline while a newer record follows it. Returns the number of records removed;
// an empty log afterwards means the position can be forgotten.
func (l *posLog) evict(floor uint64) int {
	if floor == 0 || len(l.recs) == 0 || l.recs[0].Tick >= floor {
		return 0
	}
	k := sort.Search(len(l.recs), func(i int) bool { return l.recs[i].Tick >= floor })
	if k == len(l.recs) {
		n := len(l.recs)
		l.recs = nil
		return n
	}
	keepFrom := k - 1
	if keepFrom == 0 {
		return 0
	}
	n := copy(l.recs, l.recs[keepFrom:])
	clear(l.recs[n:])
	l.recs = l.recs[:n]
	return keepFrom
}
