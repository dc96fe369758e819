package deferred

import (
	"errors"
	"path/filepath"
	"testing"

	"voxelguard.ai/internal/blockprops"
	"voxelguard.ai/internal/history"
)

const (
	air   history.State = 0
	stone history.State = 1
	sand  history.State = 2
	water history.State = 3
	ladder history.State = 4
)

type liveMap map[history.Pos]history.State

type fakeLive struct {
	worlds map[string]liveMap
}

func newFakeLive() *fakeLive { return &fakeLive{worlds: map[string]liveMap{"w": {}}} }

func (f *fakeLive) LiveState(world string, pos history.Pos) (history.State, bool) {
	m, ok := f.worlds[world]
	if !ok {
		return 0, false
	}
	return m[pos], true
}

type movableSet map[history.State]bool

func (m movableSet) Movable(st history.State) bool { return m[st] }

func newTracker() *history.Tracker {
	return history.NewTracker(history.Config{HorizonTicks: 400, Vacant: air, RegressionResetTicks: 20})
}

func TestConstructorsDeepCopy(t *testing.T) {
	blocks := []history.Pos{{X: 1}, {X: 2}}
	ext := NewPistonExtend("w", history.Pos{}, history.FaceEast, blocks, 5)
	ret := NewPistonRetract("w", history.Pos{}, history.FaceEast, blocks, true, 5)
	blocks[0] = history.Pos{X: 99}
	if ext.Blocks[0].X != 1 || ret.Blocks[0].X != 1 {
		t.Fatalf("events must not alias the caller's slice")
	}
	legacy := NewPistonRetract("w", history.Pos{}, history.FaceEast, blocks, false, 5)
	if legacy.Blocks != nil {
		t.Fatalf("legacy retract should not keep a block list")
	}
}

func TestAnchor(t *testing.T) {
	p := history.Pos{X: 10, Y: 64, Z: -3}
	tests := []struct {
		ev   Event
		want history.Pos
	}{
		{NewFormed("w", p, 1, air), p},
		{NewRedstone("w", p, 1, air), p},
		{NewPistonExtend("w", p, history.FaceUp, nil, 1), history.Pos{X: 10, Y: 65, Z: -3}},
		{NewPistonRetract("w", p, history.FaceSouth, nil, false, 1), history.Pos{X: 10, Y: 64, Z: -2}},
		{Event{Kind: KindPistonExtend, Facing: history.Face(42)}, FallbackAnchor},
		{Event{}, FallbackAnchor},
	}
	for _, tc := range tests {
		if got := tc.ev.Anchor(); got != tc.want {
			t.Fatalf("%s: anchor %v, want %v", tc.ev.Kind, got, tc.want)
		}
	}
}

func TestReplay_SingleBlockKinds(t *testing.T) {
	live := newFakeLive()
	tr := newTracker()
	p := history.Pos{Y: 64}
	live.worlds["w"][p] = water

	tests := []struct {
		ev    Event
		cause history.Cause
	}{
		{NewFormed("w", p, 100, air), history.CauseFormed},
		{NewEntityChanged("w", p, 101, air), history.CauseEntityChanged},
		{NewRedstone("w", p, 102, air), history.CauseRedstoneAttached},
	}
	for _, tc := range tests {
		if err := Replay(tc.ev, tr, Env{Live: live}); err != nil {
			t.Fatalf("%s: %v", tc.ev.Kind, err)
		}
		r, ok := tr.Latest("w", p)
		if !ok || r.Cause != tc.cause || r.New != water || r.Prev != air || r.Tick != tc.ev.Tick {
			t.Fatalf("%s: unexpected record %+v", tc.ev.Kind, r)
		}
	}
}

func TestReplay_UnresolvedWorld(t *testing.T) {
	live := newFakeLive()
	tr := newTracker()
	err := Replay(NewFormed("gone", history.Pos{}, 1, air), tr, Env{Live: live})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
	if len(tr.Worlds()) != 0 {
		t.Fatalf("unresolved events must not record anything")
	}
	err = Replay(NewPistonExtend("gone", history.Pos{}, history.FaceEast, []history.Pos{{X: 1}}, 1), tr, Env{Live: live})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved for piston, got %v", err)
	}
}

func TestReplay_UnknownKindAndMissingEnv(t *testing.T) {
	tr := newTracker()
	if err := Replay(Event{Kind: 77, World: "w"}, tr, Env{Live: newFakeLive()}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if err := Replay(NewFormed("w", history.Pos{}, 1, air), tr, Env{}); !errors.Is(err, ErrNoLiveWorld) {
		t.Fatalf("expected ErrNoLiveWorld, got %v", err)
	}
}

func TestReplay_PistonExtendThenRetract(t *testing.T) {
	live := newFakeLive()
	tr := newTracker()
	w := live.worlds["w"]
	piston := history.Pos{X: 0, Y: 64, Z: 0}
	b1 := history.Pos{X: 1, Y: 64}
	b2 := history.Pos{X: 2, Y: 64}
	b3 := history.Pos{X: 3, Y: 64}

	// Host state after the extension: head at b1, stone at b2, sand at b3.
	w[b1] = 99
	w[b2] = stone
	w[b3] = sand
	ext := NewPistonExtend("w", piston, history.FaceEast, []history.Pos{b1, b2}, 100)
	if err := Replay(ext, tr, Env{Live: live}); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if st, _ := tr.StateAt("w", b3, 100); st != sand {
		t.Fatalf("b3 after extend = %v, want sand", st)
	}
	sh, ok := tr.LastPistonShift("w", b3, 0)
	if !ok || sh.Head != b1 || sh.Dir != history.FaceEast {
		t.Fatalf("unexpected shift %+v", sh)
	}

	// Sticky retraction pulls both back one step.
	w[b1] = stone
	w[b2] = sand
	w[b3] = air
	ret := NewPistonRetract("w", piston, history.FaceEast, []history.Pos{b2, b3}, true, 120)
	if err := Replay(ret, tr, Env{Live: live}); err != nil {
		t.Fatalf("retract: %v", err)
	}
	for _, c := range []struct {
		pos  history.Pos
		want history.State
	}{{b1, stone}, {b2, sand}, {b3, air}} {
		if st, ok := tr.StateAt("w", c.pos, 121); !ok || st != c.want {
			t.Fatalf("%v after retract = %v ok=%v, want %v", c.pos, st, ok, c.want)
		}
	}
}

func TestReplay_LegacyRetract(t *testing.T) {
	piston := history.Pos{X: 0, Y: 64, Z: 0}
	head := history.Pos{X: 0, Y: 64, Z: 1}
	cand := history.Pos{X: 0, Y: 64, Z: 2}
	flags := movableSet{stone: true}

	tests := []struct {
		name   string
		pulled history.State
		want   bool
	}{
		{"movable block is recorded", stone, true},
		{"immovable block is skipped", ladder, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			live := newFakeLive()
			live.worlds["w"][head] = tc.pulled
			tr := newTracker()
			ev := NewPistonRetract("w", piston, history.FaceSouth, nil, false, 50)
			if err := Replay(ev, tr, Env{Live: live, Flags: flags}); err != nil {
				t.Fatalf("replay: %v", err)
			}
			_, got := tr.Latest("w", cand)
			if got != tc.want {
				t.Fatalf("record at candidate = %v, want %v", got, tc.want)
			}
			if tc.want {
				if st, _ := tr.StateAt("w", head, 50); st != tc.pulled {
					t.Fatalf("head cell should now hold the pulled block")
				}
				if st, _ := tr.StateAt("w", cand, 50); st != air {
					t.Fatalf("candidate cell should be vacant")
				}
			}
		})
	}
}

func TestReplay_RedstoneRecordsAttachedHalfWithItsOwnState(t *testing.T) {
	cat, err := blockprops.Load(filepath.Join("..", "..", "configs", "blocks.json"))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	lower, _ := cat.State("OAK_DOOR_LOWER")
	upper, _ := cat.State("OAK_DOOR_UPPER")

	live := newFakeLive()
	bottom := history.Pos{X: 4, Y: 64, Z: 4}
	top := history.FaceUp.Relative(bottom, 1)
	live.worlds["w"][bottom] = lower
	live.worlds["w"][top] = upper

	tr := newTracker()
	ev := NewRedstone("w", bottom, 30, lower)
	if err := Replay(ev, tr, Env{Live: live, Flags: cat, Attach: cat}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if st, ok := tr.StateAt("w", bottom, 30); !ok || st != lower {
		t.Fatalf("driven half = %v ok=%v", st, ok)
	}
	st, ok := tr.StateAt("w", top, 30)
	if !ok || st != upper {
		t.Fatalf("attached half = %v ok=%v, want %v", st, ok, upper)
	}
	r, _ := tr.Latest("w", top)
	if r.Prev != upper || r.Cause != history.CauseRedstoneAttached {
		t.Fatalf("attached record %+v", r)
	}

	// Only redstone fans out.
	other := history.Pos{X: 9, Y: 64, Z: 9}
	live.worlds["w"][other] = lower
	if err := Replay(NewFormed("w", other, 31, air), tr, Env{Live: live, Attach: cat}); err != nil {
		t.Fatalf("replay formed: %v", err)
	}
	if _, ok := tr.Latest("w", history.FaceUp.Relative(other, 1)); ok {
		t.Fatalf("formed must not record the attached cell")
	}
}
