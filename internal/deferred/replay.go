package deferred

import (
	"errors"
	"fmt"

	"voxelguard.ai/internal/history"
)

var (
	// ErrUnresolved means the event's world or block could not be read at replay
	// time, typically because the world was unloaded after capture.
	ErrUnresolved  = errors.New("deferred: world or block unresolved")
	ErrUnknownKind = errors.New("deferred: unknown event kind")
	ErrNoLiveWorld = errors.New("deferred: no live world")
)

// LiveWorld reads the current state of a block in the host world. ok is false
// when the world (or its chunk) can no longer be resolved.
type LiveWorld interface {
	LiveState(world string, pos history.Pos) (history.State, bool)
}

type Flags interface {
	Movable(st history.State) bool
}

// Recorder is the tracker's ingest surface.
type Recorder interface {
	RecordChange(world string, pos history.Pos, prev, next history.State, tick uint64, cause history.Cause)
	RecordPistonMove(world string, head history.Pos, dir history.Face, cause history.Cause, moved []history.Moved, tick uint64)
}

// Attacher resolves the block logically attached to a redstone-driven block (the
// other half of a door). Implemented by the block catalog.
type Attacher interface {
	Attached(pos history.Pos, st history.State) (history.Pos, bool)
}

type Env struct {
	Live   LiveWorld
	Flags  Flags
	Attach Attacher
}

// Replay applies ev to rec. It must run on the goroutine owning ev's region.
func Replay(ev Event, rec Recorder, env Env) error {
	if env.Live == nil {
		return ErrNoLiveWorld
	}
	switch ev.Kind {
	case KindFormed:
		return replaySingle(ev, rec, env, history.CauseFormed)
	case KindEntityChanged:
		return replaySingle(ev, rec, env, history.CauseEntityChanged)
	case KindRedstone:
		return replaySingle(ev, rec, env, history.CauseRedstoneAttached)
	case KindPistonExtend:
		return replayExtend(ev, rec, env)
	case KindPistonRetract:
		return replayRetract(ev, rec, env)
	}
	return fmt.Errorf("%w: %d", ErrUnknownKind, ev.Kind)
}

func replaySingle(ev Event, rec Recorder, env Env, cause history.Cause) error {
	next, ok := env.Live.LiveState(ev.World, ev.Pos)
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrUnresolved, ev.World, ev.Pos)
	}
	rec.RecordChange(ev.World, ev.Pos, ev.Prev, next, ev.Tick, cause)
	if cause == history.CauseRedstoneAttached && env.Attach != nil {
		replayAttached(ev, rec, env, next)
	}
	return nil
}

// replayAttached records the attached half with its own live state. Hosts only
// report the driven block, so the attached record carries that state on both sides.
func replayAttached(ev Event, rec Recorder, env Env, driven history.State) {
	other, ok := env.Attach.Attached(ev.Pos, driven)
	if !ok || other == ev.Pos {
		return
	}
	st, ok := env.Live.LiveState(ev.World, other)
	if !ok {
		return
	}
	rec.RecordChange(ev.World, other, st, st, ev.Tick, history.CauseRedstoneAttached)
}

func replayExtend(ev Event, rec Recorder, env Env) error {
	if !ev.Facing.Valid() {
		return fmt.Errorf("piston extend: bad facing %d", ev.Facing)
	}
	dir := ev.Facing
	head := dir.Relative(ev.Pos, 1)
	moved, err := movedBlocks(ev, env, ev.Blocks, dir)
	if err != nil {
		return err
	}
	rec.RecordPistonMove(ev.World, head, dir, history.CausePistonPushed, moved, ev.Tick)
	return nil
}

func replayRetract(ev Event, rec Recorder, env Env) error {
	if !ev.Facing.Valid() {
		return fmt.Errorf("piston retract: bad facing %d", ev.Facing)
	}
	// Pulled blocks travel back towards the piston.
	dir := ev.Facing.Opposite()
	head := ev.Facing.Relative(ev.Pos, 1)

	blocks := ev.Blocks
	if !ev.HasBlocks {
		// Legacy hosts: at most the block in front of the head is pulled, and only if
		// its type is movable. By replay time it sits where the head was.
		cand := ev.Facing.Relative(ev.Pos, 2)
		st, ok := env.Live.LiveState(ev.World, dir.Relative(cand, 1))
		if !ok {
			return fmt.Errorf("%w: %s %s", ErrUnresolved, ev.World, cand)
		}
		if env.Flags == nil || !env.Flags.Movable(st) {
			return nil
		}
		blocks = []history.Pos{cand}
	}
	moved, err := movedBlocks(ev, env, blocks, dir)
	if err != nil {
		return err
	}
	rec.RecordPistonMove(ev.World, head, dir, history.CausePistonPulled, moved, ev.Tick)
	return nil
}

// movedBlocks reads each block's state at its post-move position.
func movedBlocks(ev Event, env Env, blocks []history.Pos, dir history.Face) ([]history.Moved, error) {
	moved := make([]history.Moved, 0, len(blocks))
	for _, b := range blocks {
		st, ok := env.Live.LiveState(ev.World, dir.Relative(b, 1))
		if !ok {
			return nil, fmt.Errorf("%w: %s %s", ErrUnresolved, ev.World, b)
		}
		moved = append(moved, history.Moved{From: b, State: st})
	}
	return moved, nil
}
