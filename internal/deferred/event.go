// Package deferred holds immutable snapshots of world-mutation notifications.
// An Event carries plain data only, so it can be read from any goroutine and
// replayed later on the goroutine that owns its region.
package deferred

import (
	"fmt"

	"voxelguard.ai/internal/history"
)

type Kind uint8

const (
	KindFormed Kind = iota + 1
	KindEntityChanged
	KindPistonExtend
	KindPistonRetract
	KindRedstone
)

func (k Kind) String() string {
	switch k {
	case KindFormed:
		return "BLOCK_FORM"
	case KindEntityChanged:
		return "ENTITY_CHANGE_BLOCK"
	case KindPistonExtend:
		return "PISTON_EXTEND"
	case KindPistonRetract:
		return "PISTON_RETRACT"
	case KindRedstone:
		return "REDSTONE"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// FallbackAnchor routes events that carry no usable position.
var FallbackAnchor = history.Pos{X: 0, Y: 64, Z: 0}

type Event struct {
	Kind  Kind
	World string
	Tick  uint64

	// Pos is the changed block, or the piston block for piston kinds.
	Pos history.Pos
	// Prev is the state reported by the notification as being replaced.
	Prev history.State

	// Piston kinds only.
	Facing    history.Face
	Blocks    []history.Pos
	HasBlocks bool
}

func NewFormed(world string, pos history.Pos, tick uint64, prev history.State) Event {
	return Event{Kind: KindFormed, World: world, Pos: pos, Tick: tick, Prev: prev}
}

func NewEntityChanged(world string, pos history.Pos, tick uint64, prev history.State) Event {
	return Event{Kind: KindEntityChanged, World: world, Pos: pos, Tick: tick, Prev: prev}
}

func NewRedstone(world string, pos history.Pos, tick uint64, prev history.State) Event {
	return Event{Kind: KindRedstone, World: world, Pos: pos, Tick: tick, Prev: prev}
}

// NewPistonExtend snapshots a piston at piston facing towards facing, pushing blocks
// (listed before the move, nearest first).
func NewPistonExtend(world string, piston history.Pos, facing history.Face, blocks []history.Pos, tick uint64) Event {
	return Event{
		Kind:      KindPistonExtend,
		World:     world,
		Pos:       piston,
		Tick:      tick,
		Facing:    facing,
		Blocks:    clonePositions(blocks),
		HasBlocks: true,
	}
}

// NewPistonRetract snapshots a retracting piston. hasBlocks is false for hosts that
// only report the retraction itself; replay then derives the single pulled block.
func NewPistonRetract(world string, piston history.Pos, facing history.Face, blocks []history.Pos, hasBlocks bool, tick uint64) Event {
	ev := Event{
		Kind:      KindPistonRetract,
		World:     world,
		Pos:       piston,
		Tick:      tick,
		Facing:    facing,
		HasBlocks: hasBlocks,
	}
	if hasBlocks {
		ev.Blocks = clonePositions(blocks)
	}
	return ev
}

func clonePositions(in []history.Pos) []history.Pos {
	if len(in) == 0 {
		return nil
	}
	out := make([]history.Pos, len(in))
	copy(out, in)
	return out
}

func (e Event) OwningWorld() string { return e.World }

// Anchor is the position used to pick the owning region: the piston head for
// pistons, the block itself otherwise.
func (e Event) Anchor() history.Pos {
	switch e.Kind {
	case KindPistonExtend, KindPistonRetract:
		if !e.Facing.Valid() {
			return FallbackAnchor
		}
		return e.Facing.Relative(e.Pos, 1)
	case KindFormed, KindEntityChanged, KindRedstone:
		return e.Pos
	}
	return FallbackAnchor
}

func (e Event) String() string {
	return fmt.Sprintf("%s world=%s pos=%s tick=%d", e.Kind, e.World, e.Pos, e.Tick)
}
