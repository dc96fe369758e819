package history

import (
	"fmt"
	"strconv"
	"strings"
)

type Pos struct {
	X int
	Y int
	Z int
}

func (p Pos) Add(o Pos) Pos { return Pos{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z} }

func (p Pos) ToArray() [3]int { return [3]int{p.X, p.Y, p.Z} }

func PosFromArray(a [3]int) Pos { return Pos{X: a[0], Y: a[1], Z: a[2]} }

func (p Pos) String() string { return fmt.Sprintf("(%d,%d,%d)", p.X, p.Y, p.Z) }

// ParsePos reads "x,y,z".
func ParsePos(s string) (Pos, error) {
	var v [3]int
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return Pos{}, fmt.Errorf("expected x,y,z")
	}
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return Pos{}, err
		}
		v[i] = n
	}
	return PosFromArray(v), nil
}

// Face is a block face / axis direction.
type Face uint8

const (
	FaceDown Face = iota
	FaceUp
	FaceNorth
	FaceSouth
	FaceWest
	FaceEast
)

var faceNames = [...]string{"DOWN", "UP", "NORTH", "SOUTH", "WEST", "EAST"}

func (f Face) Valid() bool { return int(f) < len(faceNames) }

func (f Face) String() string {
	if !f.Valid() {
		return fmt.Sprintf("FACE(%d)", uint8(f))
	}
	return faceNames[f]
}

func (f Face) Offset() Pos {
	switch f {
	case FaceDown:
		return Pos{Y: -1}
	case FaceUp:
		return Pos{Y: 1}
	case FaceNorth:
		return Pos{Z: -1}
	case FaceSouth:
		return Pos{Z: 1}
	case FaceWest:
		return Pos{X: -1}
	case FaceEast:
		return Pos{X: 1}
	}
	return Pos{}
}

func (f Face) Opposite() Face {
	switch f {
	case FaceDown:
		return FaceUp
	case FaceUp:
		return FaceDown
	case FaceNorth:
		return FaceSouth
	case FaceSouth:
		return FaceNorth
	case FaceWest:
		return FaceEast
	case FaceEast:
		return FaceWest
	}
	return f
}

// Relative returns p moved n steps towards f.
func (f Face) Relative(p Pos, n int) Pos {
	o := f.Offset()
	return Pos{X: p.X + o.X*n, Y: p.Y + o.Y*n, Z: p.Z + o.Z*n}
}

func ParseFace(s string) (Face, bool) {
	for i, n := range faceNames {
		if n == s {
			return Face(i), true
		}
	}
	return 0, false
}

// State is an opaque block-state id. The core only compares states for equality;
// meaning belongs to the block catalog.
type State uint32

type Cause uint8

const (
	CauseFormed Cause = iota + 1
	CauseEntityChanged
	CausePistonPushed
	CausePistonPulled
	CauseRedstoneAttached
)

func (c Cause) String() string {
	switch c {
	case CauseFormed:
		return "FORMED"
	case CauseEntityChanged:
		return "ENTITY_CHANGED"
	case CausePistonPushed:
		return "PISTON_PUSHED"
	case CausePistonPulled:
		return "PISTON_PULLED"
	case CauseRedstoneAttached:
		return "REDSTONE_ATTACHED"
	default:
		return fmt.Sprintf("CAUSE(%d)", uint8(c))
	}
}

func ParseCause(s string) (Cause, bool) {
	for c := CauseFormed; c <= CauseRedstoneAttached; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// PistonShift links a piston record to the move that produced it: the block that
// was at From travelled to To, pushed or pulled by the piston head at Head moving in Dir.
type PistonShift struct {
	Head Pos
	Dir  Face
	From Pos
	To   Pos
}

type Record struct {
	Tick  uint64
	Pos   Pos
	Prev  State
	New   State
	Cause Cause
	Shift *PistonShift
}

// Lookup is one answer of a bulk query.
type Lookup struct {
	Pos   Pos
	State State
	Known bool
}
