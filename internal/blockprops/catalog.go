package blockprops

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"voxelguard.ai/internal/history"
)

type Flag uint64

const (
	FlagSolid Flag = 1 << iota
	FlagLiquid
	FlagClimbable
	FlagMovable
	// FlagMovableIgnore marks blocks a piston would break or skip rather than move.
	FlagMovableIgnore
	FlagAttachedUp
	FlagAttachedDown
)

var flagNames = map[string]Flag{
	"SOLID":          FlagSolid,
	"LIQUID":         FlagLiquid,
	"CLIMBABLE":      FlagClimbable,
	"MOVABLE":        FlagMovable,
	"MOVABLE_IGNORE": FlagMovableIgnore,
	"ATTACHED_UP":    FlagAttachedUp,
	"ATTACHED_DOWN":  FlagAttachedDown,
}

type BlockDef struct {
	ID    string   `json:"id"`
	Flags []string `json:"flags,omitempty"`
}

// Catalog is the block-properties table. Palette index 0 is always AIR, which is
// also the state of a cell a piston vacates.
type Catalog struct {
	Palette []string
	Index   map[string]history.State
	Defs    map[string]BlockDef
	Digest  string

	flags []Flag
}

func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var defs []BlockDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("blocks.json: %w", err)
	}
	c := &Catalog{Defs: map[string]BlockDef{}}
	sum := sha256.Sum256(raw)
	c.Digest = hex.EncodeToString(sum[:])

	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("blocks.json: empty id")
		}
		if _, dup := c.Defs[d.ID]; dup {
			return nil, fmt.Errorf("blocks.json: duplicate id %s", d.ID)
		}
		c.Defs[d.ID] = d
	}
	if _, ok := c.Defs["AIR"]; !ok {
		return nil, fmt.Errorf("blocks.json: missing AIR")
	}

	ids := make([]string, 0, len(c.Defs))
	for id := range c.Defs {
		if id != "AIR" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	c.Palette = append([]string{"AIR"}, ids...)
	c.Index = make(map[string]history.State, len(c.Palette))
	c.flags = make([]Flag, len(c.Palette))
	for i, id := range c.Palette {
		c.Index[id] = history.State(i)
		for _, name := range c.Defs[id].Flags {
			f, ok := flagNames[name]
			if !ok {
				return nil, fmt.Errorf("blocks.json: %s: unknown flag %q", id, name)
			}
			c.flags[i] |= f
		}
	}
	return c, nil
}

func (c *Catalog) Vacant() history.State { return 0 }

func (c *Catalog) State(id string) (history.State, bool) {
	st, ok := c.Index[id]
	return st, ok
}

func (c *Catalog) Name(st history.State) string {
	if int(st) >= len(c.Palette) {
		return fmt.Sprintf("UNKNOWN(%d)", st)
	}
	return c.Palette[st]
}

// Flags of an unknown state are zero.
func (c *Catalog) Flags(st history.State) Flag {
	if int(st) >= len(c.flags) {
		return 0
	}
	return c.flags[st]
}

func (c *Catalog) Has(st history.State, f Flag) bool { return c.Flags(st)&f != 0 }

// Movable reports whether a piston moves the block rather than ignoring it.
func (c *Catalog) Movable(st history.State) bool {
	f := c.Flags(st)
	return f&FlagMovable != 0 && f&FlagMovableIgnore == 0
}

// Attached returns the block logically attached to st at pos, e.g. the upper half
// of a door whose lower half was toggled.
func (c *Catalog) Attached(pos history.Pos, st history.State) (history.Pos, bool) {
	f := c.Flags(st)
	switch {
	case f&FlagAttachedUp != 0:
		return history.FaceUp.Relative(pos, 1), true
	case f&FlagAttachedDown != 0:
		return history.FaceDown.Relative(pos, 1), true
	}
	return history.Pos{}, false
}
