package blockprops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"voxelguard.ai/internal/history"
)

func loadRepoCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Load(filepath.Join("..", "..", "configs", "blocks.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return c
}

func TestCatalog_BlocksJSONMatchesSchema(t *testing.T) {
	s, err := jsonschema.Compile(filepath.Join("..", "..", "schemas", "blocks.schema.json"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join("..", "..", "configs", "blocks.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := s.Validate(v); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestCatalog_AirIsPaletteZero(t *testing.T) {
	c := loadRepoCatalog(t)
	if c.Palette[0] != "AIR" || c.Vacant() != 0 {
		t.Fatalf("AIR must be palette id 0, got %q", c.Palette[0])
	}
	st, ok := c.State("STONE")
	if !ok || c.Name(st) != "STONE" {
		t.Fatalf("STONE lookup round trip failed")
	}
	if c.Name(history.State(10000)) == "" {
		t.Fatalf("unknown states should still have a printable name")
	}
}

func TestCatalog_Movable(t *testing.T) {
	c := loadRepoCatalog(t)
	tests := []struct {
		id   string
		want bool
	}{
		{"STONE", true},
		{"SAND", true},
		{"AIR", false},
		{"OBSIDIAN", false},
		{"LADDER", false},
		{"SNOW_LAYER", false},
	}
	for _, tc := range tests {
		st, _ := c.State(tc.id)
		if got := c.Movable(st); got != tc.want {
			t.Fatalf("Movable(%s) = %v, want %v", tc.id, got, tc.want)
		}
	}
	if c.Movable(history.State(9999)) {
		t.Fatalf("unknown state must not be movable")
	}
}

func TestCatalog_Attached(t *testing.T) {
	c := loadRepoCatalog(t)
	lower, _ := c.State("OAK_DOOR_LOWER")
	upper, _ := c.State("OAK_DOOR_UPPER")
	p := history.Pos{X: 1, Y: 64, Z: 1}
	if got, ok := c.Attached(p, lower); !ok || got != (history.Pos{X: 1, Y: 65, Z: 1}) {
		t.Fatalf("lower half: got %v ok=%v", got, ok)
	}
	if got, ok := c.Attached(p, upper); !ok || got != (history.Pos{X: 1, Y: 63, Z: 1}) {
		t.Fatalf("upper half: got %v ok=%v", got, ok)
	}
	stone, _ := c.State("STONE")
	if _, ok := c.Attached(p, stone); ok {
		t.Fatalf("stone has no attached block")
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []string{
		`[]`,
		`[{"id":"STONE"}]`,
		`[{"id":"AIR"},{"id":""}]`,
		`[{"id":"AIR"},{"id":"AIR"}]`,
		`[{"id":"AIR","flags":["BOUNCY"]}]`,
		`{"id":"AIR"}`,
	}
	for _, raw := range tests {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}
