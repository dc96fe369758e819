// Command replay rebuilds block history offline from the audit trail and answers
// the same questions the live tracker does.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"voxelguard.ai/internal/history"
	persistlog "voxelguard.ai/internal/persistence/log"
)

type summary struct {
	Files    int            `json:"files"`
	Changes  int            `json:"changes"`
	Pistons  int            `json:"pistons"`
	Outcomes map[string]int `json:"outcomes"`
	Worlds   []string       `json:"worlds"`
	Skipped  int            `json:"skipped"`
}

type rebuildOpts struct {
	World  string
	ToTick uint64
}

// rebuild replays every audit file under dir into a fresh tracker with no horizon.
func rebuild(dir string, opts rebuildOpts) (*history.Tracker, summary, error) {
	tr := history.NewTracker(history.Config{HorizonTicks: ^uint64(0)})
	sum := summary{Outcomes: map[string]int{}}

	files, err := persistlog.ListFiles(dir, "audit")
	if err != nil {
		return nil, sum, err
	}
	sum.Files = len(files)
	for _, f := range files {
		err := persistlog.ReadFile(f, func(e persistlog.Entry) error {
			if opts.World != "" && e.World != opts.World {
				return nil
			}
			if opts.ToTick != 0 && e.Tick > opts.ToTick {
				return nil
			}
			switch e.Type {
			case persistlog.EntryChange:
				sum.Changes++
			case persistlog.EntryPiston:
				sum.Pistons++
			case persistlog.EntryOutcome:
				sum.Outcomes[e.Result]++
			}
			if err := persistlog.Apply(e, tr); err != nil {
				sum.Skipped++
			}
			return nil
		})
		if err != nil {
			return nil, sum, fmt.Errorf("%s: %w", f, err)
		}
	}
	sum.Worlds = tr.Worlds()
	sort.Strings(sum.Worlds)
	return tr, sum, nil
}

type answer struct {
	Query   string       `json:"query"`
	World   string       `json:"world"`
	Pos     *[3]int      `json:"pos,omitempty"`
	Tick    uint64       `json:"tick"`
	State   *uint32      `json:"state,omitempty"`
	Known   *bool        `json:"known,omitempty"`
	Changed *bool        `json:"changed,omitempty"`
	Records []recordJSON `json:"records,omitempty"`
	Box     [][3]int     `json:"box,omitempty"`
}

type recordJSON struct {
	Tick  uint64  `json:"tick"`
	Prev  uint32  `json:"prev"`
	New   uint32  `json:"new"`
	Cause string  `json:"cause"`
	Head  *[3]int `json:"head,omitempty"`
}

func main() {
	var (
		auditDir = flag.String("audit", "./data/audit", "audit dir containing audit-*.jsonl.zst")
		worldID  = flag.String("world", "", "world id (required for queries)")
		posFlag  = flag.String("pos", "", "block position x,y,z")
		boxFlag  = flag.String("box", "", "AABB x1,y1,z1:x2,y2,z2 for changed_in_box")
		tick     = flag.Uint64("tick", 0, "query tick")
		toTick   = flag.Uint64("to_tick", 0, "ignore entries after tick (optional)")
		query    = flag.String("q", "summary", "summary | state_at | changed_since | records | changed_in_box")
	)
	flag.Parse()

	tr, sum, err := rebuild(*auditDir, rebuildOpts{World: *worldID, ToTick: *toTick})
	if err != nil {
		fmt.Fprintln(os.Stderr, "rebuild:", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	q := strings.ToLower(strings.TrimSpace(*query))
	if q == "summary" {
		_ = enc.Encode(sum)
		return
	}
	if *worldID == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}

	var a answer
	if q == "changed_in_box" {
		min, max, err := parseBox(*boxFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -box:", err)
			os.Exit(2)
		}
		a = answer{Query: q, World: *worldID, Tick: *tick}
		for _, p := range tr.ChangedInBox(*worldID, min, max, *tick) {
			a.Box = append(a.Box, p.ToArray())
		}
	} else {
		pos, err := history.ParsePos(*posFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -pos:", err)
			os.Exit(2)
		}
		a, err = ask(tr, q, *worldID, pos, *tick)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	_ = enc.Encode(a)
}

func ask(tr *history.Tracker, q, world string, pos history.Pos, tick uint64) (answer, error) {
	arr := pos.ToArray()
	a := answer{Query: q, World: world, Pos: &arr, Tick: tick}
	switch q {
	case "state_at":
		st, ok := tr.StateAt(world, pos, tick)
		v := uint32(st)
		a.State, a.Known = &v, &ok
	case "changed_since":
		changed := tr.ChangedSince(world, pos, tick)
		a.Changed = &changed
	case "records":
		for _, r := range tr.Records(world, pos, tick) {
			rj := recordJSON{Tick: r.Tick, Prev: uint32(r.Prev), New: uint32(r.New), Cause: r.Cause.String()}
			if r.Shift != nil {
				h := r.Shift.Head.ToArray()
				rj.Head = &h
			}
			a.Records = append(a.Records, rj)
		}
	default:
		return a, fmt.Errorf("unknown query %q", q)
	}
	return a, nil
}

func parseBox(s string) (min, max history.Pos, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return min, max, fmt.Errorf("expected x1,y1,z1:x2,y2,z2")
	}
	if min, err = history.ParsePos(parts[0]); err != nil {
		return min, max, err
	}
	if max, err = history.ParsePos(parts[1]); err != nil {
		return min, max, err
	}
	return min, max, nil
}
