package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"voxelguard.ai/internal/deferred"
	"voxelguard.ai/internal/history"
)

// ListFiles returns <prefix>-*.jsonl.zst files in dir, oldest first.
func ListFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadFile calls fn for every entry of one audit file. A non-nil error from fn
// stops the scan and is returned.
func ReadFile(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s:%d: unmarshal: %w", filepath.Base(path), line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadDir reads every audit file in dir in order.
func ReadDir(dir string, fn func(Entry) error) error {
	files, err := ListFiles(dir, "audit")
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := ReadFile(path, fn); err != nil {
			return err
		}
	}
	return nil
}

// Apply feeds a change or piston entry back into rec. Other entry types are ignored.
func Apply(e Entry, rec deferred.Recorder) error {
	switch e.Type {
	case EntryChange:
		if e.Pos == nil {
			return fmt.Errorf("change entry without pos")
		}
		cause, ok := history.ParseCause(e.Cause)
		if !ok {
			return fmt.Errorf("change entry: unknown cause %q", e.Cause)
		}
		rec.RecordChange(e.World, history.PosFromArray(*e.Pos), history.State(e.Prev), history.State(e.New), e.Tick, cause)
	case EntryPiston:
		if e.Head == nil {
			return fmt.Errorf("piston entry without head")
		}
		cause, ok := history.ParseCause(e.Cause)
		if !ok {
			return fmt.Errorf("piston entry: unknown cause %q", e.Cause)
		}
		dir, ok := history.ParseFace(e.Dir)
		if !ok {
			return fmt.Errorf("piston entry: unknown dir %q", e.Dir)
		}
		moved := make([]history.Moved, 0, len(e.Moved))
		for _, m := range e.Moved {
			moved = append(moved, history.Moved{From: history.PosFromArray(m.From), State: history.State(m.State)})
		}
		rec.RecordPistonMove(e.World, history.PosFromArray(*e.Head), dir, cause, moved, e.Tick)
	}
	return nil
}
