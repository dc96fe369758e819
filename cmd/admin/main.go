// Command admin inspects a guard node offline (audit index, audit files) and
// online (the loopback admin endpoint).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxelguard.ai/internal/history"
	"voxelguard.ai/internal/persistence/indexdb"
	persistlog "voxelguard.ai/internal/persistence/log"
)

func main() {
	cmd := "changes"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "changes", "outcomes", "counts":
		err = dbCmd(cmd, args, os.Stdout)
	case "files":
		err = filesCmd(args, os.Stdout)
	case "state":
		err = stateCmd(args, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (changes | outcomes | counts | files | state)\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, cmd+":", err)
		os.Exit(1)
	}
}

func dbCmd(cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite index path (optional; defaults to <data>/index/audit.sqlite)")
	worldID := fs.String("world", "", "world id filter")
	posFlag := fs.String("pos", "", "block position x,y,z filter")
	since := fs.Uint64("since", 0, "only changes at or after tick")
	cause := fs.String("cause", "", "cause filter (FORMED, PISTON_PUSHED, ...)")
	result := fs.String("result", "", "outcome result filter (replayed, unresolved, ...)")
	limit := fs.Int("limit", 50, "result limit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "audit.sqlite")
	}
	r, err := indexdb.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var v any
	switch cmd {
	case "changes":
		f := indexdb.ChangeFilter{World: *worldID, SinceTick: *since, Cause: strings.ToUpper(*cause), Limit: *limit}
		if *posFlag != "" {
			p, err := history.ParsePos(*posFlag)
			if err != nil {
				return fmt.Errorf("bad -pos: %w", err)
			}
			arr := p.ToArray()
			f.Pos = &arr
		}
		if f.Cause != "" {
			if _, ok := history.ParseCause(f.Cause); !ok {
				return fmt.Errorf("unknown cause %q", *cause)
			}
		}
		v, err = r.Changes(ctx, f)
	case "outcomes":
		v, err = r.Outcomes(ctx, *result, *limit)
	case "counts":
		v, err = r.OutcomeCounts(ctx)
	}
	if err != nil {
		return err
	}
	return printJSON(out, v)
}

func filesCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("files", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	files, err := persistlog.ListFiles(filepath.Join(*dataDir, "audit"), "audit")
	if err != nil {
		return err
	}
	type fileInfo struct {
		Name  string `json:"name"`
		Bytes int64  `json:"bytes"`
	}
	infos := make([]fileInfo, 0, len(files))
	for _, f := range files {
		fi := fileInfo{Name: filepath.Base(f)}
		if st, err := os.Stat(f); err == nil {
			fi.Bytes = st.Size()
		}
		infos = append(infos, fi)
	}
	return printJSON(out, infos)
}

func stateCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	if err := fs.Parse(args); err != nil {
		return err
	}

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/state"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(out, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
