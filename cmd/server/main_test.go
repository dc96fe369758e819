package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"voxelguard.ai/internal/blockprops"
	"voxelguard.ai/internal/config"
	"voxelguard.ai/internal/history"
	"voxelguard.ai/internal/host"
	"voxelguard.ai/internal/sched"
)

func TestSweeper_Due(t *testing.T) {
	s := newSweeper(nil, true, false, 100)
	steps := []struct {
		tick uint64
		want bool
	}{
		{50, false},
		{99, false},
		{100, true},
		{150, false},
		{350, true},
		{350, false},
		{10, false}, // world reset
		{100, true},
	}
	for i, st := range steps {
		if got := s.due("w/r(0,0)", st.tick, 100); got != st.want {
			t.Fatalf("step %d tick %d: due=%v want %v", i, st.tick, got, st.want)
		}
	}
}

func TestSweeper_HookEvictsAndAdvances(t *testing.T) {
	tr := history.NewTracker(history.Config{HorizonTicks: 10})
	pos := history.Pos{X: 3, Y: 64, Z: 3}
	tr.RecordChange("w", pos, 0, 1, 1, history.CauseFormed)
	tr.RecordChange("w", pos, 1, 2, 2, history.CauseFormed)

	s := newSweeper(tr, false, false, 50)
	s.hook(context.Background(), hostTick("w", 100, true))

	if tr.CurrentTick("w") != 100 {
		t.Fatalf("tick %d", tr.CurrentTick("w"))
	}
	if st := tr.Stats(); st.Records != 0 || st.Evicted != 2 {
		t.Fatalf("stats %+v", st)
	}
}

// settle waits until every hook posted to the world loop so far has run.
func settle(t *testing.T, rt *host.Runtime, world string) {
	t.Helper()
	done := make(chan struct{})
	if err := rt.SubmitGlobal(world, func(context.Context) { close(done) }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("world loop stalled")
	}
}

func TestSweeper_WorldTimeRewindSurvivesRuntimeTicks(t *testing.T) {
	tr := history.NewTracker(history.Config{HorizonTicks: 400, RegressionResetTicks: 20})
	rt := host.New(host.Config{ExternalClock: true}, log.New(io.Discard, "", 0))
	defer rt.Close()
	rt.OnTick(newSweeper(tr, false, true, 50).hook)

	// What the bridge does for each WORLD_TICK report.
	report := func(tick uint64) {
		rt.SetTick("w", tick)
		tr.AdvanceTick("w", tick)
	}
	pos := history.Pos{X: 1, Y: 64, Z: 1}

	report(5000)
	rt.Step()
	settle(t, rt, "w")

	report(10)
	rt.Step()
	settle(t, rt, "w")
	if got := tr.CurrentTick("w"); got != 10 {
		t.Fatalf("tracker tick after rewind and a runtime step = %d, want 10", got)
	}
	if got := rt.CurrentTick("w"); got != 10 {
		t.Fatalf("runtime tick = %d, want 10", got)
	}

	tr.RecordChange("w", pos, 0, 3, 20, history.CauseFormed)
	rt.Step()
	settle(t, rt, "w")
	if st, ok := tr.StateAt("w", pos, 20); !ok || st != 3 {
		t.Fatalf("StateAt after rewind = %v known=%v stats=%+v", st, ok, tr.Stats())
	}
	if st := tr.Stats(); st.Resets != 1 || st.Stale != 0 {
		t.Fatalf("stats %+v", st)
	}
}

func TestSweeper_ExternalClockLeavesTrackerTick(t *testing.T) {
	tr := history.NewTracker(history.Config{HorizonTicks: 10})
	s := newSweeper(tr, false, true, 50)
	s.hook(context.Background(), hostTick("w", 100, true))
	if got := tr.CurrentTick("w"); got != 0 {
		t.Fatalf("tracker tick moved to %d", got)
	}
}

func hostTick(world string, tick uint64, global bool) host.Tick {
	return host.Tick{World: world, Tick: tick, Global: global}
}

func TestOpenIndexBackends(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	b, err := openIndexBackends(t.TempDir(), config.Index{Backend: "none"}, nil, logger)
	if err != nil || len(b.writers()) != 0 {
		t.Fatalf("none: %v %d", err, len(b.writers()))
	}
	b.Close()

	cat, err := blockprops.Load(filepath.Join("..", "..", "configs", "blocks.json"))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	b, err = openIndexBackends(t.TempDir(), config.Index{Backend: "sqlite"}, cat, logger)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer b.Close()
	if b.sqlite == nil || b.d1 != nil || len(b.writers()) != 1 {
		t.Fatalf("backends %+v", b)
	}
}

func TestAdminStateHandler_LoopbackOnly(t *testing.T) {
	h := adminStateHandler(func() any {
		return adminState{Scheduler: sched.Stats{Mode: sched.ModeRegionParallel, Scheduled: 3}}
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote caller got %d", rec.Code)
	}

	req.RemoteAddr = "127.0.0.1:40000"
	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("loopback caller got %d", rec.Code)
	}
	var got struct {
		Scheduler struct {
			Mode      string
			Scheduled uint64
		} `json:"scheduler"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Scheduler.Mode != "region-parallel" || got.Scheduler.Scheduled != 3 {
		t.Fatalf("state %+v", got)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:1": true,
		"[::1]:8080":  true,
		"10.0.0.2:80": false,
		"garbage":     false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: %v", addr, got)
		}
	}
}
