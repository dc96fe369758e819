package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"voxelguard.ai/internal/history"
	"voxelguard.ai/internal/host"
	"voxelguard.ai/internal/persistence/archive"
	"voxelguard.ai/internal/sched"
)

func TestOutcomeCounters(t *testing.T) {
	m := New(Sources{})
	m.Outcome(sched.Outcome{Route: sched.RouteRegion, Result: sched.ResultReplayed, Latency: time.Millisecond})
	m.Outcome(sched.Outcome{Route: sched.RouteRegion, Result: sched.ResultReplayed, Latency: 2 * time.Millisecond})
	m.Outcome(sched.Outcome{Route: sched.RouteFallback, Result: sched.ResultDropped})

	if got := testutil.ToFloat64(m.outcomes.WithLabelValues("region", "replayed")); got != 2 {
		t.Fatalf("region/replayed=%v", got)
	}
	if got := testutil.ToFloat64(m.outcomes.WithLabelValues("fallback", "dropped")); got != 1 {
		t.Fatalf("fallback/dropped=%v", got)
	}
	// Dropped events never ran, so they carry no latency.
	if n := testutil.CollectAndCount(m.latency); n != 1 {
		t.Fatalf("latency series=%d", n)
	}
}

func TestCollector_ReadsSources(t *testing.T) {
	m := New(Sources{
		Tracker: func() history.Stats { return history.Stats{Worlds: 2, Records: 10, Appended: 12, Stale: 1} },
		Scheduler: func() sched.Stats {
			return sched.Stats{Mode: sched.ModeRegionParallel, Region: 5, Fallbacks: 1, Pending: 3}
		},
		Loops: func() []host.LoopStats {
			return []host.LoopStats{{Name: "w/global", Backlog: 1, Ran: 4}, {Name: "w/r(0,0)", Ran: 9}}
		},
		Archive: func() archive.Stats { return archive.Stats{Uploads: 3, Failures: 1} },
	})
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	values := map[string]float64{}
	for _, f := range families {
		for _, mt := range f.GetMetric() {
			key := f.GetName()
			for _, l := range mt.GetLabel() {
				key += "/" + l.GetValue()
			}
			switch {
			case mt.Gauge != nil:
				values[key] = mt.GetGauge().GetValue()
			case mt.Counter != nil:
				values[key] = mt.GetCounter().GetValue()
			}
		}
	}

	want := map[string]float64{
		"voxelguard_tracker_size/worlds":                2,
		"voxelguard_tracker_size/records":               10,
		"voxelguard_tracker_records_total/appended":     12,
		"voxelguard_tracker_records_total/stale":        1,
		"voxelguard_sched_events_total/region":          5,
		"voxelguard_sched_events_total/fallback":        1,
		"voxelguard_sched_pending":                      3,
		"voxelguard_sched_mode/region-parallel":         1,
		"voxelguard_sched_mode/single-threaded":         0,
		"voxelguard_loop_backlog/w/global":              1,
		"voxelguard_loop_tasks_total/w/r(0,0)":          9,
		"voxelguard_archive_uploads_total/ok":           3,
		"voxelguard_archive_uploads_total/failed":       1,
	}
	for k, v := range want {
		got, ok := values[k]
		if !ok || got != v {
			t.Fatalf("%s=%v (present=%v), want %v", k, got, ok, v)
		}
	}
	if _, ok := values["voxelguard_bridge_connections"]; ok {
		t.Fatalf("nil source should be skipped")
	}
}
